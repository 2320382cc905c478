package warmup

import (
	"math/rand"

	"warmupd/internal/storage"
)

// destination is the outcome of one destination draw.
type destination struct {
	IsGroup bool
	Targets []string
}

// selectDestination decides group vs individual and assembles the target
// pool. All chance fields are fractions in [0,1] compared against a
// uniform [0,1) draw. The result is never empty: with no usable
// individual targets the default external pool is returned.
func selectDestination(cfg *storage.WarmupConfig, rng *rand.Rand) destination {
	if cfg.EnableGroupMessages && len(cfg.TargetGroups) > 0 && rng.Float64() < cfg.GroupChance {
		return destination{IsGroup: true, Targets: append([]string(nil), cfg.TargetGroups...)}
	}

	targets := append([]string(nil), cfg.TargetNumbers...)
	if cfg.UseExternalNumbers && rng.Float64() < cfg.ExternalNumbersChance {
		ext := cfg.ExternalNumbers
		if len(ext) == 0 {
			ext = storage.DefaultExternalNumbers
		}
		targets = append(targets, ext...)
	}
	if len(targets) == 0 {
		targets = append(targets, storage.DefaultExternalNumbers...)
	}
	return destination{Targets: targets}
}

// pickTarget draws one concrete target from the pool.
func pickTarget(d destination, rng *rand.Rand) string {
	return d.Targets[rng.Intn(len(d.Targets))]
}
