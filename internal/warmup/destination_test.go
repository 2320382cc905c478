package warmup

import (
	"math/rand"
	"testing"

	"warmupd/internal/storage"
)

func TestSelectDestinationGroupPath(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	always := &storage.WarmupConfig{
		EnableGroupMessages: true,
		GroupChance:         1.0,
		TargetGroups:        []string{"g1@g.us"},
		TargetNumbers:       []string{"n1"},
	}
	for i := 0; i < 100; i++ {
		d := selectDestination(always, rng)
		if !d.IsGroup || len(d.Targets) != 1 || d.Targets[0] != "g1@g.us" {
			t.Fatalf("groupChance=1 must always pick the group: %+v", d)
		}
	}

	never := &storage.WarmupConfig{
		EnableGroupMessages: true,
		GroupChance:         0,
		TargetGroups:        []string{"g1@g.us"},
		TargetNumbers:       []string{"n1"},
	}
	for i := 0; i < 100; i++ {
		if d := selectDestination(never, rng); d.IsGroup {
			t.Fatalf("groupChance=0 must never pick the group")
		}
	}

	// Group disabled wins over chance.
	disabled := &storage.WarmupConfig{
		EnableGroupMessages: false,
		GroupChance:         1.0,
		TargetGroups:        []string{"g1@g.us"},
		TargetNumbers:       []string{"n1"},
	}
	if d := selectDestination(disabled, rng); d.IsGroup {
		t.Fatalf("disabled group messaging must not return the group")
	}
}

func TestSelectDestinationExternalNumbers(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	cfg := &storage.WarmupConfig{
		TargetNumbers:         []string{"n1"},
		UseExternalNumbers:    true,
		ExternalNumbersChance: 1.0,
		ExternalNumbers:       []string{"ext1", "ext2"},
	}
	d := selectDestination(cfg, rng)
	if d.IsGroup || len(d.Targets) != 3 {
		t.Fatalf("want configured + external targets, got %+v", d)
	}

	// Configured external list empty: the default pool is appended.
	cfg.ExternalNumbers = nil
	d = selectDestination(cfg, rng)
	if len(d.Targets) != 1+len(storage.DefaultExternalNumbers) {
		t.Fatalf("want default external pool appended, got %d targets", len(d.Targets))
	}
}

func TestSelectDestinationNeverEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	empty := &storage.WarmupConfig{}
	for i := 0; i < 50; i++ {
		d := selectDestination(empty, rng)
		if len(d.Targets) == 0 {
			t.Fatalf("destination pool must never be empty")
		}
		if d.Targets[0] != storage.DefaultExternalNumbers[0] {
			t.Fatalf("empty config must fall back to the default pool: %+v", d.Targets)
		}
		if tgt := pickTarget(d, rng); tgt == "" {
			t.Fatalf("pickTarget returned empty target")
		}
	}
}
