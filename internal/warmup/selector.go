package warmup

import (
	"math/rand"

	"warmupd/internal/storage"
)

// selectMessageType draws uniformly among the types the config enables.
// Text is always eligible; media types require EnableMediaMessages.
func selectMessageType(cfg *storage.WarmupConfig, rng *rand.Rand) storage.MessageType {
	types := []storage.MessageType{storage.TypeText}
	if cfg.EnableMediaMessages {
		types = append(types,
			storage.TypeImage, storage.TypeVideo, storage.TypeAudio, storage.TypeSticker)
	}
	if cfg.EnableReactions {
		types = append(types, storage.TypeReaction)
	}
	if cfg.EnableReplies {
		types = append(types, storage.TypeReply)
	}
	return types[rng.Intn(len(types))]
}

// contentTypeFor maps a send type to the content type it consumes.
// Replies reuse text contents.
func contentTypeFor(t storage.MessageType) storage.MessageType {
	if t == storage.TypeReply {
		return storage.TypeText
	}
	return t
}

// selectContent performs the weighted draw over eligible contents of the
// requested type. Eligibility: type match, active, daily cap not reached.
// Returns false when nothing is eligible.
func selectContent(contents []storage.ContentItem, t storage.MessageType, rng *rand.Rand) (storage.ContentItem, bool) {
	eligible := make([]storage.ContentItem, 0, len(contents))
	total := 0.0
	for _, c := range contents {
		if c.Type != t || !c.IsActive {
			continue
		}
		if c.CurrentDailyUsage >= c.MaxUsagePerDay {
			continue
		}
		eligible = append(eligible, c)
		if c.UsageWeight > 0 {
			total += c.UsageWeight
		}
	}
	if len(eligible) == 0 {
		return storage.ContentItem{}, false
	}
	// Degenerate weights (all <= 0): fall back to the first eligible item.
	if total <= 0 {
		return eligible[0], true
	}

	r := rng.Float64() * total
	for _, c := range eligible {
		if c.UsageWeight <= 0 {
			continue
		}
		r -= c.UsageWeight
		if r <= 0 {
			return c, true
		}
	}
	return eligible[0], true
}
