package workflow

import (
	"encoding/json"
	"math/rand/v2"
)

// seedMax bounds auto-generated seeds to non-negative 31-bit integers,
// which every sampler node accepts.
const seedMax = int64(1) << 31

// RandomizeSeeds replaces every node input named "seed" whose value is -1
// with a fresh random integer in [0, 2^31) and returns the chosen values
// keyed by node id. The graph is mutated in place, so callers clone first.
// A nil rng falls back to the shared global source.
func RandomizeSeeds(g Graph, rng *rand.Rand) map[string]int64 {
	var chosen map[string]int64
	for id, n := range g {
		v, ok := n.Inputs["seed"]
		if !ok || !isNegOne(v) {
			continue
		}
		seed := randomSeed(rng)
		n.Inputs["seed"] = seed
		if chosen == nil {
			chosen = make(map[string]int64)
		}
		chosen[id] = seed
	}
	return chosen
}

func randomSeed(rng *rand.Rand) int64 {
	if rng != nil {
		return rng.Int64N(seedMax)
	}
	return rand.Int64N(seedMax)
}

func isNegOne(v any) bool {
	switch x := v.(type) {
	case int:
		return x == -1
	case int32:
		return x == -1
	case int64:
		return x == -1
	case float64:
		return x == -1
	case float32:
		return x == -1
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == -1
	default:
		return false
	}
}
