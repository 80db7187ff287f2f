package workflow

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRandomizeSeedsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every -1 seed becomes an integer in [0, 2^31)", prop.ForAll(
		func(seed int64, autoNodes uint8, fixedNodes uint8) bool {
			g := make(Graph)
			auto := int(autoNodes%8) + 1
			fixed := int(fixedNodes % 8)
			for i := 0; i < auto; i++ {
				g[fmt.Sprintf("a%d", i)] = Node{ClassType: "KSampler", Inputs: map[string]any{"seed": -1, "steps": 20}}
			}
			for i := 0; i < fixed; i++ {
				g[fmt.Sprintf("f%d", i)] = Node{ClassType: "KSampler", Inputs: map[string]any{"seed": 42, "steps": 20}}
			}

			rng := rand.New(rand.NewPCG(uint64(seed), 7))
			chosen := RandomizeSeeds(g, rng)

			if len(chosen) != auto {
				return false
			}
			for id, val := range chosen {
				if val < 0 || val >= 1<<31 {
					return false
				}
				if g[id].Inputs["seed"] != val {
					return false
				}
			}
			for i := 0; i < fixed; i++ {
				if g[fmt.Sprintf("f%d", i)].Inputs["seed"] != 42 {
					return false
				}
			}
			return true
		},
		gen.Int64(), gen.UInt8(), gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestRandomizeSeedsVariants(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		randomize bool
	}{
		{"int -1", -1, true},
		{"float64 -1", float64(-1), true},
		{"int64 -1", int64(-1), true},
		{"fixed int", 7, false},
		{"fixed zero", 0, false},
		{"string value", "-1", false},
		{"nil value", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Graph{"1": {ClassType: "K", Inputs: map[string]any{"seed": tt.value}}}
			chosen := RandomizeSeeds(g, nil)
			if tt.randomize {
				if len(chosen) != 1 {
					t.Fatalf("expected a replacement, got %v", chosen)
				}
				return
			}
			if len(chosen) != 0 {
				t.Fatalf("expected no replacement, got %v", chosen)
			}
			if got := g["1"].Inputs["seed"]; got != tt.value && !(tt.value == nil && got == nil) {
				t.Errorf("seed input changed: %v", got)
			}
		})
	}
}

func TestRandomizeSeedsNoSeedInput(t *testing.T) {
	g := Graph{"1": {ClassType: "K", Inputs: map[string]any{"steps": 20}}}
	if chosen := RandomizeSeeds(g, nil); len(chosen) != 0 {
		t.Errorf("node without a seed input must be untouched, got %v", chosen)
	}
}
