package engine

import (
	"context"
	"math"

	"github.com/dmeiborg/statespace/configuration"
)

// DoublyStochasticTolerance bounds the entropy difference the doubly-stochastic test
// accepts as "unchanged", per spec.md §4.6's stated fix for the fragility of exact
// float equality.
const DoublyStochasticTolerance = 1e-9

// Entropy computes the Shannon entropy in bits of a probability distribution over
// configuration hashes. Zero-probability entries contribute nothing (spec.md §4.6);
// log2(0) is never evaluated.
func Entropy(dist map[configuration.Hash]float64) float64 {
	h := 0.0
	for _, p := range dist {
		if p <= 0 {
			continue
		}
		h -= p * math.Log2(p)
	}
	return h
}

// IsDoublyStochastic decides whether the induced transition operator satisfies
// M*u = u for u uniform over possible_states, per the procedure of spec.md §4.6:
// explore to a fixed point, build the uniform distribution over the resulting
// support, take one step of the operator against it, and compare entropies before
// and after within DoublyStochasticTolerance. This runs on a *copy* of the receiver
// reached via a scratch Simulation sharing the same model, so it never mutates s's
// own exploration state.
func (s *Simulation) IsDoublyStochastic(ctx context.Context, maxSteps int) (bool, error) {
	scratch, err := New(s.resourceDefs, s.initial, s.ruleDefs,
		WithWorkers(s.Workers), WithDeterministic(s.Deterministic))
	if err != nil {
		return false, err
	}

	prevCount := -1
	for steps := 0; steps < maxSteps && prevCount != len(scratch.possibleStates); steps++ {
		prevCount = len(scratch.possibleStates)
		if err := scratch.NextStep(ctx); err != nil {
			return false, err
		}
	}

	uniform := make(map[configuration.Hash]float64, len(scratch.possibleStates))
	p := 1.0 / float64(len(scratch.possibleStates))
	for h := range scratch.possibleStates {
		uniform[h] = p
	}
	h0 := Entropy(uniform)

	scratch.reachableStates = uniform
	if err := scratch.NextStep(ctx); err != nil {
		return false, err
	}
	h1 := scratch.entropy

	return math.Abs(h0-h1) < DoublyStochasticTolerance, nil
}
