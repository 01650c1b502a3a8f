package engine

import (
	"context"
	"math"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/dmeiborg/statespace/configuration"
	"github.com/dmeiborg/statespace/resources"
	"github.com/dmeiborg/statespace/rules"
)

func unlimited() resources.Resource {
	return resources.Resource{
		Capacity:          resources.Capacity{Kind: resources.Unlimited},
		CapacityPerEntity: resources.Capacity{Kind: resources.Unlimited},
	}
}

// TestSingleDeterministicRule is scenario S1: one rule, weight 1, always applies.
func TestSingleDeterministicRule(t *testing.T) {
	Convey("Given a single deterministic increment rule", t, func() {
		resourceDefs := map[string]resources.Resource{"x": unlimited()}
		init := configuration.New(map[string]map[string]configuration.Amount{"A": {"x": 0}})

		inc := rules.Rule{
			Description:       "increment A.x",
			ProbabilityWeight: 1.0,
			Condition:         func(configuration.Configuration) bool { return true },
			Actions: func(cfg configuration.Configuration) []rules.Action {
				x, _ := cfg.Get("A", "x")
				return []rules.Action{{Entity: "A", Resource: "x", NewAmount: x + 1}}
			},
		}

		sim, err := New(resourceDefs, init, map[string]rules.Rule{"inc": inc})
		So(err, ShouldBeNil)

		Convey("After step 1, the single reachable state has probability 1 and zero entropy", func() {
			So(sim.NextStep(context.Background()), ShouldBeNil)
			reachable := sim.ReachableStates()
			So(reachable, ShouldHaveLength, 1)
			for _, p := range reachable {
				So(p, ShouldAlmostEqual, 1.0, 1e-9)
			}
			So(sim.Entropy(), ShouldAlmostEqual, 0.0, 1e-9)
			So(sim.PossibleStates(), ShouldHaveLength, 2)
		})

		Convey("After step 10, entropy is still zero and possible_states has grown to 11", func() {
			for i := 0; i < 10; i++ {
				So(sim.NextStep(context.Background()), ShouldBeNil)
			}
			So(sim.Entropy(), ShouldAlmostEqual, 0.0, 1e-9)
			So(sim.PossibleStates(), ShouldHaveLength, 11)
		})
	})
}

// TestTwoMutuallyExclusiveRules is scenario S2.
func TestTwoMutuallyExclusiveRules(t *testing.T) {
	Convey("Given up (weight 0.5) and down (weight 0.5, guarded by x>0)", t, func() {
		resourceDefs := map[string]resources.Resource{"x": unlimited()}
		init := configuration.New(map[string]map[string]configuration.Amount{"A": {"x": 0}})

		up := rules.Rule{
			ProbabilityWeight: 0.5,
			Condition:         func(configuration.Configuration) bool { return true },
			Actions: func(cfg configuration.Configuration) []rules.Action {
				x, _ := cfg.Get("A", "x")
				return []rules.Action{{Entity: "A", Resource: "x", NewAmount: x + 1}}
			},
		}
		down := rules.Rule{
			ProbabilityWeight: 0.5,
			Condition: func(cfg configuration.Configuration) bool {
				x, _ := cfg.Get("A", "x")
				return x > 0
			},
			Actions: func(cfg configuration.Configuration) []rules.Action {
				x, _ := cfg.Get("A", "x")
				return []rules.Action{{Entity: "A", Resource: "x", NewAmount: x - 1}}
			},
		}

		sim, err := New(resourceDefs, init, map[string]rules.Rule{"up": up, "down": down})
		So(err, ShouldBeNil)

		Convey("Step 1 splits mass 0.5/0.5 between x=0 and x=1, entropy is 1 bit", func() {
			So(sim.NextStep(context.Background()), ShouldBeNil)
			reachable := sim.ReachableStates()
			So(reachable, ShouldHaveLength, 2)
			for _, p := range reachable {
				So(p, ShouldAlmostEqual, 0.5, 1e-9)
			}
			So(sim.Entropy(), ShouldAlmostEqual, 1.0, 1e-9)
		})
	})
}

func ringResources() map[string]resources.Resource {
	return map[string]resources.Resource{
		"token": {
			Capacity:          resources.Capacity{Kind: resources.Limited, Limit: 1},
			CapacityPerEntity: resources.Capacity{Kind: resources.Limited, Limit: 1},
		},
	}
}

func ringInitial(n int) configuration.Configuration {
	entities := make(map[string]map[string]configuration.Amount, n)
	for i := 0; i < n; i++ {
		amount := configuration.Amount(0)
		if i == 0 {
			amount = 1
		}
		entities[binName(i)] = map[string]configuration.Amount{"token": amount}
	}
	return configuration.New(entities)
}

func binName(i int) string {
	return "bin" + string(rune('0'+i))
}

func ringRules(n int) map[string]rules.Rule {
	holder := func(cfg configuration.Configuration) (int, string) {
		for i := 0; i < n; i++ {
			name := binName(i)
			if v, _ := cfg.Get(name, "token"); v > 0 {
				return i, name
			}
		}
		return -1, ""
	}
	move := func(delta int) func(configuration.Configuration) []rules.Action {
		return func(cfg configuration.Configuration) []rules.Action {
			i, name := holder(cfg)
			next := ((i+delta)%n + n) % n
			return []rules.Action{
				{Entity: name, Resource: "token", NewAmount: 0},
				{Entity: binName(next), Resource: "token", NewAmount: 1},
			}
		}
	}
	always := func(configuration.Configuration) bool { return true }
	return map[string]rules.Rule{
		"forward":  {ProbabilityWeight: 1.0, Condition: always, Actions: move(1)},
		"backward": {ProbabilityWeight: 1.0, Condition: always, Actions: move(-1)},
	}
}

// TestDoublyStochasticRing is scenario S3.
func TestDoublyStochasticRing(t *testing.T) {
	Convey("Given a 7-bin ring with forward/backward token rules, both weight 1", t, func() {
		n := 7
		sim, err := New(ringResources(), ringInitial(n), ringRules(n))
		So(err, ShouldBeNil)

		Convey("After 7 steps the explored graph covers 7 nodes and has edges", func() {
			for i := 0; i < n; i++ {
				So(sim.NextStep(context.Background()), ShouldBeNil)
			}
			So(sim.PossibleStates(), ShouldHaveLength, 7)
			dotSrc := sim.Graph().String()
			So(strings.Count(dotSrc, "->"), ShouldBeGreaterThan, 0)
		})

		Convey("IsDoublyStochastic returns true and uniform entropy is log2(7)", func() {
			isDS, err := sim.IsDoublyStochastic(context.Background(), 2*n)
			So(err, ShouldBeNil)
			So(isDS, ShouldBeTrue)

			uniformEntropy := Entropy(map[configuration.Hash]float64{
				0: 1.0 / 7, 1: 1.0 / 7, 2: 1.0 / 7, 3: 1.0 / 7, 4: 1.0 / 7, 5: 1.0 / 7, 6: 1.0 / 7,
			})
			So(uniformEntropy, ShouldAlmostEqual, math.Log2(7), 1e-6)
		})
	})
}

// TestCapacityViolation is scenario S4.
func TestCapacityViolation(t *testing.T) {
	Convey("Given a global limit of 10 and a rule that unconditionally sets x=11", t, func() {
		resourceDefs := map[string]resources.Resource{
			"x": {
				Capacity:          resources.Capacity{Kind: resources.Limited, Limit: 10},
				CapacityPerEntity: resources.Capacity{Kind: resources.Limited, Limit: 10},
			},
		}
		init := configuration.New(map[string]map[string]configuration.Amount{"A": {"x": 8}})
		overflow := rules.Rule{
			ProbabilityWeight: 1.0,
			Condition:         func(configuration.Configuration) bool { return true },
			Actions: func(configuration.Configuration) []rules.Action {
				return []rules.Action{{Entity: "A", Resource: "x", NewAmount: 11}}
			},
		}
		sim, err := New(resourceDefs, init, map[string]rules.Rule{"overflow": overflow})
		So(err, ShouldBeNil)

		Convey("NextStep fails", func() {
			So(sim.NextStep(context.Background()), ShouldNotBeNil)
		})
	})
}

// TestMassConservationAcrossBranching is scenario S5, and pins the §4.4 formula
// (pred_prob explicitly multiplied in, not the historical bare-state.probability
// variant noted in SPEC_FULL.md §11.4).
func TestMassConservationAcrossBranching(t *testing.T) {
	Convey("Given three applicable rules with weights 0.2, 0.3, 0.4 and distinct successors", t, func() {
		resourceDefs := map[string]resources.Resource{"x": unlimited()}
		init := configuration.New(map[string]map[string]configuration.Amount{"A": {"x": 0}})

		mk := func(weight, target float64) rules.Rule {
			return rules.Rule{
				ProbabilityWeight: weight,
				Condition:         func(configuration.Configuration) bool { return true },
				Actions: func(configuration.Configuration) []rules.Action {
					return []rules.Action{{Entity: "A", Resource: "x", NewAmount: target}}
				},
			}
		}
		ruleDefs := map[string]rules.Rule{
			"r1": mk(0.2, 1),
			"r2": mk(0.3, 2),
			"r3": mk(0.4, 3),
		}
		sim, err := New(resourceDefs, init, ruleDefs)
		So(err, ShouldBeNil)

		Convey("Step 1 splits mass per the formula and sums to 1", func() {
			So(sim.NextStep(context.Background()), ShouldBeNil)
			reachable := sim.ReachableStates()

			stay := 0.8 * 0.7 * 0.6
			remainder := 1 - stay
			wantStay := stay
			want1 := remainder * (0.2 / 0.9)
			want2 := remainder * (0.3 / 0.9)
			want3 := remainder * (0.4 / 0.9)

			sum := 0.0
			for _, p := range reachable {
				sum += p
			}
			So(sum, ShouldAlmostEqual, 1.0, 1e-7)

			initHash := init.Hash()
			So(reachable[initHash], ShouldAlmostEqual, wantStay, 1e-9)

			got := make([]float64, 0, 3)
			for h, p := range reachable {
				if h == initHash {
					continue
				}
				got = append(got, p)
			}
			So(got, ShouldHaveLength, 3)
			sumOthers := got[0] + got[1] + got[2]
			So(sumOthers, ShouldAlmostEqual, want1+want2+want3, 1e-9)
		})
	})
}

// TestCacheHit is scenario S6: a rule evaluated twice on the same predecessor must
// not re-evaluate its condition or actions the second time.
func TestCacheHit(t *testing.T) {
	Convey("Given a deterministic rule with counting condition/action functions", t, func() {
		resourceDefs := map[string]resources.Resource{"x": unlimited()}
		init := configuration.New(map[string]map[string]configuration.Amount{"A": {"x": 0}})

		conditionCalls := 0
		actionCalls := 0
		rule := rules.Rule{
			ProbabilityWeight: 1.0,
			Condition: func(configuration.Configuration) bool {
				conditionCalls++
				return true
			},
			Actions: func(cfg configuration.Configuration) []rules.Action {
				actionCalls++
				x, _ := cfg.Get("A", "x")
				return []rules.Action{{Entity: "A", Resource: "x", NewAmount: x + 1}}
			},
		}
		sim, err := New(resourceDefs, init, map[string]rules.Rule{"r": rule})
		So(err, ShouldBeNil)

		// Two predecessors with the *same* hash never arise naturally in one step, so
		// this test expands the initial state once through NextStep (which commits its
		// successor to possible_states, the precondition for reusing a cached action)
		// and then a second time via direct use of the package-level expand path.
		Convey("Expanding the same predecessor hash twice hits the cache the second time", func() {
			predHash := init.Hash()
			So(sim.NextStep(context.Background()), ShouldBeNil)
			_, err := sim.expand(predHash, 1.0)
			So(err, ShouldBeNil)

			So(conditionCalls, ShouldEqual, 1)
			So(actionCalls, ShouldEqual, 1)
		})
	})
}

func TestInvalidProbabilityWeight(t *testing.T) {
	Convey("Given a rule with weight > 1", t, func() {
		resourceDefs := map[string]resources.Resource{"x": unlimited()}
		init := configuration.New(map[string]map[string]configuration.Amount{"A": {"x": 0}})
		bad := rules.Rule{ProbabilityWeight: 1.5, Condition: func(configuration.Configuration) bool { return true }}

		Convey("New rejects it at construction", func() {
			_, err := New(resourceDefs, init, map[string]rules.Rule{"bad": bad})
			So(err, ShouldNotBeNil)
		})
	})
}
