// Package engine implements the step-advancement core of the explorer: the
// transition expander, the step driver, entropy/graph queries, and the Simulation
// façade that ties them together (spec.md §4, §6).
package engine

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dmeiborg/statespace/configuration"
	"github.com/dmeiborg/statespace/resources"
	"github.com/dmeiborg/statespace/rules"
)

// MassTolerance bounds how far the sum of reachable-state probabilities may drift
// from 1 before a step is rejected as MassConservationViolated (spec.md §3 invariant 1).
const MassTolerance = 1e-7

var (
	// ErrMassConservationViolated is returned by NextStep when the post-step
	// probability sum falls outside [1-MassTolerance, 1+MassTolerance].
	ErrMassConservationViolated = errors.New("mass conservation violated")
)

// Simulation owns the immutable model (resources, rules, initial configuration) and
// the mutable exploration state (possible/reachable states, per-rule caches, time,
// entropy), per spec.md §3.
type Simulation struct {
	resourceDefs map[string]resources.Resource
	ruleDefs     map[string]rules.Rule
	ruleNames    []string // sorted once at construction: deterministic iteration order (spec.md §4.4)
	caches       map[string]*rules.Cache

	initial configuration.Configuration

	possibleStates  map[configuration.Hash]configuration.Configuration
	reachableStates map[configuration.Hash]float64

	time    uint64
	entropy float64

	logger *zap.Logger

	// Deterministic, when true, makes the step driver's final merge walk successor
	// hashes in sorted order rather than map/channel arrival order. Float addition
	// is only approximately associative (spec.md §5); this trades a little speed for
	// bit-exact reproducibility across runs.
	Deterministic bool

	// Workers bounds the step driver's worker-pool size. Zero means "pick a
	// reasonable default" (runtime.GOMAXPROCS(0)).
	Workers int
}

// Option configures a Simulation at construction.
type Option func(*Simulation)

// WithLogger attaches a structured logger (nil-safe; defaults to zap.NewNop()).
func WithLogger(l *zap.Logger) Option {
	return func(s *Simulation) { s.logger = l }
}

// WithWorkers overrides the step driver's worker-pool size.
func WithWorkers(n int) Option {
	return func(s *Simulation) { s.Workers = n }
}

// WithDeterministic enables (or explicitly disables) sorted-order merging for
// bit-exact reproducibility across runs, per spec.md §5's stated configuration
// option.
func WithDeterministic(enabled bool) Option {
	return func(s *Simulation) { s.Deterministic = enabled }
}

// New constructs a Simulation: the initial configuration is inserted with
// probability 1 into both reachable_states and possible_states, and an empty cache
// is allocated per rule (spec.md §3 Lifecycle). Every rule's ProbabilityWeight is
// validated up front, per the construction-time check spec.md §7 recommends over
// the lazy, first-use alternative.
func New(resourceDefs map[string]resources.Resource, initial configuration.Configuration, ruleDefs map[string]rules.Rule, opts ...Option) (*Simulation, error) {
	ruleNames := make([]string, 0, len(ruleDefs))
	caches := make(map[string]*rules.Cache, len(ruleDefs))
	for name, r := range ruleDefs {
		if err := rules.ValidateWeight(r.ProbabilityWeight); err != nil {
			return nil, errors.Wrapf(err, "rule %q", name)
		}
		ruleNames = append(ruleNames, name)
		caches[name] = rules.NewCache()
	}
	sort.Strings(ruleNames)

	initHash := initial.Hash()
	s := &Simulation{
		resourceDefs:    resourceDefs,
		ruleDefs:        ruleDefs,
		ruleNames:       ruleNames,
		caches:          caches,
		initial:         initial,
		possibleStates:  map[configuration.Hash]configuration.Configuration{initHash: initial},
		reachableStates: map[configuration.Hash]float64{initHash: 1.0},
		time:            0,
		entropy:         0,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// NextStep advances the simulation by one step: every reachable state is expanded
// via the applicable rules, successors are merged by hash, possible_states and the
// per-rule caches are extended, mass conservation is verified, entropy is
// recomputed, and time is incremented (spec.md §4.5).
func (s *Simulation) NextStep(ctx context.Context) error {
	snapshot := make([]predMass, 0, len(s.reachableStates))
	for h, p := range s.reachableStates {
		snapshot = append(snapshot, predMass{hash: h, prob: p})
	}

	result, err := s.runStep(ctx, snapshot)
	if err != nil {
		return err
	}
	newReachable := result.reachable
	newConfigs := result.newConfigs

	sum := 0.0
	for _, p := range newReachable {
		sum += p
	}
	if math.Abs(sum-1.0) > MassTolerance {
		s.logger.Error("mass conservation violated",
			zap.Float64("sum", sum), zap.Uint64("time", s.time))
		return errors.Wrapf(ErrMassConservationViolated, "sum %v at time %d", sum, s.time)
	}

	for h, cfg := range newConfigs {
		if _, exists := s.possibleStates[h]; !exists {
			s.possibleStates[h] = cfg
		}
	}
	s.reachableStates = newReachable
	s.time++
	s.entropy = Entropy(s.reachableStates)

	s.logger.Debug("step complete",
		zap.Uint64("time", s.time),
		zap.Int("reachable", len(s.reachableStates)),
		zap.Int("possible", len(s.possibleStates)),
		zap.Float64("entropy", s.entropy))

	return nil
}

// Entropy returns the current Shannon entropy in bits.
func (s *Simulation) Entropy() float64 { return s.entropy }

// Time returns the number of steps taken so far.
func (s *Simulation) Time() uint64 { return s.time }

// ReachableStates returns a copy of the current distribution (hash -> probability).
func (s *Simulation) ReachableStates() map[configuration.Hash]float64 {
	out := make(map[configuration.Hash]float64, len(s.reachableStates))
	for h, p := range s.reachableStates {
		out[h] = p
	}
	return out
}

// PossibleStates returns a copy of the cumulative support (hash -> configuration).
func (s *Simulation) PossibleStates() map[configuration.Hash]configuration.Configuration {
	out := make(map[configuration.Hash]configuration.Configuration, len(s.possibleStates))
	for h, c := range s.possibleStates {
		out[h] = c
	}
	return out
}
