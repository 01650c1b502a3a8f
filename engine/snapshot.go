package engine

import (
	"context"

	"github.com/dmeiborg/statespace/viz"
)

// SnapshotSource adapts a Simulation into a viz.Source: each call to Next advances
// the simulation by one step (or stops after MaxSteps, if set) and reports the
// resulting state.
type SnapshotSource struct {
	sim      *Simulation
	MaxSteps uint64
}

// NewSnapshotSource wraps sim for live viewing. A zero MaxSteps means unbounded.
func NewSnapshotSource(sim *Simulation, maxSteps uint64) *SnapshotSource {
	return &SnapshotSource{sim: sim, MaxSteps: maxSteps}
}

// Next implements viz.Source.
func (s *SnapshotSource) Next(ctx context.Context) (viz.Snapshot, bool, error) {
	if s.MaxSteps != 0 && s.sim.Time() >= s.MaxSteps {
		return viz.Snapshot{}, false, nil
	}
	if err := s.sim.NextStep(ctx); err != nil {
		return viz.Snapshot{}, false, err
	}
	return viz.Snapshot{
		Time:           s.sim.Time(),
		Entropy:        s.sim.Entropy(),
		ReachableCount: len(s.sim.ReachableStates()),
		PossibleCount:  len(s.sim.PossibleStates()),
	}, true, nil
}
