// Package rules defines the rule/action model and the per-rule result cache.
package rules

import (
	"math"

	"github.com/pkg/errors"

	"github.com/dmeiborg/statespace/configuration"
	"github.com/dmeiborg/statespace/resources"
)

// Action sets entity's holding of resource to newAmount: absolute assignment, not a
// delta, per spec.md §3.
type Action struct {
	Entity    string
	Resource  string
	NewAmount configuration.Amount
}

// Rule is a pure function of a Configuration: a guard (Condition, required: the
// expander always calls it) and an action producer (Actions), weighted by ProbabilityWeight per the Bernoulli-firing
// semantics of spec.md §4.4.
type Rule struct {
	Description       string
	ProbabilityWeight float64
	Condition         func(configuration.Configuration) bool
	Actions           func(configuration.Configuration) []Action
}

var (
	ErrInvalidProbabilityWeight  = errors.New("invalid probability weight")
	ErrUnknownEntity             = errors.New("unknown entity")
	ErrUnknownResource           = errors.New("unknown resource")
	ErrPerEntityCapacityExceeded = errors.New("per-entity capacity exceeded")
)

// ValidateWeight rejects weights outside [0, 1] or NaN, per spec.md §7. engine.New
// calls it for every rule at construction; there is no separate first-use check
// during stepping.
func ValidateWeight(w float64) error {
	if math.IsNaN(w) || w < 0 || w > 1 {
		return errors.Wrapf(ErrInvalidProbabilityWeight, "weight %v", w)
	}
	return nil
}

// ApplyActions starts from a clone of pred, applies each Action in order (absolute
// assignment), and enforces per-entity capacity at the point of assignment — the one
// place the offending entity is known without a second full scan (spec.md §4.4).
// Unknown entity/resource names are rejected immediately rather than silently
// creating new ones, since the Configuration model has no notion of entity discovery
// mid-run.
func ApplyActions(resourceDefs map[string]resources.Resource, pred configuration.Configuration, actions []Action) (configuration.Configuration, error) {
	succ := pred.Clone()
	for _, a := range actions {
		if _, ok := succ.Entities[a.Entity]; !ok {
			return configuration.Configuration{}, errors.Wrapf(ErrUnknownEntity, "entity %q", a.Entity)
		}
		def, ok := resourceDefs[a.Resource]
		if !ok {
			return configuration.Configuration{}, errors.Wrapf(ErrUnknownResource, "resource %q", a.Resource)
		}
		if def.CapacityPerEntity.Kind == resources.Limited && a.NewAmount > def.CapacityPerEntity.Limit {
			return configuration.Configuration{}, errors.Wrapf(
				ErrPerEntityCapacityExceeded,
				"entity %q resource %q amount %v exceeds per-entity limit %v",
				a.Entity, a.Resource, a.NewAmount, def.CapacityPerEntity.Limit,
			)
		}
		succ.Set(a.Entity, a.Resource, a.NewAmount)
	}
	return succ, nil
}
