// Package resources declares resource metadata (capacities) and enforces the global
// and per-entity capacity invariants on candidate successor configurations.
package resources

import (
	"github.com/pkg/errors"

	"github.com/dmeiborg/statespace/configuration"
)

// CapacityKind distinguishes an unlimited resource from one with a fixed numeric
// ceiling, mirroring the Capacity enum of the original model
// (_examples/original_source/src/main.rs: Capacity::Limited / Capacity::Unlimited).
type CapacityKind int

const (
	Unlimited CapacityKind = iota
	Limited
)

// Capacity is Unlimited, or Limited with a nonnegative ceiling.
type Capacity struct {
	Kind  CapacityKind
	Limit configuration.Amount
}

// Resource is immutable declared metadata set at Simulation construction.
type Resource struct {
	Description       string
	Capacity          Capacity
	CapacityPerEntity Capacity
}

// Sentinel errors for the validator, wrapped with offending names via errors.Wrapf
// and inspectable with errors.Is per SPEC_FULL.md §7.
var (
	ErrNegativeHolding        = errors.New("negative holding")
	ErrGlobalCapacityExceeded = errors.New("global capacity exceeded")
)

// Validate checks configuration cfg against the declared resources: every holding of
// every Limited resource is nonnegative, and the sum over all entities does not
// exceed the global limit. Unlimited resources are only checked for nonnegativity.
// Per-entity capacity is not checked here — that happens at action-application time,
// see rules.ApplyActions, since only there is the specific offending entity known
// without a second full scan.
func Validate(resourceDefs map[string]Resource, cfg configuration.Configuration) error {
	for resourceName, def := range resourceDefs {
		sum := configuration.Amount(0)
		for entityName, e := range cfg.Entities {
			amount, ok := e.Resources[resourceName]
			if !ok {
				continue
			}
			if amount < 0 {
				return errors.Wrapf(ErrNegativeHolding, "entity %q resource %q amount %v", entityName, resourceName, amount)
			}
			sum += amount
		}
		if def.Capacity.Kind == Limited && sum > def.Capacity.Limit {
			return errors.Wrapf(ErrGlobalCapacityExceeded, "resource %q sum %v exceeds limit %v", resourceName, sum, def.Capacity.Limit)
		}
	}
	return nil
}
