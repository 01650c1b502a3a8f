package engine

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/dmeiborg/statespace/configuration"
	"github.com/dmeiborg/statespace/resources"
	"github.com/dmeiborg/statespace/rules"
)

// predMass is one entry of a reachable_states snapshot: a predecessor hash and the
// probability mass it carries into this step's expansion.
type predMass struct {
	hash configuration.Hash
	prob float64
}

// expansionResult is the local delta produced by expanding one predecessor: the
// probability mass delivered to each successor hash (including the predecessor's
// own retained mass), plus any newly discovered configurations. deltaOrder holds the
// successor hashes in sorted order, consulted only when Simulation.Deterministic
// requests a reproducible merge (spec.md §5).
type expansionResult struct {
	predHash   configuration.Hash
	deltas     map[configuration.Hash]float64
	deltaOrder []configuration.Hash
	newConfigs map[configuration.Hash]configuration.Configuration
}

// applyingRule is one rule that applied to the predecessor during one expansion.
type applyingRule struct {
	name      string
	weight    float64
	succHash  configuration.Hash
	succCfg   configuration.Configuration
	isStaying bool // successor equals predecessor (identity action)
}

// expand implements the transition expander of spec.md §4.4: for predHash carrying
// predProb, evaluate every rule (consulting and extending its cache), compute the
// set of applying rules and their successors, then split predProb between the
// predecessor (P_stay) and each distinct successor according to the weight-
// proportional formula.
func (s *Simulation) expand(predHash configuration.Hash, predProb float64) (expansionResult, error) {
	predCfg, ok := s.possibleStates[predHash]
	if !ok {
		// Unreachable under the invariant that reachable_states keys are always a
		// subset of possible_states (spec.md §3 invariant 2); guarded here rather
		// than silently producing an empty expansion.
		return expansionResult{}, errors.Errorf("predecessor %016x is not in possible_states", uint64(predHash))
	}

	applying := make([]applyingRule, 0, len(s.ruleNames))
	newConfigs := make(map[configuration.Hash]configuration.Configuration)

	for _, name := range s.ruleNames {
		rule := s.ruleDefs[name]
		if rule.ProbabilityWeight == 0 {
			continue
		}
		cache := s.caches[name]

		ok, cached := cache.Condition(predHash)
		if !cached {
			ok = rule.Condition(predCfg)
			cache.PutCondition(predHash, ok)
		}
		if !ok {
			continue
		}

		succHash, succCfg, err := s.ruleSuccessor(name, rule, cache, predHash, predCfg)
		if err != nil {
			return expansionResult{}, err
		}
		if _, known := s.possibleStates[succHash]; !known {
			newConfigs[succHash] = succCfg
		}

		applying = append(applying, applyingRule{
			name:      name,
			weight:    rule.ProbabilityWeight,
			succHash:  succHash,
			succCfg:   succCfg,
			isStaying: succHash == predHash,
		})
	}

	deltas := make(map[configuration.Hash]float64)
	stay := predProb
	var totalWeight float64
	for _, r := range applying {
		stay *= 1 - r.weight
		totalWeight += r.weight
	}

	if totalWeight > 0 {
		toDistribute := predProb - stay
		for _, r := range applying {
			if r.isStaying {
				// Identity-action mass is absorbed into P_stay per spec.md §4.4,
				// not split out as a separate successor entry.
				stay += r.weight * toDistribute / totalWeight
				continue
			}
			deltas[r.succHash] += r.weight * toDistribute / totalWeight
		}
	}
	if stay > 0 {
		deltas[predHash] += stay
	}

	order := make([]configuration.Hash, 0, len(deltas))
	for h := range deltas {
		order = append(order, h)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	return expansionResult{
		predHash:   predHash,
		deltas:     deltas,
		deltaOrder: order,
		newConfigs: newConfigs,
	}, nil
}

// ruleSuccessor resolves the successor configuration for rule on predecessor predCfg,
// consulting the action cache first (spec.md §4.3): a cached successor is reused
// only if its hash is still present in possible_states, otherwise the actions are
// recomputed, validated, and the cache extended.
func (s *Simulation) ruleSuccessor(name string, rule rules.Rule, cache *rules.Cache, predHash configuration.Hash, predCfg configuration.Configuration) (configuration.Hash, configuration.Configuration, error) {
	if cachedHash, ok := cache.Action(predHash); ok {
		if cfg, known := s.possibleStates[cachedHash]; known {
			return cachedHash, cfg, nil
		}
	}

	actions := rule.Actions(predCfg)
	succCfg, err := rules.ApplyActions(s.resourceDefs, predCfg, actions)
	if err != nil {
		return 0, configuration.Configuration{}, err
	}
	if err := resources.Validate(s.resourceDefs, succCfg); err != nil {
		return 0, configuration.Configuration{}, err
	}

	succHash := succCfg.Hash()
	cache.PutAction(predHash, succHash)
	return succHash, succCfg, nil
}
