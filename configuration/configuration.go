// Package configuration defines the state model of the explorer: entities holding
// amounts of named resources, and a canonical, order-independent hash over that data.
package configuration

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Amount is a finite nonnegative real. Callers must never produce a negative or NaN
// value; the resource validator (package resources) is the enforcement point, not
// this package.
type Amount = float64

// Hash is a 64-bit content hash of a Configuration. Two configurations with the same
// set of (entity, resource, amount) triples hash equally regardless of map iteration
// order. Per the collision-probability argument in the spec, Hash doubles as identity:
// there is no structural-equality fallback.
type Hash uint64

// Entity is an unordered mapping from resource name to held amount.
type Entity struct {
	Resources map[string]Amount
}

// Clone returns a deep copy so callers can mutate it without aliasing the original.
func (e Entity) Clone() Entity {
	out := Entity{Resources: make(map[string]Amount, len(e.Resources))}
	for k, v := range e.Resources {
		out.Resources[k] = v
	}
	return out
}

// Configuration is an unordered mapping from entity name to Entity. It is the unit of
// state the engine reasons about: a node in the explored Markov chain.
type Configuration struct {
	Entities map[string]Entity
}

// New builds a Configuration from a plain entity/resource map, useful for tests and
// driver code that assembles scenarios literally.
func New(entities map[string]map[string]Amount) Configuration {
	cfg := Configuration{Entities: make(map[string]Entity, len(entities))}
	for name, resources := range entities {
		e := Entity{Resources: make(map[string]Amount, len(resources))}
		for r, a := range resources {
			e.Resources[r] = a
		}
		cfg.Entities[name] = e
	}
	return cfg
}

// Clone returns a deep copy of the configuration. The transition expander always
// starts a candidate successor from a clone of the predecessor.
func (c Configuration) Clone() Configuration {
	out := Configuration{Entities: make(map[string]Entity, len(c.Entities))}
	for name, e := range c.Entities {
		out.Entities[name] = e.Clone()
	}
	return out
}

// Get returns the held amount and whether the entity/resource pair exists.
func (c Configuration) Get(entity, resource string) (Amount, bool) {
	e, ok := c.Entities[entity]
	if !ok {
		return 0, false
	}
	a, ok := e.Resources[resource]
	return a, ok
}

// Set assigns entity's holding of resource to amount, absolute assignment per the
// Action contract. A missing entity is created; this package does not validate
// existence (that is a rules-package concern, since only a Rule's Action can
// reference an unknown entity/resource).
func (c Configuration) Set(entity, resource string, amount Amount) {
	e := c.Entities[entity]
	if e.Resources == nil {
		e.Resources = make(map[string]Amount)
	}
	e.Resources[resource] = normalizeZero(amount)
	c.Entities[entity] = e
}

// normalizeZero maps -0.0 to +0.0 so that hashing and equality are insensitive to the
// sign of zero, per the spec's requirement that the implementer document and be
// consistent about this choice (spec.md §3, open question resolved in SPEC_FULL.md §11.1).
func normalizeZero(a Amount) Amount {
	if a == 0 {
		return 0
	}
	return a
}

// Hash computes the canonical content hash: per-(entity, resource, amount-bits)
// triple hashes are combined with XOR, an order-independent mixer, then the
// accumulator is finalized through xxhash once more to spread the bits (raw XOR
// accumulation degenerates badly for sparse configurations with few resources).
func (c Configuration) Hash() Hash {
	var acc uint64
	buf := make([]byte, 0, 64)
	for entityName, e := range c.Entities {
		for resourceName, amount := range e.Resources {
			buf = buf[:0]
			buf = append(buf, entityName...)
			buf = append(buf, 0)
			buf = append(buf, resourceName...)
			buf = append(buf, 0)
			var bits [8]byte
			binary.LittleEndian.PutUint64(bits[:], math.Float64bits(normalizeZero(amount)))
			buf = append(buf, bits[:]...)
			acc ^= xxhash.Sum64(buf)
		}
	}
	var final [8]byte
	binary.LittleEndian.PutUint64(final[:], acc)
	return Hash(xxhash.Sum64(final[:]))
}

// EntityNames returns a sorted slice of entity names, for callers that need a
// deterministic iteration order over entities (e.g. the rules built in cmd/tokenring).
func (c Configuration) EntityNames() []string {
	names := make([]string, 0, len(c.Entities))
	for name := range c.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders every (entity, resource, amount) triple as a sorted, comma-
// separated "entity:resource=amount" dump. The sort makes it deterministic across
// calls regardless of map iteration order, so it's fit to use as a graph node label
// (see engine.Graph) and not just for debugging.
func (c Configuration) String() string {
	type triple struct {
		entity, resource string
		amount           Amount
	}
	triples := make([]triple, 0, len(c.Entities))
	for entityName, e := range c.Entities {
		for resourceName, amount := range e.Resources {
			triples = append(triples, triple{entityName, resourceName, amount})
		}
	}
	sort.Slice(triples, func(i, j int) bool {
		if triples[i].entity != triples[j].entity {
			return triples[i].entity < triples[j].entity
		}
		return triples[i].resource < triples[j].resource
	})

	var b strings.Builder
	for i, t := range triples {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%s=%v", t.entity, t.resource, t.amount)
	}
	return b.String()
}
