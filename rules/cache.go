package rules

import (
	"sync"

	"github.com/dmeiborg/statespace/configuration"
)

// Cache is the per-rule two-level memoization table of spec.md §4.3: a condition
// cache (predecessor hash -> bool) and an action cache (predecessor hash -> successor
// hash). Entries are write-once — rules and resources are immutable after
// construction — so concurrent readers never race with the single writer that
// installs an entry, and a RWMutex is sufficient (spec.md §5, discipline (b)).
type Cache struct {
	mu        sync.RWMutex
	condition map[configuration.Hash]bool
	action    map[configuration.Hash]configuration.Hash
}

// NewCache returns an empty cache for one rule.
func NewCache() *Cache {
	return &Cache{
		condition: make(map[configuration.Hash]bool),
		action:    make(map[configuration.Hash]configuration.Hash),
	}
}

// Condition returns the cached condition result and whether it was present.
func (c *Cache) Condition(pred configuration.Hash) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.condition[pred]
	return v, ok
}

// PutCondition installs a condition result. Safe to call redundantly: the value
// never changes for a given pred once a rule is immutable.
func (c *Cache) PutCondition(pred configuration.Hash, result bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.condition[pred] = result
}

// Action returns the cached successor hash for pred and whether it was present. The
// caller (the transition expander) is responsible for checking the returned hash is
// still present in possible_states before trusting it, per spec.md §4.3.
func (c *Cache) Action(pred configuration.Hash) (configuration.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.action[pred]
	return v, ok
}

// PutAction installs a predecessor -> successor hash mapping.
func (c *Cache) PutAction(pred, succ configuration.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.action[pred] = succ
}

// Edge is a cached (predecessor -> successor) transition for one rule.
type Edge struct {
	Pred configuration.Hash
	Succ configuration.Hash
}

// Entries returns a snapshot of edges for which both the condition was cached true
// and an action hash was cached, i.e. exactly the edges get_graph() materializes
// (spec.md §4.6).
func (c *Cache) Entries() []Edge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Edge, 0, len(c.action))
	for pred, succ := range c.action {
		if ok, present := c.condition[pred]; !present || !ok {
			continue
		}
		out = append(out, Edge{Pred: pred, Succ: succ})
	}
	return out
}
