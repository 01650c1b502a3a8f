package engine

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/dmeiborg/statespace/configuration"
)

// Graph materializes the directed labeled multigraph of spec.md §4.6 from the
// current rule caches: one node per possible_states entry, one edge per
// (rule, pred_hash) whose condition cached true and whose action cache entry is
// present, labeled by rule name. A configuration with no outgoing edges is not a
// bug — it simply hasn't had any rule evaluated against it yet (spec.md §9).
func (s *Simulation) Graph() *dot.Graph {
	g := dot.NewGraph(dot.Directed)

	nodes := make(map[configuration.Hash]dot.Node, len(s.possibleStates))
	for h, cfg := range s.possibleStates {
		id := fmt.Sprintf("%016x", uint64(h))
		n := g.Node(id)
		n.Attr("label", cfg.String())
		nodes[h] = n
	}

	for _, name := range s.ruleNames {
		for _, edge := range s.caches[name].Entries() {
			from, ok := nodes[edge.Pred]
			if !ok {
				continue
			}
			to, ok := nodes[edge.Succ]
			if !ok {
				continue
			}
			g.Edge(from, to, name)
		}
	}

	return g
}
