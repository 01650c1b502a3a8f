package engine

import (
	"context"
	"runtime"
	"sort"
	"sync"

	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"

	"github.com/dmeiborg/statespace/atomicprob"
	"github.com/dmeiborg/statespace/configuration"
)

// stepResult is the fully merged outcome of one step: the new reachable-state
// distribution and any configurations discovered during this step's expansion.
type stepResult struct {
	reachable  map[configuration.Hash]float64
	newConfigs map[configuration.Hash]configuration.Configuration
}

// runStep fans the current reachable-state snapshot out across a bounded worker
// pool, one goroutine per worker, each expanding its own contiguous chunk of the
// snapshot independently (spec.md §5: "expansion of the N predecessors ...
// is embarrassingly parallel"). No worker ever writes possible_states or the rule
// caches' maps directly while another worker might also be writing them — cache
// entries use their own per-rule RWMutex (discipline (b)); possible_states is only
// written by the driver goroutine after this function returns (discipline (a)).
//
// Two merge disciplines are supported (spec.md §5). By default, each worker folds
// its own predecessor's local deltas directly into a shared atomicprob.Map as it
// computes them; each addition holds the map's mutex only for the bucket lookup (or
// its creation the first time a successor hash is seen) and applies the mass itself
// with a lock-free CAS loop. When
// Simulation.Deterministic is set, concurrent float addition isn't reproducible
// across runs (float addition is only approximately associative), so this falls
// back to the teacher's original fan-out/fan-in pattern from
// reinforcement/learning.go (channerics.Merge over per-worker channels) and merges
// whole results on the driver goroutine in sorted predecessor-hash order.
func (s *Simulation) runStep(ctx context.Context, snapshot []predMass) (stepResult, error) {
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(snapshot) {
		workers = len(snapshot)
	}
	if workers < 1 {
		workers = 1
	}
	chunks := partition(snapshot, workers)

	if s.Deterministic {
		return s.runStepSequential(ctx, chunks)
	}
	return s.runStepConcurrent(ctx, chunks)
}

// runStepConcurrent folds every worker's deltas into a shared mass accumulator as
// they are produced; synchronization on the probability-mass path is atomicprob.Map's
// short mutex-guarded bucket lookup followed by atomicprob.Float64's lock-free CAS
// retry.
func (s *Simulation) runStepConcurrent(ctx context.Context, chunks [][]predMass) (stepResult, error) {
	acc := atomicprob.NewMap()
	var configMu sync.Mutex
	newConfigs := make(map[configuration.Hash]configuration.Configuration)

	group, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunks {
		chunk := chunk
		group.Go(func() error {
			for _, pm := range chunk {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				res, err := s.expand(pm.hash, pm.prob)
				if err != nil {
					return err
				}
				for h, delta := range res.deltas {
					acc.Add(uint64(h), delta)
				}
				if len(res.newConfigs) > 0 {
					configMu.Lock()
					for h, cfg := range res.newConfigs {
						newConfigs[h] = cfg
					}
					configMu.Unlock()
				}
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return stepResult{}, err
	}

	rawReachable := acc.Snapshot()
	reachable := make(map[configuration.Hash]float64, len(rawReachable))
	for h, p := range rawReachable {
		reachable[configuration.Hash(h)] = p
	}

	return stepResult{reachable: reachable, newConfigs: newConfigs}, nil
}

// runStepSequential reproduces the fan-out/fan-in-then-merge pattern the teacher
// uses in reinforcement/learning.go (errgroup-bounded workers, each streaming whole
// results over its own channel, channerics.Merge fanning those back into one), kept
// for Simulation.Deterministic: the driver merges the fully collected results on its
// own goroutine, walking predecessor hashes and successor hashes in sorted order so
// the final sum is bit-exact across runs.
func (s *Simulation) runStepSequential(ctx context.Context, chunks [][]predMass) (stepResult, error) {
	done := make(chan struct{})
	defer close(done)

	group, gctx := errgroup.WithContext(ctx)
	channels := make([]<-chan expansionResult, 0, len(chunks))

	for _, chunk := range chunks {
		chunk := chunk
		out := make(chan expansionResult)
		channels = append(channels, out)
		group.Go(func() error {
			defer close(out)
			for _, pm := range chunk {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				res, err := s.expand(pm.hash, pm.prob)
				if err != nil {
					return err
				}
				select {
				case out <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	merged := channerics.Merge(done, channels...)
	results := make([]expansionResult, 0, len(chunks))
	for res := range merged {
		results = append(results, res)
	}

	if err := group.Wait(); err != nil {
		return stepResult{}, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].predHash < results[j].predHash })

	reachable := make(map[configuration.Hash]float64, len(results)*2)
	newConfigs := make(map[configuration.Hash]configuration.Configuration)
	for _, res := range results {
		for h, cfg := range res.newConfigs {
			newConfigs[h] = cfg
		}
		for _, h := range res.deltaOrder {
			reachable[h] += res.deltas[h]
		}
	}

	return stepResult{reachable: reachable, newConfigs: newConfigs}, nil
}

// partition splits items into at most n roughly-equal contiguous chunks, preserving
// order within each chunk so a single worker's output stays internally deterministic.
func partition(items []predMass, n int) [][]predMass {
	if n < 1 {
		n = 1
	}
	chunks := make([][]predMass, 0, n)
	size := (len(items) + n - 1) / n
	if size < 1 {
		size = 1
	}
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
