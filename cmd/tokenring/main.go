// Command tokenring is a demonstration driver for the explorer: it builds one of a
// handful of illustrative models, runs it for a fixed number of steps, and writes the
// resulting entropy trace and DOT graph to disk. It recovers the two scenarios
// original_source/src/main.rs builds (a token passed around a ring of bins, and a
// commented-out wealth-redistribution model) as separate subcommands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dmeiborg/statespace/configuration"
	"github.com/dmeiborg/statespace/engine"
	"github.com/dmeiborg/statespace/resources"
	"github.com/dmeiborg/statespace/rules"
)

var (
	outDir  string
	steps   int
	logPath string
)

func main() {
	root := &cobra.Command{
		Use:   "tokenring",
		Short: "Explore small example state spaces and dump their entropy trace and graph",
	}
	root.PersistentFlags().StringVar(&outDir, "out", "out", "output directory for entropies.json and graph.dot")
	root.PersistentFlags().IntVar(&steps, "steps", 10, "number of steps to explore")
	root.PersistentFlags().StringVar(&logPath, "log", "", "log file path (rotated via lumberjack); empty means stderr only")

	root.AddCommand(ringCommand(), wealthCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(cfg)

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zap.InfoLevel)
	if logPath != "" {
		rotator := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rotator), zap.InfoLevel)
		core = zapcore.NewTee(core, fileCore)
	}
	return zap.New(core)
}

// ringCommand builds the token-passing ring of NUMBER_OF_BINS bins from
// original_source/src/main.rs: exactly one bin holds the token, and two
// equally-weighted rules pass it one place forward or one place backward around the
// ring.
func ringCommand() *cobra.Command {
	var bins int
	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Token-passing ring: a single token moves forward or backward around N bins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRing(cmd.Context(), bins)
		},
	}
	cmd.Flags().IntVar(&bins, "bins", 7, "number of bins in the ring")
	return cmd
}

func binName(i int) string { return fmt.Sprintf("bin %d", i) }

func runRing(ctx context.Context, numBins int) error {
	logger := newLogger()
	defer logger.Sync()

	resourceDefs := map[string]resources.Resource{
		"token": {
			Description:       "a token a bin can hold",
			Capacity:          resources.Capacity{Kind: resources.Limited, Limit: 1},
			CapacityPerEntity: resources.Capacity{Kind: resources.Limited, Limit: 1},
		},
	}

	entities := make(map[string]map[string]configuration.Amount, numBins)
	for i := 0; i < numBins; i++ {
		holding := configuration.Amount(0)
		if i == 0 {
			holding = 1
		}
		entities[binName(i)] = map[string]configuration.Amount{"token": holding}
	}
	initial := configuration.New(entities)

	holder := func(cfg configuration.Configuration) string {
		for _, name := range cfg.EntityNames() {
			if v, _ := cfg.Get(name, "token"); v > 0 {
				return name
			}
		}
		return ""
	}
	placeOf := func(name string) int {
		var place int
		fmt.Sscanf(name, "bin %d", &place)
		return place
	}
	passTo := func(delta int) func(configuration.Configuration) []rules.Action {
		return func(cfg configuration.Configuration) []rules.Action {
			from := holder(cfg)
			to := binName(((placeOf(from)+delta)%numBins + numBins) % numBins)
			return []rules.Action{
				{Entity: from, Resource: "token", NewAmount: 0},
				{Entity: to, Resource: "token", NewAmount: 1},
			}
		}
	}
	ruleDefs := map[string]rules.Rule{
		"yield forward": {
			Description:       "the token moves to the next higher-numbered bin",
			ProbabilityWeight: 1.0,
			Condition:         func(configuration.Configuration) bool { return true },
			Actions:           passTo(1),
		},
		"yield backward": {
			Description:       "the token moves to the next lower-numbered bin",
			ProbabilityWeight: 1.0,
			Condition:         func(configuration.Configuration) bool { return true },
			Actions:           passTo(-1),
		},
	}

	sim, err := engine.New(resourceDefs, initial, ruleDefs, engine.WithLogger(logger), engine.WithDeterministic(true))
	if err != nil {
		return errors.Wrap(err, "construct ring simulation")
	}

	return runAndDump(ctx, sim, logger)
}

// wealthCommand recovers the Socialism/Capitalism model left commented out in
// original_source/src/main.rs: three entities hold money, one rule redistributes two
// dollars from the richest to the poorest, the other doubles any holding in [4, 50).
func wealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wealth",
		Short: "Socialism/Capitalism: redistribution and doubling rules over three entities' money",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWealth(cmd.Context())
		},
	}
	return cmd
}

func runWealth(ctx context.Context) error {
	logger := newLogger()
	defer logger.Sync()

	resourceDefs := map[string]resources.Resource{
		"money": {
			Description:       "dollars held by an entity",
			Capacity:          resources.Capacity{Kind: resources.Unlimited},
			CapacityPerEntity: resources.Capacity{Kind: resources.Limited, Limit: 100},
		},
	}
	initial := configuration.New(map[string]map[string]configuration.Amount{
		"A": {"money": 1},
		"B": {"money": 3},
		"C": {"money": 5},
	})

	richestAndPoorest := func(cfg configuration.Configuration) (richest, poorest string) {
		names := cfg.EntityNames()
		richest, poorest = names[0], names[0]
		richestAmt, _ := cfg.Get(names[0], "money")
		poorestAmt := richestAmt
		for _, n := range names[1:] {
			amt, _ := cfg.Get(n, "money")
			if amt > richestAmt {
				richest, richestAmt = n, amt
			}
			if amt < poorestAmt {
				poorest, poorestAmt = n, amt
			}
		}
		return richest, poorest
	}

	ruleDefs := map[string]rules.Rule{
		"Socialism": {
			Description:       "the richer entity gives 2 dollars to the poorer one",
			ProbabilityWeight: 0.5,
			Condition: func(cfg configuration.Configuration) bool {
				for _, n := range cfg.EntityNames() {
					if amt, _ := cfg.Get(n, "money"); amt > 2 {
						return true
					}
				}
				return false
			},
			Actions: func(cfg configuration.Configuration) []rules.Action {
				richest, poorest := richestAndPoorest(cfg)
				richestAmt, _ := cfg.Get(richest, "money")
				poorestAmt, _ := cfg.Get(poorest, "money")
				return []rules.Action{
					{Entity: richest, Resource: "money", NewAmount: richestAmt - 2},
					{Entity: poorest, Resource: "money", NewAmount: poorestAmt + 2},
				}
			},
		},
		"Capitalism": {
			Description:       "any entity holding between 4 and 50 dollars doubles its wealth",
			ProbabilityWeight: 0.5,
			Condition: func(cfg configuration.Configuration) bool {
				for _, n := range cfg.EntityNames() {
					if amt, _ := cfg.Get(n, "money"); amt >= 4 && amt < 50 {
						return true
					}
				}
				return false
			},
			Actions: func(cfg configuration.Configuration) []rules.Action {
				var actions []rules.Action
				for _, n := range cfg.EntityNames() {
					amt, _ := cfg.Get(n, "money")
					if amt >= 4 && amt < 50 {
						actions = append(actions, rules.Action{Entity: n, Resource: "money", NewAmount: amt * 2})
					}
				}
				return actions
			},
		},
	}

	sim, err := engine.New(resourceDefs, initial, ruleDefs, engine.WithLogger(logger), engine.WithDeterministic(true))
	if err != nil {
		return errors.Wrap(err, "construct wealth simulation")
	}

	return runAndDump(ctx, sim, logger)
}

func runAndDump(ctx context.Context, sim *engine.Simulation, logger *zap.Logger) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	entropies := make([]float64, 0, steps)
	for t := 0; t < steps; t++ {
		before := len(sim.PossibleStates())
		if err := sim.NextStep(ctx); err != nil {
			return errors.Wrapf(err, "step %d", t)
		}
		entropies = append(entropies, sim.Entropy())
		logger.Info("step complete",
			zap.Int("time", t),
			zap.Int("states_before_step", before),
			zap.Float64("entropy", sim.Entropy()))
	}

	entropyPath := filepath.Join(outDir, "entropies.json")
	body, err := json.MarshalIndent(entropies, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal entropy trace")
	}
	if err := os.WriteFile(entropyPath, body, 0o644); err != nil {
		return errors.Wrap(err, "write entropy trace")
	}

	graphPath := filepath.Join(outDir, "graph.dot")
	if err := os.WriteFile(graphPath, []byte(sim.Graph().String()), 0o644); err != nil {
		return errors.Wrap(err, "write graph")
	}

	isDoublyStochastic, err := sim.IsDoublyStochastic(ctx, 50)
	if err != nil {
		return errors.Wrap(err, "check doubly-stochastic")
	}

	logger.Info("run complete",
		zap.Int("reachable_states", len(sim.ReachableStates())),
		zap.Int("possible_states", len(sim.PossibleStates())),
		zap.Bool("doubly_stochastic", isDoublyStochastic))
	fmt.Printf("wrote %s and %s; doubly stochastic: %v\n", entropyPath, graphPath, isDoublyStochastic)

	return nil
}
