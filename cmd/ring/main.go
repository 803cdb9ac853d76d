// Command ring drives the ring benchmark described in SPEC_FULL.md
// section 5: N fibers per cycle, R disjoint cycles, M rounds of
// wake/wait passed around each cycle, P worker processors, and D extra
// bytes of per-fiber stack depth — grounded on
// original_source/rmain.c and original_source/pmain.c, which run the
// same benchmark against the rr scheduler and raw pthreads
// respectively.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nikanor-labs/usched/internal/obs"
	"github.com/nikanor-labs/usched/pkg/sched"
)

// ringConfig mirrors the n/r/m/d/p argv positionals from rmain.c, plus
// two ambient knobs: verbose logging, which original_source has no
// equivalent for, and single-threaded mode, a run-time switch for the
// original's SINGLE_THREAD build option. It can be loaded from a YAML
// file via --config, with flags overriding whatever the file sets.
type ringConfig struct {
	CycleLength int  `yaml:"cycleLength"` // N
	Cycles      int  `yaml:"cycles"`      // R
	Rounds      int  `yaml:"rounds"`      // M
	StackDepth  int  `yaml:"stackDepth"`  // D, bytes of padding per fiber
	Processors  int  `yaml:"processors"`  // P
	Verbose     bool `yaml:"verbose"`
	SingleProc  bool `yaml:"singleThreaded"`
}

func defaultRingConfig() ringConfig {
	return ringConfig{
		CycleLength: 4,
		Cycles:      1,
		Rounds:      10,
		StackDepth:  0,
		Processors:  1,
	}
}

func loadConfigFile(path string) (ringConfig, error) {
	cfg := defaultRingConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := defaultRingConfig()
	var configPath string

	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Run the ring wake/wait benchmark against the scheduler",
		Long: `ring creates N*R fibers arranged into R disjoint cycles of length N,
distributed across P worker processors, and passes a wake token around
each cycle M times. It prints one line holding N, R, M and the
wall-clock time the benchmark took, in seconds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				fileCfg, err := loadConfigFile(configPath)
				if err != nil {
					return err
				}
				cfg = mergeRingConfig(fileCfg, cmd, cfg)
			}
			return runRing(cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&cfg.CycleLength, "cycle-length", "n", cfg.CycleLength, "fibers per cycle (N)")
	flags.IntVarP(&cfg.Cycles, "cycles", "r", cfg.Cycles, "number of disjoint cycles (R)")
	flags.IntVarP(&cfg.Rounds, "rounds", "m", cfg.Rounds, "wake/wait rounds per cycle (M)")
	flags.IntVarP(&cfg.StackDepth, "stack-depth", "d", cfg.StackDepth, "extra per-fiber stack padding in bytes (D)")
	flags.IntVarP(&cfg.Processors, "processors", "p", cfg.Processors, "worker processors (P)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable debug logging")
	flags.BoolVar(&cfg.SingleProc, "single-threaded", cfg.SingleProc, "run every worker cooperatively on one goroutine")
	flags.StringVar(&configPath, "config", "", "optional YAML file to load defaults from")

	return cmd
}

// mergeRingConfig lets an explicitly-set flag win over the config
// file's value for that field, and the config file win over the
// built-in default otherwise.
func mergeRingConfig(fileCfg ringConfig, cmd *cobra.Command, flagCfg ringConfig) ringConfig {
	result := fileCfg
	f := cmd.Flags()
	if f.Changed("cycle-length") {
		result.CycleLength = flagCfg.CycleLength
	}
	if f.Changed("cycles") {
		result.Cycles = flagCfg.Cycles
	}
	if f.Changed("rounds") {
		result.Rounds = flagCfg.Rounds
	}
	if f.Changed("stack-depth") {
		result.StackDepth = flagCfg.StackDepth
	}
	if f.Changed("processors") {
		result.Processors = flagCfg.Processors
	}
	if f.Changed("verbose") {
		result.Verbose = flagCfg.Verbose
	}
	if f.Changed("single-threaded") {
		result.SingleProc = flagCfg.SingleProc
	}
	return result
}

func runRing(cfg ringConfig) error {
	if cfg.CycleLength <= 0 || cfg.Cycles <= 0 || cfg.Rounds < 0 || cfg.Processors <= 0 {
		return fmt.Errorf("ring: cycle-length, cycles and processors must be positive, rounds must be non-negative")
	}

	logger := obs.New(cfg.Verbose)
	if cfg.Verbose {
		logger.EnableCategory(obs.CatRing)
	}

	total := cfg.CycleLength * cfg.Cycles
	s := sched.New(sched.Config{
		Workers:        cfg.Processors,
		Capacity:       total + 1,
		SingleThreaded: cfg.SingleProc,
		Logger:         logger,
	})

	fibers := make([]*sched.Fiber, total)
	var wg sync.WaitGroup
	wg.Add(total)

	n := cfg.CycleLength
	for cycle := 0; cycle < cfg.Cycles; cycle++ {
		for pos := 0; pos < n; pos++ {
			idx := cycle*n + pos
			localPos := pos
			localCycle := cycle
			fibers[idx] = s.Spawn(func(ctx context.Context, arg any) {
				defer wg.Done()
				runCycleMember(ctx, fibers, localCycle, localPos, n, cfg.Rounds, cfg.StackDepth)
				sched.Done(ctx)
			}, nil, cycle)
		}
	}

	logger.DebugCat(obs.CatRing, "spawned %d fibers across %d cycles on %d processors", total, cfg.Cycles, cfg.Processors)

	start := time.Now()
	s.Start()
	wg.Wait()
	elapsed := time.Since(start)
	if err := s.Stop(); err != nil {
		return fmt.Errorf("ring: stopping scheduler: %w", err)
	}

	fmt.Printf("%6d %6d %6d %f\n", cfg.CycleLength, cfg.Cycles, cfg.Rounds, elapsed.Seconds())
	return nil
}

// runCycleMember reproduces rmain.c's loop(): the fiber at position
// pos wakes its successor and waits, or waits and wakes, depending on
// whether its position matches the current round modulo the cycle
// length — this is what makes a single wake token circulate around
// the cycle exactly once per round rather than every fiber waking
// every other fiber simultaneously.
func runCycleMember(ctx context.Context, fibers []*sched.Fiber, cycle, pos, n, rounds, depth int) {
	if depth > 0 {
		pad := make([]byte, depth)
		for i := range pad {
			pad[i] = '#'
		}
		_ = pad
	}
	next := fibers[cycle*n+(pos+1)%n]
	for round := 0; round < rounds; round++ {
		if pos%n == round%n {
			sched.Wake(next)
			sched.Wait(ctx)
		} else {
			sched.Wait(ctx)
			sched.Wake(next)
		}
	}
}
