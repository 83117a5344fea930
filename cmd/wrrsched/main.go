package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wrrq/internal/sched"
	"wrrq/internal/sim"
)

var version = "dev"

type flags struct {
	configPath string
	processors int
	entities   int
	maxWeight  int64
	duration   time.Duration
	seed       int64
	csvPath    string
	noBalance  bool
	verbose    bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:     "wrrsched",
		Short:   "Weighted round-robin scheduling simulator",
		Long:    `Drives the weighted round-robin decision core with a synthetic workload across simulated processors and reports how runtime and queue weight were distributed.`,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "config.yml", "Path to the YAML config file")
	rootCmd.Flags().IntVarP(&f.processors, "processors", "p", 4, "Number of simulated processors")
	rootCmd.Flags().IntVarP(&f.entities, "entities", "n", 16, "Number of synthetic entities")
	rootCmd.Flags().Int64Var(&f.maxWeight, "max-weight", 8, "Largest entity weight to generate")
	rootCmd.Flags().DurationVarP(&f.duration, "duration", "d", 5*time.Second, "How long to run the simulation")
	rootCmd.Flags().Int64Var(&f.seed, "seed", 42, "Workload random seed")
	rootCmd.Flags().StringVar(&f.csvPath, "csv", "", "Write the event log to this CSV file")
	rootCmd.Flags().BoolVar(&f.noBalance, "no-balance", false, "Disable the periodic load balancer")
	rootCmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := sched.Load(f.configPath)
	log.Info("loaded config",
		"base_quantum", cfg.BaseQuantum,
		"balance_period", cfg.BalancePeriod,
		"balance_interval_ms", cfg.BalanceIntervalMS,
		"tick_ms", cfg.TickMS)

	driver := sim.NewDriver(f.processors, cfg.TickMS, log)
	totals := sim.NewTotals()

	s, err := sched.New(cfg, f.processors, driver,
		sched.WithLogger(log),
		sched.WithAccountant(totals),
		sched.WithEvents(4096),
	)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(f.seed))
	specs := sim.GenerateWorkload(f.entities, f.processors, f.maxWeight, rng)
	if err := sim.Place(s, specs); err != nil {
		return err
	}
	log.Info("workload placed", "entities", len(specs), "processors", f.processors)

	var (
		csvFile *os.File
		csvw    *csv.Writer
	)
	if f.csvPath != "" {
		csvFile, err = os.Create(f.csvPath)
		if err != nil {
			return err
		}
		csvw = csv.NewWriter(csvFile)
		csvw.Write([]string{"tick", "event", "entity", "cpu", "target"})
		csvw.Flush()
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.duration)
	defer cancel()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			select {
			case ev := <-s.Events():
				logEvent(csvw, log, ev)
			case <-ctx.Done():
				// drain whatever is still buffered
				for {
					select {
					case ev := <-s.Events():
						logEvent(csvw, log, ev)
					default:
						return
					}
				}
			}
		}
	}()

	if !f.noBalance {
		balancer := sched.NewBalancer(s)
		defer balancer.Shutdown()
		go func() { _ = balancer.Start(ctx) }()
	}

	driver.Run(ctx, s, f.seed)
	<-consumerDone

	if csvFile != nil {
		csvw.Flush()
		csvFile.Close()
	}

	printSummary(s, totals, specs)
	return nil
}

func logEvent(csvw *csv.Writer, log *slog.Logger, ev sched.Event) {
	log.Debug("scheduler event",
		"tick", ev.Tick, "kind", ev.Kind.String(),
		"entity", ev.Entity, "cpu", ev.CPU, "target", ev.Target)

	if csvw == nil {
		return
	}
	rec := []string{
		strconv.FormatInt(ev.Tick, 10),
		ev.Kind.String(),
		strconv.FormatUint(uint64(ev.Entity), 10),
		strconv.Itoa(ev.CPU),
		strconv.Itoa(ev.Target),
	}
	csvw.Write(rec)
	csvw.Flush()
}

func printSummary(s *sched.Scheduler, totals *sim.Totals, specs []sim.EntitySpec) {
	fmt.Println()
	color.Cyan("Processor load at shutdown:")
	for _, load := range s.Snapshot() {
		state := "online"
		if !load.Online {
			state = "offline"
		}
		fmt.Printf("  cpu %d (%s): %d runnable, total weight %d\n",
			load.CPU, state, load.Runnable, load.TotalWeight)
	}
	st := s.Stats()
	fmt.Printf("  weight mean %.1f, stddev %.1f, spread %d\n", st.Mean, st.StdDev, st.Spread)

	ran := totals.Snapshot()
	type row struct {
		spec  sim.EntitySpec
		ticks int64
	}
	rows := make([]row, 0, len(specs))
	for _, spec := range specs {
		rows = append(rows, row{spec, ran[spec.ID]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ticks > rows[j].ticks })

	fmt.Println()
	color.Cyan("Top entities by consumed ticks:")
	limit := 10
	if len(rows) < limit {
		limit = len(rows)
	}
	for _, r := range rows[:limit] {
		fmt.Printf("  entity %4d  weight %2d  ran %6d ticks  (%.0f per weight unit)\n",
			r.spec.ID, r.spec.Weight, r.ticks, float64(r.ticks)/float64(r.spec.Weight))
	}

	fmt.Printf("\n%d tick events, %d migrations, %d dropped events\n",
		s.Now(), s.Migrations(), s.DroppedEvents())

	if st.Spread <= int64(st.Mean/2)+1 {
		color.Green("load is balanced")
	} else {
		color.Yellow("load is uneven")
	}
}
