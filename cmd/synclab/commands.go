package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alexshd/synclab"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func experimentFlags(cmd *cobra.Command, strategy string, iterations int) {
	f := cmd.Flags()
	f.Int("workers", 10, "concurrent workers")
	f.Int("iterations", iterations, "increment/decrement pairs per worker")
	f.String("strategy", strategy, "unsynchronized, coarse_lock, fine_grained_lock or thread_local_aggregate")
	f.Bool("yield", true, "yield the processor after every mutation")
	f.Duration("timeout", 0, "cancel every worker after this long (0 = no deadline)")
	f.Duration("grace-period", time.Second, "wait after cancellation before reporting stragglers")
}

func experimentConfig(v *viper.Viper, kind synclab.StrategyKind) (synclab.Config, error) {
	cfg := synclab.Config{
		Workers:     v.GetInt("workers"),
		Iterations:  v.GetInt("iterations"),
		Strategy:    kind,
		Yield:       v.GetBool("yield"),
		Timeout:     v.GetDuration("timeout"),
		GracePeriod: v.GetDuration("grace-period"),
		Logger:      slog.Default(),
	}
	return cfg, cfg.Validate()
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one balanced-ledger experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := synclab.ParseStrategy(v.GetString("strategy"))
			if err != nil {
				return err
			}
			cfg, err := experimentConfig(v, kind)
			if err != nil {
				return err
			}

			report, runErr := synclab.Run(cmd.Context(), cfg)
			if err := render(v, cmd.OutOrStdout(), report, func(w io.Writer) {
				printReport(w, report)
			}); err != nil {
				return err
			}
			if runErr != nil {
				slog.Error("experiment failed", "err", runErr)
				return errFailed
			}
			if report.Race {
				slog.Warn("race observed", "strategy", report.Strategy.String(),
					"balance", report.FinalBalance)
			}
			return nil
		},
	}
	experimentFlags(cmd, "coarse_lock", 10_000)
	return cmd
}

func printReport(w io.Writer, r synclab.Report) {
	fmt.Fprintln(w, r.Summary())
	fmt.Fprintf(w, "  throughput: %.0f mutations/sec\n", r.Throughput)
	fmt.Fprintf(w, "  durations:  mean=%v p50=%v p99=%v max=%v\n",
		r.Durations.Mean, r.Durations.P50, r.Durations.P99, r.Durations.Max)
	if r.Uncooperative > 0 {
		fmt.Fprintf(w, "  uncooperative: %d\n", r.Uncooperative)
	}
	printReuse(w, r.Reuse)
}

func printReuse(w io.Writer, reuse map[int]int) {
	ids := make([]int, 0, len(reuse))
	for id := range reuse {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fmt.Fprintln(w, "  reuse:")
	for _, id := range ids {
		fmt.Fprintf(w, "    context %-3d %d units\n", id, reuse[id])
	}
}

func newSweepCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Measure throughput across worker counts and fit contention",
		RunE: func(cmd *cobra.Command, args []string) error {
			levels, err := parseLevels(v.GetString("levels"))
			if err != nil {
				return err
			}

			kinds := synclab.CorrectStrategies()
			if name := v.GetString("strategy"); name != "all" {
				kind, err := synclab.ParseStrategy(name)
				if err != nil {
					return err
				}
				kinds = []synclab.StrategyKind{kind}
			}
			cfg, err := experimentConfig(v, kinds[0])
			if err != nil {
				return err
			}

			all, sweepErr := synclab.SweepAll(cmd.Context(), cfg, levels, kinds)
			out := make(map[string]sweepOutput, len(all))
			for kind, points := range all {
				o := sweepOutput{Points: points}
				if coeffs, err := synclab.FitUSL(points); err == nil {
					o.Fit = &coeffs
				}
				out[kind.String()] = o
			}

			if err := render(v, cmd.OutOrStdout(), out, func(w io.Writer) {
				for _, kind := range kinds {
					if o, ok := out[kind.String()]; ok {
						printSweep(w, kind, o)
					}
				}
			}); err != nil {
				return err
			}
			if sweepErr != nil {
				slog.Error("sweep failed", "err", sweepErr)
				return errFailed
			}
			return nil
		},
	}
	experimentFlags(cmd, "all", 2000)
	cmd.Flags().String("levels", "2,4,8,16,32", "comma-separated worker counts")
	return cmd
}

type sweepOutput struct {
	Points []synclab.SweepPoint     `yaml:"points"`
	Fit    *synclab.USLCoefficients `yaml:"fit,omitempty"`
}

func printSweep(w io.Writer, kind synclab.StrategyKind, o sweepOutput) {
	fmt.Fprintf(w, "\n=== %s ===\n", kind)
	fmt.Fprintln(w, "  N    Throughput      Balance  Elapsed")
	for _, p := range o.Points {
		fmt.Fprintf(w, "  %-4d %14.0f  %7d  %v\n",
			p.Workers, p.Throughput, p.Report.FinalBalance, p.Report.Elapsed.Round(time.Microsecond))
	}
	if o.Fit == nil {
		fmt.Fprintln(w, "  (not enough points for a fit)")
		return
	}
	fmt.Fprintf(w, "  λ=%.0f α=%.4f β=%.6f R²=%.3f peak N=%.1f\n",
		o.Fit.Lambda, o.Fit.Alpha, o.Fit.Beta, o.Fit.RSquared, o.Fit.PeakConcurrency())
	if last := o.Points[len(o.Points)-1].Workers; o.Fit.Retrograde(last) {
		fmt.Fprintf(w, "  retrograde at N=%d: more workers lower throughput\n", last)
	}
}

func parseLevels(s string) ([]int, error) {
	var levels []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: bad level %q", synclab.ErrInvalidConfig, field)
		}
		levels = append(levels, n)
	}
	if len(levels) == 0 {
		return synclab.DefaultLevels(), nil
	}
	return levels, nil
}

type cancelOutput struct {
	Style      string          `yaml:"style"`
	Workers    int             `yaml:"workers"`
	Timeout    time.Duration   `yaml:"timeout"`
	Poll       time.Duration   `yaml:"poll"`
	Latencies  []time.Duration `yaml:"latencies"`
	MaxLatency time.Duration   `yaml:"max_latency"`
	WithinPoll bool            `yaml:"within_poll"`
}

func newCancelCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel polling workers on a deadline and measure observation latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers := v.GetInt("workers")
			timeout := v.GetDuration("timeout")
			poll := v.GetDuration("poll")
			style := v.GetString("style")
			if workers <= 0 || timeout <= 0 || poll <= 0 {
				return fmt.Errorf("%w: workers, timeout and poll must be positive", synclab.ErrInvalidConfig)
			}

			var workload func(time.Duration, chan<- synclab.Observation) synclab.Workload
			switch style {
			case "poll":
				workload = synclab.PollUntilCancelled
			case "unwind":
				workload = synclab.UnwindOnCancel
			default:
				return fmt.Errorf("%w: style %q (want poll or unwind)", synclab.ErrInvalidConfig, style)
			}

			pool, err := synclab.NewPool(synclab.PoolConfig{MaxContexts: workers, Logger: slog.Default()})
			if err != nil {
				return err
			}
			sig := synclab.NewSignalAfter(timeout).WithLogger(slog.Default())
			defer sig.Stop()
			unlink := sig.LinkContext(cmd.Context())
			defer unlink()

			obs := make(chan synclab.Observation, workers)
			for i := 0; i < workers; i++ {
				if _, err := pool.Submit(workload(poll, obs), synclab.WithSignal(sig)); err != nil {
					_ = pool.Shutdown()
					return err
				}
			}
			pool.JoinAll()
			if err := pool.Shutdown(); err != nil {
				return err
			}
			close(obs)

			out := cancelOutput{Style: style, Workers: workers, Timeout: timeout, Poll: poll}
			for o := range obs {
				lat := o.Latency(sig.RequestedAt())
				out.Latencies = append(out.Latencies, lat)
				if lat > out.MaxLatency {
					out.MaxLatency = lat
				}
			}
			out.WithinPoll = out.MaxLatency <= poll

			return render(v, cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%d %s workers cancelled after %v\n", workers, style, timeout)
				for i, lat := range out.Latencies {
					fmt.Fprintf(w, "  observation %d: %v after request\n", i, lat)
				}
				fmt.Fprintf(w, "  max latency %v (poll interval %v)\n", out.MaxLatency, poll)
			})
		},
	}
	f := cmd.Flags()
	f.Int("workers", 4, "polling workers")
	f.Duration("timeout", 50*time.Millisecond, "deadline before cancellation")
	f.Duration("poll", 5*time.Millisecond, "polling interval")
	f.String("style", "poll", "poll or unwind")
	return cmd
}

type reuseOutput struct {
	Units    int                 `yaml:"units"`
	Contexts int                 `yaml:"contexts"`
	Reuse    map[int]int         `yaml:"reuse"`
	Metrics  synclab.PoolMetrics `yaml:"metrics"`
}

func newReuseCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reuse",
		Short: "Run many short units on few execution contexts and report reuse",
		RunE: func(cmd *cobra.Command, args []string) error {
			units := v.GetInt("units")
			contexts := v.GetInt("contexts")
			if units <= 0 || contexts <= 0 {
				return fmt.Errorf("%w: units and contexts must be positive", synclab.ErrInvalidConfig)
			}

			pool, err := synclab.NewPool(synclab.PoolConfig{MaxContexts: contexts, Logger: slog.Default()})
			if err != nil {
				return err
			}
			unlink := pool.Signal().LinkContext(cmd.Context())
			defer unlink()

			for i := 0; i < units; i++ {
				if _, err := pool.Submit(synclab.Sleeper(v.GetDuration("unit-duration"))); err != nil {
					_ = pool.Shutdown()
					return err
				}
			}
			pool.JoinAll()
			out := reuseOutput{Units: units, Contexts: contexts, Reuse: pool.ReuseReport()}
			shutErr := pool.Shutdown()
			out.Metrics = pool.Metrics()

			if err := render(v, cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%d units on %d contexts (%d started)\n", units, contexts, out.Metrics.Contexts)
				printReuse(w, out.Reuse)
			}); err != nil {
				return err
			}
			if shutErr != nil {
				slog.Error("pool shutdown with queued work", "err", shutErr)
				return errFailed
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int("units", 100, "units of work to submit")
	f.Int("contexts", 4, "maximum execution contexts")
	f.Duration("unit-duration", time.Millisecond, "how long each unit sleeps")
	return cmd
}

func newTornCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torn",
		Short: "Count torn reads of a two-word value",
		RunE: func(cmd *cobra.Command, args []string) error {
			reads := v.GetInt("reads")
			if reads <= 0 {
				return fmt.Errorf("%w: reads must be positive", synclab.ErrInvalidConfig)
			}

			var cell synclab.Cell
			switch variant := v.GetString("variant"); variant {
			case "plain":
				cell = &synclab.PlainCell{Yield: v.GetBool("yield")}
			case "fenced":
				cell = &synclab.FencedCell{}
			default:
				return fmt.Errorf("%w: variant %q (want plain or fenced)", synclab.ErrInvalidConfig, variant)
			}

			report := synclab.ProbeTornReads(cell, reads)
			return render(v, cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d/%d torn reads\n", report.Variant, report.Torn, report.Reads)
				for _, s := range report.Samples {
					fmt.Fprintf(w, "  hi=%#x lo=%#x\n", s.Hi, s.Lo)
				}
			})
		},
	}
	f := cmd.Flags()
	f.Int("reads", 1_000_000, "loads to perform")
	f.String("variant", "plain", "plain or fenced")
	f.Bool("yield", true, "plain cell hands off the processor between its word stores")
	return cmd
}

func newStaleCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Check whether a spinning reader sees a counter reach its target",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := v.GetDuration("timeout")
			if timeout <= 0 {
				return fmt.Errorf("%w: timeout must be positive", synclab.ErrInvalidConfig)
			}

			var g synclab.Gauge
			switch variant := v.GetString("variant"); variant {
			case "plain":
				g = &synclab.PlainGauge{}
			case "atomic":
				g = &synclab.AtomicGauge{}
			default:
				return fmt.Errorf("%w: variant %q (want plain or atomic)", synclab.ErrInvalidConfig, variant)
			}

			report := synclab.ProbeStaleRead(g, timeout)
			return render(v, cmd.OutOrStdout(), report, func(w io.Writer) {
				if report.Stopped {
					fmt.Fprintf(w, "%s: stopped at %d after %v (%d spins)\n",
						report.Variant, report.Seen, report.Latency.Round(time.Microsecond), report.Spins)
					return
				}
				fmt.Fprintf(w, "%s: spinner missed %d within %v (%d spins)\n",
					report.Variant, report.Target, timeout, report.Spins)
			})
		},
	}
	f := cmd.Flags()
	f.String("variant", "plain", "plain or atomic")
	f.Duration("timeout", time.Second, "how long to wait for the spinner")
	return cmd
}

func newStarveCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "starve",
		Short: "Show a low-priority job held back by a high-priority burst",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := synclab.DefaultStarvationConfig()
			cfg.Contexts = v.GetInt("contexts")
			cfg.Steps = v.GetInt("steps")
			cfg.StepDuration = v.GetDuration("step-duration")
			cfg.BurstAfter = v.GetInt("burst-after")
			cfg.Burst = v.GetInt("burst")
			cfg.BurstDuration = v.GetDuration("burst-duration")
			cfg.Logger = slog.Default()

			report, err := synclab.ProbeStarvation(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return render(v, cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "burst of %d high-priority units: %v .. %v\n",
					cfg.Burst, report.BurstStart.Round(time.Microsecond), report.BurstEnd.Round(time.Microsecond))
				fmt.Fprintf(w, "  low-priority steps during burst: %d of %d\n", report.StepsDuringBurst, len(report.StepTimes))
				fmt.Fprintf(w, "  longest gap between steps: %v\n", report.LongestGap.Round(time.Microsecond))
				printReuse(w, report.Reuse)
			})
		},
	}
	def := synclab.DefaultStarvationConfig()
	f := cmd.Flags()
	f.Int("contexts", def.Contexts, "execution contexts")
	f.Int("steps", def.Steps, "low-priority steps")
	f.Duration("step-duration", def.StepDuration, "duration of one low-priority step")
	f.Int("burst-after", def.BurstAfter, "steps completed before the burst")
	f.Int("burst", def.Burst, "high-priority units in the burst")
	f.Duration("burst-duration", def.BurstDuration, "duration of one burst unit")
	return cmd
}
