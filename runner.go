package synclab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config controls one experiment.
type Config struct {
	Workers    int          `yaml:"workers"`    // concurrent workers, one execution context each
	Iterations int          `yaml:"iterations"` // increment/decrement pairs per worker
	Strategy   StrategyKind `yaml:"strategy"`
	Yield      bool         `yaml:"yield"` // give up the processor after every mutation

	// Timeout requests cancellation of every worker once it elapses.
	// Zero means no deadline.
	Timeout time.Duration `yaml:"timeout"`

	// GracePeriod is how long the runner waits for workers after
	// cancellation before reporting them as uncooperative.
	GracePeriod time.Duration `yaml:"grace_period"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the parameters of the original lock demonstrations:
// ten workers, ten thousand transactions each, behind one coarse lock.
func DefaultConfig() Config {
	return Config{
		Workers:     10,
		Iterations:  10_000,
		Strategy:    CoarseLock,
		Yield:       true,
		GracePeriod: time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	case c.Iterations <= 0:
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidConfig, c.Iterations)
	case !c.Strategy.valid():
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidConfig, int(c.Strategy))
	case c.Timeout < 0:
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

// WorkerResult is the terminal state of one worker.
type WorkerResult struct {
	ID        int           `yaml:"id"`
	ContextID int           `yaml:"context"`
	Status    Status        `yaml:"status"`
	Elapsed   time.Duration `yaml:"elapsed"`
	Err       string        `yaml:"error,omitempty"`
}

// Report is the outcome of one experiment.
type Report struct {
	Strategy        StrategyKind   `yaml:"strategy"`
	Workers         int            `yaml:"workers"`
	Iterations      int            `yaml:"iterations"`
	FinalBalance    int64          `yaml:"final_balance"`
	ExpectedBalance int64          `yaml:"expected_balance"`
	Race            bool           `yaml:"race"`
	Elapsed         time.Duration  `yaml:"elapsed"`
	Throughput      float64        `yaml:"throughput"` // ledger mutations per second
	Completed       int            `yaml:"completed"`
	Cancelled       int            `yaml:"cancelled"`
	Faulted         int            `yaml:"faulted"`
	Uncooperative   int            `yaml:"uncooperative"`
	Reuse           map[int]int    `yaml:"reuse"`
	Durations       Statistics     `yaml:"durations"`
	Results         []WorkerResult `yaml:"results"`
}

// Err returns a *RaceError when the final balance differs from the expected
// one, regardless of strategy.
func (r Report) Err() error {
	if r.FinalBalance == r.ExpectedBalance {
		return nil
	}
	return &RaceError{Strategy: r.Strategy, Expected: r.ExpectedBalance, Actual: r.FinalBalance}
}

// Summary is the one-line human-readable outcome.
func (r Report) Summary() string {
	verdict := "balanced"
	if r.Race {
		verdict = fmt.Sprintf("RACE (off by %d)", r.FinalBalance-r.ExpectedBalance)
	}
	return fmt.Sprintf("%s: workers=%d iterations=%d balance=%d expected=%d %s elapsed=%s completed=%d cancelled=%d faulted=%d",
		r.Strategy, r.Workers, r.Iterations, r.FinalBalance, r.ExpectedBalance, verdict,
		r.Elapsed.Round(time.Microsecond), r.Completed, r.Cancelled, r.Faulted)
}

// Run executes one experiment: cfg.Workers workers each run cfg.Iterations
// balanced transactions against a fresh ledger through cfg.Strategy.
//
// The returned error is non-nil when the configuration is invalid, when a
// correct strategy loses the balance (a *RaceError), when a worker faulted,
// or when workers ignored cancellation past the grace period. Under
// Unsynchronized a lost balance is only reported through Report.Race.
// Cancelling ctx cancels the experiment.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("strategy", cfg.Strategy.String(), "workers", cfg.Workers)

	strategy, err := NewStrategy(cfg.Strategy, WithYield(cfg.Yield))
	if err != nil {
		return Report{}, err
	}

	sig := NewSignal().WithLogger(cfg.Logger)
	defer sig.Stop()
	unlink := sig.LinkContext(ctx)
	defer unlink()

	pool, err := NewPool(PoolConfig{MaxContexts: cfg.Workers, Logger: cfg.Logger})
	if err != nil {
		return Report{}, err
	}

	ledger := NewLedger()
	gate := make(chan struct{})
	workers := make([]*Worker, 0, cfg.Workers)

	for i := 0; i < cfg.Workers; i++ {
		tx := BalancedTransactions{
			Teller:     strategy.Teller(ledger),
			Iterations: cfg.Iterations,
			Yield:      cfg.Yield,
			Gate:       gate,
		}
		w, err := pool.Submit(tx.Workload(), WithSignal(sig))
		if err != nil {
			close(gate)
			_ = pool.Shutdown()
			return Report{}, fmt.Errorf("submit worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	log.Debug("experiment started", "iterations", cfg.Iterations, "timeout", cfg.Timeout)
	start := time.Now()
	close(gate)
	// The deadline counts from the gate, not from pool construction.
	if cfg.Timeout > 0 {
		sig.CancelAfter(cfg.Timeout)
	}
	uncooperative := joinWithGrace(pool, sig, cfg.GracePeriod)
	elapsed := time.Since(start)

	report := Report{
		Strategy:        cfg.Strategy,
		Workers:         cfg.Workers,
		Iterations:      cfg.Iterations,
		ExpectedBalance: 0,
		FinalBalance:    ledger.Balance(),
		Elapsed:         elapsed,
		Uncooperative:   uncooperative,
		Reuse:           pool.ReuseReport(),
	}
	report.Race = report.FinalBalance != report.ExpectedBalance

	var errs []error
	durations := make([]time.Duration, 0, len(workers))
	for _, w := range workers {
		status := w.Status()
		res := WorkerResult{ID: w.ID, ContextID: w.ContextID(), Status: status}
		if status.Terminal() {
			res.Elapsed = w.Elapsed()
			durations = append(durations, res.Elapsed)
		}
		switch status {
		case StatusCompleted:
			report.Completed++
		case StatusCancelled:
			report.Cancelled++
		case StatusFaulted:
			report.Faulted++
			res.Err = w.Err().Error()
			errs = append(errs, w.Err())
		}
		report.Results = append(report.Results, res)
	}
	report.Durations = CalculateStatistics(durations)
	if elapsed > 0 {
		mutations := float64(2 * cfg.Iterations * report.Completed)
		report.Throughput = mutations / elapsed.Seconds()
	}

	if uncooperative > 0 {
		// The stragglers keep their contexts; Shutdown would block on them.
		go pool.Shutdown()
		errs = append(errs, fmt.Errorf("%d of %d workers still running %s after cancellation: %w",
			uncooperative, cfg.Workers, cfg.GracePeriod, ErrUncooperative))
	} else if err := pool.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	if report.Race {
		if cfg.Strategy.Correct() {
			errs = append(errs, report.Err())
			log.Error("balance lost under a correct strategy", "balance", report.FinalBalance)
		} else {
			log.Info("race observed", "balance", report.FinalBalance, "expected", report.ExpectedBalance)
		}
	}

	log.Debug("experiment finished", "elapsed", elapsed, "completed", report.Completed,
		"cancelled", report.Cancelled, "faulted", report.Faulted)

	return report, errors.Join(errs...)
}

// joinWithGrace waits for every unit of pool. Once sig is requested it waits
// at most grace more, then returns how many units are still not terminal.
func joinWithGrace(pool *Pool, sig *Signal, grace time.Duration) int {
	joined := make(chan struct{})
	go func() {
		pool.JoinAll()
		close(joined)
	}()

	select {
	case <-joined:
		return 0
	case <-sig.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-joined:
		return 0
	case <-timer.C:
	}

	m := pool.Metrics()
	return int(m.Submitted - m.Completed - m.Cancelled - m.Faulted)
}

// Repeat runs the same experiment runs times and returns every report. It
// stops at the first error.
func Repeat(ctx context.Context, cfg Config, runs int) ([]Report, error) {
	reports := make([]Report, 0, runs)
	for i := 0; i < runs; i++ {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := Run(ctx, cfg)
		if err != nil {
			return reports, fmt.Errorf("run %d: %w", i, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// RaceCount returns how many reports lost the balance.
func RaceCount(reports []Report) int {
	n := 0
	for _, r := range reports {
		if r.Race {
			n++
		}
	}
	return n
}
