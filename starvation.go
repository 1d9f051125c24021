package synclab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StarvationConfig describes a priority starvation experiment.
//
// Go goroutines have no scheduling priority, so priority is expressed where
// this lab controls scheduling: the pool queue. A low-priority job runs as a
// chain of short steps, each resubmitting the next. After BurstAfter steps a
// burst of high-priority units is queued ahead of the chain and holds it back
// until the burst drains.
type StarvationConfig struct {
	Contexts      int           `yaml:"contexts"` // pool size, default 1
	Steps         int           `yaml:"steps"`    // low-priority steps in the chain
	StepDuration  time.Duration `yaml:"step_duration"`
	BurstAfter    int           `yaml:"burst_after"` // steps completed before the burst
	Burst         int           `yaml:"burst"`       // high-priority units in the burst
	BurstDuration time.Duration `yaml:"burst_duration"`
	Logger        *slog.Logger  `yaml:"-"`
}

// DefaultStarvationConfig returns an experiment that finishes in well under a second.
func DefaultStarvationConfig() StarvationConfig {
	return StarvationConfig{
		Contexts:      1,
		Steps:         20,
		StepDuration:  2 * time.Millisecond,
		BurstAfter:    5,
		Burst:         8,
		BurstDuration: 5 * time.Millisecond,
	}
}

func (c StarvationConfig) validate() error {
	switch {
	case c.Steps <= 0:
		return fmt.Errorf("%w: steps must be positive", ErrInvalidConfig)
	case c.BurstAfter < 0 || c.BurstAfter > c.Steps:
		return fmt.Errorf("%w: burst_after must be within [0, steps]", ErrInvalidConfig)
	case c.Burst < 0:
		return fmt.Errorf("%w: burst must not be negative", ErrInvalidConfig)
	}
	return nil
}

// StarvationReport is an observed timeline, not an invariant: with more than
// one context the overlap depends on the Go scheduler.
type StarvationReport struct {
	StepTimes        []time.Duration `yaml:"step_times"` // completion offset of each low step
	BurstStart       time.Duration   `yaml:"burst_start"`
	BurstEnd         time.Duration   `yaml:"burst_end"`
	StepsDuringBurst int             `yaml:"steps_during_burst"`
	LongestGap       time.Duration   `yaml:"longest_gap"` // widest pause between low steps
	Reuse            map[int]int     `yaml:"reuse"`
}

// ProbeStarvation runs the probe and returns the low-priority timeline.
func ProbeStarvation(ctx context.Context, cfg StarvationConfig) (StarvationReport, error) {
	if err := cfg.validate(); err != nil {
		return StarvationReport{}, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := NewPool(PoolConfig{MaxContexts: cfg.Contexts, Logger: cfg.Logger})
	if err != nil {
		return StarvationReport{}, err
	}
	unlink := pool.Signal().LinkContext(ctx)
	defer unlink()

	var (
		mu         sync.Mutex
		stepTimes  []time.Duration
		burstStart time.Duration = -1
		burstEnd   time.Duration
		submitErr  error
	)
	start := time.Now()
	since := func() time.Duration { return time.Since(start) }

	burstUnit := func(w *Worker) error {
		mu.Lock()
		if burstStart < 0 {
			burstStart = since()
		}
		mu.Unlock()
		time.Sleep(cfg.BurstDuration)
		mu.Lock()
		if end := since(); end > burstEnd {
			burstEnd = end
		}
		mu.Unlock()
		return nil
	}

	var step func(n int) Workload
	step = func(n int) Workload {
		return func(w *Worker) error {
			if err := w.Signal().Err(); err != nil {
				return err
			}
			time.Sleep(cfg.StepDuration)

			mu.Lock()
			stepTimes = append(stepTimes, since())
			mu.Unlock()

			// The burst is queued before the next step so it is already ahead
			// of the chain when this context looks for work again.
			if n == cfg.BurstAfter {
				cfg.Logger.Debug("submitting high-priority burst", "units", cfg.Burst)
				for i := 0; i < cfg.Burst; i++ {
					if _, err := pool.Submit(burstUnit, WithPriority(PriorityHigh)); err != nil {
						mu.Lock()
						submitErr = err
						mu.Unlock()
						return err
					}
				}
			}
			if n < cfg.Steps {
				if _, err := pool.Submit(step(n+1), WithPriority(PriorityLow)); err != nil {
					mu.Lock()
					submitErr = err
					mu.Unlock()
					return err
				}
			}
			return nil
		}
	}

	if cfg.BurstAfter == 0 {
		for i := 0; i < cfg.Burst; i++ {
			if _, err := pool.Submit(burstUnit, WithPriority(PriorityHigh)); err != nil {
				_ = pool.Shutdown()
				return StarvationReport{}, err
			}
		}
	}
	if _, err := pool.Submit(step(1), WithPriority(PriorityLow)); err != nil {
		_ = pool.Shutdown()
		return StarvationReport{}, err
	}

	// Steps resubmit themselves, so inflight never drops to zero until the
	// chain and the burst are both done.
	pool.JoinAll()
	report := StarvationReport{Reuse: pool.ReuseReport()}
	shutErr := pool.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if submitErr != nil {
		return report, submitErr
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.StepTimes = stepTimes
	if burstStart >= 0 {
		report.BurstStart = burstStart
		report.BurstEnd = burstEnd
	}
	prev := time.Duration(0)
	for _, t := range stepTimes {
		if burstStart >= 0 && t > burstStart && t < burstEnd {
			report.StepsDuringBurst++
		}
		if gap := t - prev; gap > report.LongestGap {
			report.LongestGap = gap
		}
		prev = t
	}
	return report, shutErr
}
