package synclab

import (
	"context"
	"fmt"
)

// SweepPoint is the measurement at one worker count.
type SweepPoint struct {
	Workers    int     `yaml:"workers"`
	Throughput float64 `yaml:"throughput"` // ledger mutations per second
	Report     Report  `yaml:"report"`
}

// DefaultLevels are the worker counts of the contention benchmark.
func DefaultLevels() []int {
	return []int{2, 4, 8, 16, 32}
}

// Sweep runs the experiment at each worker count in levels and returns one
// point per level, in order. cfg.Workers is ignored.
//
// Contention depends on GOMAXPROCS: with more workers than processors the
// curve also measures scheduler hand-offs, not only lock waiting.
func Sweep(ctx context.Context, cfg Config, levels []int) ([]SweepPoint, error) {
	if len(levels) == 0 {
		levels = DefaultLevels()
	}

	points := make([]SweepPoint, 0, len(levels))
	for _, n := range levels {
		if err := ctx.Err(); err != nil {
			return points, err
		}

		run := cfg
		run.Workers = n
		report, err := Run(ctx, run)
		if err != nil {
			return points, fmt.Errorf("failed at N=%d: %w", n, err)
		}
		points = append(points, SweepPoint{
			Workers:    n,
			Throughput: report.Throughput,
			Report:     report,
		})
	}
	return points, nil
}

// SweepAll runs Sweep for every strategy in kinds. The map is keyed by
// strategy; a failing strategy stops the comparison.
func SweepAll(ctx context.Context, cfg Config, levels []int, kinds []StrategyKind) (map[StrategyKind][]SweepPoint, error) {
	out := make(map[StrategyKind][]SweepPoint, len(kinds))
	for _, k := range kinds {
		run := cfg
		run.Strategy = k
		points, err := Sweep(ctx, run, levels)
		if err != nil {
			return out, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = points
	}
	return out, nil
}
