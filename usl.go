package synclab

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// USLCoefficients contains the Universal Scalability Law parameters fitted to
// a strategy's sweep:
//
//	C(N) = λN / (1 + α(N-1) + βN(N-1))
//
// For a single shared counter α is the lock-waiting share and β the
// cache-line ping-pong between cores.
type USLCoefficients struct {
	Lambda   float64 // λ: mutations/sec with one worker
	Alpha    float64 // α: contention coefficient
	Beta     float64 // β: coherency coefficient
	RSquared float64 // R²: goodness of fit (1.0 = perfect)
}

// Statistics contains percentile data over worker run times.
type Statistics struct {
	Mean   time.Duration
	Stddev time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Max    time.Duration
}

// CalculateStatistics computes mean, stddev and percentiles of samples.
func CalculateStatistics(samples []time.Duration) Statistics {
	if len(samples) == 0 {
		return Statistics{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))

	var variance float64
	for _, d := range sorted {
		diff := float64(d - mean)
		variance += diff * diff
	}
	stddev := time.Duration(math.Sqrt(variance / float64(len(sorted))))

	return Statistics{
		Mean:   mean,
		Stddev: stddev,
		P50:    sorted[len(sorted)*50/100],
		P95:    sorted[len(sorted)*95/100],
		P99:    sorted[len(sorted)*99/100],
		Max:    sorted[len(sorted)-1],
	}
}

// uslSums accumulates the normal equations of the linearized USL
//
//	y = N/C(N) = b0 + b1·x1 + b2·x2,  x1 = N-1,  x2 = N(N-1)
//
// over the points of a sweep. Points with zero throughput carry no
// information and are skipped.
type uslSums struct {
	n                float64
	y, x1, x2        float64
	x1x1, x2x2, x1x2 float64
	yx1, yx2         float64
}

func accumulateUSL(points []SweepPoint) uslSums {
	var s uslSums
	for _, p := range points {
		if p.Throughput == 0 {
			continue
		}
		workers := float64(p.Workers)
		y := workers / p.Throughput
		x1 := workers - 1
		x2 := workers * x1

		s.n++
		s.y += y
		s.x1 += x1
		s.x2 += x2
		s.x1x1 += x1 * x1
		s.x2x2 += x2 * x2
		s.x1x2 += x1 * x2
		s.yx1 += y * x1
		s.yx2 += y * x2
	}
	return s
}

// det3 is the determinant of the 3x3 matrix given by rows.
func det3(a, b, c [3]float64) float64 {
	return a[0]*(b[1]*c[2]-b[2]*c[1]) -
		a[1]*(b[0]*c[2]-b[2]*c[0]) +
		a[2]*(b[0]*c[1]-b[1]*c[0])
}

// solveFull solves for b0, b1, b2 with Cramer's rule.
func (s uslSums) solveFull() (b0, b1, b2 float64, ok bool) {
	r0 := [3]float64{s.n, s.x1, s.x2}
	r1 := [3]float64{s.x1, s.x1x1, s.x1x2}
	r2 := [3]float64{s.x2, s.x1x2, s.x2x2}
	rhs := [3]float64{s.y, s.yx1, s.yx2}

	d := det3(r0, r1, r2)
	if math.Abs(d) < 1e-10 {
		return 0, 0, 0, false
	}
	col := func(i int) float64 {
		a, b, c := r0, r1, r2
		a[i], b[i], c[i] = rhs[0], rhs[1], rhs[2]
		return det3(a, b, c) / d
	}
	return col(0), col(1), col(2), true
}

// solveContention solves the two-term model with b2 = 0 from the same sums.
func (s uslSums) solveContention() (b0, b1 float64, ok bool) {
	d := s.n*s.x1x1 - s.x1*s.x1
	if math.Abs(d) < 1e-10 {
		return 0, 0, false
	}
	return (s.x1x1*s.y - s.x1*s.yx1) / d, (s.n*s.yx1 - s.x1*s.y) / d, true
}

// FitUSL fits λ, α and β to a sweep by least squares on the linearized model
// (see uslSums). A negative β is noise on a short sweep; the fit then falls
// back to the contention-only model with β = 0.
func FitUSL(points []SweepPoint) (USLCoefficients, error) {
	if len(points) < 3 {
		return USLCoefficients{}, fmt.Errorf("need at least 3 data points, got %d", len(points))
	}

	sums := accumulateUSL(points)
	b0, b1, b2, ok := sums.solveFull()
	if !ok {
		return USLCoefficients{Lambda: points[0].Throughput, Alpha: 0.01}, nil
	}
	c := USLCoefficients{Lambda: 1 / b0, Alpha: b1 / b0, Beta: b2 / b0}

	if c.Beta < 0 && c.Alpha > 0 {
		if b0, b1, ok := sums.solveContention(); ok {
			c = USLCoefficients{Lambda: 1 / b0, Alpha: b1 / b0}
		}
	}

	c.RSquared = c.rSquared(points)
	return c, nil
}

// rSquared is the coefficient of determination of c over points.
func (c USLCoefficients) rSquared(points []SweepPoint) float64 {
	var mean float64
	for _, p := range points {
		mean += p.Throughput
	}
	mean /= float64(len(points))

	var ssRes, ssTot float64
	for _, p := range points {
		res := p.Throughput - c.PredictThroughput(p.Workers)
		dev := p.Throughput - mean
		ssRes += res * res
		ssTot += dev * dev
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func uslModel(n, lambda, alpha, beta float64) float64 {
	return (lambda * n) / (1 + alpha*(n-1) + beta*n*(n-1))
}

// PredictThroughput estimates throughput at n workers.
func (c USLCoefficients) PredictThroughput(n int) float64 {
	return uslModel(float64(n), c.Lambda, c.Alpha, c.Beta)
}

// Efficiency returns predicted over ideal (λN) throughput at n workers.
func (c USLCoefficients) Efficiency(n int) float64 {
	ideal := c.Lambda * float64(n)
	if ideal == 0 {
		return 0
	}
	return c.PredictThroughput(n) / ideal
}

// PeakConcurrency is the worker count past which adding workers lowers
// throughput: sqrt((1-α)/β). It is +Inf when β is zero.
func (c USLCoefficients) PeakConcurrency() float64 {
	if c.Beta <= 0 {
		return math.Inf(1)
	}
	if c.Alpha >= 1 {
		return 0
	}
	return math.Sqrt((1 - c.Alpha) / c.Beta)
}

// Retrograde reports whether n workers sit past the throughput peak, where
// adding another worker lowers throughput.
func (c USLCoefficients) Retrograde(n int) bool {
	return n > 1 && c.PredictThroughput(n+1) < c.PredictThroughput(n)
}
