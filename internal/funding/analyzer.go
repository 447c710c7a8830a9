package funding

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	historyCapacity = 200
	hoursPerYear    = 8760

	// Below this the rate series is treated as flat and the absolute
	// threshold alone decides the signal.
	stdDevEpsilon = 1e-6
)

// Sample is one observed funding-rate reading. Immutable once recorded.
type Sample struct {
	Pair       string
	Rate       float64
	CapturedAt time.Time
}

// Analyzer keeps a bounded rolling history of funding-rate samples for a
// single pair and derives signal statistics on demand. Derived values are
// never cached so reads cannot go stale.
type Analyzer struct {
	pair          string
	maPeriod      int
	intervalHours float64

	mu      sync.RWMutex
	history []Sample
	start   int
	count   int
}

func NewAnalyzer(pair string, maPeriod int, intervalHours float64) *Analyzer {
	if maPeriod <= 0 {
		maPeriod = 24
	}
	if intervalHours <= 0 {
		intervalHours = 1
	}
	return &Analyzer{
		pair:          pair,
		maPeriod:      maPeriod,
		intervalHours: intervalHours,
		history:       make([]Sample, historyCapacity),
	}
}

func (a *Analyzer) Pair() string {
	return a.pair
}

// Update appends a sample to the rolling window, evicting the oldest once
// the window is at capacity.
func (a *Analyzer) Update(sample Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := (a.start + a.count) % historyCapacity
	a.history[idx] = sample
	if a.count < historyCapacity {
		a.count++
	} else {
		a.start = (a.start + 1) % historyCapacity
	}
}

func (a *Analyzer) CurrentRate() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentRateLocked()
}

func (a *Analyzer) currentRateLocked() float64 {
	if a.count == 0 {
		return 0
	}
	return a.history[(a.start+a.count-1)%historyCapacity].Rate
}

func (a *Analyzer) SampleCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// window returns up to maPeriod most recent rates, oldest first.
func (a *Analyzer) windowLocked() []float64 {
	n := a.count
	if n > a.maPeriod {
		n = a.maPeriod
	}
	out := make([]float64, 0, n)
	for i := a.count - n; i < a.count; i++ {
		out = append(out, a.history[(a.start+i)%historyCapacity].Rate)
	}
	return out
}

func (a *Analyzer) MovingAverage() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return mean(a.windowLocked())
}

func (a *Analyzer) StdDev() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sampleStdDev(a.windowLocked())
}

// ZScore is the current rate's deviation from the rolling mean in
// standard-deviation units, 0 when the window stddev is 0.
func (a *Analyzer) ZScore() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	window := a.windowLocked()
	sd := sampleStdDev(window)
	if sd == 0 {
		return 0
	}
	return (a.currentRateLocked() - mean(window)) / sd
}

func (a *Analyzer) AnnualizedRate() float64 {
	return a.CurrentRate() * (hoursPerYear / a.intervalHours)
}

func (a *Analyzer) AnnualizedMA() float64 {
	return a.MovingAverage() * (hoursPerYear / a.intervalHours)
}

// IsSignal reports whether |current rate| is anomalously high. Works for
// both positive (short receives) and negative (long receives) rates. Always
// false until the window holds at least maPeriod samples.
func (a *Analyzer) IsSignal(k, minRate float64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count < a.maPeriod {
		return false
	}
	absRate := math.Abs(a.currentRateLocked())
	if absRate < minRate {
		return false
	}
	window := a.windowLocked()
	sd := sampleStdDev(window)
	if sd < stdDevEpsilon {
		return true
	}
	return absRate > math.Abs(mean(window))+k*sd
}

// DetectAnomaly flags a sudden proportional drop in a positive funding rate
// between the two most recent samples. Returns the alert text and true when
// the drop exceeds dropThresholdPct.
func (a *Analyzer) DetectAnomaly(dropThresholdPct float64) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count < 3 {
		return "", false
	}
	prev := a.history[(a.start+a.count-2)%historyCapacity].Rate
	curr := a.currentRateLocked()
	if prev <= 0 {
		return "", false
	}
	drop := (prev - curr) / prev
	if drop <= dropThresholdPct {
		return "", false
	}
	return fmt.Sprintf("%s: funding dropped %.1f%% (%.4f%% -> %.4f%%)",
		a.pair, drop*100, prev*100, curr*100), true
}

// FundingCollectedUSD estimates the USD collected over one funding interval
// for the given position notional.
func (a *Analyzer) FundingCollectedUSD(notionalUSD float64) float64 {
	return notionalUSD * a.CurrentRate()
}

// Summary is a consistent read-time snapshot of the derived statistics.
type Summary struct {
	Pair           string
	CurrentRate    float64
	MovingAverage  float64
	StdDev         float64
	ZScore         float64
	AnnualizedRate float64
	SampleCount    int
}

func (a *Analyzer) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	window := a.windowLocked()
	avg := mean(window)
	sd := sampleStdDev(window)
	current := a.currentRateLocked()
	z := 0.0
	if sd != 0 {
		z = (current - avg) / sd
	}
	return Summary{
		Pair:           a.pair,
		CurrentRate:    current,
		MovingAverage:  avg,
		StdDev:         sd,
		ZScore:         z,
		AnnualizedRate: current * (hoursPerYear / a.intervalHours),
		SampleCount:    a.count,
	}
}

func mean(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := 0.0
	for _, v := range values {
		avg += v
	}
	avg /= float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - avg
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}
