package sentinel

import (
	"math/rand/v2"
	"time"

	"github.com/ppiankov/regtruth/internal/model"
)

// Base re-scan delays per risk tier, before frequency scaling and jitter
var baseScanDelay = map[model.FreshnessRisk]time.Duration{
	model.RiskCritical: 1 * time.Hour,
	model.RiskHigh:     6 * time.Hour,
	model.RiskMedium:   24 * time.Hour,
	model.RiskLow:      72 * time.Hour,
}

const (
	// DefaultJitterFraction spreads re-scans uniformly over +/-10% of the delay
	DefaultJitterFraction = 0.10
	// maxJitterFraction keeps adjacent risk tiers from overlapping at a fixed score
	maxJitterFraction = 0.25

	changeFrequencyAlpha = 0.3
)

// Scheduler computes adaptive next-scan times
type Scheduler struct {
	jitter float64
	now    func() time.Time
	random func() float64 // uniform in [0,1)
}

// NewScheduler creates a scheduler with the given jitter fraction.
// Negative values disable jitter; values above 0.25 are capped.
func NewScheduler(jitterFraction float64) *Scheduler {
	if jitterFraction < 0 {
		jitterFraction = 0
	}
	if jitterFraction > maxJitterFraction {
		jitterFraction = maxJitterFraction
	}
	return &Scheduler{
		jitter: jitterFraction,
		now:    time.Now,
		random: rand.Float64,
	}
}

var defaultScheduler = NewScheduler(DefaultJitterFraction)

// CalculateNextScan uses the package default scheduler (10% jitter, wall clock)
func CalculateNextScan(changeFrequencyScore float64, risk model.FreshnessRisk) time.Time {
	return defaultScheduler.CalculateNextScan(changeFrequencyScore, risk)
}

// CalculateNextScan returns when a location should next be checked.
// Higher risk and higher change frequency both shorten the delay.
func (s *Scheduler) CalculateNextScan(changeFrequencyScore float64, risk model.FreshnessRisk) time.Time {
	return s.now().Add(s.NextScanDelay(changeFrequencyScore, risk))
}

// NextScanDelay is the delay CalculateNextScan adds to the current time
func (s *Scheduler) NextScanDelay(changeFrequencyScore float64, risk model.FreshnessRisk) time.Duration {
	base, ok := baseScanDelay[risk]
	if !ok {
		base = baseScanDelay[model.RiskMedium]
	}

	score := clamp01(changeFrequencyScore)
	// score 0 -> 1.5x base, score 1 -> 0.5x base
	factor := 1.5 - score

	if s.jitter > 0 {
		factor *= 1 + s.jitter*(2*s.random()-1)
	}
	return time.Duration(float64(base) * factor)
}

// UpdateChangeFrequency folds one observation into the change-frequency
// moving average used as CalculateNextScan's score
func UpdateChangeFrequency(previous float64, changed bool) float64 {
	observed := 0.0
	if changed {
		observed = 1.0
	}
	return clamp01(changeFrequencyAlpha*observed + (1-changeFrequencyAlpha)*clamp01(previous))
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
