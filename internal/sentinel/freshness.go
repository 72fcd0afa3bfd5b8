package sentinel

import (
	"time"

	"github.com/ppiankov/regtruth/internal/model"
)

const day = 24 * time.Hour

// EvaluateFreshness classifies how stale a source's last successful check is.
// A zero lastChecked (never checked) is CRITICAL.
func EvaluateFreshness(level model.AuthorityLevel, lastChecked, now time.Time) model.FreshnessStatus {
	if lastChecked.IsZero() {
		return model.FreshnessCritical
	}

	threshold := time.Duration(level.FreshnessThresholdDays()) * day
	age := now.Sub(lastChecked)

	switch {
	case age > threshold*model.FreshnessCriticalFactor:
		return model.FreshnessCritical
	case age > threshold:
		return model.FreshnessStale
	case age >= threshold-model.FreshnessWarningWindowDays*day:
		return model.FreshnessWarning
	default:
		return model.FreshnessFresh
	}
}

// StaleAt returns the instant a source checked at lastChecked becomes STALE
func StaleAt(level model.AuthorityLevel, lastChecked time.Time) time.Time {
	return lastChecked.Add(time.Duration(level.FreshnessThresholdDays()) * day)
}
