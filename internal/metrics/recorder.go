// Package metrics exposes observability hooks for scans, parses and precedence
// graph writes. Components default to NoopRecorder; the daemon swaps in a
// PrometheusRecorder registered on its own registry.
package metrics

import "time"

// ScanOutcome labels the end state of a single source scan
type ScanOutcome string

const (
	ScanChanged     ScanOutcome = "changed"
	ScanUnchanged   ScanOutcome = "unchanged"
	ScanNotModified ScanOutcome = "not_modified"
	ScanFailed      ScanOutcome = "failed"
	ScanSkipped     ScanOutcome = "skipped"
)

// Recorder defines the observability hooks. Implementations must be safe for concurrent use.
type Recorder interface {
	IncScan(outcome ScanOutcome)
	IncContentChange(source string)
	ObserveParse(status string, d time.Duration)
	IncCycleRejection(relation string)
	ObserveGraphValidation(d time.Duration, valid bool)
}

// NoopRecorder is a Recorder that does nothing
type NoopRecorder struct{}

func (NoopRecorder) IncScan(ScanOutcome)                        {}
func (NoopRecorder) IncContentChange(string)                    {}
func (NoopRecorder) ObserveParse(string, time.Duration)         {}
func (NoopRecorder) IncCycleRejection(string)                   {}
func (NoopRecorder) ObserveGraphValidation(time.Duration, bool) {}
