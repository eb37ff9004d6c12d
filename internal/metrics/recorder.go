// Package metrics provides observability hooks for the task pipeline.
//
// Components receive a Recorder through dependency injection; NoopRecorder is
// the default so callers never nil-check. The Prometheus implementation is
// activated when the metrics endpoint is enabled.
package metrics

import "time"

// TaskResultLabel enumerates task outcome categories for counters.
type TaskResultLabel string

const (
	ResultCompleted TaskResultLabel = "completed"
	ResultRetried   TaskResultLabel = "retried"
	ResultFailed    TaskResultLabel = "failed"
)

// Recorder defines the observability hooks the dispatcher and ingress emit.
// Implementations must tolerate nil receivers so injection stays optional.
type Recorder interface {
	IncTaskLeased(kind string)
	IncTaskResult(kind string, result TaskResultLabel)
	ObserveStageDuration(kind string, d time.Duration)
	SetQueueDepth(kind string, pending int)
	IncBuildOutcome(outcome string) // completed|failed
	IncWebhookResult(result string) // accepted|rejected|unauthorized|duplicate|error
	SetActiveWorkers(kind string, n int)
}

// NoopRecorder is the default Recorder; every method does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncTaskLeased(string)                        {}
func (NoopRecorder) IncTaskResult(string, TaskResultLabel)       {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration)  {}
func (NoopRecorder) SetQueueDepth(string, int)                   {}
func (NoopRecorder) IncBuildOutcome(string)                      {}
func (NoopRecorder) IncWebhookResult(string)                     {}
func (NoopRecorder) SetActiveWorkers(string, int)                {}
