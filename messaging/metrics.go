package messaging

import "time"

// Request outcomes reported to MetricsCollector.RequestCompleted
const (
	OutcomeSuccess   = "success"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeUnusable  = "unusable"
)

// MetricsCollector receives request/response measurements
type MetricsCollector interface {
	// RequestCompleted is called once per PerformRequest
	RequestCompleted(outcome string, duration time.Duration)
	// ReplyDiscarded is called for each reply that matched no pending request
	ReplyDiscarded()
	// RequestReceived is called for each request a server consumes
	RequestReceived()
	// ListenerFailed is called when a listener returns an error or panics
	ListenerFailed()
}

type noopMetrics struct{}

func (noopMetrics) RequestCompleted(string, time.Duration) {}
func (noopMetrics) ReplyDiscarded()                        {}
func (noopMetrics) RequestReceived()                       {}
func (noopMetrics) ListenerFailed()                        {}
