// Package metrics instruments the client engine.
package metrics

// Request outcomes passed to Collector.RequestCompleted.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
)

// Collector receives engine and send-queue events. Implementations must be
// safe for concurrent use.
type Collector interface {
	// Send queue
	FrameSent()
	FrameQueued()
	FrameDropped()
	QueueFlushed(n int)
	SendFailed()

	// Engine
	MessageReceived(matched int)
	DecodeFailed()
	RequestCompleted(outcome string)
	SubscriptionsActive(n int)
	Resubscribed(frames int)
	StateChanged(state string)
	CallbackPanicked()
}

// NopMetrics discards everything.
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

// NewNop creates a no-op collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (*NopMetrics) FrameSent() {}
func (*NopMetrics) FrameQueued() {}
func (*NopMetrics) FrameDropped() {}
func (*NopMetrics) QueueFlushed(int) {}
func (*NopMetrics) SendFailed() {}
func (*NopMetrics) MessageReceived(int) {}
func (*NopMetrics) DecodeFailed() {}
func (*NopMetrics) RequestCompleted(string) {}
func (*NopMetrics) SubscriptionsActive(int) {}
func (*NopMetrics) Resubscribed(int) {}
func (*NopMetrics) StateChanged(string) {}
func (*NopMetrics) CallbackPanicked() {}
