// pkg/sendqueue/queue.go
package sendqueue

import (
	"errors"
	"log/slog"
	"sync"
)

// Queued is returned by Send when the frame was buffered instead of written.
const Queued = -1

var (
	// ErrNotInitialized is returned when a frame is written before Initialize.
	ErrNotInitialized = errors.New("sendqueue: not initialized")
	// ErrQueueFull is returned by Send when a bounded queue refuses a frame.
	ErrQueueFull = errors.New("sendqueue: queue full")
)

// SendFunc writes a frame to the wire.
type SendFunc func(frame []byte) (int, error)

// CanSendFunc reports whether the wire is currently writable.
type CanSendFunc func() bool

// Stats receives queue events. A nil Stats is ignored.
type Stats interface {
	FrameSent()
	FrameQueued()
	FrameDropped()
	QueueFlushed(n int)
	SendFailed()
}

// Queue buffers outbound frames while the connection is down and flushes
// them in FIFO order once told it may.
type Queue struct {
	logger    *slog.Logger
	maxQueued int
	stats     Stats

	mu       sync.Mutex
	sendNow  SendFunc
	canSend  CanSendFunc
	buf      [][]byte
	draining bool
}

// Option configures the Queue.
type Option func(*Queue)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMaxQueued bounds the buffer. Zero or negative means unbounded.
func WithMaxQueued(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxQueued = n
		}
	}
}

// WithStats wires a collector for queue events.
func WithStats(s Stats) Option {
	return func(q *Queue) {
		q.stats = s
	}
}

// New creates an uninitialized Queue.
func New(opts ...Option) *Queue {
	q := &Queue{logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Initialize binds the write function and liveness predicate. Calling it
// again rebinds both together.
func (q *Queue) Initialize(sendNow SendFunc, canSend CanSendFunc) {
	q.mu.Lock()
	q.sendNow = sendNow
	q.canSend = canSend
	q.mu.Unlock()
}

func (q *Queue) funcs() (SendFunc, CanSendFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendNow, q.canSend
}

// Send writes frame immediately when the wire is writable and nothing is
// buffered or draining, and returns the writer's result. Otherwise it
// buffers the frame behind the older ones and returns Queued.
func (q *Queue) Send(frame []byte) (int, error) {
	q.mu.Lock()
	// canSend is evaluated under the lock so a frame cannot be buffered
	// after the drain that should have picked it up.
	if len(q.buf) == 0 && !q.draining && q.canSend != nil && q.canSend() {
		q.mu.Unlock()
		return q.SendNow(frame)
	}
	ok, size := q.enqueueLocked(frame)
	q.mu.Unlock()
	q.reportQueued(ok, size)
	if !ok {
		return 0, ErrQueueFull
	}
	return Queued, nil
}

// SendNow bypasses the buffer and writes frame regardless of liveness. It
// does not retry.
func (q *Queue) SendNow(frame []byte) (int, error) {
	sendNow, _ := q.funcs()
	if sendNow == nil {
		return 0, ErrNotInitialized
	}
	n, err := sendNow(frame)
	if err != nil {
		if q.stats != nil {
			q.stats.SendFailed()
		}
		return n, err
	}
	if q.stats != nil {
		q.stats.FrameSent()
	}
	return n, nil
}

// QueueMessage appends frame to the buffer. It only returns false when the
// queue is bounded and full.
func (q *Queue) QueueMessage(frame []byte) bool {
	q.mu.Lock()
	ok, size := q.enqueueLocked(frame)
	q.mu.Unlock()
	q.reportQueued(ok, size)
	return ok
}

func (q *Queue) enqueueLocked(frame []byte) (bool, int) {
	if q.maxQueued > 0 && len(q.buf) >= q.maxQueued {
		return false, len(q.buf)
	}
	q.buf = append(q.buf, frame)
	return true, len(q.buf)
}

func (q *Queue) reportQueued(ok bool, size int) {
	if !ok {
		q.logger.Warn("sendqueue: buffer full, dropping frame", "max_queued", q.maxQueued, "queued", size)
		if q.stats != nil {
			q.stats.FrameDropped()
		}
		return
	}
	if q.stats != nil {
		q.stats.FrameQueued()
	}
}

// ProcessQueue drains the buffer in FIFO order, writing each frame exactly
// once, and returns how many frames were drained. Frames buffered while the
// drain is running are drained too, and Send buffers rather than writes
// until the drain ends. A call made while another drain runs returns 0.
// Write failures are logged, not retried.
func (q *Queue) ProcessQueue() int {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	drained := 0
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.draining = false
			q.mu.Unlock()
			break
		}
		frame := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		q.mu.Unlock()

		drained++
		if _, err := q.SendNow(frame); err != nil {
			q.logger.Warn("sendqueue: failed to flush frame", "error", err, "bytes", len(frame))
		}
	}
	if drained > 0 {
		q.logger.Debug("sendqueue: flushed buffered frames", "count", drained)
		if q.stats != nil {
			q.stats.QueueFlushed(drained)
		}
	}
	return drained
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
