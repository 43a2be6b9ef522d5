package streaming

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// eventQueue is the bounded FIFO between a producer and its consumer.
type eventQueue struct {
	events  chan models.StreamEvent
	timeout time.Duration
	dropped atomic.Uint64
	logger  *slog.Logger
}

func newEventQueue(size int, timeout time.Duration, logger *slog.Logger) *eventQueue {
	return &eventQueue{
		events:  make(chan models.StreamEvent, size),
		timeout: timeout,
		logger:  logger,
	}
}

// push enqueues ev. If the queue is full it waits up to the enqueue timeout
// for the consumer to drain, then drops the event.
func (q *eventQueue) push(ev models.StreamEvent) bool {
	select {
	case q.events <- ev:
		return true
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.events <- ev:
		return true
	case <-timer.C:
		count := q.dropped.Add(1)
		if count%10 == 1 {
			q.logger.Warn("stream queue full, dropped event",
				"type", ev.Type, "seq", ev.Seq, "dropped_total", count)
		}
		return false
	}
}

// Dropped returns the number of events dropped so far.
func (q *eventQueue) Dropped() uint64 {
	return q.dropped.Load()
}
