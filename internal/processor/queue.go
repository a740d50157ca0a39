package processor

import "github.com/local/clank/internal/event"

// channelQueue is a single-producer bounded inbox for one channel's
// worker goroutine. When full it drops the oldest queued event rather
// than the newest arrival, and never blocks the dispatcher (spec.md §5
// "Backpressure": preferring current context over stale backlog).
type channelQueue struct {
	ch chan event.Inbound
}

func newChannelQueue(depth int) *channelQueue {
	return &channelQueue{ch: make(chan event.Inbound, depth)}
}

// push enqueues ev, reporting whether an older event was dropped to
// make room. Only the dispatcher goroutine that owns this queue's
// producer side may call push.
func (q *channelQueue) push(ev event.Inbound) (dropped bool) {
	select {
	case q.ch <- ev:
		return false
	default:
	}

	select {
	case <-q.ch:
		dropped = true
	default:
	}
	select {
	case q.ch <- ev:
	default:
		// the worker goroutine drained the slot we just freed before we
		// could refill it; ev is lost, which stays within the documented
		// drop-oldest policy.
	}
	return dropped
}
