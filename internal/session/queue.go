package session

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// frameQueue is the bounded hand-off between capture and processing. It has a single
// producer; when full the producer waits up to timeout, then evicts the oldest frame.
type frameQueue struct {
	ch      chan audio.Frame
	timeout time.Duration
}

func newFrameQueue(capacity int, timeout time.Duration) *frameQueue {
	return &frameQueue{ch: make(chan audio.Frame, capacity), timeout: timeout}
}

// push enqueues f. overrun is true when an older frame was evicted to make room. An error
// means ctx ended before f could be queued.
func (q *frameQueue) push(ctx context.Context, f audio.Frame) (overrun bool, err error) {
	select {
	case q.ch <- f:
		return false, nil
	default:
	}

	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		select {
		case q.ch <- f:
			timer.Stop()
			return false, nil
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	for {
		select {
		case <-q.ch:
			overrun = true
		default:
		}
		select {
		case q.ch <- f:
			return overrun, nil
		case <-ctx.Done():
			return overrun, ctx.Err()
		default:
		}
	}
}

// drain discards everything still queued and returns the count.
func (q *frameQueue) drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
