package capture

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/volcap/multicam/framesource"
)

// handoffQueue is a single slot queue of framesets. A nil frameset is the poison value
// that tells the consumer to exit.
type handoffQueue struct {
	slot chan *framesource.Frameset
}

func newHandoffQueue() *handoffQueue {
	return &handoffQueue{slot: make(chan *framesource.Frameset, 1)}
}

// TryEnqueue stores fs unless the slot is taken.
func (q *handoffQueue) TryEnqueue(fs *framesource.Frameset) bool {
	select {
	case q.slot <- fs:
		return true
	default:
		return false
	}
}

// Replace stores fs, evicting whatever was waiting. It returns the evicted frameset.
// It must only be used by a single producer.
func (q *handoffQueue) Replace(fs *framesource.Frameset) *framesource.Frameset {
	var evicted *framesource.Frameset
	for {
		if q.TryEnqueue(fs) {
			return evicted
		}
		select {
		case evicted = <-q.slot:
		default:
		}
	}
}

// TryDequeue takes the waiting frameset, if any.
func (q *handoffQueue) TryDequeue() (*framesource.Frameset, bool) {
	select {
	case fs := <-q.slot:
		return fs, true
	default:
		return nil, false
	}
}

// DequeueTimeout waits up to timeout for a frameset.
func (q *handoffQueue) DequeueTimeout(clk clock.Clock, timeout time.Duration) (*framesource.Frameset, bool) {
	if fs, ok := q.TryDequeue(); ok {
		return fs, true
	}
	timer := clk.Timer(timeout)
	defer timer.Stop()
	select {
	case fs := <-q.slot:
		return fs, true
	case <-timer.C:
		return nil, false
	}
}

// Drain empties the slot.
func (q *handoffQueue) Drain() {
	for {
		if _, ok := q.TryDequeue(); !ok {
			return
		}
	}
}

// Poison drains the queue and leaves the poison value in it.
func (q *handoffQueue) Poison() {
	for {
		q.Drain()
		if q.TryEnqueue(nil) {
			return
		}
	}
}

// Len returns 0 or 1.
func (q *handoffQueue) Len() int {
	return len(q.slot)
}
