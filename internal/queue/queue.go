// Package queue implements the ordered, mutex-guarded buffer of pending
// records together with the threshold state that decides when it flushes.
package queue

import (
	"sync"

	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/record"
)

// Unbounded passed to Drain removes every queued record.
const Unbounded = 0

// EventQueue is a FIFO of records. Append, drain and threshold access share
// one lock so a threshold change can never race a concurrent append.
type EventQueue struct {
	mu        sync.Mutex
	items     []*record.LLMOutput
	threshold flush.Threshold
	armed     bool
}

func New(threshold flush.Threshold) *EventQueue {
	threshold = threshold.Normalize()
	return &EventQueue{
		items:     make([]*record.LLMOutput, 0, threshold.BatchSize),
		threshold: threshold,
	}
}

// Append adds r to the tail. It returns the length observed right after the
// append and whether this append crossed the batch size. Only the crossing
// append reports true; later appends stay quiet until a drain disarms the
// trigger.
func (q *EventQueue) Append(r *record.LLMOutput) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, r)
	n := len(q.items)
	if q.armed || !flush.ShouldFlush(n, q.threshold.BatchSize) {
		return n, false
	}
	q.armed = true
	return n, true
}

// Drain removes up to max records from the head. max <= 0 drains all.
func (q *EventQueue) Drain(max int) []*record.LLMOutput {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(max)
}

// DrainBatch removes up to the current batch size.
func (q *EventQueue) DrainBatch() []*record.LLMOutput {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(q.threshold.BatchSize)
}

// DrainFull removes exactly one batch when at least batch size records are
// queued, and nil otherwise.
func (q *EventQueue) DrainFull() []*record.LLMOutput {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !flush.ShouldFlush(len(q.items), q.threshold.BatchSize) {
		q.armed = false
		return nil
	}
	return q.drainLocked(q.threshold.BatchSize)
}

func (q *EventQueue) drainLocked(max int) []*record.LLMOutput {
	q.armed = false
	n := len(q.items)
	if n == 0 {
		return nil
	}
	if max <= 0 || max > n {
		max = n
	}
	out := make([]*record.LLMOutput, max)
	copy(out, q.items[:max])
	rest := n - max
	copy(q.items, q.items[max:])
	for i := rest; i < n; i++ {
		q.items[i] = nil
	}
	q.items = q.items[:rest]
	return out
}

// Len is informational only; flush decisions come from Append.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *EventQueue) Thresholds() flush.Threshold {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.threshold
}

// SetThresholds replaces the threshold state. It reports whether the queue
// already holds a full batch under the new batch size and the trigger was not
// armed yet, in which case the caller should schedule a size flush.
func (q *EventQueue) SetThresholds(t flush.Threshold) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.threshold = t.Normalize()
	if q.armed || !flush.ShouldFlush(len(q.items), q.threshold.BatchSize) {
		return false
	}
	q.armed = true
	return true
}
