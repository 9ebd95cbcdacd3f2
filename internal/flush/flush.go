// Package flush holds the flush policy primitives shared by the queue, the
// dispatcher and the adaptive controller.
package flush

import "time"

// Threshold is the pair governing when flushes happen.
type Threshold struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Normalize enforces BatchSize >= 1 and FlushInterval > 0.
func (t Threshold) Normalize() Threshold {
	if t.BatchSize < 1 {
		t.BatchSize = 1
	}
	if t.FlushInterval <= 0 {
		t.FlushInterval = time.Millisecond
	}
	return t
}

// ShouldFlush reports whether a queue of the given length has reached the
// batch size.
func ShouldFlush(length, batchSize int) bool {
	return length >= batchSize
}

type Reason string

const (
	ReasonSize   Reason = "size"
	ReasonTimer  Reason = "timer"
	ReasonManual Reason = "manual"
	ReasonStop   Reason = "stop"
)

// Outcome describes one drained batch after it went through the transport.
type Outcome struct {
	Reason    Reason
	Records   int
	Failed    int
	BatchSize int
	Elapsed   time.Duration
	Gap       time.Duration
	At        time.Time
	Err       error
}

func (o Outcome) Success() bool {
	return o.Err == nil
}
