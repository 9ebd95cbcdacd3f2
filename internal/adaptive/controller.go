// Package adaptive tunes batch size and flush interval from recent flush
// outcomes.
//
// Every adjustment window the controller looks at how full the delivered
// batches were relative to the batch size in force when they were sent, and
// at what triggered them:
//
//   - fill >= GrowFill with mostly size-triggered flushes means the queue is
//     threshold bound; the batch size grows by GrowFactor up to MaxBatchSize.
//   - fill <= ShrinkFill with mostly timer-triggered flushes means traffic is
//     sparse; batch size and flush interval both shrink by ShrinkFactor, down
//     to MinBatchSize and MinFlushInterval.
//
// Anything else, including a window without flushes, leaves the threshold
// untouched.
package adaptive

import (
	"math"
	"sync"
	"time"

	"github.com/kon-rad/neoapi-go/internal/flush"
)

const (
	GrowFactor   = 1.5
	ShrinkFactor = 0.75
	GrowFill     = 0.8
	ShrinkFill   = 0.25
)

type Bounds struct {
	MinBatchSize     int
	MaxBatchSize     int
	MinFlushInterval time.Duration
	MaxFlushInterval time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{
		MinBatchSize:     1,
		MaxBatchSize:     1000,
		MinFlushInterval: 50 * time.Millisecond,
		MaxFlushInterval: time.Minute,
	}
}

func (b Bounds) normalize() Bounds {
	def := DefaultBounds()
	if b.MinBatchSize < 1 {
		b.MinBatchSize = def.MinBatchSize
	}
	if b.MaxBatchSize < b.MinBatchSize {
		b.MaxBatchSize = max(def.MaxBatchSize, b.MinBatchSize)
	}
	if b.MinFlushInterval <= 0 {
		b.MinFlushInterval = def.MinFlushInterval
	}
	if b.MaxFlushInterval < b.MinFlushInterval {
		b.MaxFlushInterval = max(def.MaxFlushInterval, b.MinFlushInterval)
	}
	return b
}

// Window summarizes the outcomes observed since the last adjustment.
type Window struct {
	Flushes      int
	SizeFlushes  int
	TimerFlushes int
	Records      int
	AvgRecords   float64
	AvgFill      float64
	AvgGap       time.Duration
}

type Controller struct {
	bounds Bounds

	mu       sync.Mutex
	flushes  int
	size     int
	timer    int
	records  int
	fillSum  float64
	gapSum   time.Duration
	gapCount int
}

func New(bounds Bounds) *Controller {
	return &Controller{bounds: bounds.normalize()}
}

func (c *Controller) Bounds() Bounds {
	return c.bounds
}

// Observe records one flush outcome. Stop and manual drains are ignored since
// they say nothing about steady-state traffic.
func (c *Controller) Observe(o flush.Outcome) {
	if o.Records == 0 || (o.Reason != flush.ReasonSize && o.Reason != flush.ReasonTimer) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushes++
	c.records += o.Records
	if o.Reason == flush.ReasonSize {
		c.size++
	} else {
		c.timer++
	}
	if o.BatchSize > 0 {
		c.fillSum += float64(o.Records) / float64(o.BatchSize)
	}
	if o.Gap > 0 {
		c.gapSum += o.Gap
		c.gapCount++
	}
}

// Snapshot returns the current window and resets it.
func (c *Controller) Snapshot() Window {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := Window{
		Flushes:      c.flushes,
		SizeFlushes:  c.size,
		TimerFlushes: c.timer,
		Records:      c.records,
	}
	if c.flushes > 0 {
		w.AvgRecords = float64(c.records) / float64(c.flushes)
		w.AvgFill = c.fillSum / float64(c.flushes)
	}
	if c.gapCount > 0 {
		w.AvgGap = c.gapSum / time.Duration(c.gapCount)
	}

	c.flushes, c.size, c.timer, c.records = 0, 0, 0, 0
	c.fillSum, c.gapSum, c.gapCount = 0, 0, 0
	return w
}

// Adjust consumes the current window and returns the threshold to apply.
func (c *Controller) Adjust(current flush.Threshold) (flush.Threshold, Window) {
	w := c.Snapshot()
	return c.Next(current, w), w
}

// Next computes the threshold that follows current given window w.
func (c *Controller) Next(current flush.Threshold, w Window) flush.Threshold {
	next := current.Normalize()
	if w.Flushes == 0 {
		return next
	}

	switch {
	case w.AvgFill >= GrowFill && w.SizeFlushes >= w.TimerFlushes:
		next.BatchSize = int(math.Ceil(float64(next.BatchSize) * GrowFactor))
	case w.AvgFill <= ShrinkFill && w.TimerFlushes > w.SizeFlushes:
		next.BatchSize = int(math.Floor(float64(next.BatchSize) * ShrinkFactor))
		next.FlushInterval = time.Duration(float64(next.FlushInterval) * ShrinkFactor)
	default:
		return next
	}
	return c.clamp(current, next)
}

// clamp keeps next inside the bounds without pushing a value that started
// outside them further away.
func (c *Controller) clamp(current, next flush.Threshold) flush.Threshold {
	b := c.bounds
	if next.BatchSize > b.MaxBatchSize {
		next.BatchSize = max(b.MaxBatchSize, min(current.BatchSize, next.BatchSize))
	}
	if next.BatchSize < b.MinBatchSize {
		next.BatchSize = min(b.MinBatchSize, max(current.BatchSize, next.BatchSize))
	}
	if next.FlushInterval < b.MinFlushInterval {
		next.FlushInterval = min(b.MinFlushInterval, max(current.FlushInterval, next.FlushInterval))
	}
	if next.FlushInterval > b.MaxFlushInterval {
		next.FlushInterval = max(b.MaxFlushInterval, min(current.FlushInterval, next.FlushInterval))
	}
	return next.Normalize()
}
