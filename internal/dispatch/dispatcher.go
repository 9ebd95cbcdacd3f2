// Package dispatch drains batches from the event queue and hands them to the
// transport, reporting each outcome to the registered observers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/queue"
	"github.com/kon-rad/neoapi-go/internal/record"
	"github.com/kon-rad/neoapi-go/internal/transport"
)

// Observer receives one outcome per non-empty flush.
type Observer interface {
	Observe(o flush.Outcome)
}

type ObserverFunc func(o flush.Outcome)

func (f ObserverFunc) Observe(o flush.Outcome) { f(o) }

// AnalysisHandler receives the structured response for batches sent to the
// analysis endpoint.
type AnalysisHandler func(batch []*record.LLMOutput, res transport.Result)

type Stats struct {
	Tracked     int64
	Sent        int64
	Dropped     int64
	Flushes     int64
	QueueDepth  int
	Threshold   flush.Threshold
	LastFlushAt *int64
	LastStatus  string
}

type Dispatcher struct {
	logger     *slog.Logger
	queue      *queue.EventQueue
	transport  transport.Transport
	observers  []Observer
	onAnalysis AnalysisHandler

	// sendMu orders drain+send pairs so batches reach the transport in
	// enqueue order whatever triggered them.
	sendMu    sync.Mutex
	lastFlush time.Time

	tracked     atomic.Int64
	sent        atomic.Int64
	dropped     atomic.Int64
	flushes     atomic.Int64
	lastFlushAt atomic.Int64
	lastStatus  atomic.Value
}

func New(logger *slog.Logger, q *queue.EventQueue, t transport.Transport, observers ...Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:    logger,
		queue:     q,
		transport: t,
		observers: observers,
	}
	d.lastStatus.Store("idle")
	return d
}

func (d *Dispatcher) SetAnalysisHandler(h AnalysisHandler) {
	d.onAnalysis = h
}

func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

func (d *Dispatcher) Queue() *queue.EventQueue {
	return d.queue
}

// Enqueue appends r and reports whether a size-triggered flush is due.
func (d *Dispatcher) Enqueue(r *record.LLMOutput) bool {
	_, trigger := d.queue.Append(r)
	d.tracked.Add(1)
	return trigger
}

// FlushNow drains at most one batch and sends it. An empty queue is a no-op.
func (d *Dispatcher) FlushNow(ctx context.Context, reason flush.Reason) (int, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	batch := d.queue.DrainBatch()
	return len(batch), d.deliverLocked(ctx, reason, batch)
}

// FlushFull sends full batches until fewer than batch size records remain.
func (d *Dispatcher) FlushFull(ctx context.Context) (int, error) {
	var sent int
	var joined error
	for {
		d.sendMu.Lock()
		batch := d.queue.DrainFull()
		if batch == nil {
			d.sendMu.Unlock()
			return sent, joined
		}
		err := d.deliverLocked(ctx, flush.ReasonSize, batch)
		d.sendMu.Unlock()
		sent += len(batch)
		joined = errors.Join(joined, err)
	}
}

// FlushAll drains the whole backlog in one batch.
func (d *Dispatcher) FlushAll(ctx context.Context, reason flush.Reason) (int, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	batch := d.queue.Drain(queue.Unbounded)
	return len(batch), d.deliverLocked(ctx, reason, batch)
}

// Deliver sends a batch that was already drained by the caller.
func (d *Dispatcher) Deliver(ctx context.Context, reason flush.Reason, batch []*record.LLMOutput) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.deliverLocked(ctx, reason, batch)
}

func (d *Dispatcher) deliverLocked(ctx context.Context, reason flush.Reason, batch []*record.LLMOutput) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	outcome := flush.Outcome{
		Reason:    reason,
		Records:   len(batch),
		BatchSize: d.queue.Thresholds().BatchSize,
		At:        start,
	}
	if !d.lastFlush.IsZero() {
		outcome.Gap = start.Sub(d.lastFlush)
	}
	d.lastFlush = start

	var joined error
	for _, run := range splitByAnalysis(batch) {
		wantsAnalysis := run[0].NeedAnalysisResponse
		res, err := d.transport.Send(ctx, run, wantsAnalysis)
		if err != nil {
			// Delivery is at most once: a failed run is dropped, never re-queued.
			outcome.Failed += len(run)
			joined = errors.Join(joined, err)
			d.logger.Warn("flush send failed",
				"reason", string(reason),
				"records", len(run),
				"analysis", wantsAnalysis,
				"error", err,
			)
			continue
		}
		if wantsAnalysis && d.onAnalysis != nil {
			d.onAnalysis(run, res)
		}
	}
	outcome.Elapsed = time.Since(start)
	outcome.Err = joined

	d.flushes.Add(1)
	d.sent.Add(int64(outcome.Records - outcome.Failed))
	d.dropped.Add(int64(outcome.Failed))
	if joined != nil {
		d.lastStatus.Store("error")
	} else {
		d.lastStatus.Store("ok")
		d.lastFlushAt.Store(time.Now().UnixMilli())
	}
	d.logger.Debug("flush completed",
		"reason", string(reason),
		"records", outcome.Records,
		"failed", outcome.Failed,
		"elapsed", outcome.Elapsed.String(),
	)

	for _, o := range d.observers {
		o.Observe(outcome)
	}
	return joined
}

// splitByAnalysis cuts batch into contiguous runs sharing the same
// NeedAnalysisResponse flag, keeping order.
func splitByAnalysis(batch []*record.LLMOutput) [][]*record.LLMOutput {
	var runs [][]*record.LLMOutput
	start := 0
	for i := 1; i <= len(batch); i++ {
		if i == len(batch) || batch[i].NeedAnalysisResponse != batch[start].NeedAnalysisResponse {
			runs = append(runs, batch[start:i])
			start = i
		}
	}
	return runs
}

func (d *Dispatcher) Stats() Stats {
	var lastFlush *int64
	if ts := d.lastFlushAt.Load(); ts > 0 {
		t := ts
		lastFlush = &t
	}
	status, _ := d.lastStatus.Load().(string)
	return Stats{
		Tracked:     d.tracked.Load(),
		Sent:        d.sent.Load(),
		Dropped:     d.dropped.Load(),
		Flushes:     d.flushes.Load(),
		QueueDepth:  d.queue.Len(),
		Threshold:   d.queue.Thresholds(),
		LastFlushAt: lastFlush,
		LastStatus:  status,
	}
}
