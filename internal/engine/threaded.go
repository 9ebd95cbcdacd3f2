package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/record"
)

// Threaded is safe for concurrent Track calls. A single flusher goroutine
// serves both the size trigger and the periodic timer, so batches leave in
// enqueue order; the adjustment loop runs beside it.
type Threaded struct {
	*core

	wake    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped chan struct{}
}

var _ Engine = (*Threaded)(nil)

func NewThreaded(opts Options) (*Threaded, error) {
	c, err := newCore("threaded", opts)
	if err != nil {
		return nil, err
	}
	return &Threaded{
		core:    c,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}, nil
}

func (t *Threaded) Start(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if err := t.begin(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, gctx := errgroup.WithContext(bgCtx)
	t.group = g
	g.Go(func() error {
		t.flushLoop(gctx)
		return nil
	})
	if t.controller != nil {
		g.Go(func() error {
			t.adjustLoop(gctx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(t.stopped)
	}()
	return nil
}

// Track appends r and, when this append crosses the batch size, wakes the
// flusher. It never waits for network I/O.
func (t *Threaded) Track(r *record.LLMOutput) error {
	if r == nil {
		return ErrNilRecord
	}
	t.lifeMu.RLock()
	defer t.lifeMu.RUnlock()
	if err := t.checkRunning(); err != nil {
		return err
	}
	if t.dispatcher.Enqueue(r) {
		t.signal()
	}
	return nil
}

func (t *Threaded) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Flush synchronously sends everything queued so far.
func (t *Threaded) Flush(ctx context.Context) error {
	t.lifeMu.RLock()
	defer t.lifeMu.RUnlock()
	if err := t.checkRunning(); err != nil {
		return err
	}
	_, err := t.dispatcher.FlushAll(ctx, flush.ReasonManual)
	return err
}

// Stop cancels the background loops, waits for an in-flight flush and then
// drains the whole queue. The queue is empty when Stop returns.
func (t *Threaded) Stop(ctx context.Context) error {
	ok, err := t.end()
	if !ok {
		return err
	}

	t.cancel()
	var joined error
	if err := wait(ctx, t.stopped, "wait background loops"); err != nil {
		joined = errors.Join(joined, err)
	}
	return t.finish(context.WithoutCancel(ctx), joined)
}

func (t *Threaded) flushLoop(ctx context.Context) {
	// In-flight sends are joined by Stop rather than cancelled.
	sendCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(t.queue.Thresholds().FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			_, _ = t.dispatcher.FlushFull(sendCtx)
		case <-timer.C:
			_, _ = t.dispatcher.FlushNow(sendCtx, flush.ReasonTimer)
			timer.Reset(t.queue.Thresholds().FlushInterval)
		}
	}
}

func (t *Threaded) adjustLoop(ctx context.Context) {
	ticker := time.NewTicker(t.adjustment)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.adjust() {
				t.signal()
			}
		}
	}
}
