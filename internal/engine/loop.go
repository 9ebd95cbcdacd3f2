package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/queue"
	"github.com/kon-rad/neoapi-go/internal/record"
)

const jobBacklog = 16

// Loop gives the queue a single owner goroutine. Track hands the record over
// a channel and returns; the owner appends, evaluates the trigger and drains
// full batches on the spot, then schedules them on the sender goroutine
// without waiting for the send. Timer and adjustment ticks run in the same
// select loop.
type Loop struct {
	*core

	inbox    chan *record.LLMOutput
	flushReq chan chan error
	jobs     chan job

	cancel     context.CancelFunc
	ownerDone  chan struct{}
	senderDone chan struct{}
}

type job struct {
	reason flush.Reason
	batch  []*record.LLMOutput
	done   chan error
}

var _ Engine = (*Loop)(nil)

func NewLoop(opts Options) (*Loop, error) {
	c, err := newCore("loop", opts)
	if err != nil {
		return nil, err
	}
	size := opts.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Loop{
		core:       c,
		inbox:      make(chan *record.LLMOutput, size),
		flushReq:   make(chan chan error),
		jobs:       make(chan job, jobBacklog),
		ownerDone:  make(chan struct{}),
		senderDone: make(chan struct{}),
	}, nil
}

func (l *Loop) Start(ctx context.Context) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if err := l.begin(ctx); err != nil {
		return err
	}

	ownerCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.send(context.WithoutCancel(ownerCtx))
	go l.run(ownerCtx)
	return nil
}

// Track hands r to the owner goroutine. It blocks only while the inbox is
// full, never on the send it may trigger.
func (l *Loop) Track(r *record.LLMOutput) error {
	if r == nil {
		return ErrNilRecord
	}
	l.lifeMu.RLock()
	defer l.lifeMu.RUnlock()
	if err := l.checkRunning(); err != nil {
		return err
	}
	l.inbox <- r
	return nil
}

// Flush asks the owner to drain everything tracked so far and waits until
// that batch has been sent.
func (l *Loop) Flush(ctx context.Context) error {
	l.lifeMu.RLock()
	defer l.lifeMu.RUnlock()
	if err := l.checkRunning(); err != nil {
		return err
	}

	reply := make(chan error, 1)
	select {
	case l.flushReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the owner loop, lets the sender finish what was scheduled and
// then drains the remaining backlog synchronously. An expired ctx is reported
// but does not cut scheduled sends short.
func (l *Loop) Stop(ctx context.Context) error {
	ok, err := l.end()
	if !ok {
		return err
	}

	l.cancel()
	var joined error
	if err := wait(ctx, l.ownerDone, "wait owner loop"); err != nil {
		joined = errors.Join(joined, err)
	}
	if err := wait(ctx, l.senderDone, "wait sender"); err != nil {
		joined = errors.Join(joined, err)
	}
	// Scheduled batches go out before the final flush and before the
	// transport closes, even once ctx has expired.
	<-l.ownerDone
	<-l.senderDone
	return l.finish(context.WithoutCancel(ctx), joined)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.ownerDone)
	defer close(l.jobs)

	timer := time.NewTimer(l.queue.Thresholds().FlushInterval)
	defer timer.Stop()

	var adjustC <-chan time.Time
	if l.controller != nil {
		ticker := time.NewTicker(l.adjustment)
		defer ticker.Stop()
		adjustC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			l.absorb()
			return
		case r := <-l.inbox:
			if l.dispatcher.Enqueue(r) {
				l.scheduleFull()
			}
		case reply := <-l.flushReq:
			l.absorb()
			l.jobs <- job{reason: flush.ReasonManual, batch: l.queue.Drain(queue.Unbounded), done: reply}
		case <-timer.C:
			if batch := l.queue.DrainBatch(); len(batch) > 0 {
				l.jobs <- job{reason: flush.ReasonTimer, batch: batch}
			}
			timer.Reset(l.queue.Thresholds().FlushInterval)
		case <-adjustC:
			if l.adjust() {
				l.scheduleFull()
			}
		}
	}
}

// absorb moves records already handed over into the queue.
func (l *Loop) absorb() {
	for {
		select {
		case r := <-l.inbox:
			if l.dispatcher.Enqueue(r) {
				l.scheduleFull()
			}
		default:
			return
		}
	}
}

func (l *Loop) scheduleFull() {
	for {
		batch := l.queue.DrainFull()
		if batch == nil {
			return
		}
		l.jobs <- job{reason: flush.ReasonSize, batch: batch}
	}
}

func (l *Loop) send(ctx context.Context) {
	defer close(l.senderDone)
	for j := range l.jobs {
		err := l.dispatcher.Deliver(ctx, j.reason, j.batch)
		if j.done != nil {
			j.done <- err
		}
	}
}
