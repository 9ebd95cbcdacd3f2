// Package engine runs the flush machinery in the background and guards the
// client lifecycle. Threaded lets any number of goroutines call Track against
// a mutex-guarded queue; Loop hands records to a single owner goroutine.
// Both share the queue, dispatch and adaptive packages and the same contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kon-rad/neoapi-go/internal/adaptive"
	"github.com/kon-rad/neoapi-go/internal/dispatch"
	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/queue"
	"github.com/kon-rad/neoapi-go/internal/record"
	"github.com/kon-rad/neoapi-go/internal/transport"
)

const (
	DefaultBatchSize          = 10
	DefaultFlushInterval      = 5 * time.Second
	DefaultAdjustmentInterval = time.Minute
	DefaultInboxSize          = 1024
)

var (
	ErrNotStarted     = transport.ErrNotStarted
	ErrAlreadyStarted = errors.New("client already started")
	ErrStopped        = errors.New("client stopped")
	ErrNilRecord      = errors.New("record is nil")
	ErrNoTransport    = errors.New("transport is required")
)

// Engine is the capability shared by both backings.
type Engine interface {
	Start(ctx context.Context) error
	Track(r *record.LLMOutput) error
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() dispatch.Stats
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// AdjustmentInterval enables the adaptive controller when positive.
	AdjustmentInterval time.Duration
	Bounds             adaptive.Bounds

	Transport       transport.Transport
	Logger          *slog.Logger
	Observers       []dispatch.Observer
	AnalysisHandler dispatch.AnalysisHandler

	// InboxSize bounds the hand-off channel of the Loop engine.
	InboxSize int
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// core holds what both engines share: the dispatcher, the optional adaptive
// controller and the lifecycle state.
type core struct {
	name       string
	logger     *slog.Logger
	transport  transport.Transport
	queue      *queue.EventQueue
	dispatcher *dispatch.Dispatcher
	controller *adaptive.Controller
	adjustment time.Duration

	// lifeMu is held for reading by Track and Flush and for writing by the
	// state transitions, so no record slips in after the final drain.
	lifeMu sync.RWMutex
	state  state
}

func newCore(name string, opts Options) (*core, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("engine", name)

	q := queue.New(flush.Threshold{BatchSize: opts.BatchSize, FlushInterval: opts.FlushInterval})
	d := dispatch.New(logger, q, opts.Transport, opts.Observers...)
	if opts.AnalysisHandler != nil {
		d.SetAnalysisHandler(opts.AnalysisHandler)
	}

	c := &core{
		name:       name,
		logger:     logger,
		transport:  opts.Transport,
		queue:      q,
		dispatcher: d,
	}
	if opts.AdjustmentInterval > 0 {
		c.controller = adaptive.New(opts.Bounds)
		c.adjustment = opts.AdjustmentInterval
		d.AddObserver(c.controller)
	}
	return c, nil
}

func (c *core) Stats() dispatch.Stats {
	return c.dispatcher.Stats()
}

// begin moves Created to Running after the transport session is open.
func (c *core) begin(ctx context.Context) error {
	switch c.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}
	if err := c.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	c.state = stateRunning
	th := c.queue.Thresholds()
	c.logger.Info("client started",
		"batch_size", th.BatchSize,
		"flush_interval", th.FlushInterval.String(),
		"adaptive", c.controller != nil,
	)
	return nil
}

// end moves Running to Stopped. It reports false when there is nothing to
// stop.
func (c *core) end() (bool, error) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	switch c.state {
	case stateCreated:
		return false, ErrNotStarted
	case stateStopped:
		return false, nil
	}
	c.state = stateStopped
	return true, nil
}

// checkRunning must be called with lifeMu held for reading.
func (c *core) checkRunning() error {
	switch c.state {
	case stateCreated:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}

// adjust applies one adaptive step and reports whether the queue already
// holds a full batch under the new threshold.
func (c *core) adjust() bool {
	current := c.queue.Thresholds()
	next, w := c.controller.Adjust(current)
	rearm := c.queue.SetThresholds(next)
	if next != current {
		c.logger.Info("threshold adjusted",
			"batch_size", next.BatchSize,
			"flush_interval", next.FlushInterval.String(),
			"previous_batch_size", current.BatchSize,
			"previous_flush_interval", current.FlushInterval.String(),
			"window_flushes", w.Flushes,
			"window_avg_records", w.AvgRecords,
			"window_avg_gap", w.AvgGap.String(),
		)
	}
	return rearm
}

// finish performs the final unbounded drain and closes the transport.
func (c *core) finish(ctx context.Context, joined error) error {
	n, err := c.dispatcher.FlushAll(ctx, flush.ReasonStop)
	if err != nil {
		joined = errors.Join(joined, fmt.Errorf("final flush: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close transport: %w", err))
	}
	stats := c.dispatcher.Stats()
	c.logger.Info("client stopped",
		"final_records", n,
		"tracked", stats.Tracked,
		"sent", stats.Sent,
		"dropped", stats.Dropped,
	)
	return joined
}

// wait blocks until done closes or ctx expires.
func wait(ctx context.Context, done <-chan struct{}, what string) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", what, ctx.Err())
	}
}
