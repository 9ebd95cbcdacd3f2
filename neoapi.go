// Package neoapi tracks LLM outputs and ships them to the NeoAPI collection
// endpoint in batches. Track never blocks on network I/O; a background
// engine flushes when a batch fills, when the flush interval elapses, and
// once more on Stop.
//
//	client, err := neoapi.NewClient(neoapi.Config{})
//	if err != nil { ... }
//	if err := client.Start(ctx); err != nil { ... }
//	defer client.Stop(context.Background())
//	_ = client.TrackText(answer, neoapi.WithProject("chatbot"))
package neoapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kon-rad/neoapi-go/internal/adaptive"
	"github.com/kon-rad/neoapi-go/internal/credentials"
	"github.com/kon-rad/neoapi-go/internal/dispatch"
	"github.com/kon-rad/neoapi-go/internal/engine"
	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/instrument"
	"github.com/kon-rad/neoapi-go/internal/record"
	"github.com/kon-rad/neoapi-go/internal/transport"
)

type (
	LLMOutput       = record.LLMOutput
	Option          = record.Option
	Bounds          = adaptive.Bounds
	Stats           = dispatch.Stats
	Outcome         = flush.Outcome
	Observer        = dispatch.Observer
	ObserverFunc    = dispatch.ObserverFunc
	AnalysisHandler = dispatch.AnalysisHandler
	Transport       = transport.Transport
	Result          = transport.Result
)

const (
	DefaultBaseURL            = transport.DefaultBaseURL
	DefaultBatchSize          = engine.DefaultBatchSize
	DefaultFlushInterval      = engine.DefaultFlushInterval
	DefaultAdjustmentInterval = engine.DefaultAdjustmentInterval
	DefaultProject            = record.DefaultProject
	DefaultGroup              = record.DefaultGroup
)

var (
	ErrMissingCredential = credentials.ErrMissingCredential
	ErrNotStarted        = engine.ErrNotStarted
	ErrAlreadyStarted    = engine.ErrAlreadyStarted
	ErrStopped           = engine.ErrStopped
)

func WithTimestamp(ts float64) Option { return record.WithTimestamp(ts) }
func WithProject(project string) Option { return record.WithProject(project) }
func WithGroup(group string) Option { return record.WithGroup(group) }
func WithMetadata(m map[string]any) Option { return record.WithMetadata(m) }
func WithNeedAnalysisResponse(v bool) Option { return record.WithNeedAnalysisResponse(v) }
func WithFormatJSONOutput(v bool) Option { return record.WithFormatJSONOutput(v) }

// NewOutput builds a record with a fresh ID and the current timestamp.
func NewOutput(text string, opts ...Option) *LLMOutput {
	return record.New(text, opts...)
}

type Config struct {
	// APIKey falls back to NEOAPI_API_KEY when empty.
	APIKey  string
	BaseURL string

	BatchSize     int
	FlushInterval time.Duration
	// AdjustmentInterval paces the adaptive controller. NewClient enables it
	// only when positive; NewAsyncClient treats zero as the default interval
	// and a negative value as disabled.
	AdjustmentInterval time.Duration
	Bounds             Bounds

	// Transport replaces the HTTP transport; APIKey is then optional.
	Transport    Transport
	HTTPClient   *http.Client
	SendAttempts uint

	Logger          *slog.Logger
	Observers       []Observer
	AnalysisHandler AnalysisHandler
}

// Client is safe for concurrent use.
type Client struct {
	engine engine.Engine
}

// NewClient returns a client backed by the threaded engine: any goroutine may
// Track, and a background flusher sends batches.
func NewClient(cfg Config) (*Client, error) {
	opts, err := cfg.engineOptions(context.Background())
	if err != nil {
		return nil, err
	}
	e, err := engine.NewThreaded(opts)
	if err != nil {
		return nil, err
	}
	return &Client{engine: e}, nil
}

// NewAsyncClient returns a client backed by the loop engine: a single owner
// goroutine holds the queue and sends run beside it. Adaptive batching is on
// by default.
func NewAsyncClient(cfg Config) (*Client, error) {
	switch {
	case cfg.AdjustmentInterval == 0:
		cfg.AdjustmentInterval = DefaultAdjustmentInterval
	case cfg.AdjustmentInterval < 0:
		cfg.AdjustmentInterval = 0
	}
	opts, err := cfg.engineOptions(context.Background())
	if err != nil {
		return nil, err
	}
	e, err := engine.NewLoop(opts)
	if err != nil {
		return nil, err
	}
	return &Client{engine: e}, nil
}

func (cfg Config) engineOptions(ctx context.Context) (engine.Options, error) {
	t := cfg.Transport
	if t == nil {
		key, err := credentials.Resolve(ctx, cfg.APIKey, nil)
		if err != nil {
			return engine.Options{}, err
		}
		h := transport.NewHTTP(cfg.BaseURL, key)
		if cfg.HTTPClient != nil || cfg.SendAttempts > 0 {
			attempts := cfg.SendAttempts
			if attempts == 0 {
				attempts = 3
			}
			h.Configure(cfg.HTTPClient, attempts, 200*time.Millisecond)
		}
		t = h
	}
	return engine.Options{
		BatchSize:          cfg.BatchSize,
		FlushInterval:      cfg.FlushInterval,
		AdjustmentInterval: cfg.AdjustmentInterval,
		Bounds:             cfg.Bounds,
		Transport:          t,
		Logger:             cfg.Logger,
		Observers:          cfg.Observers,
		AnalysisHandler:    cfg.AnalysisHandler,
	}, nil
}

// Start opens the transport session and launches the background flusher.
func (c *Client) Start(ctx context.Context) error { return c.engine.Start(ctx) }

// Stop halts periodic work, waits for in-flight sends and flushes whatever
// is left. A second Stop is a no-op.
func (c *Client) Stop(ctx context.Context) error { return c.engine.Stop(ctx) }

// Flush sends everything tracked so far and waits for the send.
func (c *Client) Flush(ctx context.Context) error { return c.engine.Flush(ctx) }

// Track enqueues r. It fails with ErrNotStarted before Start and ErrStopped
// after Stop.
func (c *Client) Track(r *LLMOutput) error { return c.engine.Track(r) }

// TrackText builds a record from text and opts and tracks it.
func (c *Client) TrackText(text string, opts ...Option) error {
	return c.engine.Track(record.New(text, opts...))
}

func (c *Client) Stats() Stats { return c.engine.Stats() }

// Wrap returns fn with every successful result tracked through c.
func Wrap[T any](c *Client, fn func(ctx context.Context) (T, error), opts ...Option) func(ctx context.Context) (T, error) {
	return instrument.Wrap(c, fn, opts...)
}

// WrapValue is Wrap for functions that cannot fail.
func WrapValue[T any](c *Client, fn func(ctx context.Context) T, opts ...Option) func(ctx context.Context) T {
	return instrument.WrapValue(c, fn, opts...)
}
