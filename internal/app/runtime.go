// Package app wires the relay: a tracking client fed by HTTP and an optional
// followed file, with metrics and an optional flush journal beside it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kon-rad/neoapi-go"
	"github.com/kon-rad/neoapi-go/internal/config"
	"github.com/kon-rad/neoapi-go/internal/db"
	"github.com/kon-rad/neoapi-go/internal/follow"
	"github.com/kon-rad/neoapi-go/internal/metrics"
	"github.com/kon-rad/neoapi-go/internal/server"
)

type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time

	journal    *db.Journal
	client     *neoapi.Client
	collector  *metrics.Collector
	registry   *prometheus.Registry
	follower   *follow.Follower
	handler    http.Handler
	httpServer *http.Server

	bgCancel context.CancelFunc
	bg       *errgroup.Group
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

// Run sets the relay up, serves until ctx is done and then shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Setup(ctx); err != nil {
		return errors.Join(err, r.Shutdown(context.Background()))
	}
	r.httpServer = server.New(":"+r.cfg.Port, r.handler)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("listening", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		shutdownErr := r.Shutdown(context.Background())
		if err != nil {
			return errors.Join(fmt.Errorf("http server failed: %w", err), shutdownErr)
		}
		return shutdownErr
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
		return r.Shutdown(context.Background())
	}
}

// Setup opens the journal, starts the client and the background loops and
// builds the HTTP handler. It does not listen.
func (r *Runtime) Setup(ctx context.Context) error {
	if r.cfg.JournalPath != "" {
		journal, err := db.Open(r.cfg.JournalPath, r.logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		r.journal = journal
		mode, busyTimeout, autoVacuum, err := journal.Pragmas(ctx)
		if err != nil {
			return fmt.Errorf("query sqlite pragmas: %w", err)
		}
		r.logger.Info("journal opened",
			"path", r.cfg.JournalPath,
			"journal_mode", mode,
			"busy_timeout", busyTimeout,
			"auto_vacuum", autoVacuum,
		)
	}

	r.registry = prometheus.NewRegistry()
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.collector = metrics.NewCollector(r.cfg.MetricsInterval, nil)
	if err := r.collector.Register(r.registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	client, err := r.newClient()
	if err != nil {
		return err
	}
	r.client = client
	r.collector.SetProvider(client)
	if err := client.Start(ctx); err != nil {
		r.client = nil
		return fmt.Errorf("start client: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	r.bgCancel = cancel
	r.bg, bgCtx = errgroup.WithContext(bgCtx)
	r.startBackgroundLoops(bgCtx)

	r.handler = server.NewMux(server.Routes{
		Health:  server.NewHealthHandler(client, r.journal, r.startedAt, r.version, r.cfg.Engine),
		Outputs: server.NewOutputHandlers(client, r.cfg.MaxTextBytes, r.logger),
		Metrics: promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	})
	return nil
}

func (r *Runtime) Handler() http.Handler {
	return r.handler
}

// Client returns the tracking client once Setup succeeded.
func (r *Runtime) Client() *neoapi.Client {
	return r.client
}

func (r *Runtime) newClient() (*neoapi.Client, error) {
	observers := []neoapi.Observer{r.collector}
	if r.journal != nil {
		observers = append(observers, r.journal)
	}
	cfg := neoapi.Config{
		APIKey:             r.cfg.APIKey,
		BaseURL:            r.cfg.BaseURL,
		BatchSize:          r.cfg.BatchSize,
		FlushInterval:      r.cfg.FlushInterval,
		AdjustmentInterval: r.cfg.AdjustmentInterval,
		SendAttempts:       r.cfg.SendAttempts,
		Logger:             r.logger,
		Observers:          observers,
		AnalysisHandler: func(batch []*neoapi.LLMOutput, res neoapi.Result) {
			r.logger.Info("analysis received",
				"records", len(batch),
				"request_id", res.RequestID,
				"bytes", len(res.Analysis),
			)
		},
	}

	var (
		client *neoapi.Client
		err    error
	)
	if r.cfg.Engine == config.EngineLoop {
		if cfg.AdjustmentInterval == 0 {
			cfg.AdjustmentInterval = -1
		}
		client, err = neoapi.NewAsyncClient(cfg)
	} else {
		client, err = neoapi.NewClient(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return client, nil
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	r.bg.Go(func() error {
		return r.collector.Run(ctx)
	})

	if r.cfg.FollowPath != "" {
		r.follower = follow.New(r.cfg.FollowPath, r.client,
			follow.WithPoll(r.cfg.FollowPollInterval),
			follow.WithMaxTextBytes(r.cfg.MaxTextBytes),
			follow.WithLogger(r.logger),
		)
		r.bg.Go(func() error {
			return r.follower.Run(ctx)
		})
	}

	if r.journal == nil {
		return
	}
	r.bg.Go(func() error {
		every(ctx, r.cfg.CleanupInterval, func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			deleted, didRun, err := r.journal.Prune(cleanupCtx,
				r.cfg.Retention,
				r.cfg.CleanupDiskThreshold,
				r.cfg.CleanupDBThresholdByte,
			)
			if err != nil {
				r.logger.Warn("journal cleanup failed", "error", err)
				return
			}
			if didRun {
				r.logger.Info("journal cleanup", "deleted", deleted)
			}
		})
		return nil
	})
	r.bg.Go(func() error {
		every(ctx, r.cfg.WALCheckpointInterval, func() {
			cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if _, err := r.journal.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB); err != nil {
				r.logger.Warn("wal checkpoint loop failed", "error", err)
			}
		})
		return nil
	})
}

// every runs fn on each tick of interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Shutdown stops ingress first, then the background loops, then drains the
// client so every accepted record gets one delivery attempt, and finally
// closes the journal.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan error, 1)
		go func() { done <- r.bg.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				joined = errors.Join(joined, fmt.Errorf("background loops: %w", err))
			}
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	if r.client != nil {
		stopCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
		defer cancel()
		if err := r.client.Stop(stopCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("stop client: %w", err))
		}
	}

	if r.journal != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.journal.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("wal checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		if err := r.journal.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("journal close: %w", err))
		}
	}

	var stats neoapi.Stats
	if r.client != nil {
		stats = r.client.Stats()
	}
	r.logger.Info("shutdown complete",
		"tracked", stats.Tracked,
		"sent", stats.Sent,
		"dropped", stats.Dropped,
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}
