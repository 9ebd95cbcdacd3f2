package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kon-rad/neoapi-go/internal/db"
	"github.com/kon-rad/neoapi-go/internal/dispatch"
)

type StatsProvider interface {
	Stats() dispatch.Stats
}

type HealthResponse struct {
	Status          string   `json:"status"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	Version         string   `json:"version"`
	Engine          string   `json:"engine"`
	QueueDepth      int      `json:"queue_depth"`
	BatchSize       int      `json:"batch_size"`
	FlushIntervalMS int64    `json:"flush_interval_ms"`
	Tracked         int64    `json:"tracked"`
	Sent            int64    `json:"sent"`
	Dropped         int64    `json:"dropped"`
	Flushes         int64    `json:"flushes"`
	LastFlushTime   *int64   `json:"last_flush_time"`
	LastFlushStatus string   `json:"last_flush_status"`
	JournalStatus   string   `json:"journal_status"`
	JournalBytes    int64    `json:"journal_size_bytes"`
	JournalWALBytes int64    `json:"journal_wal_bytes"`
	JournalErrors   int64    `json:"journal_errors"`
	RSSBytes        int64    `json:"rss_bytes"`
	GeneratedAt     string   `json:"generated_at"`
	Warnings        []string `json:"warnings,omitempty"`
}

type HealthHandler struct {
	stats     StatsProvider
	journal   *db.Journal
	startTime time.Time
	version   string
	engine    string
}

// NewHealthHandler reports on stats and, when journal is not nil, on the
// flush journal.
func NewHealthHandler(stats StatsProvider, journal *db.Journal, start time.Time, version, engine string) *HealthHandler {
	return &HealthHandler{
		stats:     stats,
		journal:   journal,
		startTime: start,
		version:   version,
		engine:    engine,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.stats.Stats()
	resp := HealthResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
		Version:         h.version,
		Engine:          h.engine,
		QueueDepth:      s.QueueDepth,
		BatchSize:       s.Threshold.BatchSize,
		FlushIntervalMS: s.Threshold.FlushInterval.Milliseconds(),
		Tracked:         s.Tracked,
		Sent:            s.Sent,
		Dropped:         s.Dropped,
		Flushes:         s.Flushes,
		LastFlushTime:   s.LastFlushAt,
		LastFlushStatus: s.LastStatus,
		JournalStatus:   "disabled",
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if s.LastStatus == "error" {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "last_flush_failed")
	}

	if h.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		js := h.journal.Stats(ctx)
		resp.JournalStatus = js.Status
		resp.JournalBytes = js.SizeBytes
		resp.JournalWALBytes = js.WALSize
		if js.Status != "ok" {
			resp.Status = "degraded"
		}
		totals, err := h.journal.Totals(ctx)
		if err != nil {
			resp.Status = "degraded"
			resp.Warnings = append(resp.Warnings, "journal_totals_unavailable")
		} else {
			resp.JournalErrors = totals.Errors
		}
	}

	if rss, err := residentBytes(); err == nil {
		resp.RSSBytes = rss
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
