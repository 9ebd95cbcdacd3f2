package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kon-rad/neoapi-go/internal/engine"
	"github.com/kon-rad/neoapi-go/internal/record"
)

const maxBodyBytes = 1 << 20

type Tracker interface {
	Track(r *record.LLMOutput) error
}

type OutputHandlers struct {
	tracker      Tracker
	maxTextBytes int
	logger       *slog.Logger
}

func NewOutputHandlers(tracker Tracker, maxTextBytes int, logger *slog.Logger) *OutputHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputHandlers{tracker: tracker, maxTextBytes: maxTextBytes, logger: logger}
}

// PostOutput accepts one record in wire form and tracks it. Delivery is
// asynchronous, so success is 202.
func (h *OutputHandlers) PostOutput(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	out, err := record.Decode(body)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if out.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	out.Text = record.TruncateText(out.Text, h.maxTextBytes)

	if err := h.tracker.Track(out); err != nil {
		if errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrNotStarted) {
			http.Error(w, "client not running", http.StatusServiceUnavailable)
			return
		}
		h.logger.Warn("track output failed", "error", err)
		http.Error(w, "track failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Record-ID", out.ID)
	w.WriteHeader(http.StatusAccepted)
}
