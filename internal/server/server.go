// Package server exposes the relay HTTP surface: output ingestion, health
// and prometheus metrics.
package server

import (
	"net/http"
	"time"
)

type Routes struct {
	Health  http.Handler
	Outputs *OutputHandlers
	Metrics http.Handler
}

func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func NewMux(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()
	if routes.Health != nil {
		mux.Handle("GET /health", routes.Health)
	}
	if routes.Outputs != nil {
		mux.HandleFunc("POST /v1/outputs", routes.Outputs.PostOutput)
	}
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	return mux
}
