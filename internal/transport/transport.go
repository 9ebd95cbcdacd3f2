// Package transport delivers batches of records to the collection endpoint.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kon-rad/neoapi-go/internal/record"
)

// ErrNotStarted is returned when Send runs before the session was opened.
var ErrNotStarted = errors.New("Client session is not initialized")

type Result struct {
	StatusCode int
	RequestID  string
	Analysis   json.RawMessage
}

// Transport sends one homogeneous batch. wantsAnalysis routes the batch to
// the analysis endpoint.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, batch []*record.LLMOutput, wantsAnalysis bool) (Result, error)
	Close() error
}
