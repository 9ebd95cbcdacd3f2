// Package instrument wraps functions so that every successful result is
// tracked as an LLM output.
package instrument

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kon-rad/neoapi-go/internal/record"
)

type Tracker interface {
	Track(r *record.LLMOutput) error
}

// Wrap returns fn with tracking added. The result is tracked only when fn
// returns a nil error; fn's result and error are always returned unchanged.
// Each tracked record is built with opts.
func Wrap[T any](tracker Tracker, fn func(ctx context.Context) (T, error), opts ...record.Option) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		track(ctx, tracker, v, opts)
		return v, nil
	}
}

// WrapValue is Wrap for functions that cannot fail.
func WrapValue[T any](tracker Tracker, fn func(ctx context.Context) T, opts ...record.Option) func(ctx context.Context) T {
	return func(ctx context.Context) T {
		v := fn(ctx)
		track(ctx, tracker, v, opts)
		return v
	}
}

// A failed Track is logged and otherwise ignored.
func track(ctx context.Context, tracker Tracker, v any, opts []record.Option) {
	if err := tracker.Track(record.New(Text(v), opts...)); err != nil {
		slog.WarnContext(ctx, "track wrapped result failed", "error", err)
	}
}

// Text converts a result to the tracked text: strings as-is, anything else
// through fmt.Sprint.
func Text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
