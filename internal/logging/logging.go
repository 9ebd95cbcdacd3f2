// Package logging configures the process-wide slog JSON logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

func Setup(level string) (*slog.Logger, error) {
	return SetupWriter(os.Stderr, level)
}

// SetupWriter installs a JSON logger writing to w as the default logger.
// Output goes to stderr by default so stdout stays free for command output.
func SetupWriter(w io.Writer, level string) (*slog.Logger, error) {
	if err := SetLevel(level); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelVar,
	}))
	slog.SetDefault(logger)
	return logger, nil
}

// SetLevel changes the level of every logger created by Setup.
func SetLevel(level string) error {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := levelVar.UnmarshalText([]byte(normalized)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	return nil
}
