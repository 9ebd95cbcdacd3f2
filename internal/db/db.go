// Package db keeps an operator-facing journal of flush outcomes in SQLite.
// Records themselves are never stored; only what happened to each batch.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
)

type Journal struct {
	path   string
	logger *slog.Logger
	writer *sql.DB
	reader *sql.DB
}

type HealthStats struct {
	Status    string
	SizeBytes int64
	WALSize   int64
}

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
PRAGMA auto_vacuum = INCREMENTAL;
PRAGMA cache_size = -2000;
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := "file:" + path
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal writer: %w", err)
	}
	// A single writer connection serializes inserts without SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open journal reader: %w", err)
	}
	reader.SetMaxOpenConns(2)
	reader.SetMaxIdleConns(2)

	closeBoth := func(cause error) error {
		return errors.Join(cause, writer.Close(), reader.Close())
	}
	ctx := context.Background()
	if err := writer.PingContext(ctx); err != nil {
		return nil, closeBoth(fmt.Errorf("ping journal writer: %w", err))
	}
	if err := reader.PingContext(ctx); err != nil {
		return nil, closeBoth(fmt.Errorf("ping journal reader: %w", err))
	}
	if err := ensureAutoVacuum(ctx, writer); err != nil {
		return nil, closeBoth(fmt.Errorf("ensure auto_vacuum incremental: %w", err))
	}
	if _, err := writer.ExecContext(ctx, schemaDDL); err != nil {
		return nil, closeBoth(fmt.Errorf("apply journal schema: %w", err))
	}

	return &Journal{
		path:   path,
		logger: logger,
		writer: writer,
		reader: reader,
	}, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Checkpoint(ctx context.Context) error {
	_, err := j.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (j *Journal) Close() error {
	return errors.Join(j.writer.Close(), j.reader.Close())
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.writer.PingContext(ctx)
}

func (j *Journal) Stats(ctx context.Context) HealthStats {
	stats := HealthStats{Status: "ok"}
	if err := j.Ping(ctx); err != nil {
		stats.Status = "error"
	}
	stats.SizeBytes = j.SizeBytes()
	stats.WALSize = j.WALSizeBytes()
	return stats
}

func (j *Journal) Pragmas(ctx context.Context) (journalMode string, busyTimeout int, autoVacuum int, err error) {
	if err = j.writer.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return "", 0, 0, err
	}
	if err = j.writer.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		return "", 0, 0, err
	}
	if err = j.writer.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&autoVacuum); err != nil {
		return "", 0, 0, err
	}
	return journalMode, busyTimeout, autoVacuum, nil
}

func ensureAutoVacuum(ctx context.Context, writer *sql.DB) error {
	var mode int
	if err := writer.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&mode); err != nil {
		return err
	}
	if mode == 2 {
		return nil
	}
	if _, err := writer.ExecContext(ctx, "PRAGMA auto_vacuum = INCREMENTAL;"); err != nil {
		return err
	}
	_, err := writer.ExecContext(ctx, "VACUUM;")
	return err
}
