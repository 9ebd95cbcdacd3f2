package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/record"
)

const maxErrorBytes = 1024

// FlushEntry is one row of the flush journal.
type FlushEntry struct {
	FlushID      string
	CreatedAt    time.Time
	Reason       flush.Reason
	Status       string
	Records      int
	Failed       int
	BatchSize    int
	Duration     time.Duration
	Gap          time.Duration
	ErrorMessage string
}

// Totals aggregates the journal since it was created or last cleaned up.
type Totals struct {
	Flushes int64
	Records int64
	Failed  int64
	Errors  int64
}

func EntryFromOutcome(o flush.Outcome) FlushEntry {
	e := FlushEntry{
		FlushID:   uuid.NewString(),
		CreatedAt: o.At,
		Reason:    o.Reason,
		Status:    "ok",
		Records:   o.Records,
		Failed:    o.Failed,
		BatchSize: o.BatchSize,
		Duration:  o.Elapsed,
		Gap:       o.Gap,
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if o.Err != nil {
		e.Status = "error"
		e.ErrorMessage = record.TruncateText(o.Err.Error(), maxErrorBytes)
	}
	return e
}

// Observe journals a flush outcome. Write failures are logged, never
// propagated, so a broken journal cannot stall delivery.
func (j *Journal) Observe(o flush.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := j.Insert(ctx, EntryFromOutcome(o)); err != nil {
		j.logger.Warn("flush journal write failed", "reason", string(o.Reason), "error", err)
	}
}

func (j *Journal) Insert(ctx context.Context, e FlushEntry) error {
	if e.FlushID == "" {
		e.FlushID = uuid.NewString()
	}
	var gap any
	if e.Gap > 0 {
		gap = e.Gap.Milliseconds()
	}
	var errMsg any
	if e.ErrorMessage != "" {
		errMsg = e.ErrorMessage
	}
	_, err := j.writer.ExecContext(ctx, `
INSERT INTO flush_log (
  flush_id, created_at, reason, status, records, failed, batch_size, duration_ms, gap_ms, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.FlushID, e.CreatedAt.UnixMilli(), string(e.Reason), e.Status, e.Records, e.Failed,
		e.BatchSize, e.Duration.Milliseconds(), gap, errMsg)
	if err != nil {
		return fmt.Errorf("insert flush entry: %w", err)
	}
	return nil
}

func (j *Journal) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := j.reader.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(records), 0),
  COALESCE(SUM(failed), 0),
  COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
FROM flush_log
`).Scan(&t.Flushes, &t.Records, &t.Failed, &t.Errors)
	if err != nil {
		return Totals{}, fmt.Errorf("query flush totals: %w", err)
	}
	return t, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]FlushEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.reader.QueryContext(ctx, `
SELECT flush_id, created_at, reason, status, records, failed, batch_size, duration_ms, gap_ms, error_message
FROM flush_log
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent flushes: %w", err)
	}
	defer rows.Close()

	out := make([]FlushEntry, 0, limit)
	for rows.Next() {
		var (
			e          FlushEntry
			createdAt  int64
			reason     string
			durationMS int64
			gapMS      sql.NullInt64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&e.FlushID, &createdAt, &reason, &e.Status, &e.Records, &e.Failed,
			&e.BatchSize, &durationMS, &gapMS, &errMsg); err != nil {
			return nil, fmt.Errorf("scan flush entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.Reason = flush.Reason(reason)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if gapMS.Valid {
			e.Gap = time.Duration(gapMS.Int64) * time.Millisecond
		}
		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestError returns the newest failed entry, or nil when none exists.
func (j *Journal) LatestError(ctx context.Context) (*FlushEntry, error) {
	var (
		e         FlushEntry
		createdAt int64
		reason    string
		errMsg    sql.NullString
	)
	err := j.reader.QueryRowContext(ctx, `
SELECT flush_id, created_at, reason, records, error_message
FROM flush_log
WHERE status = 'error'
ORDER BY id DESC
LIMIT 1
`).Scan(&e.FlushID, &createdAt, &reason, &e.Records, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest error: %w", err)
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	e.Reason = flush.Reason(reason)
	e.Status = "error"
	e.ErrorMessage = errMsg.String
	return &e, nil
}
