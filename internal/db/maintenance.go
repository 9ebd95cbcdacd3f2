package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

func (j *Journal) WALSizeBytes() int64 {
	fi, err := os.Stat(j.path + "-wal")
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (j *Journal) SizeBytes() int64 {
	fi, err := os.Stat(j.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (j *Journal) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if j.WALSizeBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := j.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}

// Prune deletes entries older than retention. It only runs when the disk is
// above diskThresholdPct or the journal above sizeThresholdBytes.
func (j *Journal) Prune(ctx context.Context, retention time.Duration, diskThresholdPct float64, sizeThresholdBytes int64) (deleted int64, didRun bool, err error) {
	if diskUsagePercent(filepath.Dir(j.path)) < diskThresholdPct && j.SizeBytes() < sizeThresholdBytes {
		return 0, false, nil
	}

	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := j.writer.ExecContext(ctx, "DELETE FROM flush_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, true, fmt.Errorf("prune flush log: %w", err)
	}
	deleted, _ = res.RowsAffected()

	_, _ = j.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	return deleted, true, nil
}

func diskUsagePercent(path string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	free := float64(stat.Bavail) * float64(stat.Bsize)
	if total <= 0 {
		return 0
	}
	return (total - free) / total * 100
}
