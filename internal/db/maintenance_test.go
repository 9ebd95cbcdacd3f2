package db

import (
	"context"
	"testing"
	"time"

	"github.com/kon-rad/neoapi-go/internal/flush"
)

func TestPruneDeletesOldEntriesWhenThresholdForced(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()
	if err := j.Insert(ctx, FlushEntry{CreatedAt: time.Now().Add(-48 * time.Hour), Reason: flush.ReasonSize, Status: "ok", Records: 5}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := j.Insert(ctx, FlushEntry{CreatedAt: time.Now(), Reason: flush.ReasonTimer, Status: "ok", Records: 1}); err != nil {
		t.Fatalf("insert new: %v", err)
	}

	deleted, didRun, err := j.Prune(ctx, 24*time.Hour, 0, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !didRun {
		t.Fatalf("expected prune to run")
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	totals, err := j.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Flushes != 1 {
		t.Fatalf("remaining entries = %d, want 1", totals.Flushes)
	}
}

func TestPruneSkipsBelowThresholds(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	_, didRun, err := j.Prune(context.Background(), time.Hour, 101, 1<<40)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if didRun {
		t.Fatalf("expected prune to be skipped")
	}
}

func TestCheckpointIfWALExceeds(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	for i := 0; i < 10; i++ {
		j.Observe(flush.Outcome{Reason: flush.ReasonSize, Records: i + 1, At: time.Now()})
	}

	did, err := j.CheckpointIfWALExceeds(context.Background(), 0)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !did {
		t.Fatalf("expected checkpoint to run when threshold is 0")
	}
}
