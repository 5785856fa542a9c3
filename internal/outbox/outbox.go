// Package outbox implements the Reading Batcher / Outbox Writer (C7):
// validates pending readings, chunks them, and persists each chunk in its
// own transaction with insert-level dedup, retrying transient failures with
// jittered exponential backoff.
package outbox

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/syncmcp/edge-agent/internal/model"
)

const maxInsertRetries = 3

// Inserter persists a batch of pending readings, deduplicating on
// (meter_id, element_id, timestamp, data_point); satisfied by
// store.Repo.InsertReadings.
type Inserter interface {
	InsertReadings(ctx context.Context, readings []model.PendingReading) (int, error)
}

// PersistResult tallies one Persist call's outcome.
type PersistResult struct {
	Inserted int
	Skipped  int
	Failed   int
}

// Writer is the Outbox Writer.
type Writer struct {
	repo           Inserter
	insertBatchSize int
}

// New constructs a Writer. insertBatchSize is INSERT_BATCH_SIZE (§6.4).
func New(repo Inserter, insertBatchSize int) *Writer {
	if insertBatchSize <= 0 {
		insertBatchSize = 100
	}
	return &Writer{repo: repo, insertBatchSize: insertBatchSize}
}

// Persist implements the Persister interface collect.Manager depends on.
func (w *Writer) Persist(ctx context.Context, readings []model.PendingReading) error {
	_, err := w.PersistDetailed(ctx, readings)
	return err
}

// PersistDetailed runs the full validate -> chunk -> insert-with-retry
// pipeline and returns a detailed tally.
func (w *Writer) PersistDetailed(ctx context.Context, readings []model.PendingReading) (PersistResult, error) {
	var result PersistResult

	valid := make([]model.PendingReading, 0, len(readings))
	now := time.Now().UTC()
	minTS := now.Add(-24 * time.Hour)
	maxTS := now.Add(1 * time.Hour)
	for _, r := range readings {
		if !isFinite(r.Value) || r.MeterID == "" || r.Timestamp.Before(minTS) || r.Timestamp.After(maxTS) {
			result.Skipped++
			continue
		}
		valid = append(valid, r)
	}

	for start := 0; start < len(valid); start += w.insertBatchSize {
		end := min(start+w.insertBatchSize, len(valid))
		batch := valid[start:end]

		inserted, err := w.insertWithRetry(ctx, batch)
		if err != nil {
			result.Failed += len(batch)
			log.Printf("[persist] batch of %d readings failed after retries: %v", len(batch), err)
			continue
		}
		result.Inserted += inserted
		result.Skipped += len(batch) - inserted
	}

	return result, nil
}

func (w *Writer) insertWithRetry(ctx context.Context, batch []model.PendingReading) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= maxInsertRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*math.Pow(2, float64(attempt-1))) * time.Millisecond
			jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(backoff))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		inserted, err := w.repo.InsertReadings(ctx, batch)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("insert batch after %d attempts: %w", maxInsertRetries+1, lastErr)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
