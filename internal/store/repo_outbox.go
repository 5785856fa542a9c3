package store

import (
	"context"
	"fmt"

	"github.com/syncmcp/edge-agent/internal/model"
)

// InsertReadings writes a batch of pending readings in one transaction,
// deduplicating against the (meter_id, element_id, timestamp, data_point)
// unique constraint with ON CONFLICT DO NOTHING. It returns the number of
// rows actually inserted, which may be less than len(readings) when a prior
// cycle already wrote some of them.
func (r *Repo) InsertReadings(ctx context.Context, readings []model.PendingReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert readings: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, pr := range readings {
		tag, err := tx.Exec(ctx, `
			INSERT INTO meter_reading (meter_id, element_id, "timestamp", data_point, value, unit)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (meter_id, element_id, "timestamp", data_point) DO NOTHING
		`, pr.MeterID, pr.ElementID, pr.Timestamp, pr.DataPoint, pr.Value, pr.Unit)
		if err != nil {
			return 0, fmt.Errorf("insert reading %s/%s: %w", pr.MeterID, pr.ElementID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert readings: %w", err)
	}
	return inserted, nil
}

// CountPending returns the number of rows with sync_status = 'pending',
// consulted by C2/C8's edge-trigger rule.
func (r *Repo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM meter_reading WHERE sync_status = $1`,
		model.SyncStatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// SelectUploadBatch claims up to limit pending rows for upload, marking them
// in_flight in the same transaction so a concurrent upload cycle cannot
// double-claim them.
func (r *Repo) SelectUploadBatch(ctx context.Context, limit int) ([]model.MeterReading, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin select upload batch: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, meter_id, element_id, "timestamp", data_point, value, unit,
			sync_status, retry_count, last_error, created_at, is_synchronized
		FROM meter_reading
		WHERE sync_status = $1 AND NOT is_synchronized
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, model.SyncStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("select upload batch: %w", err)
	}

	var out []model.MeterReading
	ids := make([]int64, 0, limit)
	for rows.Next() {
		var mr model.MeterReading
		if err := rows.Scan(&mr.ID, &mr.MeterID, &mr.ElementID, &mr.Timestamp, &mr.DataPoint,
			&mr.Value, &mr.Unit, &mr.SyncStatus, &mr.RetryCount, &mr.LastError, &mr.CreatedAt,
			&mr.IsSynchronized); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan upload candidate: %w", err)
		}
		out = append(out, mr)
		ids = append(ids, mr.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload batch: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE meter_reading SET sync_status = $1 WHERE id = ANY($2)`,
			model.SyncStatusInFlight, ids); err != nil {
			return nil, fmt.Errorf("mark in_flight: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit select upload batch: %w", err)
	}
	for i := range out {
		out[i].SyncStatus = model.SyncStatusInFlight
	}
	return out, nil
}

// MarkUploaded transitions the given rows to done and flips the
// is_synchronized fence after a confirmed accept from the remote Client
// System. Once set, is_synchronized keeps the row out of every future
// SelectUploadBatch claim regardless of sync_status.
func (r *Repo) MarkUploaded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE meter_reading SET sync_status = $1, is_synchronized = TRUE
		WHERE id = ANY($2)
	`, model.SyncStatusDone, ids)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// MarkUploadFailed returns the given rows to pending (on a retriable error)
// or to failed (once the incremented retry_count reaches maxRetries), recording lastErr and
// incrementing retry_count. Used for 5xx/network/timeout outcomes, where a
// later attempt might still succeed.
func (r *Repo) MarkUploadFailed(ctx context.Context, ids []int64, lastErr string, maxRetries int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE meter_reading SET
			retry_count = retry_count + 1,
			last_error = $2,
			sync_status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE $5 END
		WHERE id = ANY($1)
	`, ids, lastErr, maxRetries, model.SyncStatusFailed, model.SyncStatusPending)
	if err != nil {
		return fmt.Errorf("mark upload failed: %w", err)
	}
	return nil
}

// MarkUploadRejected unconditionally transitions the given rows to failed,
// with no retry-count gate. Used for a 4xx rejection: the remote has
// definitively refused the payload, so retrying it unchanged would only
// repeat the rejection up to maxRetries times before failing anyway.
func (r *Repo) MarkUploadRejected(ctx context.Context, ids []int64, lastErr string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE meter_reading SET
			retry_count = retry_count + 1,
			last_error = $2,
			sync_status = $3
		WHERE id = ANY($1)
	`, ids, lastErr, model.SyncStatusFailed)
	if err != nil {
		return fmt.Errorf("mark upload rejected: %w", err)
	}
	return nil
}

// DeleteOlderThanDays removes done/failed rows older than the retention
// window, implementing the OUTBOX_RETENTION_SCHEDULE hook.
func (r *Repo) DeleteOlderThanDays(ctx context.Context, days int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM meter_reading
		WHERE created_at < now() - ($1 || ' days')::interval
		AND sync_status IN ($2, $3)
	`, days, model.SyncStatusDone, model.SyncStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("delete retention: %w", err)
	}
	return tag.RowsAffected(), nil
}
