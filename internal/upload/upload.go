// Package upload implements the Meter Reading Upload Manager (C8): claims
// pending outbox rows, ships them to the remote Client System in batches
// with an idempotency key, and transitions their sync_status based on the
// response.
//
// The Idempotency-Key is derived with zeebo/xxh3, the teacher's general
// "hash stable input to a short stable key" idiom applied here to a sorted
// list of claimed row ids.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/syncmcp/edge-agent/internal/cycleguard"
	"github.com/syncmcp/edge-agent/internal/model"
	"github.com/zeebo/xxh3"
)

// Store is the subset of store.Repo the Upload Manager depends on.
type Store interface {
	CountPending(ctx context.Context) (int, error)
	SelectUploadBatch(ctx context.Context, limit int) ([]model.MeterReading, error)
	MarkUploaded(ctx context.Context, ids []int64) error
	MarkUploadFailed(ctx context.Context, ids []int64, lastErr string, maxRetries int) error
	MarkUploadRejected(ctx context.Context, ids []int64, lastErr string) error
}

// ConnectivityChecker reports whether the remote is currently reachable.
type ConnectivityChecker interface {
	IsConnected() bool
}

// Config holds the tunables from §6.4 relevant to upload.
type Config struct {
	ClientAPIURL   string
	ClientAPIKey   string
	BatchSize      int
	MaxRetries     int
	Deadline       time.Duration
	EdgeTriggerMin int
}

// UploadResult tallies one upload cycle's outcome. CorrelationID ties its
// log lines back to one cycle invocation.
type UploadResult struct {
	CorrelationID string
	Uploaded      int
	Failed        int
	Remaining     int
}

// Manager is the Meter Reading Upload Manager.
type Manager struct {
	store        Store
	connectivity ConnectivityChecker
	httpClient   *http.Client
	cfg          Config
	guard        cycleguard.Guard
	trigger      chan struct{}
}

// New constructs a Manager with its own buffered trigger channel, fed by
// MaybeTriggerOnReconnect on a connectivity reconnect edge (replacing the
// teacher's onSubUpdated/OnProbeEvent callback hooks with explicit channel
// plumbing).
func New(store Store, connectivity ConnectivityChecker, httpClient *http.Client, cfg Config) *Manager {
	return &Manager{
		store:        store,
		connectivity: connectivity,
		httpClient:   httpClient,
		cfg:          cfg,
		trigger:      make(chan struct{}, 1),
	}
}

// IsRunning reports whether a cycle currently holds the guard.
func (m *Manager) IsRunning() bool { return m.guard.IsRunning() }

// Trigger requests an out-of-band upload attempt, e.g. from the connectivity
// monitor's reconnect edge when the pending count exceeds EDGE_TRIGGER_MIN.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// MaybeTriggerOnReconnect checks the pending count and calls Trigger if it
// exceeds EdgeTriggerMin. Intended to be called from the connectivity
// monitor's reconnect-edge handler.
func (m *Manager) MaybeTriggerOnReconnect(ctx context.Context) {
	n, err := m.store.CountPending(ctx)
	if err != nil {
		log.Printf("[upload] edge-trigger count pending: %v", err)
		return
	}
	if n > m.cfg.EdgeTriggerMin {
		m.Trigger()
	}
}

// TriggerChannel exposes the trigger channel for the supervisor's select
// loop.
func (m *Manager) TriggerChannel() <-chan struct{} { return m.trigger }

// PerformUpload runs one upload cycle. Pre-condition: the remote must be
// connected; otherwise it returns without attempting any work.
func (m *Manager) PerformUpload(ctx context.Context) (UploadResult, error) {
	var result UploadResult
	err := m.guard.Run(func() error {
		if !m.connectivity.IsConnected() {
			return nil
		}
		result = m.runCycle(ctx)
		return nil
	})
	return result, err
}

func (m *Manager) runCycle(ctx context.Context) UploadResult {
	result := UploadResult{CorrelationID: uuid.NewString()}
	deadline := time.Now().Add(m.cfg.Deadline)
	backoff := 500 * time.Millisecond

cycleLoop:
	for {
		if time.Now().After(deadline) {
			break
		}

		batch, err := m.store.SelectUploadBatch(ctx, m.cfg.BatchSize)
		if err != nil {
			log.Printf("[upload] cycle=%s select batch: %v", result.CorrelationID, err)
			break
		}
		if len(batch) == 0 {
			break
		}

		uploaded, failed, retriable := m.uploadBatch(ctx, batch)
		result.Uploaded += uploaded
		result.Failed += failed

		if retriable {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				break cycleLoop
			}
			backoff = min(backoff*2, 30*time.Second)
		} else {
			backoff = 500 * time.Millisecond
		}

		if len(batch) < m.cfg.BatchSize {
			break
		}
	}

	if n, err := m.store.CountPending(ctx); err == nil {
		result.Remaining = n
	}
	return result
}

// uploadBatch POSTs one claimed batch and applies the status-transition
// rules. retriable reports whether the caller should back off before the
// next batch (a 5xx/network/timeout outcome).
func (m *Manager) uploadBatch(ctx context.Context, batch []model.MeterReading) (uploaded, failed int, retriable bool) {
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}

	body, err := encodeBulkRequest(batch)
	if err != nil {
		m.markFailed(ctx, ids, err.Error())
		return 0, len(ids), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ClientAPIURL+"/api/meter-readings/bulk", bytes.NewReader(body))
	if err != nil {
		m.markFailed(ctx, ids, err.Error())
		return 0, len(ids), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.ClientAPIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey(ids))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.markFailed(ctx, ids, err.Error())
		return 0, len(ids), true
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := m.store.MarkUploaded(ctx, ids); err != nil {
			log.Printf("[upload] mark uploaded: %v", err)
		}
		return len(ids), 0, false
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		m.markRejected(ctx, ids, fmt.Sprintf("remote rejected (%d): %s", resp.StatusCode, respBody))
		return 0, len(ids), false
	default:
		m.markFailed(ctx, ids, fmt.Sprintf("remote error (%d): %s", resp.StatusCode, respBody))
		return 0, len(ids), true
	}
}

func (m *Manager) markFailed(ctx context.Context, ids []int64, msg string) {
	if err := m.store.MarkUploadFailed(ctx, ids, msg, m.cfg.MaxRetries); err != nil {
		log.Printf("[upload] mark failed: %v", err)
	}
}

// markRejected fails the given rows immediately, with no retry-count gate:
// a 4xx means the remote has definitively refused the payload as it stands,
// so automatic retry would only repeat the same rejection.
func (m *Manager) markRejected(ctx context.Context, ids []int64, msg string) {
	if err := m.store.MarkUploadRejected(ctx, ids, msg); err != nil {
		log.Printf("[upload] mark rejected: %v", err)
	}
}

type bulkReading struct {
	MeterID   string  `json:"meter_id"`
	ElementID string  `json:"element_id"`
	Timestamp string  `json:"timestamp"`
	DataPoint string  `json:"data_point"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

func encodeBulkRequest(batch []model.MeterReading) ([]byte, error) {
	readings := make([]bulkReading, len(batch))
	for i, r := range batch {
		readings[i] = bulkReading{
			MeterID:   r.MeterID,
			ElementID: r.ElementID,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			DataPoint: r.DataPoint,
			Value:     r.Value,
			Unit:      r.Unit,
		}
	}
	return json.Marshal(struct {
		Readings []bulkReading `json:"readings"`
	}{Readings: readings})
}

func idempotencyKey(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	buf := make([]byte, 0, len(sorted)*9)
	for _, id := range sorted {
		buf = strconv.AppendInt(buf, id, 10)
		buf = append(buf, ',')
	}
	h := xxh3.Hash128(buf)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}
