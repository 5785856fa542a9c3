// Package collect implements the Collection Cycle Manager (C6): for every
// active meter in the Meter Cache, reads its registers over BACnet (with
// adaptive batch sizing and single-retry-then-sequential-fallback on
// timeout) and hands the resulting readings to the Outbox Writer.
//
// The concurrent per-meter fan-out is grounded on probe.ProbeManager's
// semaphore channel in the teacher: a bounded chan struct{} in place of a
// per-node egress/latency probe slot limiter.
package collect

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syncmcp/edge-agent/internal/bacnet"
	"github.com/syncmcp/edge-agent/internal/batchsize"
	"github.com/syncmcp/edge-agent/internal/cache"
	"github.com/syncmcp/edge-agent/internal/cycleguard"
	"github.com/syncmcp/edge-agent/internal/model"
)

// CollectionError mirrors model.CollectionError for collection-specific
// call sites; kept as a type alias point so collect.go reads naturally.
type CollectionError = model.CollectionError

// CycleResult aggregates one collection cycle's outcome. CorrelationID ties
// its log lines and its ErrorSink entries back to one cycle, the way the
// teacher tags a probe run's log lines with its subscription id.
type CycleResult struct {
	CorrelationID    string
	TotalMeters      int
	SuccessMeters    int
	ReadingsProduced int
	Errors           []CollectionError
	DeadlineExceeded bool
}

// Persister accepts the readings produced by one cycle; satisfied by
// outbox.Writer.Persist.
type Persister interface {
	Persist(ctx context.Context, readings []model.PendingReading) error
}

// ErrorSink receives diagnostic entries for the /errors ring buffer.
type ErrorSink interface {
	Record(model.CollectionError)
}

// Config holds the tunables from §6.4 relevant to collection.
type Config struct {
	MaxConcurrentMeters int
	ReadTimeout         time.Duration
	ConnectTimeout      time.Duration
	CycleDeadline       time.Duration
	PendingHighWater    int
}

// Manager is the Collection Cycle Manager.
type Manager struct {
	meters    *cache.MeterCache
	bacnet    bacnet.Client
	batchSize *batchsize.Manager
	persister Persister
	errors    ErrorSink
	cfg       Config
	guard     cycleguard.Guard
}

// New constructs a Manager.
func New(meters *cache.MeterCache, client bacnet.Client, bsm *batchsize.Manager, persister Persister, errs ErrorSink, cfg Config) *Manager {
	return &Manager{meters: meters, bacnet: client, batchSize: bsm, persister: persister, errors: errs, cfg: cfg}
}

// IsRunning reports whether a cycle currently holds the guard, for the
// /status endpoint.
func (m *Manager) IsRunning() bool { return m.guard.IsRunning() }

// ExecuteCycle runs one collection cycle. A second call while one is
// already in flight returns store.ErrCycleRunning via cycleguard.Run.
func (m *Manager) ExecuteCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	err := m.guard.Run(func() error {
		result = m.runCycle(ctx)
		return nil
	})
	return result, err
}

func (m *Manager) runCycle(ctx context.Context) CycleResult {
	cycleStart := time.Now().UTC()
	active := m.meters.ActiveSnapshot()
	correlationID := uuid.NewString()

	deadlineCtx, cancel := context.WithTimeout(ctx, m.cfg.CycleDeadline)
	defer cancel()

	result := CycleResult{CorrelationID: correlationID, TotalMeters: len(active)}
	sem := make(chan struct{}, max(1, m.cfg.MaxConcurrentMeters))

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		pending []model.PendingReading
	)

meterLoop:
	for _, rm := range active {
		rm := rm
		select {
		case <-deadlineCtx.Done():
			result.DeadlineExceeded = true
			break meterLoop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			readings, errs, ok := m.collectMeter(deadlineCtx, rm, cycleStart)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				result.SuccessMeters++
			}
			readings, dropped := m.enforcePendingHighWater(readings, len(pending))
			if dropped > 0 {
				errs = append(errs, CollectionError{
					MeterID:   rm.Meter.MeterID,
					Operation: model.OperationPersist,
					Error:     fmt.Sprintf("dropped %d readings: pending high water (%d) reached", dropped, m.cfg.PendingHighWater),
					Timestamp: cycleStart,
				})
			}
			pending = append(pending, readings...)
			result.Errors = append(result.Errors, errs...)
		}()
	}

	wg.Wait()

	result.ReadingsProduced = len(pending)
	for _, e := range result.Errors {
		if m.errors != nil {
			m.errors.Record(e)
		}
	}

	if len(pending) > 0 && m.persister != nil {
		if err := m.persister.Persist(ctx, pending); err != nil {
			log.Printf("[collect] cycle=%s persist cycle readings: %v", correlationID, err)
		}
	}

	if result.DeadlineExceeded {
		log.Printf("[collect] cycle=%s deadline exceeded after %d/%d meters", correlationID, result.SuccessMeters, result.TotalMeters)
	}
	return result
}

// enforcePendingHighWater caps the cycle's in-memory pending slice at
// PendingHighWater, dropping newly collected readings once the cap is
// reached rather than growing it unbounded (§6.4). currentPending is the
// caller's count so far; callers must hold the lock guarding that count.
// PendingHighWater <= 0 disables the cap.
func (m *Manager) enforcePendingHighWater(readings []model.PendingReading, currentPending int) ([]model.PendingReading, int) {
	if m.cfg.PendingHighWater <= 0 {
		return readings, 0
	}
	room := m.cfg.PendingHighWater - currentPending
	if room <= 0 {
		return nil, len(readings)
	}
	if len(readings) > room {
		return readings[:room], len(readings) - room
	}
	return readings, 0
}

// collectMeter reads every register for one meter, applying batch sizing
// and the timeout/shrink/retry/fallback sequence from §4.5.
func (m *Manager) collectMeter(ctx context.Context, rm cache.ResolvedMeter, cycleStart time.Time) ([]model.PendingReading, []CollectionError, bool) {
	meter := rm.Meter
	if len(rm.Registers) == 0 {
		return nil, []CollectionError{{
			MeterID:   meter.MeterID,
			Operation: model.OperationRead,
			Error:     "no registers resolved for device model",
			Timestamp: cycleStart,
		}}, false
	}

	batchSize := m.batchSize.Get(meter.MeterID, len(rm.Registers))
	var readings []model.PendingReading
	var errs []CollectionError
	anyOK := false
	seen := make(map[string]int) // data_point -> index into readings, for last-wins dedup

	for start := 0; start < len(rm.Registers); start += batchSize {
		end := min(start+batchSize, len(rm.Registers))
		batch := rm.Registers[start:end]

		results := m.readBatch(ctx, meter, batch)
		if results == nil {
			// whole batch timed out; shrink and retry once at new size
			m.batchSize.Shrink(meter.MeterID, len(batch))
			retrySize := m.batchSize.Get(meter.MeterID, len(rm.Registers))
			var retryResults []bacnet.ReadResult
			for s := 0; s < len(batch); s += retrySize {
				part := m.readBatch(ctx, meter, batch[s:min(s+retrySize, len(batch))])
				if part == nil {
					retryResults = nil
					break
				}
				retryResults = append(retryResults, part...)
			}
			if retryResults == nil {
				// fall back to sequential per-register reads
				retryResults = m.readSequential(ctx, meter, batch)
			}
			results = retryResults
		} else {
			m.batchSize.RecordSuccess(meter.MeterID, len(rm.Registers))
		}

		for i, reg := range batch {
			res := results[i]
			if res.Status != bacnet.StatusOK {
				errs = append(errs, CollectionError{
					MeterID:    meter.MeterID,
					RegisterID: reg.ID,
					Operation:  model.OperationRead,
					Error:      fmt.Sprintf("%s: %v", res.Status, res.Err),
					Timestamp:  cycleStart,
				})
				continue
			}
			anyOK = true
			pr := model.PendingReading{
				MeterID:    meter.MeterID,
				ElementID:  meter.ElementID,
				Timestamp:  cycleStart,
				DataPoint:  reg.FieldName,
				Value:      res.Value,
				Unit:       reg.Unit,
				RegisterID: reg.ID,
			}
			if idx, ok := seen[reg.FieldName]; ok {
				log.Printf("[collect] duplicate data_point %q for meter %s/%s, later register wins", reg.FieldName, meter.MeterID, meter.ElementID)
				readings[idx] = pr
			} else {
				seen[reg.FieldName] = len(readings)
				readings = append(readings, pr)
			}
		}
	}

	return readings, errs, anyOK
}

func (m *Manager) readBatch(ctx context.Context, meter model.Meter, batch []model.RegisterDefinition) []bacnet.ReadResult {
	reqs := make([]bacnet.ReadRequest, len(batch))
	for i, reg := range batch {
		reqs[i] = bacnet.ReadRequest{ObjectType: reg.BACnetObjectType, Instance: reg.BACnetInstance, Property: reg.Property}
	}
	results := m.bacnet.ReadPropertyMultiple(ctx, meter.IP, meter.Port, reqs, m.cfg.ReadTimeout)
	for _, r := range results {
		if r.Status == bacnet.StatusTimeout {
			return nil
		}
	}
	return results
}

func (m *Manager) readSequential(ctx context.Context, meter model.Meter, batch []model.RegisterDefinition) []bacnet.ReadResult {
	out := make([]bacnet.ReadResult, len(batch))
	for i, reg := range batch {
		req := bacnet.ReadRequest{ObjectType: reg.BACnetObjectType, Instance: reg.BACnetInstance, Property: reg.Property}
		out[i] = m.bacnet.ReadProperty(ctx, meter.IP, meter.Port, req, m.cfg.ReadTimeout)
	}
	return out
}
