package collect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/syncmcp/edge-agent/internal/bacnet"
	"github.com/syncmcp/edge-agent/internal/batchsize"
	"github.com/syncmcp/edge-agent/internal/cache"
	"github.com/syncmcp/edge-agent/internal/model"
)

type fakeBACnet struct {
	mu       sync.Mutex
	reads    int
	onBatch  func(reqs []bacnet.ReadRequest) []bacnet.ReadResult
	onSingle func(req bacnet.ReadRequest) bacnet.ReadResult
}

func (f *fakeBACnet) ReadPropertyMultiple(ctx context.Context, host string, port int, reqs []bacnet.ReadRequest, timeout time.Duration) []bacnet.ReadResult {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	if f.onBatch != nil {
		return f.onBatch(reqs)
	}
	out := make([]bacnet.ReadResult, len(reqs))
	for i := range reqs {
		out[i] = bacnet.ReadResult{Status: bacnet.StatusOK, Value: 42}
	}
	return out
}

func (f *fakeBACnet) ReadProperty(ctx context.Context, host string, port int, req bacnet.ReadRequest, timeout time.Duration) bacnet.ReadResult {
	if f.onSingle != nil {
		return f.onSingle(req)
	}
	return bacnet.ReadResult{Status: bacnet.StatusOK, Value: 7}
}

type fakePersister struct {
	mu       sync.Mutex
	readings []model.PendingReading
}

func (f *fakePersister) Persist(ctx context.Context, readings []model.PendingReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, readings...)
	return nil
}

type fakeErrorSink struct {
	mu      sync.Mutex
	entries []model.CollectionError
}

func (f *fakeErrorSink) Record(e model.CollectionError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func oneMeterCache(meterID string, registers []model.RegisterDefinition) *cache.MeterCache {
	mc := cache.NewMeterCache()
	mc.LoadResolved([]cache.ResolvedMeter{{
		Meter:     model.Meter{MeterID: meterID, ElementID: "e1", IP: "10.0.0.1", Port: 47808, Active: true},
		Registers: registers,
	}})
	return mc
}

func testRegisters(n int) []model.RegisterDefinition {
	regs := make([]model.RegisterDefinition, n)
	for i := range regs {
		regs[i] = model.RegisterDefinition{
			ID:             "r" + string(rune('a'+i)),
			BACnetObjectType: "analog-input",
			BACnetInstance: uint32(i),
			Property:       "present-value",
			FieldName:      "point-" + string(rune('a'+i)),
			Unit:           "kWh",
		}
	}
	return regs
}

func TestExecuteCycle_HappyPath(t *testing.T) {
	meters := oneMeterCache("m1", testRegisters(3))
	bn := &fakeBACnet{}
	bsm := batchsize.New(1, 0.5, 10)
	persister := &fakePersister{}
	errs := &fakeErrorSink{}

	mgr := New(meters, bn, bsm, persister, errs, Config{
		MaxConcurrentMeters: 4,
		ReadTimeout:         time.Second,
		CycleDeadline:       5 * time.Second,
	})

	result, err := mgr.ExecuteCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalMeters != 1 || result.SuccessMeters != 1 {
		t.Fatalf("expected 1/1 meters succeeded, got %+v", result)
	}
	if result.ReadingsProduced != 3 {
		t.Fatalf("expected 3 readings, got %d", result.ReadingsProduced)
	}
	if len(persister.readings) != 3 {
		t.Fatalf("expected persister to receive 3 readings, got %d", len(persister.readings))
	}
	if result.CorrelationID == "" {
		t.Fatal("expected a non-empty correlation id")
	}
}

func TestExecuteCycle_NoRegistersRecordsError(t *testing.T) {
	meters := oneMeterCache("m1", nil)
	mgr := New(meters, &fakeBACnet{}, batchsize.New(1, 0.5, 10), &fakePersister{}, &fakeErrorSink{}, Config{
		MaxConcurrentMeters: 1,
		ReadTimeout:         time.Second,
		CycleDeadline:       time.Second,
	})

	result, err := mgr.ExecuteCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SuccessMeters != 0 {
		t.Fatalf("expected 0 successful meters, got %d", result.SuccessMeters)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 collection error, got %d", len(result.Errors))
	}
}

func TestExecuteCycle_TimeoutShrinksThenFallsBackToSequentialSuccess(t *testing.T) {
	meters := oneMeterCache("m1", testRegisters(2))
	batchCalls := 0
	bn := &fakeBACnet{
		onBatch: func(reqs []bacnet.ReadRequest) []bacnet.ReadResult {
			batchCalls++
			out := make([]bacnet.ReadResult, len(reqs))
			for i := range reqs {
				out[i] = bacnet.ReadResult{Status: bacnet.StatusTimeout}
			}
			return out
		},
	}

	mgr := New(meters, bn, batchsize.New(1, 0.5, 10), &fakePersister{}, &fakeErrorSink{}, Config{
		MaxConcurrentMeters: 1,
		ReadTimeout:         time.Second,
		CycleDeadline:       time.Second,
	})

	result, err := mgr.ExecuteCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batchCalls != 2 {
		t.Fatalf("expected one retry after the initial batch timeout before falling back to sequential, got %d batch calls", batchCalls)
	}
	if result.SuccessMeters != 1 {
		t.Fatalf("expected the sequential fallback to recover the meter as successful, got %+v", result)
	}
	if result.ReadingsProduced != 2 {
		t.Fatalf("expected 2 readings from the sequential fallback, got %d", result.ReadingsProduced)
	}
}

func TestExecuteCycle_BatchAndSequentialBothTimeOutRecordsErrors(t *testing.T) {
	meters := oneMeterCache("m1", testRegisters(2))
	bn := &fakeBACnet{
		onBatch: func(reqs []bacnet.ReadRequest) []bacnet.ReadResult {
			out := make([]bacnet.ReadResult, len(reqs))
			for i := range reqs {
				out[i] = bacnet.ReadResult{Status: bacnet.StatusTimeout}
			}
			return out
		},
		onSingle: func(req bacnet.ReadRequest) bacnet.ReadResult {
			return bacnet.ReadResult{Status: bacnet.StatusTimeout}
		},
	}

	mgr := New(meters, bn, batchsize.New(1, 0.5, 10), &fakePersister{}, &fakeErrorSink{}, Config{
		MaxConcurrentMeters: 1,
		ReadTimeout:         time.Second,
		CycleDeadline:       time.Second,
	})

	result, err := mgr.ExecuteCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SuccessMeters != 0 {
		t.Fatalf("expected no successful meter once sequential fallback also times out, got %+v", result)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 per-register errors, got %d", len(result.Errors))
	}
}

func TestExecuteCycle_PendingHighWaterDropsExcessReadings(t *testing.T) {
	meters := oneMeterCache("m1", testRegisters(5))
	bn := &fakeBACnet{}
	persister := &fakePersister{}
	errs := &fakeErrorSink{}

	mgr := New(meters, bn, batchsize.New(1, 0.5, 10), persister, errs, Config{
		MaxConcurrentMeters: 1,
		ReadTimeout:         time.Second,
		CycleDeadline:       time.Second,
		PendingHighWater:    3,
	})

	result, err := mgr.ExecuteCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReadingsProduced != 3 {
		t.Fatalf("expected readings capped at the high water mark of 3, got %d", result.ReadingsProduced)
	}
	if len(persister.readings) != 3 {
		t.Fatalf("expected persister to receive 3 readings, got %d", len(persister.readings))
	}

	var dropErr *model.CollectionError
	for i := range result.Errors {
		if result.Errors[i].Operation == model.OperationPersist {
			dropErr = &result.Errors[i]
		}
	}
	if dropErr == nil {
		t.Fatal("expected a persist-operation error recording the dropped readings")
	}
}

func TestExecuteCycle_ConcurrentCallRejected(t *testing.T) {
	meters := oneMeterCache("m1", testRegisters(1))
	mgr := New(meters, &fakeBACnet{}, batchsize.New(1, 0.5, 10), &fakePersister{}, &fakeErrorSink{}, Config{
		MaxConcurrentMeters: 1,
		ReadTimeout:         time.Second,
		CycleDeadline:       time.Second,
	})

	release, ok := mgr.guard.TryAcquire()
	if !ok {
		t.Fatal("expected to acquire guard directly")
	}
	defer release()

	if _, err := mgr.ExecuteCycle(context.Background()); err == nil {
		t.Fatal("expected an error while a cycle is already running")
	}
}
