package connmon

import (
	"context"
	"errors"
	"testing"

	"github.com/syncmcp/edge-agent/internal/model"
)

type fakeProber struct {
	err error
}

func (f *fakeProber) Probe(ctx context.Context) error { return f.err }

func TestMonitor_StartsUnknown(t *testing.T) {
	m := New(&fakeProber{})
	if got := m.Current().State; got != model.ConnectivityUnknown {
		t.Fatalf("expected initial state UNKNOWN, got %v", got)
	}
	if m.IsConnected() {
		t.Fatal("expected IsConnected false in UNKNOWN state")
	}
}

func TestMonitor_TwoConsecutiveSuccesses_TransitionsConnected(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober)

	m.Check(context.Background())
	if m.IsConnected() {
		t.Fatal("expected not yet connected after one success")
	}

	m.Check(context.Background())
	if !m.IsConnected() {
		t.Fatal("expected connected after two consecutive successes")
	}
}

func TestMonitor_ThreeConsecutiveFailures_TransitionsDisconnected(t *testing.T) {
	prober := &fakeProber{err: errors.New("boom")}
	m := New(prober)

	for i := 0; i < 2; i++ {
		m.Check(context.Background())
		if m.Current().State == model.ConnectivityDisconnected {
			t.Fatal("should not disconnect before three failures")
		}
	}
	m.Check(context.Background())
	if m.Current().State != model.ConnectivityDisconnected {
		t.Fatalf("expected DISCONNECTED after three failures, got %v", m.Current().State)
	}
}

func TestMonitor_ReconnectEdge_FiresOnlyOnTransitionIntoConnected(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober)

	m.Check(context.Background())
	m.Check(context.Background()) // -> CONNECTED

	select {
	case <-m.ReconnectEdge():
	default:
		t.Fatal("expected reconnect edge to fire on transition into CONNECTED")
	}

	m.Check(context.Background()) // still CONNECTED, no new edge
	select {
	case <-m.ReconnectEdge():
		t.Fatal("did not expect a second edge while remaining CONNECTED")
	default:
	}
}

func TestMonitor_FailureResetsSuccessStreak(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober)

	m.Check(context.Background()) // success 1
	prober.err = errors.New("boom")
	m.Check(context.Background()) // failure resets streak
	prober.err = nil
	m.Check(context.Background()) // success 1 again, not yet connected

	if m.IsConnected() {
		t.Fatal("expected a failure to reset the consecutive-success streak")
	}
}
