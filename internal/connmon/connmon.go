// Package connmon implements the Connectivity Monitor (C2): a periodic
// reachability check against the remote Client System, a small state
// machine over {UNKNOWN, CONNECTED, DISCONNECTED}, and an edge-trigger
// notification to the Upload Manager on reconnect.
package connmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/syncmcp/edge-agent/internal/model"
)

// Prober performs the remote reachability check. HTTPProber below is the
// http.Client-backed implementation; tests substitute a fake.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes a remote health endpoint with a bearer token.
type HTTPProber struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

// Probe issues GET {BaseURL}/health and treats any non-2xx status or
// transport error as a failure.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}

// Monitor owns the process-wide ConnectivityStatus snapshot. Every other
// component observes it read-only via Current.
type Monitor struct {
	prober Prober
	mu     sync.RWMutex
	status model.ConnectivityStatus

	reconnectEdge chan struct{}
}

// New returns a Monitor in the UNKNOWN state.
func New(prober Prober) *Monitor {
	return &Monitor{
		prober:        prober,
		status:        model.ConnectivityStatus{State: model.ConnectivityUnknown},
		reconnectEdge: make(chan struct{}, 1),
	}
}

// Current returns a copy of the latest snapshot.
func (m *Monitor) Current() model.ConnectivityStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsConnected implements upload.ConnectivityChecker.
func (m *Monitor) IsConnected() bool {
	return m.Current().IsConnected()
}

// CurrentSummary returns the snapshot as a JSON-friendly map for the
// /status endpoint.
func (m *Monitor) CurrentSummary() map[string]any {
	s := m.Current()
	return map[string]any{
		"state":                s.State,
		"last_check_time":      s.LastCheckTime,
		"consecutive_failures": s.ConsecutiveFailures,
		"consecutive_successes": s.ConsecutiveSuccesses,
	}
}

// ReconnectEdge fires (non-blocking, buffered 1) every time the state
// transitions into CONNECTED from a non-CONNECTED state.
func (m *Monitor) ReconnectEdge() <-chan struct{} {
	return m.reconnectEdge
}

// Check runs one probe and applies the transition rules: two consecutive
// successes -> CONNECTED; three consecutive failures -> DISCONNECTED.
func (m *Monitor) Check(ctx context.Context) {
	err := m.prober.Probe(ctx)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	prevState := m.status.State
	m.status.LastCheckTime = now

	if err == nil {
		m.status.ConsecutiveFailures = 0
		m.status.ConsecutiveSuccesses++
		m.status.LastSuccessfulConn = &now
		if m.status.ConsecutiveSuccesses >= 2 {
			m.status.State = model.ConnectivityConnected
		}
	} else {
		m.status.ConsecutiveSuccesses = 0
		m.status.ConsecutiveFailures++
		m.status.LastFailedConn = &now
		if m.status.ConsecutiveFailures >= 3 {
			m.status.State = model.ConnectivityDisconnected
		}
	}

	if prevState != model.ConnectivityConnected && m.status.State == model.ConnectivityConnected {
		select {
		case m.reconnectEdge <- struct{}{}:
		default:
		}
	}
}
