package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks DB connectivity; satisfied by store.Repo.Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RemoteChecker reports whether the remote Client System is currently
// reachable; satisfied by connmon.Monitor's IsConnected method.
type RemoteChecker interface {
	IsConnected() bool
}

// HandleHealthz returns a handler for GET /health. No authentication is
// required: this endpoint exists for container/orchestrator liveness
// checks.
func HandleHealthz(db Pinger, remote RemoteChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbOK := db.Ping(ctx) == nil
		remoteOK := remote.IsConnected()

		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}

		WriteJSON(w, status, map[string]any{
			"status":   map[bool]string{true: "ok", false: "degraded"}[dbOK],
			"dbOk":     dbOK,
			"remoteOk": remoteOK,
		})
	}
}
