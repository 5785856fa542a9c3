package api

import (
	"net/http"

	"github.com/syncmcp/edge-agent/internal/diag"
)

// ConnectivitySnapshotter exposes the current connectivity status for the
// /status response.
type ConnectivitySnapshotter interface {
	CurrentSummary() map[string]any
}

// HandleStatus returns a handler for GET /status: the last outcome of each
// periodic cycle plus current connectivity.
func HandleStatus(tracker *diag.StatusTracker, connectivity ConnectivitySnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"collect":      tracker.Collect(),
			"upload":       tracker.Upload(),
			"sync":         tracker.Sync(),
			"connectivity": connectivity.CurrentSummary(),
		})
	}
}
