package api

import (
	"errors"
	"net/http"

	"github.com/syncmcp/edge-agent/internal/store"
)

// HandleUpload returns a handler for POST /upload: a manual trigger of the
// Meter Reading Upload Manager (C8). Returns 409 if a cycle is already
// running, 503 if the remote is currently disconnected (§4.10).
func HandleUpload(trigger UploadTrigger, remote RemoteChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !remote.IsConnected() {
			WriteError(w, http.StatusServiceUnavailable, "DISCONNECTED", "remote Client System is not currently reachable")
			return
		}

		result, err := trigger.PerformUpload(r.Context())
		if errors.Is(err, store.ErrCycleRunning) {
			WriteError(w, http.StatusConflict, "CYCLE_ALREADY_RUNNING", "an upload cycle is already in progress")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusAccepted, result)
	}
}
