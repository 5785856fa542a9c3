package api

import (
	"errors"
	"net/http"

	"github.com/syncmcp/edge-agent/internal/store"
)

// HandleSync returns a handler for POST /sync: a manual trigger of the
// Remote-to-Local Sync Agent (C9). Returns 409 if a cycle is already
// running.
func HandleSync(trigger SyncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := trigger.PerformSync(r.Context())
		if errors.Is(err, store.ErrCycleRunning) {
			WriteError(w, http.StatusConflict, "CYCLE_ALREADY_RUNNING", "a sync cycle is already in progress")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusAccepted, result)
	}
}
