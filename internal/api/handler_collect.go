package api

import (
	"errors"
	"net/http"

	"github.com/syncmcp/edge-agent/internal/store"
)

// HandleCollect returns a handler for POST /collect: a manual trigger of
// the Collection Cycle Manager (C6). Returns 409 if a cycle is already
// running, matching the reject-don't-queue mutual exclusion policy in §4.5.
func HandleCollect(trigger CollectTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := trigger.ExecuteCycle(r.Context())
		if errors.Is(err, store.ErrCycleRunning) {
			WriteError(w, http.StatusConflict, "CYCLE_ALREADY_RUNNING", "a collection cycle is already in progress")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusAccepted, result)
	}
}
