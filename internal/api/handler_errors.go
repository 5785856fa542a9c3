package api

import (
	"net/http"

	"github.com/syncmcp/edge-agent/internal/diag"
)

// HandleErrors returns a handler for GET /errors: the last 100
// CollectionError entries across all components.
func HandleErrors(ring *diag.RingBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"errors": ring.Recent()})
	}
}
