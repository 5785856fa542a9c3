package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/syncmcp/edge-agent/internal/model"
	"github.com/syncmcp/edge-agent/internal/store"
)

// TenantReader exposes the single mirrored tenant row.
type TenantReader interface {
	GetTenant(ctx context.Context) (model.Tenant, error)
}

// HandleTenant returns a handler for GET /tenant.
func HandleTenant(repo TenantReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := repo.GetTenant(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "no tenant has been synced yet")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}
