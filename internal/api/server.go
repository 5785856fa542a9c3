// Package api implements the Local Control API (C11): a thin HTTP surface
// for a UI to check status, trigger cycles manually, and read the mirrored
// tenant row.
package api

import (
	"context"
	"net/http"

	"github.com/syncmcp/edge-agent/internal/cfgsync"
	"github.com/syncmcp/edge-agent/internal/collect"
	"github.com/syncmcp/edge-agent/internal/diag"
	"github.com/syncmcp/edge-agent/internal/upload"
)

// CollectTrigger is the subset of collect.Manager the /collect handler
// depends on.
type CollectTrigger interface {
	ExecuteCycle(ctx context.Context) (collect.CycleResult, error)
	IsRunning() bool
}

// UploadTrigger is the subset of upload.Manager the /upload handler depends
// on.
type UploadTrigger interface {
	PerformUpload(ctx context.Context) (upload.UploadResult, error)
	IsRunning() bool
}

// SyncTrigger is the subset of cfgsync.Agent the /sync handler depends on.
type SyncTrigger interface {
	PerformSync(ctx context.Context) (cfgsync.SyncResult, error)
	IsRunning() bool
}

// RepoDeps is the subset of store.Repo the Local Control API reads from.
type RepoDeps interface {
	Pinger
	TenantReader
}

// ConnDeps is the subset of connmon.Monitor the Local Control API reads
// from.
type ConnDeps interface {
	RemoteChecker
	ConnectivitySnapshotter
}

// Deps bundles every collaborator NewServer needs, keeping the constructor
// call site readable as the route table grows.
type Deps struct {
	ListenAddress string
	AdminToken    string
	MaxBodyBytes  int64

	Repo         RepoDeps
	Connectivity ConnDeps

	StatusTracker  *diag.StatusTracker
	ErrorRing      *diag.RingBuffer
	CollectTrigger CollectTrigger
	UploadTrigger  UploadTrigger
	SyncTrigger    SyncTrigger
}

// Server wraps the HTTP server and mux for the Local Control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the Local Control API per §4.10/§6.5. GET routes are
// always open (a local UI needs status without a token even if one is
// configured); POST routes that trigger a cycle are gated behind
// AuthMiddleware when AdminToken is non-empty, since they mutate shared
// in-flight state.
func NewServer(d Deps) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /health", HandleHealthz(d.Repo, d.Connectivity))
	mux.Handle("GET /status", HandleStatus(d.StatusTracker, d.Connectivity))
	mux.Handle("GET /tenant", HandleTenant(d.Repo))
	mux.Handle("GET /errors", HandleErrors(d.ErrorRing))

	triggers := http.NewServeMux()
	triggers.Handle("POST /collect", HandleCollect(d.CollectTrigger))
	triggers.Handle("POST /upload", HandleUpload(d.UploadTrigger, d.Connectivity))
	triggers.Handle("POST /sync", HandleSync(d.SyncTrigger))

	var triggerHandler http.Handler = triggers
	if d.AdminToken != "" {
		triggerHandler = AuthMiddleware(d.AdminToken, triggerHandler)
	}
	limited := RequestBodyLimitMiddleware(d.MaxBodyBytes, triggerHandler)
	mux.Handle("POST /collect", limited)
	mux.Handle("POST /upload", limited)
	mux.Handle("POST /sync", limited)

	srv := &http.Server{
		Addr:    d.ListenAddress,
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
