package http

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"fauxnetd/internal/emulator"
	"fauxnetd/internal/middleware"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/services"
)

// SessionManager lists topology files and manages emulator sessions
type SessionManager interface {
	TopologyFiles() ([]string, error)
	ListSessions(ctx context.Context) ([]emulator.Session, error)
	DeleteSession(ctx context.Context, id int) error
}

// TopologyHandler serves /api/topology
type TopologyHandler struct {
	ops      *OperationsHandler
	sessions SessionManager
	logger   *slog.Logger
}

// NewTopologyHandler creates a topology handler. Start and status calls go through ops.
func NewTopologyHandler(ops *OperationsHandler, sessions SessionManager, logger *slog.Logger) *TopologyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyHandler{
		ops:      ops,
		sessions: sessions,
		logger:   logger.With(slog.String("handler", "topology")),
	}
}

// Routes returns a chi router for /api/topology
func (h *TopologyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/load", h.Load)
	r.Get("/load/status/{id}", h.LoadStatus)
	r.Get("/files", h.Files)
	r.Get("/sessions", h.Sessions)
	r.Delete("/sessions/{id}", h.DeleteSession)
	return r
}

// Load handles POST /api/topology/load
func (h *TopologyHandler) Load(w http.ResponseWriter, r *http.Request) {
	var req services.TopologyLoadRequest
	if !decodeJSON(w, r, h.ops.errors, &req) {
		return
	}
	h.ops.start(w, r, "topology_load", string(operations.KindTopologyLoad), func(ctx context.Context, owner string) (services.StartResponse, error) {
		return h.ops.service.StartTopologyLoad(ctx, owner, req)
	})
}

// LoadStatus handles GET /api/topology/load/status/{id}
func (h *TopologyHandler) LoadStatus(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.ops.service, h.ops.errors, operations.KindTopologyLoad)
}

// Files handles GET /api/topology/files
func (h *TopologyHandler) Files(w http.ResponseWriter, r *http.Request) {
	files, err := h.sessions.TopologyFiles()
	if err != nil {
		h.ops.errors.HandleError(w, r, err)
		return
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	render.JSON(w, r, map[string]interface{}{"files": names})
}

// Sessions handles GET /api/topology/sessions
func (h *TopologyHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context())
	if err != nil {
		h.ops.errors.HandleError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []emulator.Session{}
	}
	render.JSON(w, r, map[string]interface{}{"sessions": sessions})
}

// DeleteSession handles DELETE /api/topology/sessions/{id}
func (h *TopologyHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		h.ops.errors.HandleError(w, r, operations.NewValidationError("session id must be a positive integer"))
		return
	}
	if err := h.sessions.DeleteSession(ctx, id); err != nil {
		h.ops.errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "emulator session deleted",
		slog.Int("session_id", id),
		slog.String("owner", middleware.Principal(r)))
	w.WriteHeader(http.StatusNoContent)
}
