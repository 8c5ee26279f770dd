package http

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "fauxnetd/internal/errors"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/services"
)

// CertificateSource locates the CA certificate written by phase 1
type CertificateSource interface {
	CACertPath() string
}

// VhostsHandler serves /api/vhosts
type VhostsHandler struct {
	ops    *OperationsHandler
	certs  CertificateSource
	logger *slog.Logger
}

// NewVhostsHandler creates a virtual host handler. Start and status calls go through ops.
func NewVhostsHandler(ops *OperationsHandler, certs CertificateSource, logger *slog.Logger) *VhostsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VhostsHandler{
		ops:    ops,
		certs:  certs,
		logger: logger.With(slog.String("handler", "vhosts")),
	}
}

// Routes returns a chi router for /api/vhosts
func (h *VhostsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/scrape", func(r chi.Router) {
		r.Post("/start", h.Scrape)
		r.Get("/status/{id}", h.ScrapeStatus)
		r.Get("/phases", h.Phases)
		r.Get("/phases/status", h.Phases)
		r.Post("/run-phases", h.RunPhases)
	})
	r.Get("/ca/certificate", h.CACertificate)
	return r
}

// Scrape handles POST /api/vhosts/scrape/start
func (h *VhostsHandler) Scrape(w http.ResponseWriter, r *http.Request) {
	var req services.ScrapeRequest
	if !decodeJSON(w, r, h.ops.errors, &req) {
		return
	}
	h.ops.start(w, r, "site_scrape", string(operations.KindSiteScrape), func(ctx context.Context, owner string) (services.StartResponse, error) {
		return h.ops.service.StartScrape(ctx, owner, req)
	})
}

// RunPhases handles POST /api/vhosts/scrape/run-phases
func (h *VhostsHandler) RunPhases(w http.ResponseWriter, r *http.Request) {
	var req services.PhaseRunRequest
	if !decodeJSON(w, r, h.ops.errors, &req) {
		return
	}
	h.ops.start(w, r, "phase_run", string(operations.KindPhaseRun), func(ctx context.Context, owner string) (services.StartResponse, error) {
		return h.ops.service.RunPhases(ctx, owner, req)
	})
}

// ScrapeStatus handles GET /api/vhosts/scrape/status/{id} for scrapes and phase runs
func (h *VhostsHandler) ScrapeStatus(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.ops.service, h.ops.errors, operations.KindSiteScrape, operations.KindPhaseRun)
}

// Phases handles GET /api/vhosts/scrape/phases
func (h *VhostsHandler) Phases(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.ops.service.PhaseStatus(r.Context()))
}

// CACertificate handles GET /api/vhosts/ca/certificate
func (h *VhostsHandler) CACertificate(w http.ResponseWriter, r *http.Request) {
	path := h.certs.CACertPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.ops.errors.HandleError(w, r, apierrors.New(http.StatusNotFound, "CA_NOT_GENERATED",
				"CA certificate has not been generated, run phase 1 first"))
			return
		}
		h.ops.errors.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="fauxnet_ca.cer"`)
	http.ServeFile(w, r, path)
}
