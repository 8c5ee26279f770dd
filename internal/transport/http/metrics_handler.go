package http

import (
	"net/http"

	apierrors "fauxnetd/internal/errors"
)

// MetricsHandler exposes the Prometheus scrape endpoint when the exporter is enabled
type MetricsHandler struct {
	exporter http.Handler
	errors   *apierrors.ErrorHandler
}

// NewMetricsHandler creates a new metrics handler. A nil exporter answers 404.
func NewMetricsHandler(exporter http.Handler, errs *apierrors.ErrorHandler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter, errors: errs}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		h.errors.NotFound(w, r)
		return
	}
	h.exporter.ServeHTTP(w, r)
}
