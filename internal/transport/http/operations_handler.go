package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apierrors "fauxnetd/internal/errors"
	"fauxnetd/internal/infrastructure"
	"fauxnetd/internal/middleware"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/services"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// OperationsHandler serves the kind-generic operation endpoints and the progress stream
type OperationsHandler struct {
	service *services.OperationService
	errors  *apierrors.ErrorHandler
	follow  operations.FollowOptions
	metrics *infrastructure.BusinessMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewOperationsHandler creates a new operations handler
func NewOperationsHandler(service *services.OperationService, errs *apierrors.ErrorHandler, follow operations.FollowOptions, logger *slog.Logger) *OperationsHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = apierrors.NewErrorHandler(logger, false)
	}
	return &OperationsHandler{
		service: service,
		errors:  errs,
		follow:  follow,
		tracer:  otel.Tracer("operations-handler"),
		logger:  logger.With(slog.String("handler", "operations")),
	}
}

// SetMetrics sets the business metrics for the handler
func (h *OperationsHandler) SetMetrics(metrics *infrastructure.BusinessMetrics) {
	h.metrics = metrics
}

// Routes returns a chi router for /api/operations
func (h *OperationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListOperations)
	r.Post("/start", h.StartOperation)
	r.Get("/status/{id}", h.GetOperationStatus)
	r.Delete("/status/{id}", h.ForgetOperation)
	r.Get("/stream/{id}", h.StreamOperation)
	return r
}

// StartOperation handles POST /api/operations/start
func (h *OperationsHandler) StartOperation(w http.ResponseWriter, r *http.Request) {
	var req services.StartRequest
	if !decodeJSON(w, r, h.errors, &req) {
		return
	}
	h.start(w, r, "start_operation", string(req.Kind), func(ctx context.Context, owner string) (services.StartResponse, error) {
		return h.service.StartOperation(ctx, owner, req)
	})
}

// start wraps a service start call in a span and answers 202 with the acknowledgement
func (h *OperationsHandler) start(w http.ResponseWriter, r *http.Request, op, kind string, call func(ctx context.Context, owner string) (services.StartResponse, error)) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	owner := middleware.Principal(r)

	ctx, span := h.tracer.Start(ctx, "operations_handler."+op,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("request_id", reqID),
			attribute.String("operation.kind", kind),
			attribute.String("owner", owner),
		),
	)
	defer span.End()

	resp, err := call(ctx, owner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("operation.id", resp.OperationID),
		attribute.Bool("operation.duplicate", resp.Duplicate),
	)
	span.SetStatus(codes.Ok, "operation accepted")
	h.logger.InfoContext(ctx, "operation accepted",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("operation", op),
		slog.String("operation_id", resp.OperationID),
		slog.Bool("duplicate", resp.Duplicate))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, resp)
}

// ListOperations handles GET /api/operations
func (h *OperationsHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	limit, ok := middleware.NewQueryParamValidator(h.errors).ValidateInt(w, r, "limit", 1, maxListLimit, defaultListLimit)
	if !ok {
		return
	}
	records := h.service.List(r.Context(), middleware.Principal(r))
	total := len(records)
	if len(records) > limit {
		records = records[:limit]
	}
	render.JSON(w, r, map[string]interface{}{
		"operations": records,
		"count":      len(records),
		"total":      total,
	})
}

// GetOperationStatus handles GET /api/operations/status/{id}
func (h *OperationsHandler) GetOperationStatus(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.service, h.errors)
}

// ForgetOperation handles DELETE /api/operations/status/{id}. Running operations
// answer 409.
func (h *OperationsHandler) ForgetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Forget(r.Context(), middleware.Principal(r), id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamOperation handles GET /api/operations/stream/{id}. Every observed mutation
// becomes one progress event carrying the full record; the stream ends after the
// terminal record.
func (h *OperationsHandler) StreamOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	owner := middleware.Principal(r)

	// Unknown ids get a problem response while headers can still be written
	if _, err := h.service.Status(ctx, owner, id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	stream, err := openEventStream(w)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to open event stream",
			slog.String("operation_id", id),
			slog.String("error", err.Error()))
		return
	}

	if h.metrics != nil {
		h.metrics.StreamClients.Add(ctx, 1)
		defer h.metrics.StreamClients.Add(context.WithoutCancel(ctx), -1)
	}
	h.logger.DebugContext(ctx, "stream opened", slog.String("operation_id", id))

	frames := 0
	err = h.service.Follow(ctx, owner, id, h.follow, func(ev operations.Event) error {
		frames++
		h.countFrame(ctx, ev.Type)
		if ev.Type == operations.EventHeartbeat {
			return stream.comment(fmt.Sprintf("keepalive %d", ev.At.Unix()))
		}
		data, err := json.Marshal(ev.Record)
		if err != nil {
			return err
		}
		return stream.event(eventProgress, strconv.FormatInt(ev.Record.Version, 10), data)
	})

	switch {
	case err == nil:
	case errors.Is(err, operations.ErrStreamIdle):
		_ = stream.event(eventTimeout, "", []byte("{}"))
	case ctx.Err() != nil:
		// client went away
	case operations.GetErrorType(err) == operations.ErrorTypeTransport:
		h.logger.DebugContext(ctx, "stream write failed",
			slog.String("operation_id", id),
			slog.String("error", err.Error()))
	default:
		h.logger.WarnContext(ctx, "stream ended with error",
			slog.String("operation_id", id),
			slog.String("error", err.Error()))
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = stream.event(eventError, "", data)
	}
	h.logger.DebugContext(ctx, "stream closed",
		slog.String("operation_id", id),
		slog.Int("frames", frames))
}

func (h *OperationsHandler) countFrame(ctx context.Context, t operations.EventType) {
	if h.metrics == nil {
		return
	}
	h.metrics.StreamFramesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(t))))
}

// writeStatus answers a status read for the {id} route parameter. Kinds, when given,
// restrict which records the route may report.
func writeStatus(w http.ResponseWriter, r *http.Request, service *services.OperationService, errs *apierrors.ErrorHandler, kinds ...operations.Kind) {
	id := chi.URLParam(r, "id")
	rec, err := service.Status(r.Context(), middleware.Principal(r), id)
	if err == nil && len(kinds) > 0 && !kindIn(rec.Kind, kinds) {
		err = operations.NewNotFoundError(id)
	}
	if err != nil {
		errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

func kindIn(k operations.Kind, kinds []operations.Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// maxBodyBytes caps start request bodies
const maxBodyBytes = 1 << 20

// decodeJSON reads the request body into v and answers 400 when it is not valid JSON
func decodeJSON(w http.ResponseWriter, r *http.Request, errs *apierrors.ErrorHandler, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		errs.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return false
	}
	return true
}
