package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fauxnetd/internal/operations"
)

func newTestHandler() *ErrorHandler {
	return NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)), false)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantDetail string
	}{
		{
			name:       "validation",
			err:        operations.NewValidationError("sites are required"),
			wantStatus: http.StatusBadRequest,
			wantType:   TypeValidation,
			wantDetail: "sites are required",
		},
		{
			name:       "dependency unsatisfied",
			err:        operations.NewDependencyUnsatisfiedError(3, 1),
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   TypeDependency,
			wantDetail: "phase 3 requires phase 1, which is neither requested nor completed",
		},
		{
			name:       "not found",
			err:        operations.NewNotFoundError("op-1"),
			wantStatus: http.StatusNotFound,
			wantType:   TypeOperationNotFound,
			wantDetail: "operation not found",
		},
		{
			name:       "wrapped not found sentinel",
			err:        fmt.Errorf("status lookup: %w", operations.ErrOperationNotFound),
			wantStatus: http.StatusNotFound,
			wantType:   TypeOperationNotFound,
		},
		{
			name:       "still running",
			err:        operations.ErrOperationRunning,
			wantStatus: http.StatusConflict,
			wantType:   TypeOperationState,
		},
		{
			name:       "collaborator",
			err:        operations.NewCollaboratorError("CORE CLI failed with code 1: no daemon", nil),
			wantStatus: http.StatusBadGateway,
			wantType:   TypeCollaborator,
			wantDetail: "CORE CLI failed with code 1: no daemon",
		},
		{
			name:       "api error",
			err:        ErrRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
			wantType:   TypeRateLimit,
		},
		{
			name:       "deadline",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
		},
		{
			name:       "unknown",
			err:        fmt.Errorf("database is locked"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/operations/status/op-1", nil)
			req = req.WithContext(context.WithValue(req.Context(), chimiddleware.RequestIDKey, "req-1"))
			rec := httptest.NewRecorder()

			newTestHandler().HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, float64(tt.wantStatus), body["status"])
			assert.Equal(t, "req-1", body["trace_id"])
			assert.Equal(t, "/api/operations/status/op-1", body["instance"])
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, body["detail"])
			}
		})
	}
}

func TestErrorHandler_HandleNilError(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Empty(t, rec.Body.Bytes())
}

func TestErrorHandler_OperationContextBecomesExtensions(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		operations.NewDependencyUnsatisfiedError(5, 4))

	body := decodeProblem(t, rec)
	assert.Equal(t, float64(4), body["missing_phase"])
	assert.Equal(t, float64(5), body["phase"])
	assert.Equal(t, "dependency_unsatisfied", body["error_type"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(operations.ErrorTypeTransport))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(""))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(newTestHandler())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil pointer")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, TypeInternal, decodeProblem(t, rec)["type"])
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := newTestHandler()

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodPut, "/api/operations", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decodeProblem(t, rec)["detail"], "PUT")
}

func TestProblemDetailsMarshalKeepsStandardMembers(t *testing.T) {
	p := NewProblemDetails(http.StatusConflict, TypeOperationState, "Conflict", "operation is still running", "/x").
		WithExtension("status", "overridden").
		WithExtension("operation_id", "op-9")

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, float64(http.StatusConflict), body["status"])
	assert.Equal(t, "op-9", body["operation_id"])
}

func TestNewValidationErrors(t *testing.T) {
	one := NewValidationErrors([]ValidationError{{Field: "file", Message: "file is required"}})
	assert.Equal(t, "file: file is required", one.Message)

	many := NewValidationErrors([]ValidationError{{Field: "a"}, {Field: "b"}})
	assert.Equal(t, "Request validation failed", many.Message)
	assert.Equal(t, http.StatusBadRequest, many.StatusCode)
}
