package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fauxnetd/internal/config"
	"fauxnetd/internal/emulator"
	apierrors "fauxnetd/internal/errors"
	"fauxnetd/internal/middleware"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/operations/testutil"
	"fauxnetd/internal/services"
	"fauxnetd/internal/vhosts"
)

type fakeTopology struct {
	dir      string
	recorder *testutil.PhaseRecorder
}

func (f *fakeTopology) TopologyDir() string { return f.dir }

func (f *fakeTopology) RunPhase(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error {
	return f.recorder.Run(ctx, phase, pc)
}

func (f *fakeTopology) TopologyFiles() ([]string, error) {
	return filepath.Glob(filepath.Join(f.dir, "*.xml"))
}

type fakeSessions struct {
	*fakeTopology
	mu       sync.Mutex
	sessions []emulator.Session
	deleted  []int
}

func (f *fakeSessions) ListSessions(ctx context.Context) ([]emulator.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeSessions) DeleteSession(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSites struct {
	recorder  *testutil.PhaseRecorder
	completed map[int]bool
	caPath    string
}

func (f *fakeSites) RunPhase(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error {
	return f.recorder.Run(ctx, phase, pc)
}

func (f *fakeSites) Completed(n int) bool { return f.completed[n] }

func (f *fakeSites) CompletionState() map[int]bool {
	out := make(map[int]bool)
	for _, n := range vhosts.Catalog().Numbers() {
		out[n] = f.completed[n]
	}
	return out
}

func (f *fakeSites) CACertPath() string { return f.caPath }

type handlerFixture struct {
	router   chi.Router
	registry *operations.Registry
	runner   *operations.Runner
	topology *fakeTopology
	sessions *fakeSessions
	sites    *fakeSites
}

var testCredentials = []config.Credential{
	{Principal: "alice", Token: "alice-token"},
	{Principal: "bob", Token: "bob-token"},
}

func newHandlerFixture(t *testing.T, follow operations.FollowOptions) *handlerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := operations.NewRegistry(operations.RegistryConfig{MaxMessages: 100, RetentionTTL: time.Minute})
	runner := operations.NewRunner(reg)
	t.Cleanup(runner.Wait)

	topo := &fakeTopology{dir: t.TempDir(), recorder: testutil.NewPhaseRecorder()}
	sessions := &fakeSessions{fakeTopology: topo}
	sites := &fakeSites{
		recorder:  testutil.NewPhaseRecorder(),
		completed: map[int]bool{},
		caPath:    filepath.Join(t.TempDir(), "fauxnet_ca.cer"),
	}
	svc := services.NewOperationService(runner, reg, topo, sites, config.VhostsConfig{DefaultDepth: 1}, logger)
	errs := apierrors.NewErrorHandler(logger, false)

	ops := NewOperationsHandler(svc, errs, follow, logger)
	auth := middleware.NewCredentialAuth(testCredentials, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Handler)
		r.Mount("/operations", ops.Routes())
		r.Mount("/topology", NewTopologyHandler(ops, sessions, logger).Routes())
		r.Mount("/vhosts", NewVhostsHandler(ops, sites, logger).Routes())
	})

	return &handlerFixture{
		router:   r,
		registry: reg,
		runner:   runner,
		topology: topo,
		sessions: sessions,
		sites:    sites,
	}
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func startTopology(t *testing.T, f *handlerFixture, token string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/topology/load", token, map[string]string{"file": "lab.xml"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	id, _ := body["operation_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestTopologyLoad(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})

	rec := f.do(t, http.MethodPost, "/api/topology/load", "alice-token", map[string]string{"file": "lab.xml"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Topology loading started", body["message"])
	assert.Equal(t, "topology-load", body["kind"])
	id := body["operation_id"].(string)

	testutil.WaitForTerminal(t, f.registry, id, 5*time.Second)

	rec = f.do(t, http.MethodGet, "/api/topology/load/status/"+id, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, float64(100), status["progress"])
	assert.Equal(t, "alice", status["owner"])

	// a scrape status route does not report topology loads
	rec = f.do(t, http.MethodGet, "/api/vhosts/scrape/status/"+id, "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartErrors(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})

	tests := []struct {
		name      string
		path      string
		body      interface{}
		status    int
		errorType string
		detail    string
	}{
		{
			name:      "topology outside directory",
			path:      "/api/topology/load",
			body:      map[string]string{"file": "../lab.xml"},
			status:    http.StatusBadRequest,
			errorType: "validation",
			detail:    "topology file must be inside",
		},
		{
			name:      "scrape without sites",
			path:      "/api/vhosts/scrape/start",
			body:      map[string]interface{}{"sites": []string{}},
			status:    http.StatusBadRequest,
			errorType: "validation",
			detail:    "No sites provided",
		},
		{
			name:      "phase out of range",
			path:      "/api/vhosts/scrape/run-phases",
			body:      map[string]interface{}{"phases": []int{9}},
			status:    http.StatusBadRequest,
			errorType: "validation",
			detail:    "Phase numbers must be between 1 and 7",
		},
		{
			name:      "phase prerequisite missing",
			path:      "/api/vhosts/scrape/run-phases",
			body:      map[string]interface{}{"phases": []int{3}},
			status:    http.StatusUnprocessableEntity,
			errorType: "dependency_unsatisfied",
			detail:    "phase 3 requires phase 1",
		},
		{
			name:      "unknown kind",
			path:      "/api/operations/start",
			body:      map[string]interface{}{"kind": "reboot"},
			status:    http.StatusBadRequest,
			errorType: "validation",
			detail:    "kind must be one of",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, "alice-token", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
			body := decodeBody(t, rec)
			assert.Equal(t, tt.errorType, body["error_type"])
			assert.Contains(t, body["detail"], tt.detail)
		})
	}

	assert.Equal(t, 0, f.registry.Count())
}

func TestStartRejectsMalformedJSON(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})

	rec := f.do(t, http.MethodPost, "/api/vhosts/scrape/start", "alice-token", `{"sites": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_REQUEST", body["error_code"])
}

func TestRequiresCredential(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})

	rec := f.do(t, http.MethodGet, "/api/operations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/operations", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenericStartAndDuplicate(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	release := f.sites.recorder.Block(2)
	defer release()

	req := map[string]interface{}{
		"kind":       "site-scrape",
		"parameters": map[string]interface{}{"sites": []string{"https://www.example.com"}},
	}
	first := f.do(t, http.MethodPost, "/api/operations/start", "alice-token", req)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/api/operations/start", "alice-token", req)
	require.Equal(t, http.StatusAccepted, second.Code)

	a, b := decodeBody(t, first), decodeBody(t, second)
	assert.Equal(t, a["operation_id"], b["operation_id"])
	assert.Equal(t, true, b["duplicate"])
	assert.Equal(t, "Scraping started", a["message"])

	release()
	testutil.WaitForTerminal(t, f.registry, a["operation_id"].(string), 5*time.Second)
}

func TestOwnerScoping(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	id := startTopology(t, f, "alice-token")
	testutil.WaitForTerminal(t, f.registry, id, 5*time.Second)

	rec := f.do(t, http.MethodGet, "/api/operations/status/"+id, "bob-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/operations", "bob-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/operations", "alice-token", nil)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestForgetOperation(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	release := f.topology.recorder.Block(2)
	defer release()
	id := startTopology(t, f, "alice-token")

	rec := f.do(t, http.MethodDelete, "/api/operations/status/"+id, "alice-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody(t, rec)["error_type"])

	release()
	testutil.WaitForTerminal(t, f.registry, id, 5*time.Second)

	rec = f.do(t, http.MethodDelete, "/api/operations/status/"+id, "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/operations/status/"+id, "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error_type"])
}

func TestPhaseStatusRoutes(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	f.sites.completed[1] = true

	for _, path := range []string{"/api/vhosts/scrape/phases", "/api/vhosts/scrape/phases/status"} {
		rec := f.do(t, http.MethodGet, path, "alice-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var status services.PhaseStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		require.Len(t, status.Phases, 7)
		assert.Equal(t, "Generate CA", status.Phases[0].Name)
		assert.True(t, status.Phases[0].Completed)
		assert.False(t, status.Phases[1].Completed)
		assert.True(t, status.Phases[1].RequiresSite)
		assert.Equal(t, []int{2, 3, 4}, status.Phases[4].Dependencies)
		assert.Equal(t, []int{6}, status.Phases[4].Dependents)
	}
}

func TestCACertificate(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})

	rec := f.do(t, http.MethodGet, "/api/vhosts/ca/certificate", "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	pem := "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"
	require.NoError(t, os.WriteFile(f.sites.caPath, []byte(pem), 0o644))

	rec = f.do(t, http.MethodGet, "/api/vhosts/ca/certificate", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pem, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "fauxnet_ca.cer")
}

func TestTopologySessions(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(f.topology.dir, "lab.xml"), []byte("<scenario/>"), 0o644))
	f.sessions.sessions = []emulator.Session{{ID: 7, State: "RUNTIME", Nodes: 4}}

	rec := f.do(t, http.MethodGet, "/api/topology/files", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"lab.xml"}, decodeBody(t, rec)["files"])

	rec = f.do(t, http.MethodGet, "/api/topology/sessions", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody(t, rec)["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, float64(7), sessions[0].(map[string]interface{})["id"])

	rec = f.do(t, http.MethodDelete, "/api/topology/sessions/abc", "alice-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/topology/sessions/7", "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int{7}, f.sessions.deleted)
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses an event stream until EOF. Comment lines are returned as
// frames with event "comment".
func readFrames(t *testing.T, body io.Reader, onFrame func(sseFrame)) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	var data []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event == "" && len(data) == 0 {
				continue
			}
			cur.data = strings.Join(data, "\n")
			frames = append(frames, cur)
			if onFrame != nil {
				onFrame(cur)
			}
			cur, data = sseFrame{}, nil
		case strings.HasPrefix(line, ":"):
			cur.event = "comment"
			data = append(data, strings.TrimSpace(line[1:]))
		case strings.HasPrefix(line, "id: "):
			cur.id = line[len("id: "):]
		case strings.HasPrefix(line, "event: "):
			cur.event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[len("data: "):])
		}
	}
	return frames
}

func openStream(t *testing.T, server *httptest.Server, id, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/operations/stream/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamOperation(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{Heartbeat: time.Minute})
	server := httptest.NewServer(f.router)
	defer server.Close()

	release := f.topology.recorder.Block(3)
	defer release()
	id := startTopology(t, f, "alice-token")

	resp := openStream(t, server, id, "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var once sync.Once
	frames := readFrames(t, resp.Body, func(sseFrame) { once.Do(release) })
	require.NotEmpty(t, frames)

	var last operations.ProgressRecord
	prevVersion := int64(0)
	for _, fr := range frames {
		require.Equal(t, "progress", fr.event)
		var rec operations.ProgressRecord
		require.NoError(t, json.Unmarshal([]byte(fr.data), &rec))
		assert.Greater(t, rec.Version, prevVersion, "versions increase")
		assert.Equal(t, fr.id, jsonNumber(rec.Version))
		prevVersion = rec.Version
		last = rec
	}
	assert.Equal(t, operations.StatusCompleted, last.Status)
	assert.Equal(t, float64(100), last.Progress)
}

func jsonNumber(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestStreamTerminalOperation(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	server := httptest.NewServer(f.router)
	defer server.Close()

	id := startTopology(t, f, "alice-token")
	testutil.WaitForTerminal(t, f.registry, id, 5*time.Second)

	resp := openStream(t, server, id, "alice-token")
	frames := readFrames(t, resp.Body, nil)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].data, `"status":"completed"`)
}

func TestStreamIdleTimeout(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{Heartbeat: 20 * time.Millisecond, MaxIdle: 150 * time.Millisecond})
	server := httptest.NewServer(f.router)
	defer server.Close()

	release := f.topology.recorder.Block(1)
	defer release()
	id := startTopology(t, f, "alice-token")

	resp := openStream(t, server, id, "alice-token")
	frames := readFrames(t, resp.Body, nil)
	require.GreaterOrEqual(t, len(frames), 2)

	assert.Equal(t, "progress", frames[0].event)
	assert.Equal(t, "timeout", frames[len(frames)-1].event)
	assert.Equal(t, "{}", frames[len(frames)-1].data)

	var keepalives int
	for _, fr := range frames {
		if fr.event == "comment" {
			keepalives++
			assert.True(t, strings.HasPrefix(fr.data, "keepalive "))
		}
	}
	assert.Greater(t, keepalives, 0)
}

func TestStreamUnknownOperation(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})

	rec := f.do(t, http.MethodGet, "/api/operations/stream/missing", "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error_type"])
}

func TestStreamClosesWhenClientLeaves(t *testing.T) {
	f := newHandlerFixture(t, operations.FollowOptions{})
	server := httptest.NewServer(f.router)
	defer server.Close()

	release := f.topology.recorder.Block(1)
	defer release()
	id := startTopology(t, f, "alice-token")

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/operations/stream/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := server.Client().Do(req)
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "id: "))
	cancel()
	resp.Body.Close()

	// the operation keeps running without an observer
	release()
	rec := testutil.WaitForTerminal(t, f.registry, id, 5*time.Second)
	assert.Equal(t, operations.StatusCompleted, rec.Status)
}
