package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fauxnetd/internal/operations"
)

func testConfig(server string) Config {
	return Config{
		Server:            server,
		Credential:        "alice-token",
		Channel:           ChannelStream,
		PollInterval:      10 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
		ReconnectAttempts: 2,
		ReconnectBackoff:  5 * time.Millisecond,
	}
}

func writeProgress(w io.Writer, rec operations.ProgressRecord) {
	data, _ := json.Marshal(rec)
	fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", rec.Version, data)
}

func TestHTTPTransportStart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/operations/start", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer alice-token", r.Header.Get("Authorization"))
		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, operations.KindTopologyLoad, req.Kind)
		assert.Equal(t, "lab.xml", req.Parameters["file"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(StartResponse{OperationID: "op-1", Kind: req.Kind, Message: "started"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTransport(testConfig(srv.URL), nil)
	resp, err := tr.Start(context.Background(), StartRequest{
		Kind:       operations.KindTopologyLoad,
		Parameters: map[string]interface{}{"file": "lab.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", resp.OperationID)
	assert.Equal(t, operations.KindTopologyLoad, resp.Kind)
}

func TestHTTPTransportErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/operations/status/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status":404,"title":"Not Found","detail":"operation not found"}`)
	})
	mux.HandleFunc("POST /api/operations/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"status":422,"title":"Dependency Unsatisfied","detail":"phase 3 requires phase 1","error_type":"dependency_unsatisfied"}`)
	})
	mux.HandleFunc("GET /api/operations/status/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	tr := NewHTTPTransport(testConfig(srv.URL), nil)
	ctx := context.Background()

	_, err := tr.Poll(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransportError(err))

	_, err = tr.Start(ctx, StartRequest{Kind: operations.KindPhaseRun})
	var problem *ProblemError
	require.ErrorAs(t, err, &problem)
	assert.Equal(t, http.StatusUnprocessableEntity, problem.Status)
	assert.Equal(t, "dependency_unsatisfied", problem.ErrorType)
	assert.Equal(t, "phase 3 requires phase 1", err.Error())

	_, err = tr.Poll(ctx, "broken")
	assert.True(t, IsTransportError(err))
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	tr := NewHTTPTransport(testConfig(srv.URL), nil)
	_, err := tr.Poll(context.Background(), "op-1")
	assert.True(t, IsTransportError(err))

	err = tr.Stream(context.Background(), "op-1", func(operations.ProgressRecord) {})
	assert.True(t, IsTransportError(err))
}

func TestHTTPTransportStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/operations/stream/op-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice-token", r.URL.Query().Get("credential"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive 1700000000\n\n")
		writeProgress(w, operations.ProgressRecord{ID: "op-1", Status: operations.StatusRunning, CurrentPhase: 1, Version: 2})
		writeProgress(w, operations.ProgressRecord{ID: "op-1", Status: operations.StatusCompleted, CurrentPhase: 2, Progress: 100, Version: 3})
		// anything after the terminal frame is ignored
		writeProgress(w, operations.ProgressRecord{ID: "op-1", Status: operations.StatusRunning, Version: 4})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var got []operations.ProgressRecord
	err := NewHTTPTransport(testConfig(srv.URL), nil).Stream(context.Background(), "op-1", func(rec operations.ProgressRecord) {
		got = append(got, rec)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, operations.StatusCompleted, got[1].Status)
}

func TestHTTPTransportStreamFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/operations/stream/early", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeProgress(w, operations.ProgressRecord{ID: "early", Status: operations.StatusRunning, Version: 1})
	})
	mux.HandleFunc("GET /api/operations/stream/idle", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: timeout\ndata: {}\n\n")
	})
	mux.HandleFunc("GET /api/operations/stream/garbled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: progress\ndata: {not json\n\n")
	})
	mux.HandleFunc("GET /api/operations/stream/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	tr := NewHTTPTransport(testConfig(srv.URL), nil)
	noop := func(operations.ProgressRecord) {}

	err := tr.Stream(context.Background(), "early", noop)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = tr.Stream(context.Background(), "idle", noop)
	assert.True(t, IsTransportError(err))
	assert.Contains(t, err.Error(), "idle timeout")

	err = tr.Stream(context.Background(), "garbled", noop)
	assert.True(t, IsTransportError(err))

	err = tr.Stream(context.Background(), "missing", noop)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadEventsMultilineData(t *testing.T) {
	input := "event: note\ndata: first\ndata: second\n\n: comment\n\ndata: plain\n\n"

	type frame struct{ event, data string }
	var frames []frame
	err := readEvents(strings.NewReader(input), func(event string, data []byte) (bool, error) {
		frames = append(frames, frame{event, string(data)})
		return len(frames) == 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []frame{{"note", "first\nsecond"}, {"message", "plain"}}, frames)
}
