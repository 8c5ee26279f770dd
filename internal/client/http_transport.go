package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"fauxnetd/internal/operations"
)

// maxFrameBytes bounds one event stream line
const maxFrameBytes = 4 << 20

// PhaseInfo is one entry of the site-generation phase catalog
type PhaseInfo struct {
	PhaseNumber  int    `json:"phase_number"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Completed    bool   `json:"completed"`
	Dependencies []int  `json:"dependencies"`
	Dependents   []int  `json:"dependents"`
	RequiresSite bool   `json:"requires_sites"`
}

// HTTPTransport implements Transport against the fauxnetd HTTP API
type HTTPTransport struct {
	rest       *resty.Client
	stream     *resty.Client
	credential string
	logger     *slog.Logger
}

// NewHTTPTransport creates a transport for cfg.Server. Requests carry the credential
// as a bearer token; the event stream carries it in the query string.
func NewHTTPTransport(cfg Config, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.Server, "/")

	rest := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && (r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() == http.StatusServiceUnavailable)
		})
	if cfg.Credential != "" {
		rest.SetAuthToken(cfg.Credential)
	}

	// streams stay open for the life of the operation
	stream := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "text/event-stream")

	return &HTTPTransport{
		rest:       rest,
		stream:     stream,
		credential: cfg.Credential,
		logger:     logger.With(slog.String("component", "http_transport")),
	}
}

// Start implements Transport
func (t *HTTPTransport) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	var out StartResponse
	resp, err := t.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post("/api/operations/start")
	if err := t.check("start", resp, err); err != nil {
		return StartResponse{}, err
	}
	return out, nil
}

// Poll implements Transport
func (t *HTTPTransport) Poll(ctx context.Context, id string) (operations.ProgressRecord, error) {
	var rec operations.ProgressRecord
	resp, err := t.rest.R().
		SetContext(ctx).
		SetResult(&rec).
		Get("/api/operations/status/" + url.PathEscape(id))
	if err := t.check("poll", resp, err); err != nil {
		return operations.ProgressRecord{}, err
	}
	return rec, nil
}

// List returns the caller's operations, newest first
func (t *HTTPTransport) List(ctx context.Context) ([]operations.ProgressRecord, error) {
	var out struct {
		Operations []operations.ProgressRecord `json:"operations"`
	}
	resp, err := t.rest.R().SetContext(ctx).SetResult(&out).Get("/api/operations")
	if err := t.check("list", resp, err); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

// Forget removes a finished operation from the server
func (t *HTTPTransport) Forget(ctx context.Context, id string) error {
	resp, err := t.rest.R().SetContext(ctx).Delete("/api/operations/status/" + url.PathEscape(id))
	return t.check("forget", resp, err)
}

// Phases returns the site-generation catalog with completion state
func (t *HTTPTransport) Phases(ctx context.Context) ([]PhaseInfo, error) {
	var out struct {
		Phases []PhaseInfo `json:"phases"`
	}
	resp, err := t.rest.R().SetContext(ctx).SetResult(&out).Get("/api/vhosts/scrape/phases")
	if err := t.check("phases", resp, err); err != nil {
		return nil, err
	}
	return out.Phases, nil
}

// Stream implements Transport
func (t *HTTPTransport) Stream(ctx context.Context, id string, onRecord func(operations.ProgressRecord)) error {
	req := t.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if t.credential != "" {
		req.SetQueryParam("credential", t.credential)
	}
	resp, err := req.Get("/api/operations/stream/" + url.PathEscape(id))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "stream", Err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
		return statusError("stream", resp.StatusCode(), data)
	}

	err = readEvents(body, func(event string, data []byte) (bool, error) {
		switch event {
		case "progress":
			var rec operations.ProgressRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return false, &TransportError{Op: "stream", Err: fmt.Errorf("malformed progress frame: %w", err)}
			}
			onRecord(rec)
			return rec.IsTerminal(), nil
		case "timeout":
			return false, &TransportError{Op: "stream", Err: errors.New("stream closed after idle timeout")}
		case "error":
			return false, &TransportError{Op: "stream", Err: fmt.Errorf("stream error: %s", data)}
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// readEvents parses text/event-stream frames and hands each to fn until fn reports
// done. Comments are skipped. Running out of input before done is a transport error.
func readEvents(r io.Reader, fn func(event string, data []byte) (done bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "" && len(data) == 0 {
				continue
			}
			if event == "" {
				event = "message"
			}
			done, err := fn(event, []byte(strings.Join(data, "\n")))
			if err != nil || done {
				return err
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line[len("data:"):], " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return &TransportError{Op: "stream", Err: err}
	}
	return &TransportError{Op: "stream", Err: io.ErrUnexpectedEOF}
}

// check turns a failed request or a non-2xx answer into an error
func (t *HTTPTransport) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		t.logger.Debug("request rejected",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode()))
		return statusError(op, resp.StatusCode(), resp.Body())
	}
	return nil
}

// statusError maps an error answer: 404 is ErrNotFound, 5xx is a transport failure,
// anything else is the server's problem details
func statusError(op string, status int, body []byte) error {
	problem := &ProblemError{Status: status}
	_ = json.Unmarshal(body, problem)
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= http.StatusInternalServerError:
		return &TransportError{Op: op, Status: status, Err: problem}
	}
	return problem
}
