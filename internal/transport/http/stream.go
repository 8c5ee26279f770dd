package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fauxnetd/internal/operations"
)

// Event stream frame names
const (
	eventProgress = "progress"
	eventTimeout  = "timeout"
	eventError    = "error"
)

// eventStream writes text/event-stream frames and flushes after each one
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// openEventStream sends the stream headers. The server write timeout is lifted for
// the life of the stream; the idle limit of the follow session bounds it instead.
func openEventStream(w http.ResponseWriter) (*eventStream, error) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &eventStream{w: w, rc: rc}
	return s, s.flush()
}

// event writes one named event. Multi-line data is split into data fields.
func (s *eventStream) event(name, id string, data []byte) error {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", name)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return operations.NewTransportError("event stream write failed", err)
	}
	return s.flush()
}

// comment writes a keepalive line that clients ignore
func (s *eventStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return operations.NewTransportError("event stream write failed", err)
	}
	return s.flush()
}

func (s *eventStream) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return operations.NewTransportError("event stream flush failed", err)
	}
	return nil
}
