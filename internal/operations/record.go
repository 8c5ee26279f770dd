package operations

import (
	"encoding/json"
	"time"
)

// Kind identifies a job family
type Kind string

const (
	KindTopologyLoad Kind = "topology-load"
	KindSiteScrape   Kind = "site-scrape"
	KindPhaseRun     Kind = "phase-run"
)

// Valid reports whether k is a known job kind
func (k Kind) Valid() bool {
	switch k {
	case KindTopologyLoad, KindSiteScrape, KindPhaseRun:
		return true
	}
	return false
}

// Status is the lifecycle state of a progress record
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further change is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Message levels
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelStdout  = "stdout"
	LevelStderr  = "stderr"
)

// Message is a single log line attached to a progress record
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Text      string    `json:"message"`
}

// ProgressRecord is the observable state of one operation.
// It is written only by the runner executing the operation; everyone else reads clones.
type ProgressRecord struct {
	ID                   string                 `json:"operation_id"`
	Kind                 Kind                   `json:"kind"`
	Owner                string                 `json:"owner,omitempty"`
	Status               Status                 `json:"status"`
	CurrentPhase         int                    `json:"current_phase"`
	TotalPhases          int                    `json:"total_phases"`
	CurrentPhaseName     string                 `json:"current_phase_name,omitempty"`
	CurrentPhaseProgress int                    `json:"current_phase_progress"`
	CurrentPhaseTotal    int                    `json:"current_phase_total"`
	Progress             float64                `json:"progress"`
	Messages             []Message              `json:"messages"`
	DroppedMessages      int                    `json:"dropped_messages,omitempty"`
	Error                string                 `json:"error,omitempty"`
	StartedAt            time.Time              `json:"started_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
	Result               map[string]interface{} `json:"result,omitempty"`
	Version              int64                  `json:"version"`
}

// IsTerminal reports whether the record has completed or failed
func (r ProgressRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand to readers
func (r ProgressRecord) Clone() ProgressRecord {
	out := r
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		copy(out.Messages, r.Messages)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Result != nil {
		out.Result = cloneMap(r.Result)
	}
	return out
}

// AddMessage appends a log line
func (r *ProgressRecord) AddMessage(at time.Time, level, text string) {
	r.Messages = append(r.Messages, Message{Timestamp: at, Level: level, Text: text})
}

// Elapsed returns the time since start, frozen at completion for terminal records
func (r ProgressRecord) Elapsed(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// trimMessages keeps the newest max messages
func (r *ProgressRecord) trimMessages(max int) {
	if max <= 0 || len(r.Messages) <= max {
		return
	}
	drop := len(r.Messages) - max
	r.DroppedMessages += drop
	kept := make([]Message, max)
	copy(kept, r.Messages[drop:])
	r.Messages = kept
}

// cloneMap deep-copies nested maps and slices produced by phase results.
// Values that are neither are copied by value.
func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i := range val {
			cp[i] = cloneValue(val[i])
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case []int:
		cp := make([]int, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
