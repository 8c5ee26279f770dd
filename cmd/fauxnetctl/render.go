package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"fauxnetd/internal/client"
	"fauxnetd/internal/operations"
)

var errInconclusive = errors.New("the server no longer knows this operation; it may have finished, failed or expired")

// renderer prints tracker events. Callbacks may arrive from several families at once.
type renderer struct {
	mu sync.Mutex
	w  io.Writer
	// seen counts messages printed per operation, dropped ones included
	seen map[string]int
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, seen: make(map[string]int)}
}

func (r *renderer) callbacks(out *outcome) client.Callbacks {
	return client.Callbacks{
		OnProgress: func(family string, rec operations.ProgressRecord) {
			r.progress(rec)
		},
		OnCompleted: func(family string, rec operations.ProgressRecord) {
			r.progress(rec)
			r.completed(rec)
			out.settle(family, nil)
		},
		OnError: func(family string, rec operations.ProgressRecord) {
			r.progress(rec)
			r.failed(rec)
			out.settle(family, fmt.Errorf("%s operation %s failed: %s", family, rec.ID, rec.Error))
		},
		OnConnectionLost: func(family, id string, err error) {
			r.printf("%s %s (%v)\n", color.YellowString("Connection lost, job may still be running:"), id, err)
		},
		OnInconclusive: func(family, id string) {
			r.printf("%s %s\n", color.YellowString("Operation %s is inconclusive:", id), errInconclusive)
			out.settle(family, fmt.Errorf("%s operation %s: %w", family, id, errInconclusive))
		},
	}
}

func (r *renderer) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

func (r *renderer) info(text string) {
	r.printf("%s\n", text)
}

func (r *renderer) started(resp client.StartResponse) {
	verb := "Started"
	if resp.Duplicate {
		verb = "Joined running"
	}
	r.printf("%s %s %s\n", verb, resp.Kind, color.CyanString(resp.OperationID))
	if resp.Message != "" {
		r.printf("  %s\n", resp.Message)
	}
}

// progress prints the phase line and any messages not printed yet
func (r *renderer) progress(rec operations.ProgressRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.CurrentPhase > 0 {
		fmt.Fprintf(r.w, "%s %s\n", progressBar(rec.Progress, 24), phaseLine(rec))
	}

	// the server keeps the newest messages; DroppedMessages counts the rest
	total := rec.DroppedMessages + len(rec.Messages)
	start := r.seen[rec.ID] - rec.DroppedMessages
	if start < 0 {
		start = 0
	}
	if start < len(rec.Messages) {
		for _, msg := range rec.Messages[start:] {
			fmt.Fprintf(r.w, "  %s %s\n", levelTag(msg.Level), msg.Text)
		}
	}
	if total > r.seen[rec.ID] {
		r.seen[rec.ID] = total
	}
}

func (r *renderer) completed(rec operations.ProgressRecord) {
	r.printf("%s %s in %s\n", color.GreenString("Completed"), rec.ID, rec.Elapsed(time.Now()).Round(time.Millisecond))
	for _, key := range sortedKeys(rec.Result) {
		r.printf("  %s: %v\n", key, rec.Result[key])
	}
}

func (r *renderer) failed(rec operations.ProgressRecord) {
	r.printf("%s %s at phase %d: %s\n", color.RedString("Failed"), rec.ID, rec.CurrentPhase, rec.Error)
}

func (r *renderer) detached(families []string) {
	r.printf("\n%s the operation keeps running on the server.\n", color.YellowString("Detached:"))
	r.printf("Resume with: fauxnetctl watch %s\n", strings.Join(families, " "))
}

func (r *renderer) record(rec operations.ProgressRecord) {
	r.printf("Operation:  %s\n", rec.ID)
	r.printf("Kind:       %s\n", rec.Kind)
	r.printf("Status:     %s\n", statusString(rec.Status))
	r.printf("Phase:      %s\n", phaseLine(rec))
	r.printf("Progress:   %.0f%%\n", rec.Progress)
	r.printf("Started:    %s\n", rec.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if rec.Error != "" {
		r.printf("Error:      %s\n", color.RedString(rec.Error))
	}
	for _, key := range sortedKeys(rec.Result) {
		r.printf("  %s: %v\n", key, rec.Result[key])
	}
}

func (r *renderer) phases(phases []client.PhaseInfo) {
	for _, p := range phases {
		mark := color.New(color.Faint).Sprint("-")
		if p.Completed {
			mark = color.GreenString("✓")
		}
		deps := ""
		if len(p.Dependencies) > 0 {
			deps = fmt.Sprintf(" (needs %s)", joinInts(p.Dependencies))
		}
		if len(p.Dependents) > 0 {
			deps += fmt.Sprintf(" (unlocks %s)", joinInts(p.Dependents))
		}
		r.printf("%s %d. %-22s %s%s\n", mark, p.PhaseNumber, p.Name, p.Description, deps)
	}
}

func phaseLine(rec operations.ProgressRecord) string {
	line := fmt.Sprintf("phase %d/%d", rec.CurrentPhase, rec.TotalPhases)
	if rec.CurrentPhaseName != "" {
		line += " " + rec.CurrentPhaseName
	}
	if rec.CurrentPhaseTotal > 0 {
		line += fmt.Sprintf(" [%d/%d]", rec.CurrentPhaseProgress, rec.CurrentPhaseTotal)
	}
	return line
}

func progressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("=", filled), strings.Repeat(" ", width-filled), percent)
}

func statusString(s operations.Status) string {
	switch s {
	case operations.StatusCompleted:
		return color.GreenString(string(s))
	case operations.StatusError:
		return color.RedString(string(s))
	case operations.StatusRunning:
		return color.CyanString(string(s))
	}
	return string(s)
}

func levelTag(level string) string {
	switch level {
	case operations.LevelError, operations.LevelStderr:
		return color.RedString("!")
	case operations.LevelWarning:
		return color.YellowString("!")
	case operations.LevelSuccess:
		return color.GreenString("✓")
	}
	return color.New(color.Faint).Sprint("·")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
