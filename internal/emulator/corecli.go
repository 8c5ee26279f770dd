package emulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fauxnetd/internal/config"
	"fauxnetd/internal/operations"
)

// CommandFactory builds the command for one CLI invocation
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// Session is one row of `core-cli query sessions`
type Session struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	Nodes int    `json:"nodes"`
	File  string `json:"file,omitempty"`
}

// Stream names passed to line callbacks
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LoadOutput is the captured output of a topology load
type LoadOutput struct {
	Stdout []string
	Stderr []string
}

// SessionID extracts the session id, the second comma-separated field of the first
// stdout line
func (o LoadOutput) SessionID() (int, error) {
	if len(o.Stdout) == 0 {
		return 0, operations.NewCollaboratorError("Failed to extract session ID from CORE output", nil)
	}
	return ParseSessionID(o.Stdout[0])
}

// ParseSessionID reads the session id out of a `core-cli xml` result line
func ParseSessionID(line string) (int, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) < 2 {
		return 0, operations.NewCollaboratorError("Failed to extract session ID from CORE output", nil)
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, operations.NewCollaboratorError("Failed to extract session ID from CORE output", err)
	}
	return id, nil
}

// ParseSessions parses the table printed by `core-cli query sessions`.
// The header row and rows that do not parse are skipped.
func ParseSessions(output string) []Session {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	sessions := make([]Session, 0, len(lines))
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		nodes, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{ID: id, State: strings.TrimSpace(parts[1]), Nodes: nodes})
	}
	return sessions
}

// CoreCLI drives the CORE emulator through its command line client
type CoreCLI struct {
	path        string
	topologyDir string
	timeout     time.Duration
	settle      time.Duration
	newCmd      CommandFactory
	logger      *slog.Logger

	mu           sync.RWMutex
	sessionFiles map[int]string
}

// Option configures a CoreCLI
type Option func(*CoreCLI)

// WithCommandFactory replaces exec.CommandContext
func WithCommandFactory(f CommandFactory) Option {
	return func(c *CoreCLI) { c.newCmd = f }
}

// WithSettleDelay sets the pause after deleting sessions, giving the daemon time to clean up
func WithSettleDelay(d time.Duration) Option {
	return func(c *CoreCLI) { c.settle = d }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *CoreCLI) { c.logger = logger }
}

// NewCoreCLI creates a CLI client from configuration
func NewCoreCLI(cfg config.EmulatorConfig, opts ...Option) *CoreCLI {
	c := &CoreCLI{
		path:         cfg.CLIPath,
		topologyDir:  cfg.TopologyDir,
		timeout:      cfg.CommandTimeout,
		settle:       2 * time.Second,
		newCmd:       exec.CommandContext,
		logger:       slog.Default(),
		sessionFiles: make(map[int]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "core_cli"))
	return c
}

// TopologyDir returns the directory topology files are resolved in
func (c *CoreCLI) TopologyDir() string {
	return c.topologyDir
}

// TopologyFiles lists the *.xml files in the topology directory, sorted
func (c *CoreCLI) TopologyFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.topologyDir, "*.xml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list topology files: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ListSessions returns the sessions known to the daemon
func (c *CoreCLI) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := c.run(ctx, "query", "sessions")
	if err != nil {
		return nil, err
	}
	sessions := ParseSessions(out)
	c.mu.RLock()
	for i := range sessions {
		sessions[i].File = c.sessionFiles[sessions[i].ID]
	}
	c.mu.RUnlock()
	return sessions, nil
}

// SessionExists reports whether the daemon lists session id
func (c *CoreCLI) SessionExists(ctx context.Context, id int) (bool, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// DeleteSession deletes session id
func (c *CoreCLI) DeleteSession(ctx context.Context, id int) error {
	if _, err := c.run(ctx, "session", "-i", strconv.Itoa(id), "delete"); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sessionFiles, id)
	c.mu.Unlock()
	return nil
}

// LoadTopology runs `core-cli xml -f file -s`, passing every non-empty output line to
// onLine as it arrives. A non-zero exit becomes a collaborator error carrying stderr.
func (c *CoreCLI) LoadTopology(ctx context.Context, file string, onLine func(stream, line string)) (LoadOutput, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmd := c.newCmd(ctx, c.path, "xml", "-f", file, "-s")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return LoadOutput{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return LoadOutput{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	c.logger.InfoContext(ctx, "loading topology", slog.String("file", file))
	if err := cmd.Start(); err != nil {
		return LoadOutput{}, operations.NewCollaboratorError(fmt.Sprintf("failed to start %s: %v", c.path, err), err)
	}

	var out LoadOutput
	var mu sync.Mutex
	var wg sync.WaitGroup
	scan := func(r io.Reader, stream string, dst *[]string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			mu.Lock()
			*dst = append(*dst, line)
			mu.Unlock()
			if onLine != nil {
				onLine(stream, line)
			}
		}
	}
	wg.Add(2)
	go scan(stdout, StreamStdout, &out.Stdout)
	go scan(stderr, StreamStderr, &out.Stderr)
	// pipes must be drained before Wait closes them
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return out, exitError(err, out.Stderr)
	}

	if id, err := out.SessionID(); err == nil {
		c.mu.Lock()
		c.sessionFiles[id] = file
		c.mu.Unlock()
	}
	return out, nil
}

func (c *CoreCLI) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := c.newCmd(ctx, c.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.logger.WarnContext(ctx, "core-cli command failed",
			slog.Any("args", args),
			slog.String("error", err.Error()))
		return stdout.String(), exitError(err, nonEmptyLines(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *CoreCLI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func exitError(err error, stderr []string) error {
	msg := strings.Join(stderr, "\n")
	if msg == "" {
		msg = "Unknown error"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return operations.NewCollaboratorError(
			fmt.Sprintf("CORE CLI failed with code %d: %s", exitErr.ExitCode(), msg), err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return operations.NewCollaboratorError("CORE CLI not found: "+err.Error(), err)
	}
	return operations.NewCollaboratorError(fmt.Sprintf("CORE CLI failed: %v", err), err)
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
