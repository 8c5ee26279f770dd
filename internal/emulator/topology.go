package emulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fauxnetd/internal/operations"
)

// Topology-load phases
const (
	PhaseValidate = 1
	PhaseClean    = 2
	PhaseLoad     = 3
	PhaseExtract  = 4
	PhaseVerify   = 5
)

// ValueFile is the job value holding the absolute topology path
const ValueFile = "file"

const valueLoadOutput = "load_output"
const valueSessionID = "session_id"

var topologyCatalog = operations.MustCatalog(
	operations.PhaseDefinition{Number: PhaseValidate, Name: "Validate topology file", Weight: 5},
	operations.PhaseDefinition{Number: PhaseClean, Name: "Clean existing sessions", Requires: []int{PhaseValidate}, Weight: 15},
	operations.PhaseDefinition{Number: PhaseLoad, Name: "Load topology", Requires: []int{PhaseClean}, Weight: 60},
	operations.PhaseDefinition{Number: PhaseExtract, Name: "Extract session id", Requires: []int{PhaseLoad}, Weight: 10},
	operations.PhaseDefinition{Number: PhaseVerify, Name: "Verify session", Requires: []int{PhaseExtract}, Weight: 10},
)

// Catalog returns the topology-load phases
func Catalog() *operations.Catalog {
	return topologyCatalog
}

// RunPhase implements operations.PhaseFunc for topology-load jobs
func (c *CoreCLI) RunPhase(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error {
	file := pc.GetString(ValueFile)
	switch phase.Number {
	case PhaseValidate:
		return c.validate(pc, file)
	case PhaseClean:
		return c.clean(ctx, pc)
	case PhaseLoad:
		return c.load(ctx, pc, file)
	case PhaseExtract:
		return extract(pc)
	case PhaseVerify:
		return c.verify(ctx, pc, file)
	default:
		return operations.NewValidationError(fmt.Sprintf("unknown topology phase %d", phase.Number))
	}
}

func (c *CoreCLI) validate(pc *operations.PhaseContext, file string) error {
	pc.Logf(operations.LevelInfo, "Validating topology file: %s", file)
	info, err := os.Stat(file)
	if err != nil {
		return operations.NewCollaboratorError("Topology file not found: "+file, err)
	}
	if info.IsDir() {
		return operations.NewCollaboratorError("Topology path is a directory: "+file, nil)
	}
	pc.Log(operations.LevelInfo, "Topology file found and validated")
	return nil
}

func (c *CoreCLI) clean(ctx context.Context, pc *operations.PhaseContext) error {
	pc.Log(operations.LevelInfo, "Checking for existing sessions")
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		// the query fails when the daemon has no sessions at all
		pc.Logf(operations.LevelWarning, "Could not query sessions (%v), continuing", err)
		return nil
	}
	if len(sessions) == 0 {
		pc.Log(operations.LevelInfo, "No existing sessions found, proceeding with load")
		return nil
	}

	pc.Logf(operations.LevelInfo, "Found %d existing session(s), deleting all...", len(sessions))
	for i, s := range sessions {
		pc.Logf(operations.LevelInfo, "Deleting session %d (state: %s)", s.ID, s.State)
		if err := c.DeleteSession(ctx, s.ID); err != nil {
			pc.Logf(operations.LevelWarning, "Warning: Failed to delete session %d, continuing anyway", s.ID)
		} else {
			pc.Logf(operations.LevelInfo, "Session %d deleted successfully", s.ID)
		}
		pc.Step(i+1, len(sessions))
	}

	if c.settle > 0 {
		select {
		case <-time.After(c.settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pc.Log(operations.LevelInfo, "All existing sessions deleted")
	return nil
}

func (c *CoreCLI) load(ctx context.Context, pc *operations.PhaseContext, file string) error {
	pc.Logf(operations.LevelInfo, "Executing: %s xml -f %s -s", filepath.Base(c.path), file)
	out, err := c.LoadTopology(ctx, file, func(stream, line string) {
		pc.Log(stream, line)
	})
	if err != nil {
		return err
	}
	pc.Set(valueLoadOutput, out)
	pc.Log(operations.LevelInfo, "Process completed successfully, extracting session ID")
	return nil
}

func extract(pc *operations.PhaseContext) error {
	v, _ := pc.Get(valueLoadOutput)
	out, _ := v.(LoadOutput)
	id, err := out.SessionID()
	if err != nil {
		return err
	}
	pc.Set(valueSessionID, id)
	pc.SetResult("session_id", id)
	pc.Logf(operations.LevelInfo, "Extracted session ID: %d", id)
	return nil
}

func (c *CoreCLI) verify(ctx context.Context, pc *operations.PhaseContext, file string) error {
	v, _ := pc.Get(valueSessionID)
	id, _ := v.(int)
	pc.Logf(operations.LevelInfo, "Verifying session %d is active", id)

	ok, err := c.SessionExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return operations.NewCollaboratorError(fmt.Sprintf("session %d is not listed by the daemon after load", id), nil)
	}
	pc.SetResult("file", file)
	pc.Logf(operations.LevelSuccess, "Topology loaded successfully! Session ID: %d", id)
	return nil
}
