package operations

import (
	"context"
	"log/slog"
	"time"
)

// InterruptedMessage is recorded on operations that were in flight when the server stopped
const InterruptedMessage = "interrupted by server restart"

// Archive persists progress records beyond the in-memory retention window.
// Load and Delete return an error matching ErrOperationNotFound for unknown ids.
type Archive interface {
	Save(ctx context.Context, record ProgressRecord) error
	Load(ctx context.Context, id string) (ProgressRecord, error)
	Delete(ctx context.Context, id string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	MarkInterrupted(ctx context.Context, at time.Time, reason string) (int64, error)
}

// ArchiveListener writes the creation snapshot and the terminal snapshot of every
// operation to an archive. Intermediate snapshots stay in memory only.
type ArchiveListener struct {
	archive Archive
	timeout time.Duration
	logger  *slog.Logger
}

// NewArchiveListener creates a listener that saves into archive
func NewArchiveListener(archive Archive, logger *slog.Logger) *ArchiveListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveListener{
		archive: archive,
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "archive_listener")),
	}
}

// OnSnapshot implements Listener
func (l *ArchiveListener) OnSnapshot(record ProgressRecord) {
	if record.Version != 1 && !record.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.archive.Save(ctx, record); err != nil {
		l.logger.Error("failed to archive operation",
			slog.String("operation_id", record.ID),
			slog.String("status", string(record.Status)),
			slog.String("error", err.Error()))
	}
}
