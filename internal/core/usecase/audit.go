package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

// auditLog appends entries to a document's processing log and mirrors them to
// the process logger.
type auditLog struct {
	repo   ports.DocumentRepository
	logger *slog.Logger
	now    func() time.Time
}

func (a auditLog) append(ctx context.Context, doc *domain.Document, step string, level domain.LogLevel, message string) {
	entry := domain.LogEntry{
		Time:    a.now().UTC(),
		Step:    step,
		Level:   level,
		Message: message,
	}

	a.logger.Log(ctx, slogLevel(level), "pipeline_event",
		"document_id", doc.ID,
		"step", step,
		"message", message,
	)

	if err := a.repo.AppendLog(ctx, doc.ID, entry); err != nil {
		a.logger.Error("processing_log_append_failed", "document_id", doc.ID, "step", step, "error", err)
		return
	}
	doc.ProcessingLog = append(doc.ProcessingLog, entry)
}

func slogLevel(level domain.LogLevel) slog.Level {
	switch level {
	case domain.LogWarning:
		return slog.LevelWarn
	case domain.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
