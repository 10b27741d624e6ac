// Package audit records security and money relevant actions. Entries are
// appended synchronously so the caller knows the record exists before it
// answers, and are mirrored to the structured log.
package audit

import (
	"context"
	"log/slog"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
)

// Recorder is what services depend on.
type Recorder interface {
	Record(ctx context.Context, e domain.AuditEntry)
}

type Log struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// New returns a Log writing through repo. repo must not be bound to a
// transaction, otherwise a rollback would erase the entry.
func New(repo repository.AuditRepository, logger *slog.Logger) *Log {
	return &Log{repo: repo, logger: logger}
}

// Record appends e. A failed append is logged at error level with the whole
// entry so the record survives in the log stream.
func (l *Log) Record(ctx context.Context, e domain.AuditEntry) {
	attrs := []any{
		slog.String("action", e.Action),
		slog.String("target_type", e.TargetType),
		slog.String("target_id", e.TargetID),
		slog.String("status", string(e.Status)),
	}
	if e.UserID != nil {
		attrs = append(attrs, slog.Int64("user_id", *e.UserID))
	}
	if e.IPAddress != "" {
		attrs = append(attrs, slog.String("ip", e.IPAddress))
	}
	if len(e.Extra) > 0 {
		attrs = append(attrs, slog.Any("extra", e.Extra))
	}

	if err := l.repo.Append(ctx, &e); err != nil {
		l.logger.Error("audit append failed", append(attrs, slog.Any("err", err))...)
		return
	}

	l.logger.Info("audit", append(attrs, slog.Int64("audit_id", e.ID))...)
}

// UserRef is a convenience for the optional UserID field.
func UserRef(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
