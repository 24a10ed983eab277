package audit

import (
	"context"
	"log/slog"
)

// SlogSink emits audit entries as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(entry *LogEntry) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.LogAttrs(context.Background(), slog.LevelInfo, "audit",
		slog.Uint64("seq", entry.Seq),
		slog.String("hash", entry.Hash),
		slog.String("previous_hash", entry.PreviousHash),
		slog.String("payload", entry.Payload),
	)
	return nil
}
