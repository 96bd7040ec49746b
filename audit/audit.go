// Package audit records executed moderation commands. Recording is strictly
// best-effort: a sink failure is logged and never blocks or fails the command
// that triggered it.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Record is one executed moderation command.
type Record struct {
	ClientID        string
	Topic           string
	Command         string
	TargetUser      string
	TargetMessageID string
	Detail          string
	At              time.Time
}

// Sink appends audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// DBSink appends records to the audit_log table.
type DBSink struct {
	DB *sql.DB
}

// Append inserts one record.
func (s *DBSink) Append(ctx context.Context, rec Record) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO audit_log(client_id, topic, command, target_user, target_message_id, detail, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		rec.ClientID, rec.Topic, rec.Command, rec.TargetUser, rec.TargetMessageID, rec.Detail, rec.At)
	return err
}

// LogSink writes records to the structured log. Used when no database is
// configured.
type LogSink struct{}

// Append logs one record.
func (LogSink) Append(_ context.Context, rec Record) error {
	slog.Info("audit",
		slog.String("client", rec.ClientID),
		slog.String("topic", rec.Topic),
		slog.String("command", rec.Command),
		slog.String("target_user", rec.TargetUser),
		slog.String("target_message", rec.TargetMessageID),
		slog.Time("at", rec.At))
	return nil
}

// BestEffort appends rec on a bounded background timeout, logging failure
// instead of returning it.
func BestEffort(sink Sink, rec Record) {
	if sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sink.Append(ctx, rec); err != nil {
			slog.Warn("audit append failed", slog.String("command", rec.Command), slog.Any("err", err))
		}
	}()
}
