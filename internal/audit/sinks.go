package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// LogSink writes entries to the structured log.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, entries []models.AuditEntry) error {
	for _, e := range entries {
		fields := []zap.Field{
			zap.Time("ts", e.Timestamp),
			zap.String("correlationId", e.CorrelationID),
			zap.String("action", string(e.Action)),
			zap.String("method", e.Method),
			zap.String("path", e.Path),
			zap.String("caller", e.Caller),
		}
		if e.SessionID != "" {
			fields = append(fields, zap.String("session", e.SessionID))
		}
		if e.ToolName != "" {
			fields = append(fields, zap.String("tool", e.ToolName))
		}
		if e.Role != "" {
			fields = append(fields, zap.String("role", e.Role))
		}
		if e.Status != 0 {
			fields = append(fields, zap.Int("status", e.Status), zap.Int64("durationMs", e.DurationMs))
		}
		if e.Success != nil {
			fields = append(fields, zap.Bool("success", *e.Success))
		}
		if e.PageChanged != nil {
			fields = append(fields, zap.Bool("pageChanged", *e.PageChanged))
		}
		if e.Destination != "" {
			fields = append(fields, zap.String("destination", e.Destination))
		}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		s.logger.Info("audit", fields...)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// HTTPSink posts batches as JSON to a collector endpoint.
type HTTPSink struct {
	url    string
	client *resty.Client
}

func NewHTTPSink(url string) *HTTPSink {
	client := resty.New().
		SetTimeout(sinkTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "webmcp-broker-audit/1.0")
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Write(ctx context.Context, entries []models.AuditEntry) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"entries": entries}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post audit batch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post audit batch: status %d", resp.StatusCode())
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
	id             BIGSERIAL PRIMARY KEY,
	ts             TIMESTAMPTZ NOT NULL,
	correlation_id TEXT NOT NULL,
	action         TEXT NOT NULL,
	method         TEXT NOT NULL,
	path           TEXT NOT NULL,
	session_id     TEXT,
	tool_name      TEXT,
	caller         TEXT NOT NULL,
	role           TEXT,
	status         INTEGER,
	duration_ms    BIGINT,
	success        BOOLEAN,
	page_changed   BOOLEAN,
	destination    TEXT,
	error          TEXT
)`

const insertSQL = `
INSERT INTO audit_log (
	ts, correlation_id, action, method, path, session_id, tool_name, caller,
	role, status, duration_ms, success, page_changed, destination, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

var openDB = sql.Open

// PostgresSink inserts batches into the audit_log table in one transaction.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects with the pgx driver and creates the table if needed.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := openDB("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	s := &PostgresSink{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create audit_log: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, entries []models.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.Timestamp, e.CorrelationID, string(e.Action), e.Method, e.Path,
			nullString(e.SessionID), nullString(e.ToolName), e.Caller, nullString(e.Role),
			nullInt(int64(e.Status)), nullInt(e.DurationMs), nullBool(e.Success), nullBool(e.PageChanged),
			nullString(e.Destination), nullString(e.Error),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresSink) Close() error { return s.db.Close() }

func nullString(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }

func nullInt(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: v != 0} }

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
