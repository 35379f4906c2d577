package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmgate/pkg/models"
	"github.com/pario-ai/llmgate/pkg/pipeline"
)

// Tracker records and queries per-response token usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Recent returns the newest records, newest first.
	Recent(ctx context.Context, limit int) ([]models.UsageRecord, error)
	// TotalSince returns total tokens served since a given time.
	TotalSince(ctx context.Context, since time.Time) (int64, error)
	// Summary returns usage aggregated by backend and model, optionally
	// filtered by backend.
	Summary(ctx context.Context, backend string) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database. It is also a
// pipeline.EventPublisher.
type SQLiteTracker struct {
	db  *sql.DB
	now func() time.Time
}

var _ pipeline.EventPublisher = (*SQLiteTracker)(nil)

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	response_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	model TEXT NOT NULL,
	finish_reason TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	cached INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_backend_model ON usage_records(backend, model);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db, now: time.Now}, nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (request_id, response_id, backend, model, finish_reason,
		   prompt_tokens, completion_tokens, total_tokens, latency_ms, cached, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ResponseID, rec.Backend, rec.Model, string(rec.FinishReason),
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMs, rec.Cached, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Publish records the usage of a served response.
func (t *SQLiteTracker) Publish(ctx context.Context, ev pipeline.Event) error {
	return t.Record(ctx, RecordFromEvent(ev))
}

// RecordFromEvent builds the usage record for a pipeline event. Cache hits
// are recorded with their original token counts.
func RecordFromEvent(ev pipeline.Event) models.UsageRecord {
	resp := ev.Response
	model := resp.MetaString(models.MetaModel)
	if model == "" && ev.Request != nil {
		model = ev.Request.Parameters.Model
	}
	if provider := resp.MetaString(models.MetaProvider); provider != "" {
		model = provider + "/" + model
	}
	backend := ev.Backend
	if backend == "" {
		backend = resp.MetaString(models.MetaBackend)
	}
	return models.UsageRecord{
		RequestID:        resp.RequestID,
		ResponseID:       resp.ID,
		Backend:          backend,
		Model:            model,
		FinishReason:     resp.FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		LatencyMs:        ev.Elapsed.Milliseconds(),
		Cached:           ev.CacheHit,
	}
}

// Recent returns the newest records, newest first.
func (t *SQLiteTracker) Recent(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, response_id, backend, model, finish_reason, prompt_tokens,
		        completion_tokens, total_tokens, latency_ms, cached, created_at
		 FROM usage_records ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var reason string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ResponseID, &r.Backend, &r.Model, &reason,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.LatencyMs, &r.Cached, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.FinishReason = models.FinishReason(reason)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalSince returns total tokens served since a given time. Cache hits
// are excluded since they cost no provider tokens.
func (t *SQLiteTracker) TotalSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE cached = 0 AND created_at >= ?`,
		since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by backend and model.
func (t *SQLiteTracker) Summary(ctx context.Context, backend string) ([]models.UsageSummary, error) {
	query := `SELECT backend, model, COUNT(*),
		   SUM(CASE WHEN finish_reason = 'error' THEN 1 ELSE 0 END),
		   SUM(cached),
		   SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens),
		   CAST(AVG(latency_ms) AS INTEGER)
		 FROM usage_records`
	var args []any
	if backend != "" {
		query += ` WHERE backend = ?`
		args = append(args, backend)
	}
	query += ` GROUP BY backend, model ORDER BY backend, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Backend, &s.Model, &s.RequestCount, &s.ErrorCount, &s.CacheHits,
			&s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
