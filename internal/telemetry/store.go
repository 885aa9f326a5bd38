// Package telemetry persists point-in-time snapshots of a run's computed
// telemetry so operators can see trend lines across restarts. The live
// answer always comes from scanning the event stream (see
// internal/runtime.Manager.GetTelemetry); this store is an additive,
// durable record of that computation over time.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now')),
	dispatch_count INTEGER NOT NULL DEFAULT 0,
	approval_loops INTEGER NOT NULL DEFAULT 0,
	compaction_count INTEGER NOT NULL DEFAULT 0,
	compaction_prompt_tokens_before INTEGER NOT NULL DEFAULT 0,
	compaction_prompt_tokens_after INTEGER NOT NULL DEFAULT 0,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_telemetry_snapshots_run ON telemetry_snapshots(run_id, recorded_at);
`

// Record is one point-in-time telemetry snapshot for a run.
type Record struct {
	RunID                        string
	RecordedAt                   time.Time
	DispatchCount                int
	ApprovalLoops                int
	CompactionCount              int
	CompactionPromptTokensBefore int
	CompactionPromptTokensAfter  int
	TotalInputTokens             int
	TotalOutputTokens            int
}

// Store is a SQLite-backed append-only log of telemetry snapshots.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dbPath and ensures the schema
// exists, following internal/store/store.go's own open-then-migrate shape.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one telemetry snapshot. A zero RecordedAt is stamped with
// the database's own clock via the column default.
func (s *Store) Append(ctx context.Context, record Record) error {
	var recordedAt any
	if !record.RecordedAt.IsZero() {
		recordedAt = record.RecordedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_snapshots (
			run_id, recorded_at, dispatch_count, approval_loops, compaction_count,
			compaction_prompt_tokens_before, compaction_prompt_tokens_after,
			total_input_tokens, total_output_tokens
		) VALUES (?, COALESCE(?, datetime('now')), ?, ?, ?, ?, ?, ?, ?)`,
		record.RunID, recordedAt, record.DispatchCount, record.ApprovalLoops, record.CompactionCount,
		record.CompactionPromptTokensBefore, record.CompactionPromptTokensAfter,
		record.TotalInputTokens, record.TotalOutputTokens,
	)
	if err != nil {
		return fmt.Errorf("telemetry: append: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent snapshots for runID,
// newest first.
func (s *Store) History(ctx context.Context, runID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, recorded_at, dispatch_count, approval_loops, compaction_count,
			compaction_prompt_tokens_before, compaction_prompt_tokens_after,
			total_input_tokens, total_output_tokens
		FROM telemetry_snapshots
		WHERE run_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RunID, &r.RecordedAt, &r.DispatchCount, &r.ApprovalLoops, &r.CompactionCount,
			&r.CompactionPromptTokensBefore, &r.CompactionPromptTokensAfter,
			&r.TotalInputTokens, &r.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("telemetry: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
