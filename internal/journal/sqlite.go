// Package journal persists state machine transitions to an append-only
// SQLite table. The journal is optional audit infrastructure: the runtime is
// correct without it, since a cold start rebuilds truth from the venue.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fundarb/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_transitions (
	id             TEXT PRIMARY KEY,
	ts             INTEGER NOT NULL,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	from_state     TEXT NOT NULL,
	to_state       TEXT NOT NULL,
	event          TEXT NOT NULL,
	correlation_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_correlation
	ON state_transitions(correlation_id);
CREATE INDEX IF NOT EXISTS idx_transitions_entity
	ON state_transitions(entity_type, entity_id);
`

// SQLiteJournal implements core.ITransitionSink on a local SQLite file
type SQLiteJournal struct {
	db     *sql.DB
	logger core.ILogger
}

// Open creates or opens the journal database in WAL mode
func Open(path string, logger core.ILogger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db: %w", err)
	}
	// One writer; the sqlite driver serializes anyway, this keeps it explicit
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &SQLiteJournal{
		db:     db,
		logger: logger.WithField("component", "journal"),
	}, nil
}

// Record appends one transition
func (j *SQLiteJournal) Record(ctx context.Context, t core.StateTransition) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO state_transitions
			(id, ts, entity_type, entity_id, from_state, to_state, event, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.UnixMicro(), string(t.EntityType), t.EntityID,
		t.FromState, t.ToState, t.Event, t.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// ByCorrelation returns all transitions for one intent in append order,
// used to reconstruct what an execution job did after a crash.
func (j *SQLiteJournal) ByCorrelation(ctx context.Context, correlationID string) ([]core.StateTransition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, entity_type, entity_id, from_state, to_state, event, correlation_id
		 FROM state_transitions WHERE correlation_id = ? ORDER BY ts, id`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []core.StateTransition
	for rows.Next() {
		var t core.StateTransition
		var ts int64
		var entityType string
		if err := rows.Scan(&t.ID, &ts, &entityType, &t.EntityID,
			&t.FromState, &t.ToState, &t.Event, &t.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Timestamp = time.UnixMicro(ts)
		t.EntityType = core.EntityType(entityType)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the underlying database
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
