// Package exchangelog is a queryable observability projection of
// completed HTTP-edge exchanges (correlation id, model, connector,
// status, duration). It is not a durable queue: a write failure drops
// the record, never blocks or retries the exchange it describes, and
// nothing in the broker depends on a record surviving — it exists only
// for operators to query after the fact.
package exchangelog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Entry is one completed exchange between the HTTP edge and a connector.
type Entry struct {
	CorrelationID string
	Model         string
	ConnectorID   string
	Status        int
	Streamed      bool
	DurationMs    int64
	Timestamp     time.Time
	Err           string
}

// Log is a SQLite-backed append-only record of completed exchanges.
// Safe for concurrent use by multiple HTTP handlers.
type Log struct {
	db *sql.DB
}

// Open creates (or opens) the exchange log database at path. An empty
// path yields a no-op log — Record becomes a cheap discard, used when
// the broker operator hasn't configured an exchange_log_file.
func Open(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening exchange log %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			model          TEXT NOT NULL DEFAULT '',
			connector_id   TEXT NOT NULL DEFAULT '',
			status         INTEGER NOT NULL DEFAULT 0,
			streamed       INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			ts             TEXT NOT NULL,
			error          TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_model ON exchanges(model);
		CREATE INDEX IF NOT EXISTS idx_exchanges_connector ON exchanges(connector_id);
		CREATE INDEX IF NOT EXISTS idx_exchanges_ts ON exchanges(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating exchange log schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record inserts e. Failures are logged, not returned: an exchange
// having already completed by the time this is called, a logging
// failure must never unwind back into the HTTP response path.
func (l *Log) Record(e Entry) {
	if l.db == nil {
		return
	}
	streamed := 0
	if e.Streamed {
		streamed = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO exchanges (correlation_id, model, connector_id, status, streamed, duration_ms, ts, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CorrelationID, e.Model, e.ConnectorID, e.Status, streamed, e.DurationMs,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Err,
	)
	if err != nil {
		slog.Error("exchange log insert failed", "correlation_id", e.CorrelationID, "error", err)
	}
}

// QueryParams are the filters and row limit for Query.
type QueryParams struct {
	Model       string
	ConnectorID string
	Limit       int
}

// Query returns exchanges matching params, most recent first.
func (l *Log) Query(params QueryParams) ([]Entry, error) {
	if l.db == nil {
		return nil, nil
	}

	query := "SELECT correlation_id, model, connector_id, status, streamed, duration_ms, ts, error FROM exchanges WHERE 1=1"
	var args []any
	if params.Model != "" {
		query += " AND model = ?"
		args = append(args, params.Model)
	}
	if params.ConnectorID != "" {
		query += " AND connector_id = ?"
		args = append(args, params.ConnectorID)
	}
	query += " ORDER BY seq DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exchange log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var streamed int
		var ts string
		if err := rows.Scan(&e.CorrelationID, &e.Model, &e.ConnectorID, &e.Status, &streamed, &e.DurationMs, &ts, &e.Err); err != nil {
			return nil, fmt.Errorf("scanning exchange log row: %w", err)
		}
		e.Streamed = streamed != 0
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection, if one was opened.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
