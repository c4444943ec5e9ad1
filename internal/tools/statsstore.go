package tools

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// StatsStore persists tool-call usage rows to SQLite so statistics
// survive restarts. The in-memory registry is authoritative for the
// current session; the store is a write-behind sink plus a source of
// historical totals. Entirely optional — the registry works without it.
type StatsStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStatsStore opens (and migrates) the statistics database at path.
func OpenStatsStore(path string, logger *slog.Logger) (*StatsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &StatsStore{db: db, logger: logger.With("component", "statsstore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *StatsStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		ok INTEGER NOT NULL,
		called_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_called_at ON tool_calls(called_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCall appends one usage row.
func (s *StatsStore) RecordCall(tool string, duration time.Duration, ok bool, when time.Time) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_calls (id, tool, duration_ms, ok, called_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), tool, duration.Milliseconds(), okInt, when.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// CallTotals is the historical aggregate for one tool.
type CallTotals struct {
	Calls     int64
	Failures  int64
	TotalTime time.Duration
}

// Totals returns per-tool historical aggregates across all sessions.
func (s *StatsStore) Totals() (map[string]CallTotals, error) {
	rows, err := s.db.Query(
		`SELECT tool, COUNT(*), SUM(1 - ok), SUM(duration_ms) FROM tool_calls GROUP BY tool`,
	)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CallTotals)
	for rows.Next() {
		var tool string
		var calls, failures, totalMS int64
		if err := rows.Scan(&tool, &calls, &failures, &totalMS); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		out[tool] = CallTotals{
			Calls:     calls,
			Failures:  failures,
			TotalTime: time.Duration(totalMS) * time.Millisecond,
		}
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *StatsStore) Close() error {
	return s.db.Close()
}
