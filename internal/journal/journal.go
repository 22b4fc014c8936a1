// Package journal records every monitoring cycle in SQLite so daily counters
// survive process restarts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jmylchreest/slotwatch/internal/health"
)

// Entry is one journaled cycle.
type Entry struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	At         time.Time `json:"at"`
	Day        string    `json:"day"`
	Success    bool      `json:"success"`
	SlotsFound bool      `json:"slotsFound"`
	Booked     bool      `json:"booked"`
	Error      string    `json:"error,omitempty"`
	Status     string    `json:"status"`
	Failures   int       `json:"failures"`
	Proxy      string    `json:"proxy,omitempty"`
}

// Store is a SQLite-backed cycle journal.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	isMemory bool
}

// Open opens or creates the journal at dbPath. ":memory:" keeps it in memory.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	var connStr string
	isMemory := dbPath == ":memory:"

	if isMemory {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
		logger.Info("using in-memory journal")
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = dbPath + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger, isMemory: isMemory}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("cycle journal initialized", "path", dbPath, "in_memory", isMemory)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		day TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		slots_found INTEGER NOT NULL DEFAULT 0,
		booked INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		failures INTEGER NOT NULL DEFAULT 0,
		proxy TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_account_day ON cycles(account_id, day);
	CREATE INDEX IF NOT EXISTS idx_cycles_at ON cycles(at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends e. An empty ID is filled with a new ULID.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}

	query := `
	INSERT INTO cycles (id, account_id, at, day, success, slots_found, booked, error, status, failures, proxy)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.AccountID,
		e.At.UTC().Format(time.RFC3339Nano),
		e.Day,
		e.Success,
		e.SlotsFound,
		e.Booked,
		e.Error,
		e.Status,
		e.Failures,
		e.Proxy,
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}

	s.logger.Debug("cycle journaled", "id", e.ID, "success", e.Success)
	return nil
}

// DayCounts totals the cycles of accountID on day.
func (s *Store) DayCounts(ctx context.Context, accountID, day string) (health.DayCounts, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(slots_found), 0),
		COALESCE(SUM(booked), 0)
	FROM cycles
	WHERE account_id = ? AND day = ?
	`

	var c health.DayCounts
	err := s.db.QueryRowContext(ctx, query, accountID, day).Scan(&c.Checks, &c.Errors, &c.SlotsFound, &c.Bookings)
	if err != nil {
		return health.DayCounts{}, fmt.Errorf("failed to count cycles: %w", err)
	}
	return c, nil
}

// Recent returns up to limit entries for accountID, newest first.
func (s *Store) Recent(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	query := `
	SELECT id, account_id, at, day, success, slots_found, booked, error, status, failures, proxy
	FROM cycles
	WHERE account_id = ?
	ORDER BY at DESC, id DESC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var atStr string
		if err := rows.Scan(
			&e.ID,
			&e.AccountID,
			&atStr,
			&e.Day,
			&e.Success,
			&e.SlotsFound,
			&e.Booked,
			&e.Error,
			&e.Status,
			&e.Failures,
			&e.Proxy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, atStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupOlderThan removes cycles recorded before threshold and vacuums if
// anything was deleted.
func (s *Store) CleanupOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM cycles WHERE at < ?",
		threshold.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup cycles: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.Info("pruned old cycles", "count", count)
		if err := s.Vacuum(); err != nil {
			s.logger.Warn("failed to vacuum after cleanup", "error", err)
		}
	}
	return count, nil
}

// Vacuum reclaims unused space in the database.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	s.logger.Debug("database vacuumed")
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if !s.isMemory {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL before close", "error", err)
		}
	}
	s.logger.Debug("journal closing", "in_memory", s.isMemory)
	return s.db.Close()
}
