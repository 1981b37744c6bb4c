// Package journal records action failures in SQLite so operators can inspect
// recent history after the log lines have scrolled away.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultLimit is the page size used when none is requested.
	DefaultLimit = 50
	// MaxLimit caps a single listing.
	MaxLimit = 500
)

// Entry is one recorded failure.
type Entry struct {
	ID                  int64     `json:"id"`
	OccurredAt          time.Time `json:"occurred_at"`
	Operation           string    `json:"operation"`
	CampaignID          string    `json:"campaign_id"`
	Class               string    `json:"class"`
	Code                string    `json:"code,omitempty"`
	Message             string    `json:"message"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Store persists failure entries.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path. Use
// "file:name?mode=memory&cache=shared" for an in-memory journal.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS failures (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at INTEGER NOT NULL,
            operation TEXT NOT NULL,
            campaign_id TEXT NOT NULL,
            class TEXT NOT NULL,
            code TEXT,
            message TEXT NOT NULL,
            consecutive_failures INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_failures_campaign ON failures(campaign_id, occurred_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return nil
}

// Record appends e and returns its id. OccurredAt defaults to now.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (occurred_at, operation, campaign_id, class, code, message, consecutive_failures)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC().UnixMilli(), e.Operation, e.CampaignID, e.Class, e.Code, e.Message, e.ConsecutiveFailures)
	if err != nil {
		return 0, fmt.Errorf("journal: insert: %w", err)
	}
	return res.LastInsertId()
}

// Recent lists the newest entries first. limit is clamped to [1, MaxLimit];
// zero selects DefaultLimit. An empty campaign lists every campaign.
func (s *Store) Recent(ctx context.Context, campaign string, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)
	query := `SELECT id, occurred_at, operation, campaign_id, class, COALESCE(code, ''), message, consecutive_failures
              FROM failures`
	args := []any{}
	if campaign = strings.TrimSpace(campaign); campaign != "" {
		query += ` WHERE campaign_id = ?`
		args = append(args, campaign)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &ms, &e.Operation, &e.CampaignID, &e.Class, &e.Code, &e.Message, &e.ConsecutiveFailures); err != nil {
			return nil, err
		}
		e.OccurredAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failures WHERE occurred_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ClampLimit normalises a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
