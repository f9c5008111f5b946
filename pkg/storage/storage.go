// Package storage persists processed records and per-feed refresh state
// in sqlite.
package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS feeds (
  id              TEXT PRIMARY KEY,
  url             TEXT NOT NULL,
  last_checked_at DATETIME,
  refresh_status  TEXT
);
CREATE TABLE IF NOT EXISTS records (
  id               INTEGER PRIMARY KEY,
  feed_id          TEXT NOT NULL,
  nct_id           TEXT NOT NULL,
  title            TEXT NOT NULL,
  study_url        TEXT,
  history_url      TEXT,
  comparison_url   TEXT,
  previous_version INTEGER NOT NULL,
  latest_version   INTEGER NOT NULL,
  diff_payload     TEXT,
  summary          TEXT NOT NULL,
  sponsor          TEXT,
  is_new           INTEGER NOT NULL CHECK (is_new IN (0,1)),
  updated_at       DATETIME NOT NULL,
  created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(feed_id, nct_id, updated_at)
);
CREATE INDEX IF NOT EXISTS idx_records_feed ON records(feed_id, nct_id);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
	`); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Record is the unit persisted per processed feed entry. New records carry
// the sentinel version pair 1/1.
type Record struct {
	FeedID          string
	NCTID           string
	Title           string
	StudyURL        string
	HistoryURL      string
	ComparisonURL   string
	PreviousVersion int
	LatestVersion   int
	DiffPayload     string
	Summary         string
	Sponsor         string
	IsNew           bool
	UpdatedAt       time.Time
	CreatedAt       time.Time
}

// Exists reports whether a record for (feed, nct) with an update timestamp
// at or beyond updatedAt is already persisted. This check is the pipeline's
// idempotency guarantee, independent of batching.
func (d *DB) Exists(ctx context.Context, feedID, nctID string, updatedAt time.Time) (bool, error) {
	var n int
	err := d.sql.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM records WHERE feed_id = ? AND nct_id = ? AND updated_at >= ?",
		feedID, nctID, updatedAt.UTC()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertRecord persists one processed record.
func (d *DB) InsertRecord(ctx context.Context, r Record) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO records(
feed_id, nct_id, title, study_url, history_url, comparison_url,
previous_version, latest_version, diff_payload, summary, sponsor, is_new, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.FeedID, r.NCTID, r.Title, nullIfEmpty(r.StudyURL), nullIfEmpty(r.HistoryURL),
		nullIfEmpty(r.ComparisonURL), r.PreviousVersion, r.LatestVersion,
		nullIfEmpty(r.DiffPayload), r.Summary, nullIfEmpty(r.Sponsor),
		boolToInt(r.IsNew), r.UpdatedAt.UTC())
	return err
}

// EnsureFeed creates or refreshes the feed row so status updates always
// have somewhere to land.
func (d *DB) EnsureFeed(ctx context.Context, feedID, url string) error {
	_, err := d.sql.ExecContext(ctx,
		"INSERT INTO feeds(id, url) VALUES(?, ?) ON CONFLICT(id) DO UPDATE SET url = excluded.url",
		feedID, url)
	return err
}

// UpdateFeedStatus writes the refresh status JSON and, when lastChecked is
// non-nil, the last-checked timestamp. A missing refresh_status column
// (older database files) degrades to updating only the timestamp.
func (d *DB) UpdateFeedStatus(ctx context.Context, feedID string, lastChecked *time.Time, statusJSON string) error {
	var err error
	if lastChecked != nil {
		_, err = d.sql.ExecContext(ctx,
			"UPDATE feeds SET refresh_status = ?, last_checked_at = ? WHERE id = ?",
			statusJSON, lastChecked.UTC(), feedID)
	} else {
		_, err = d.sql.ExecContext(ctx,
			"UPDATE feeds SET refresh_status = ? WHERE id = ?", statusJSON, feedID)
	}
	if err != nil && strings.Contains(err.Error(), "no such column") {
		if lastChecked == nil {
			return nil
		}
		_, err = d.sql.ExecContext(ctx,
			"UPDATE feeds SET last_checked_at = ? WHERE id = ?", lastChecked.UTC(), feedID)
	}
	return err
}

// FeedStatus returns the stored refresh status JSON and last-checked time.
func (d *DB) FeedStatus(ctx context.Context, feedID string) (string, *time.Time, error) {
	var statusNS sql.NullString
	var checkedNS sql.NullString
	err := d.sql.QueryRowContext(ctx,
		"SELECT refresh_status, last_checked_at FROM feeds WHERE id = ?", feedID).
		Scan(&statusNS, &checkedNS)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	var checked *time.Time
	if checkedNS.Valid {
		if t, ok := parseSQLiteTime(checkedNS.String); ok {
			checked = &t
		}
	}
	return statusNS.String, checked, nil
}

// ListRecentRecords returns the most recently persisted records.
func (d *DB) ListRecentRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT
feed_id, nct_id, title, study_url, history_url, comparison_url,
previous_version, latest_version, diff_payload, summary, sponsor, is_new, updated_at, created_at
FROM records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var study, history, comparison, diff, sponsor sql.NullString
		var isNewInt int
		var updatedStr, createdStr string
		if err := rows.Scan(&r.FeedID, &r.NCTID, &r.Title, &study, &history, &comparison,
			&r.PreviousVersion, &r.LatestVersion, &diff, &r.Summary, &sponsor,
			&isNewInt, &updatedStr, &createdStr); err != nil {
			return nil, err
		}
		r.StudyURL = study.String
		r.HistoryURL = history.String
		r.ComparisonURL = comparison.String
		r.DiffPayload = diff.String
		r.Sponsor = sponsor.String
		r.IsNew = isNewInt == 1
		if t, ok := parseSQLiteTime(updatedStr); ok {
			r.UpdatedAt = t
		}
		if t, ok := parseSQLiteTime(createdStr); ok {
			r.CreatedAt = t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// parseSQLiteTime handles both the CURRENT_TIMESTAMP format and the
// RFC3339 strings the driver writes for time.Time parameters.
func parseSQLiteTime(s string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
