// Package store persists session sheets and per-learner rows in SQLite.
// It is the server-side backing table behind the row wire protocol.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slidoc/slidoc/internal/model"

	_ "modernc.org/sqlite"
)

// defaultLockWait bounds how long a mutating call waits for the global
// write section before failing as retryable.
const defaultLockWait = 30 * time.Second

var (
	// ErrBusy is returned when the write section stays contended past
	// the bounded wait; callers may retry.
	ErrBusy = errors.New("row store busy")
	// ErrSheetNotFound is returned for operations on an unknown or
	// trashed sheet.
	ErrSheetNotFound = errors.New("sheet not found")
	// ErrRowExists is returned by a create-if-absent insert that lost
	// the race.
	ErrRowExists = errors.New("row already exists")
	// ErrRowNotFound is returned by updates to an absent row.
	ErrRowNotFound = errors.New("row not found")
)

// Sheet describes one named session sheet.
type Sheet struct {
	Name      string
	Headers   []string
	DueDate   string // ISO UTC, empty = no deadline
	AdminOnly bool
}

type Store struct {
	db *sql.DB
	// writeGate serializes all mutating operations: a single pending
	// write at a time, with a bounded wait.
	writeGate chan struct{}
	lockWait  time.Duration
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{
		db:        db,
		writeGate: make(chan struct{}, 1),
		lockWait:  defaultLockWait,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetLockWait overrides the bounded write-section wait (tests).
func (s *Store) SetLockWait(d time.Duration) { s.lockWait = d }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sheets (
		name TEXT PRIMARY KEY,
		headers TEXT NOT NULL,
		due_date TEXT NOT NULL DEFAULT '',
		admin_only INTEGER NOT NULL DEFAULT 0,
		trashed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS rows (
		sheet TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		trashed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (sheet, id),
		FOREIGN KEY (sheet) REFERENCES sheets(name)
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AcquireWrite enters the global write section, failing with ErrBusy
// after the bounded wait rather than queuing indefinitely.
func (s *Store) AcquireWrite(ctx context.Context) error {
	select {
	case s.writeGate <- struct{}{}:
		return nil
	case <-time.After(s.lockWait):
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseWrite leaves the global write section.
func (s *Store) ReleaseWrite() {
	<-s.writeGate
}

// CreateSheet registers a sheet with its header schema. Re-creating an
// existing sheet refreshes its attributes when the header count is
// unchanged and fails otherwise.
func (s *Store) CreateSheet(sheet Sheet) error {
	if err := model.ValidateHeaders(sheet.Headers); err != nil {
		return fmt.Errorf("sheet %s: %w", sheet.Name, err)
	}
	headersJSON, err := json.Marshal(sheet.Headers)
	if err != nil {
		return err
	}
	existing, err := s.GetSheet(sheet.Name)
	if err != nil && !errors.Is(err, ErrSheetNotFound) {
		return err
	}
	if existing != nil {
		if len(existing.Headers) != len(sheet.Headers) {
			return fmt.Errorf("sheet %s: header count changed from %d to %d",
				sheet.Name, len(existing.Headers), len(sheet.Headers))
		}
		_, err = s.db.Exec(
			`UPDATE sheets SET headers = ?, due_date = ?, admin_only = ? WHERE name = ?`,
			string(headersJSON), sheet.DueDate, sheet.AdminOnly, sheet.Name,
		)
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sheets (name, headers, due_date, admin_only) VALUES (?, ?, ?, ?)`,
		sheet.Name, string(headersJSON), sheet.DueDate, sheet.AdminOnly,
	)
	return err
}

// GetSheet returns a sheet's schema, or ErrSheetNotFound.
func (s *Store) GetSheet(name string) (*Sheet, error) {
	var sheet Sheet
	var headersJSON string
	err := s.db.QueryRow(
		`SELECT name, headers, due_date, admin_only FROM sheets WHERE name = ? AND trashed = 0`, name,
	).Scan(&sheet.Name, &headersJSON, &sheet.DueDate, &sheet.AdminOnly)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headersJSON), &sheet.Headers); err != nil {
		return nil, fmt.Errorf("sheet %s: decode headers: %w", name, err)
	}
	return &sheet, nil
}

// TrashSheet marks a sheet inaccessible without deleting data.
func (s *Store) TrashSheet(name string) error {
	res, err := s.db.Exec(`UPDATE sheets SET trashed = 1 WHERE name = ? AND trashed = 0`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSheetNotFound, name)
	}
	return nil
}

// GetRow returns a row and its server timestamp; a missing row returns
// a nil map and empty timestamp with no error.
func (s *Store) GetRow(sheet, id string) (model.Row, string, error) {
	var dataJSON, ts string
	err := s.db.QueryRow(
		`SELECT data, timestamp FROM rows WHERE sheet = ? AND id = ? AND trashed = 0`, sheet, id,
	).Scan(&dataJSON, &ts)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	row, err := decodeRow(dataJSON, ts)
	if err != nil {
		return nil, "", fmt.Errorf("row %s/%s: %w", sheet, id, err)
	}
	return row, ts, nil
}

// RowTimestamp returns the current server timestamp for a row ("" if absent).
func (s *Store) RowTimestamp(sheet, id string) (string, error) {
	var ts string
	err := s.db.QueryRow(
		`SELECT timestamp FROM rows WHERE sheet = ? AND id = ? AND trashed = 0`, sheet, id,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

// PutRow inserts or overwrites a full row, stamping a fresh server
// timestamp. With nooverwrite, an existing row fails with ErrRowExists.
func (s *Store) PutRow(sheet string, row model.Row, nooverwrite bool) (string, error) {
	ts := s.newTimestamp()
	row[model.ColTimestamp] = ts
	dataJSON, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("encode row: %w", err)
	}
	id := row.ID()
	name := row.Str(model.ColName)
	if nooverwrite {
		_, err = s.db.Exec(
			`INSERT INTO rows (sheet, id, name, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
			sheet, id, name, string(dataJSON), ts,
		)
		if err != nil {
			// The unique (sheet, id) key makes a lost insert race explicit.
			if exists, _ := s.RowTimestamp(sheet, id); exists != "" {
				return "", fmt.Errorf("%w: %s/%s", ErrRowExists, sheet, id)
			}
			return "", err
		}
		return ts, nil
	}
	_, err = s.db.Exec(
		`INSERT INTO rows (sheet, id, name, data, timestamp) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(sheet, id) DO UPDATE SET name = excluded.name, data = excluded.data,
		 timestamp = excluded.timestamp, trashed = 0`,
		sheet, id, name, string(dataJSON), ts,
	)
	if err != nil {
		return "", err
	}
	return ts, nil
}

// UpdateColumns applies a partial column update to an existing row and
// stamps a fresh timestamp.
func (s *Store) UpdateColumns(sheet, id string, updates map[string]any) (string, error) {
	row, _, err := s.GetRow(sheet, id)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrRowNotFound, sheet, id)
	}
	for col, val := range updates {
		row[col] = val
	}
	return s.PutRow(sheet, row, false)
}

// TrashRow marks a row inaccessible without deleting data.
func (s *Store) TrashRow(sheet, id string) error {
	res, err := s.db.Exec(`UPDATE rows SET trashed = 1 WHERE sheet = ? AND id = ?`, sheet, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRowNotFound, sheet, id)
	}
	return nil
}

// AllRows returns every live row of a sheet sorted by display name (the
// sorted-insert order of the original sheet layout).
func (s *Store) AllRows(sheet string) ([]model.Row, error) {
	rows, err := s.db.Query(
		`SELECT data, timestamp FROM rows WHERE sheet = ? AND trashed = 0 ORDER BY name, id`, sheet,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Row
	for rows.Next() {
		var dataJSON, ts string
		if err := rows.Scan(&dataJSON, &ts); err != nil {
			return nil, err
		}
		row, err := decodeRow(dataJSON, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RowCount returns the number of live rows on a sheet.
func (s *Store) RowCount(sheet string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rows WHERE sheet = ? AND trashed = 0`, sheet).Scan(&count)
	return count, err
}

func decodeRow(dataJSON, ts string) (model.Row, error) {
	var row model.Row
	if err := json.Unmarshal([]byte(dataJSON), &row); err != nil {
		return nil, fmt.Errorf("decode row data: %w", err)
	}
	row[model.ColTimestamp] = ts
	return row, nil
}

func (s *Store) newTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
