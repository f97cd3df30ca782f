// Package store persists session metadata and pane-to-session mappings in
// sqlite so that a restarted client process can rediscover which surviving
// daemon sessions belong to which panes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pkeller/termmux/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    shell      TEXT NOT NULL,
    cwd        TEXT NOT NULL DEFAULT '',
    cols       INTEGER NOT NULL,
    rows       INTEGER NOT NULL,
    status     TEXT NOT NULL DEFAULT 'running',
    exit_code  INTEGER,
    created_at DATETIME NOT NULL,
    ended_at   DATETIME
);

CREATE TABLE IF NOT EXISTS panes (
    pane_id       TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    registered_at DATETIME NOT NULL
);
`

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the database location under the user's data directory.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(dir, ".termmux", "termmux.db"), nil
}

// Open opens (creating if necessary) the database at path and applies the
// schema. The parent directory is created with user-only permissions.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordSession inserts or refreshes a session row in the running state.
func (s *Store) RecordSession(info registry.SessionInfo) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, shell, cwd, cols, rows, status, created_at)
		 VALUES (?, ?, ?, ?, ?, 'running', ?)
		 ON CONFLICT(id) DO UPDATE SET
		   shell = excluded.shell, cwd = excluded.cwd,
		   cols = excluded.cols, rows = excluded.rows,
		   status = 'running', exit_code = NULL, ended_at = NULL`,
		string(info.ID), info.Shell, info.Cwd, info.Cols, info.Rows, info.CreatedAt)
	if err != nil {
		return fmt.Errorf("record session %s: %w", info.ID, err)
	}
	return nil
}

// MarkExited records the child's exit code without removing the row; the
// session may still be attached to until it is destroyed.
func (s *Store) MarkExited(id registry.SessionID, exitCode int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = 'exited', exit_code = ?, ended_at = ? WHERE id = ?`,
		exitCode, time.Now(), string(id))
	if err != nil {
		return fmt.Errorf("mark session %s exited: %w", id, err)
	}
	return nil
}

// MarkDestroyed finalizes a session row and drops its pane mappings.
func (s *Store) MarkDestroyed(id registry.SessionID) error {
	if _, err := s.db.Exec(
		`UPDATE sessions SET status = 'destroyed', ended_at = COALESCE(ended_at, ?) WHERE id = ?`,
		time.Now(), string(id)); err != nil {
		return fmt.Errorf("mark session %s destroyed: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM panes WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("drop panes for %s: %w", id, err)
	}
	return nil
}

// Reconcile compares rows in the running state against the sessions the
// registry actually holds. Rows with no live session are marked destroyed;
// this runs once at daemon startup so a crash does not leave the database
// claiming sessions that no longer exist.
func (s *Store) Reconcile(activeIDs []registry.SessionID) (orphans int, err error) {
	activeSet := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[string(id)] = struct{}{}
	}

	rows, err := s.db.Query(`SELECT id FROM sessions WHERE status IN ('running', 'exited')`)
	if err != nil {
		return 0, fmt.Errorf("query running sessions: %w", err)
	}
	defer rows.Close()

	var orphanIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		if _, alive := activeSet[id]; !alive {
			orphanIDs = append(orphanIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("scan running sessions: %w", err)
	}

	for _, id := range orphanIDs {
		if err := s.MarkDestroyed(registry.SessionID(id)); err != nil {
			return len(orphanIDs), err
		}
	}
	return len(orphanIDs), nil
}

// RegisterPane binds a client-side pane identifier to a session. A pane can
// only point at one session; re-registering moves it.
func (s *Store) RegisterPane(paneID string, sessionID registry.SessionID) error {
	_, err := s.db.Exec(
		`INSERT INTO panes (pane_id, session_id, registered_at) VALUES (?, ?, ?)
		 ON CONFLICT(pane_id) DO UPDATE SET
		   session_id = excluded.session_id, registered_at = excluded.registered_at`,
		paneID, string(sessionID), time.Now())
	if err != nil {
		return fmt.Errorf("register pane %s: %w", paneID, err)
	}
	return nil
}

// SessionMapping returns pane id -> session id for every registered pane.
func (s *Store) SessionMapping() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT pane_id, session_id FROM panes`)
	if err != nil {
		return nil, fmt.Errorf("query panes: %w", err)
	}
	defer rows.Close()

	mapping := make(map[string]string)
	for rows.Next() {
		var paneID, sessionID string
		if err := rows.Scan(&paneID, &sessionID); err != nil {
			return nil, fmt.Errorf("scan pane row: %w", err)
		}
		mapping[paneID] = sessionID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan panes: %w", err)
	}
	return mapping, nil
}
