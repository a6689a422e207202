// Package projectstore is the local SQLite-backed persistence layer for
// projects: one row per conversation holding the transcript, the document
// version history, and learned context.
//
// WAL is enabled so a reader (e.g. a second CLI session listing projects) can
// run while a save is in progress.
package projectstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("project not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record is one saved project. Transcript, history, and learned context are
// stored as opaque JSON blobs owned by their producing packages.
type Record struct {
	ProjectID       string          `json:"project_id"`
	Title           string          `json:"title"`
	TranscriptJSON  json.RawMessage `json:"transcript_json,omitempty"`
	HistoryJSON     json.RawMessage `json:"history_json,omitempty"`
	LearnedJSON     json.RawMessage `json:"learned_json,omitempty"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64           `json:"updated_at_unix_ms"`
}

// Save upserts a project. An empty title on first save is derived from the
// transcript's first user message.
func (s *Store) Save(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	if r.ProjectID == "" {
		return errors.New("missing project_id")
	}
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		r.Title = titleFromTranscript(r.TranscriptJSON)
	}

	now := time.Now().UnixMilli()
	if r.CreatedAtUnixMs <= 0 {
		r.CreatedAtUnixMs = now
	}
	r.UpdatedAtUnixMs = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects(
  project_id, title, transcript_json, history_json, learned_json,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
  title = excluded.title,
  transcript_json = excluded.transcript_json,
  history_json = excluded.history_json,
  learned_json = excluded.learned_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		r.ProjectID,
		r.Title,
		blob(r.TranscriptJSON),
		blob(r.HistoryJSON),
		blob(r.LearnedJSON),
		r.CreatedAtUnixMs,
		r.UpdatedAtUnixMs,
	)
	return err
}

func (s *Store) Get(ctx context.Context, projectID string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("missing project_id")
	}

	var (
		r                             Record
		transcript, histJSON, learned string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT project_id, title, transcript_json, history_json, learned_json,
       created_at_unix_ms, updated_at_unix_ms
FROM projects
WHERE project_id = ?
`, projectID).Scan(
		&r.ProjectID,
		&r.Title,
		&transcript,
		&histJSON,
		&learned,
		&r.CreatedAtUnixMs,
		&r.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.TranscriptJSON = rawOrNil(transcript)
	r.HistoryJSON = rawOrNil(histJSON)
	r.LearnedJSON = rawOrNil(learned)
	return &r, nil
}

// List returns projects newest-updated first. JSON blobs are not loaded.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT project_id, title, created_at_unix_ms, updated_at_unix_ms
FROM projects
ORDER BY updated_at_unix_ms DESC, project_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ProjectID, &r.Title, &r.CreatedAtUnixMs, &r.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, projectID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("missing project_id")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, projectID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func blob(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func rawOrNil(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.RawMessage(s)
}

// titleFromTranscript derives a default title from the first user message.
func titleFromTranscript(transcript json.RawMessage) string {
	if len(transcript) == 0 {
		return ""
	}
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(transcript, &msgs); err != nil {
		return ""
	}
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		text = strings.ReplaceAll(text, "\n", " ")
		text = strings.ReplaceAll(text, "\r", " ")
		return truncateRunes(strings.TrimSpace(text), 48)
	}
	return ""
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS projects (
  project_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  transcript_json TEXT NOT NULL DEFAULT '',
  history_json TEXT NOT NULL DEFAULT '',
  learned_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at_unix_ms DESC, project_id DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
