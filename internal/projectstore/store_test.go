package projectstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "projects.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	transcript := json.RawMessage(`[{"id":"m1","role":"user","content":"make me a bakery landing page"}]`)
	histJSON := json.RawMessage(`{"current":{"document":"<html></html>"}}`)
	if err := s.Save(ctx, Record{
		ProjectID:      "p_1",
		TranscriptJSON: transcript,
		HistoryJSON:    histJSON,
		LearnedJSON:    json.RawMessage(`{"site_name":"Crumb & Co"}`),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r, err := s.Get(ctx, "p_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Title != "make me a bakery landing page" {
		t.Fatalf("Title=%q, want derived from first user message", r.Title)
	}
	if string(r.TranscriptJSON) != string(transcript) {
		t.Fatalf("TranscriptJSON=%s", r.TranscriptJSON)
	}
	if string(r.HistoryJSON) != string(histJSON) {
		t.Fatalf("HistoryJSON=%s", r.HistoryJSON)
	}
	if r.CreatedAtUnixMs <= 0 || r.UpdatedAtUnixMs <= 0 {
		t.Fatalf("timestamps = %d/%d", r.CreatedAtUnixMs, r.UpdatedAtUnixMs)
	}
}

func TestStore_SaveUpsertsAndKeepsCreatedAt(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Record{ProjectID: "p_1", Title: "first"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r1, err := s.Get(ctx, "p_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := s.Save(ctx, Record{
		ProjectID:       "p_1",
		Title:           "renamed",
		CreatedAtUnixMs: r1.CreatedAtUnixMs,
		HistoryJSON:     json.RawMessage(`{"past":[]}`),
	}); err != nil {
		t.Fatalf("Save upsert: %v", err)
	}
	r2, err := s.Get(ctx, "p_1")
	if err != nil {
		t.Fatalf("Get after upsert: %v", err)
	}
	if r2.Title != "renamed" {
		t.Fatalf("Title=%q, want renamed", r2.Title)
	}
	if r2.CreatedAtUnixMs != r1.CreatedAtUnixMs {
		t.Fatalf("CreatedAtUnixMs changed: %d -> %d", r1.CreatedAtUnixMs, r2.CreatedAtUnixMs)
	}
	if string(r2.HistoryJSON) != `{"past":[]}` {
		t.Fatalf("HistoryJSON=%s", r2.HistoryJSON)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v, want ErrNotFound", err)
	}
}

func TestStore_ListOrdersByUpdated(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p_a", "p_b", "p_c"} {
		if err := s.Save(ctx, Record{ProjectID: id, Title: id}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	// Touch p_a so it becomes the most recently updated.
	if err := s.Save(ctx, Record{ProjectID: "p_a", Title: "p_a touched"}); err != nil {
		t.Fatalf("Save touch: %v", err)
	}

	out, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("List returned %d records", len(out))
	}
	if out[0].ProjectID != "p_a" {
		t.Fatalf("first listed = %q, want p_a", out[0].ProjectID)
	}
	if len(out[0].TranscriptJSON) != 0 {
		t.Fatalf("List should not load blobs, got %s", out[0].TranscriptJSON)
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Record{ProjectID: "p_1", Title: "t"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "p_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "p_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing: %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "p_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v, want ErrNotFound", err)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "projects.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.Save(ctx, Record{ProjectID: "p_1", Title: "kept"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	r, err := s2.Get(ctx, "p_1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if r.Title != "kept" {
		t.Fatalf("Title=%q", r.Title)
	}
}
