package history

import "github.com/google/uuid"

// Bookmark labels a position in the history. VersionIndex == Len() denotes
// the current version. Bookmarks have their own lifecycle: eviction orphans
// them instead of deleting them.
type Bookmark struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	VersionIndex    int    `json:"version_index"`
	Orphaned        bool   `json:"orphaned,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// AddBookmark labels the current position.
func (h *History) AddBookmark(name string) Bookmark {
	b, _ := h.AddBookmarkAt(name, len(h.past))
	return b
}

// AddBookmarkAt labels a historical index. index == Len() labels the current
// version.
func (h *History) AddBookmarkAt(name string, index int) (Bookmark, error) {
	if _, err := h.Version(index); err != nil {
		return Bookmark{}, err
	}
	b := Bookmark{
		ID:              uuid.NewString(),
		Name:            name,
		VersionIndex:    index,
		CreatedAtUnixMs: h.now().UnixMilli(),
	}
	h.bookmarks = append(h.bookmarks, b)
	return b, nil
}

func (h *History) RemoveBookmark(id string) error {
	for i := range h.bookmarks {
		if h.bookmarks[i].ID == id {
			h.bookmarks = append(h.bookmarks[:i], h.bookmarks[i+1:]...)
			return nil
		}
	}
	return ErrBookmarkNotFound
}

// Bookmarks returns a copy of all bookmarks, including orphaned ones.
func (h *History) Bookmarks() []Bookmark {
	if len(h.bookmarks) == 0 {
		return nil
	}
	out := make([]Bookmark, len(h.bookmarks))
	copy(out, h.bookmarks)
	return out
}

// ResolveBookmark returns the version a bookmark points at. An orphaned
// bookmark resolves to ErrBookmarkOrphaned; a bookmark whose index is
// temporarily beyond the undo position resolves to ErrNoVersion until Redo
// brings the version back.
func (h *History) ResolveBookmark(id string) (Version, error) {
	for _, b := range h.bookmarks {
		if b.ID != id {
			continue
		}
		if b.Orphaned {
			return Version{}, ErrBookmarkOrphaned
		}
		return h.Version(b.VersionIndex)
	}
	return Version{}, ErrBookmarkNotFound
}
