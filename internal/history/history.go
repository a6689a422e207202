// Package history keeps every generated document version for one project:
// a linear past, the current version, and a redo stack, plus named bookmarks.
// Versions are immutable snapshots addressed by position.
package history

import (
	"errors"
	"time"
)

// DefaultCap bounds how many past versions are retained. Evicted versions are
// permanently unrecoverable.
const DefaultCap = 50

var (
	ErrNoUndo           = errors.New("nothing to undo")
	ErrNoRedo           = errors.New("nothing to redo")
	ErrNoVersion        = errors.New("no version at that index")
	ErrBookmarkNotFound = errors.New("bookmark not found")
	// ErrBookmarkOrphaned marks a bookmark whose version was evicted by the
	// retention cap. Orphaned bookmarks are reported, never repointed.
	ErrBookmarkOrphaned = errors.New("bookmark version was evicted")
)

// Version is an immutable snapshot of a generated document.
type Version struct {
	Document        string `json:"document"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// History is owned by a single controller per conversation; it is not safe
// for concurrent use.
type History struct {
	cap       int
	past      []Version // oldest -> newest
	current   *Version
	future    []Version // nearest redo first
	bookmarks []Bookmark

	now func() time.Time
}

func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &History{cap: capacity, now: time.Now}
}

// Current returns the active version, if any.
func (h *History) Current() (Version, bool) {
	if h == nil || h.current == nil {
		return Version{}, false
	}
	return *h.current, true
}

// Len is the number of retained past versions (the current version not
// included).
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.past)
}

// FutureLen is the number of versions reachable via Redo.
func (h *History) FutureLen() int {
	if h == nil {
		return 0
	}
	return len(h.future)
}

// Past returns a copy of the retained past versions, oldest first.
func (h *History) Past() []Version {
	if h == nil || len(h.past) == 0 {
		return nil
	}
	out := make([]Version, len(h.past))
	copy(out, h.past)
	return out
}

// Version returns the version at index. index == Len() addresses the current
// version.
func (h *History) Version(index int) (Version, error) {
	if h == nil || index < 0 {
		return Version{}, ErrNoVersion
	}
	if index < len(h.past) {
		return h.past[index], nil
	}
	if index == len(h.past) && h.current != nil {
		return *h.current, nil
	}
	return Version{}, ErrNoVersion
}

// Push files a newly produced document as the current version. The previous
// current version moves into the past and the redo stack is cleared: a new
// version invalidates the old future.
func (h *History) Push(document string) {
	if h.current != nil {
		h.past = append(h.past, *h.current)
	}
	v := Version{Document: document, CreatedAtUnixMs: h.now().UnixMilli()}
	h.current = &v
	h.future = nil
	h.evict()
}

// Undo reactivates the previous version. The displaced current version goes
// onto the redo stack; nothing is discarded.
func (h *History) Undo() (Version, error) {
	if h == nil || h.current == nil || len(h.past) == 0 {
		return Version{}, ErrNoUndo
	}
	h.future = append([]Version{*h.current}, h.future...)
	v := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.current = &v
	return v, nil
}

// Redo reverses the most recent Undo. It never clears the redo stack beyond
// the entry it consumes.
func (h *History) Redo() (Version, error) {
	if h == nil || h.current == nil || len(h.future) == 0 {
		return Version{}, ErrNoRedo
	}
	h.past = append(h.past, *h.current)
	v := h.future[0]
	h.future = h.future[1:]
	h.current = &v
	return v, nil
}

// Restore branches back to a historical version without deleting anything:
// the version being branched away from is appended to the past, and the redo
// stack is cleared. index == Len() re-activates the current version (still a
// branch: the old future is gone).
func (h *History) Restore(index int) (Version, error) {
	if h == nil || h.current == nil || index < 0 || index > len(h.past) {
		return Version{}, ErrNoVersion
	}
	if index == len(h.past) {
		h.future = nil
		return *h.current, nil
	}
	v := h.past[index]
	h.past = append(h.past, *h.current)
	h.current = &v
	h.future = nil
	h.evict()
	return v, nil
}

// DiscardNewest permanently removes the n newest versions. This is the
// edit-replay truncation: unlike Undo it is destructive and cannot be redone.
func (h *History) DiscardNewest(n int) {
	if h == nil || n <= 0 {
		return
	}
	h.future = nil
	for ; n > 0 && h.current != nil; n-- {
		if len(h.past) > 0 {
			v := h.past[len(h.past)-1]
			h.past = h.past[:len(h.past)-1]
			h.current = &v
		} else {
			h.current = nil
		}
	}
	maxValid := len(h.past) - 1
	if h.current != nil {
		maxValid = len(h.past)
	}
	for i := range h.bookmarks {
		if !h.bookmarks[i].Orphaned && h.bookmarks[i].VersionIndex > maxValid {
			h.bookmarks[i].Orphaned = true
		}
	}
}

// evict enforces the retention cap on past versions, oldest first. Bookmarks
// pointing at an evicted version become orphaned; the rest shift down so they
// keep pointing at the same snapshot.
func (h *History) evict() {
	for len(h.past) > h.cap {
		h.past = h.past[1:]
		for i := range h.bookmarks {
			b := &h.bookmarks[i]
			if b.Orphaned {
				continue
			}
			if b.VersionIndex == 0 {
				b.Orphaned = true
				continue
			}
			b.VersionIndex--
		}
	}
}
