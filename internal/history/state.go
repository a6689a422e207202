package history

// State is the serializable snapshot of a history. The projectstore persists
// it as part of a project record; the shapes here define the format.
type State struct {
	Past      []Version  `json:"past,omitempty"`
	Current   *Version   `json:"current,omitempty"`
	Future    []Version  `json:"future,omitempty"`
	Bookmarks []Bookmark `json:"bookmarks,omitempty"`
}

// State snapshots the history for persistence.
func (h *History) State() State {
	st := State{
		Past:      h.Past(),
		Bookmarks: h.Bookmarks(),
	}
	if h.current != nil {
		cur := *h.current
		st.Current = &cur
	}
	if len(h.future) > 0 {
		st.Future = make([]Version, len(h.future))
		copy(st.Future, h.future)
	}
	return st
}

// Load rebuilds a history from a persisted snapshot, re-applying the
// retention cap in case it shrank since the snapshot was taken.
func Load(st State, capacity int) *History {
	h := New(capacity)
	h.past = append(h.past, st.Past...)
	if st.Current != nil {
		cur := *st.Current
		h.current = &cur
	}
	h.future = append(h.future, st.Future...)
	h.bookmarks = append(h.bookmarks, st.Bookmarks...)
	h.evict()
	return h
}
