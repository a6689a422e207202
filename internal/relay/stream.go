package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/pagesmith/pagesmith/internal/structured"
)

// eventWriter emits wire events as NDJSON, one per line, flushing after each
// write so token events defeat idle-connection timeouts along the path.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	f   http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	ew := &eventWriter{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		ew.f = f
	}
	return ew
}

// token forwards one verbatim model output fragment.
func (s *eventWriter) token(text string) error {
	return s.write(Event{Type: EventToken, Text: text})
}

// done terminates the stream with the decoded response.
func (s *eventWriter) done(resp *structured.Response) error {
	return s.write(Event{Type: EventDone, Response: resp})
}

// fail terminates the stream with a user-safe error message.
func (s *eventWriter) fail(message string) error {
	return s.write(Event{Type: EventError, Message: message})
}

func (s *eventWriter) write(ev Event) error {
	if s == nil || s.enc == nil {
		return errors.New("stream not ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Encode appends the newline.
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
