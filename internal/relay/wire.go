// Package relay streams LLM completions to clients as newline-delimited JSON
// events: zero or more token events followed by exactly one terminal event.
package relay

import "github.com/pagesmith/pagesmith/internal/structured"

// Event kinds on the wire. Every request ends with exactly one terminal
// event ("done" or "error"); tokens are verbatim model output fragments.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// Event is one line of the server-to-client stream.
type Event struct {
	Type     string               `json:"type"`
	Text     string               `json:"text,omitempty"`
	Response *structured.Response `json:"response,omitempty"`
	Message  string               `json:"message,omitempty"`
}

// WireMessage is one transcript entry as sent by the client.
type WireMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// WireImage is an uploaded image as sent by the client, attached to the
// newest user turn.
type WireImage struct {
	ID    string `json:"id"`
	Data  string `json:"data,omitempty"`
	URL   string `json:"url,omitempty"`
	Kind  string `json:"kind,omitempty"` // "reference" | "content"
	Label string `json:"label,omitempty"`
}

// GenerateRequest is the single JSON object a client posts to open a
// generation stream.
type GenerateRequest struct {
	ConversationID  string            `json:"conversationId,omitempty"`
	Messages        []WireMessage     `json:"messages"`
	Images          []WireImage       `json:"images,omitempty"`
	CurrentDocument string            `json:"currentDocument,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
}
