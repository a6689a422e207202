// Package generate is the client side of the relay protocol: it opens a
// generation stream, tracks the conversation transcript, and commits finished
// documents into version history.
package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pagesmith/pagesmith/internal/relay"
)

// maxEventBytes bounds one NDJSON line; the done event carries the whole
// generated document.
const maxEventBytes = 16 << 20

// ServerError is a non-200 rejection from the relay, carrying the user-safe
// message from the error-event body.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request (status %d): %s", e.Status, e.Message)
}

// Client speaks the relay's NDJSON protocol.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// No overall client timeout: generation streams legitimately run for
		// minutes. Cancellation comes from ctx.
		http: &http.Client{},
	}
}

// Stream posts req and invokes onEvent for every event line until the server
// closes the stream. A non-nil error from onEvent aborts the stream.
func (c *Client) Stream(ctx context.Context, req relay.GenerateRequest, onEvent func(relay.Event) error) error {
	if c == nil {
		return errors.New("nil client")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readServerError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev relay.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("malformed event line: %w", err)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}

func readServerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	serr := &ServerError{Status: resp.StatusCode, Message: "request failed"}
	var ev relay.Event
	if err := json.Unmarshal(raw, &ev); err == nil && strings.TrimSpace(ev.Message) != "" {
		serr.Message = ev.Message
	}
	return serr
}

// streamer lets tests substitute a scripted event source for the HTTP client.
type streamer interface {
	Stream(ctx context.Context, req relay.GenerateRequest, onEvent func(relay.Event) error) error
}

var _ streamer = (*Client)(nil)
