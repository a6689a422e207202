package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith/internal/history"
	"github.com/pagesmith/pagesmith/internal/imagepool"
	"github.com/pagesmith/pagesmith/internal/imageres"
	"github.com/pagesmith/pagesmith/internal/relay"
	"github.com/pagesmith/pagesmith/internal/structured"
)

var (
	// ErrStopped means the user stopped this generation; its optimistic
	// transcript entry has been retracted.
	ErrStopped = errors.New("generation stopped")
	// ErrSuperseded means a newer Send replaced this generation; the
	// transcript is left for the newer request to build on.
	ErrSuperseded = errors.New("generation superseded")

	ErrEmptyMessage    = errors.New("message is empty")
	ErrMessageNotFound = errors.New("message not found")
)

const defaultLiveInterval = 50 * time.Millisecond

// Message is one transcript entry on the client side.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	// ProducedVersion is the history index of the document this assistant
	// turn produced, or -1.
	ProducedVersion int `json:"produced_version"`
	// ImageIDs are the pool images attached to this user turn; edit-replay
	// reuses them.
	ImageIDs []string `json:"image_ids,omitempty"`
}

type Options struct {
	Log            *slog.Logger
	Client         streamer
	History        *history.History
	Pool           *imagepool.Pool
	ConversationID string

	// DocContextBytes caps the document snapshot sent with each request.
	DocContextBytes int
	// LiveInterval throttles OnLiveMessage callbacks.
	LiveInterval time.Duration
	// OnLiveMessage receives the progressively extracted message text during
	// streaming. Purely cosmetic; the final transcript entry comes from the
	// terminal decode.
	OnLiveMessage func(text string)
}

// Controller drives generations for one conversation: it enforces single
// flight, keeps the transcript, and commits finished documents into history.
// All exported methods are safe for concurrent use except History, see there.
type Controller struct {
	log    *slog.Logger
	client streamer
	hist   *history.History
	pool   *imagepool.Pool
	conv   string

	docContextBytes int
	liveInterval    time.Duration
	onLive          func(string)
	now             func() time.Time

	mu         sync.Mutex
	transcript []Message
	learned    map[string]string
	gen        int
	cancel     context.CancelFunc
}

func NewController(opts Options) (*Controller, error) {
	if opts.Client == nil {
		return nil, errors.New("missing client")
	}
	if opts.History == nil {
		opts.History = history.New(0)
	}
	if opts.Pool == nil {
		opts.Pool = imagepool.NewPool()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	conv := strings.TrimSpace(opts.ConversationID)
	if conv == "" {
		conv = uuid.NewString()
	}
	interval := opts.LiveInterval
	if interval <= 0 {
		interval = defaultLiveInterval
	}
	return &Controller{
		log:             log,
		client:          opts.Client,
		hist:            opts.History,
		pool:            opts.Pool,
		conv:            conv,
		docContextBytes: opts.DocContextBytes,
		liveInterval:    interval,
		onLive:          opts.OnLiveMessage,
		now:             time.Now,
		learned:         make(map[string]string),
	}, nil
}

func (c *Controller) ConversationID() string { return c.conv }

// Pool returns the conversation's image pool.
func (c *Controller) Pool() *imagepool.Pool { return c.pool }

// History returns the version history. It is not safe to use while a Send is
// in flight; call it between generations.
func (c *Controller) History() *history.History { return c.hist }

// Transcript returns a snapshot of the conversation, oldest first.
func (c *Controller) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transcript) == 0 {
		return nil
	}
	out := make([]Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Learned returns a copy of the facts accumulated from finished generations.
func (c *Controller) Learned() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.learned) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.learned))
	for k, v := range c.learned {
		out[k] = v
	}
	return out
}

// Load replaces the transcript and learned facts, used when resuming a saved
// project. Must not be called while a Send is in flight.
func (c *Controller) Load(transcript []Message, learned map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append([]Message(nil), transcript...)
	c.learned = make(map[string]string, len(learned))
	for k, v := range learned {
		c.learned[k] = v
	}
}

// Send runs one generation for text, attaching the images uploaded since the
// previous turn as this turn's images. A Send issued while another is in
// flight cancels the older one (the older call returns ErrSuperseded). On
// failure or Stop the optimistic user message is retracted and history is
// untouched; its images count as unattached again.
func (c *Controller) Send(ctx context.Context, text string) (structured.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return structured.Response{}, ErrEmptyMessage
	}
	return c.send(ctx, text, c.unattachedImageIDs())
}

// unattachedImageIDs returns pool images no transcript turn has claimed yet,
// in upload order. The transcript is the source of truth so the partition
// survives Load and retraction.
func (c *Controller) unattachedImageIDs() []string {
	c.mu.Lock()
	used := make(map[string]struct{})
	for _, m := range c.transcript {
		for _, id := range m.ImageIDs {
			used[id] = struct{}{}
		}
	}
	c.mu.Unlock()

	var out []string
	for _, im := range c.pool.All() {
		if _, ok := used[im.ID]; !ok {
			out = append(out, im.ID)
		}
	}
	return out
}

func (c *Controller) send(ctx context.Context, text string, imageIDs []string) (structured.Response, error) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.gen++
	myGen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	userMsg := Message{
		ID:              uuid.NewString(),
		Role:            "user",
		Content:         text,
		ProducedVersion: -1,
		ImageIDs:        imageIDs,
	}
	c.transcript = append(c.transcript, userMsg)
	req := c.buildRequestLocked(imageIDs)
	c.mu.Unlock()

	resp, err := c.run(runCtx, req)
	// Read the cancellation state before releasing runCtx ourselves, so a
	// genuine failure is not mistaken for a Stop.
	stopped := runCtx.Err() != nil
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != myGen {
		// A newer Send owns the transcript now; the optimistic message stays
		// as part of its context.
		return structured.Response{}, ErrSuperseded
	}
	c.cancel = nil
	if err != nil {
		c.retractLocked(userMsg.ID)
		if stopped {
			c.log.Debug("generation stopped", "conversation", c.conv)
			return structured.Response{}, ErrStopped
		}
		c.log.Warn("generation failed", "conversation", c.conv, "err", err)
		return structured.Response{}, err
	}
	c.commitLocked(&resp, imageIDs)
	return resp, nil
}

// run streams events for one request. It returns the decoded terminal
// response or an error; a stream that ends without a terminal event is a
// protocol violation.
func (c *Controller) run(ctx context.Context, req relay.GenerateRequest) (structured.Response, error) {
	var (
		ex       structured.Extractor
		resp     structured.Response
		terminal bool
		errMsg   string
		lastLive time.Time
	)
	err := c.client.Stream(ctx, req, func(ev relay.Event) error {
		switch ev.Type {
		case relay.EventToken:
			ex.Append(ev.Text)
			if c.onLive != nil {
				if now := c.now(); now.Sub(lastLive) >= c.liveInterval {
					lastLive = now
					c.onLive(ex.Message())
				}
			}
		case relay.EventDone:
			terminal = true
			if ev.Response != nil {
				resp = *ev.Response
			}
		case relay.EventError:
			terminal = true
			errMsg = ev.Message
		}
		return nil
	})
	if err != nil {
		return structured.Response{}, err
	}
	if !terminal {
		return structured.Response{}, errors.New("stream ended without a terminal event")
	}
	if errMsg != "" {
		return structured.Response{}, fmt.Errorf("generation failed: %s", errMsg)
	}
	if c.onLive != nil && resp.Message != "" {
		c.onLive(resp.Message)
	}
	return resp, nil
}

// commitLocked finalizes a successful generation: the document is resolved
// against uploaded images, pushed into history, and the assistant turn is
// appended. c.mu must be held.
func (c *Controller) commitLocked(resp *structured.Response, imageIDs []string) {
	produced := -1
	if strings.TrimSpace(resp.Document) != "" {
		all := c.pool.All()
		resp.Document = imageres.Resolve(resp.Document, imageres.Input{
			Current:      imagesByID(all, imageIDs),
			Conversation: all,
		})
		c.hist.Push(resp.Document)
		produced = c.hist.Len()
	}
	c.transcript = append(c.transcript, Message{
		ID:              uuid.NewString(),
		Role:            "assistant",
		Content:         resp.Message,
		ProducedVersion: produced,
	})
	for k, v := range resp.LearnedContext {
		c.learned[k] = v
	}
	c.log.Info("generation committed",
		"conversation", c.conv,
		"version", produced,
		"learned", len(resp.LearnedContext))
}

func (c *Controller) retractLocked(messageID string) {
	for i := len(c.transcript) - 1; i >= 0; i-- {
		if c.transcript[i].ID == messageID {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
			return
		}
	}
}

// Stop cancels the in-flight generation, if any. The canceled Send retracts
// its optimistic message and returns ErrStopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// EditMessage rewrites an earlier user message and replays the conversation
// from that point: everything after it is removed from the transcript, the
// document versions those turns produced are permanently discarded, and the
// edited text is resent with the originally attached images.
func (c *Controller) EditMessage(ctx context.Context, messageID string, newText string) (structured.Response, error) {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return structured.Response{}, ErrEmptyMessage
	}

	c.mu.Lock()
	idx := -1
	for i, m := range c.transcript {
		if m.ID == messageID && m.Role == "user" {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return structured.Response{}, ErrMessageNotFound
	}
	discard := 0
	for _, m := range c.transcript[idx:] {
		if m.ProducedVersion >= 0 {
			discard++
		}
	}
	imageIDs := append([]string(nil), c.transcript[idx].ImageIDs...)
	c.transcript = c.transcript[:idx]
	c.hist.DiscardNewest(discard)
	c.mu.Unlock()

	return c.send(ctx, newText, imageIDs)
}

// buildRequestLocked snapshots the request for one generation. c.mu must be
// held.
func (c *Controller) buildRequestLocked(imageIDs []string) relay.GenerateRequest {
	req := relay.GenerateRequest{
		ConversationID: c.conv,
		Messages:       make([]relay.WireMessage, 0, len(c.transcript)),
	}
	for _, m := range c.transcript {
		req.Messages = append(req.Messages, relay.WireMessage{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	for _, im := range imagesByID(c.pool.All(), imageIDs) {
		req.Images = append(req.Images, relay.WireImage{
			ID:    im.ID,
			Data:  im.Data,
			URL:   im.URL,
			Kind:  string(im.Kind),
			Label: im.Label,
		})
	}
	if cur, ok := c.hist.Current(); ok {
		req.CurrentDocument = relay.TruncateDocumentContext(cur.Document, c.docContextBytes)
	}
	if len(c.learned) > 0 {
		req.Context = make(map[string]string, len(c.learned))
		for k, v := range c.learned {
			req.Context[k] = v
		}
	}
	return req
}

func imagesByID(all []imagepool.Image, ids []string) []imagepool.Image {
	if len(ids) == 0 {
		return nil
	}
	byID := make(map[string]imagepool.Image, len(all))
	for _, im := range all {
		byID[im.ID] = im
	}
	out := make([]imagepool.Image, 0, len(ids))
	for _, id := range ids {
		if im, ok := byID[id]; ok {
			out = append(out, im)
		}
	}
	return out
}
