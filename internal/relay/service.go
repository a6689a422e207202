package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pagesmith/pagesmith/internal/structured"
)

const maxRequestBytes = 32 << 20 // generous: transcripts carry inline image payloads

// User-safe failure text. Raw provider errors may reveal billing or internal
// detail and are only ever logged.
const (
	msgRateLimited    = "You're sending messages too quickly. Wait a moment and try again."
	msgMessageTooLong = "Your message is too long. Shorten it and try again."
	msgBadRequest     = "The request could not be read. Refresh and try again."
	msgProviderDown   = "The AI service had a problem with this request. Please try again."
	msgTimedOut       = "Generation took too long and was stopped. Please try again."
	msgSuperseded     = "This request was replaced by a newer one."
)

type Options struct {
	Log      *slog.Logger
	Provider Provider
	Model    string

	// MaxMessageBytes bounds the newest user message; oversized input is
	// rejected before any stream opens.
	MaxMessageBytes int
	// DocContextBytes caps the current-document snapshot embedded as model
	// context; the oldest bytes are dropped.
	DocContextBytes int
	// RelayTimeout is the wall-clock ceiling for one relay call.
	RelayTimeout time.Duration

	RequestsPerMinute int
	Burst             int
}

// Service relays generation requests to the configured provider. Each HTTP
// request gets its own goroutine and its own upstream provider call; the only
// cross-request state is the rate-limit registry and the in-flight table.
type Service struct {
	log      *slog.Logger
	provider Provider
	model    string

	maxMessageBytes int
	docContextBytes int
	relayTimeout    time.Duration

	limiters *limiterRegistry

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

type inflightEntry struct {
	cancel context.CancelFunc
}

func New(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing provider")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:             log,
		provider:        opts.Provider,
		model:           strings.TrimSpace(opts.Model),
		maxMessageBytes: opts.MaxMessageBytes,
		docContextBytes: opts.DocContextBytes,
		relayTimeout:    opts.RelayTimeout,
		limiters:        newLimiterRegistry(opts.RequestsPerMinute, opts.Burst),
		inflight:        make(map[string]*inflightEntry),
	}, nil
}

// Register mounts the relay endpoints on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/generate", s.handleGenerate)
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEventError(w, http.StatusMethodNotAllowed, msgBadRequest)
		return
	}
	caller := callerKey(r)
	if !s.limiters.allow(caller, time.Now()) {
		writeEventError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil || len(body) > maxRequestBytes {
		writeEventError(w, http.StatusRequestEntityTooLarge, msgBadRequest)
		return
	}
	var req GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeEventError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		writeEventError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if s.maxMessageBytes > 0 {
		if newest := req.Messages[len(req.Messages)-1]; len(newest.Content) > s.maxMessageBytes {
			writeEventError(w, http.StatusRequestEntityTooLarge, msgMessageTooLong)
			return
		}
	}
	req.CurrentDocument = TruncateDocumentContext(req.CurrentDocument, s.docContextBytes)

	ctx := r.Context()
	var cancelTimeout context.CancelFunc
	if s.relayTimeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, s.relayTimeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Server-side single-flight mirror: a new request for the same
	// conversation cancels the previous one so abandoned upstream calls do
	// not keep burning provider cost.
	convKey := strings.TrimSpace(req.ConversationID)
	if convKey == "" {
		convKey = caller
	}
	release := s.claimInflight(convKey, cancel)
	defer release()

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	stream := newEventWriter(w)

	started := time.Now()
	var acc strings.Builder
	full, err := s.provider.StreamCompletion(ctx, CompletionRequest{
		Model:           s.model,
		Messages:        req.Messages,
		Images:          req.Images,
		CurrentDocument: req.CurrentDocument,
		Context:         req.Context,
	}, func(delta string) {
		acc.WriteString(delta)
		if err := stream.token(delta); err != nil {
			s.log.Debug("token write failed", "conversation", convKey, "err", err)
		}
	})
	if err != nil {
		if r.Context().Err() != nil {
			// Client is gone; the upstream call was already aborted through
			// ctx. There is nobody left to write a terminal event to.
			s.log.Debug("client disconnected", "conversation", convKey, "elapsed", time.Since(started))
			return
		}
		// Always emit the terminal event, even after tokens have flowed: the
		// client must learn that streaming has ended.
		s.log.Error("provider call failed", "conversation", convKey, "err", err, "elapsed", time.Since(started))
		_ = stream.fail(safeErrorMessage(ctx, err))
		return
	}
	if full == "" {
		full = acc.String()
	}

	// The terminal payload always goes through the total decoder, so the
	// client receives a structured object even for malformed model output.
	resp := structured.Decode(full)
	if err := stream.done(&resp); err != nil {
		s.log.Debug("terminal write failed", "conversation", convKey, "err", err)
	}
	s.log.Info("generation relayed",
		"conversation", convKey,
		"chars", len(full),
		"has_document", resp.Document != "",
		"elapsed", time.Since(started))
}

func (s *Service) claimInflight(key string, cancel context.CancelFunc) func() {
	entry := &inflightEntry{cancel: cancel}
	s.mu.Lock()
	if prev := s.inflight[key]; prev != nil {
		prev.cancel()
	}
	s.inflight[key] = entry
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.inflight[key] == entry {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
	}
}

// safeErrorMessage maps an upstream failure to user-safe text.
func safeErrorMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return msgTimedOut
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return msgSuperseded
	default:
		return msgProviderDown
	}
}

// writeEventError rejects a request before any stream opens, reusing the
// terminal-error shape so clients parse one format.
func writeEventError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Event{Type: EventError, Message: message})
}

func callerKey(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
