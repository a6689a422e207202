package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 8192

// CompletionRequest is the provider-neutral shape of one relay call.
type CompletionRequest struct {
	Model           string
	Messages        []WireMessage
	Images          []WireImage
	CurrentDocument string
	Context         map[string]string
}

// Provider streams one completion, invoking onDelta for each verbatim output
// fragment, and returns the full accumulated text. The LLM is opaque: the
// relay never interprets fragments, only forwards and accumulates them.
type Provider interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onDelta func(text string)) (string, error)
}

// NewProvider builds a provider adapter from config. providerType is
// "openai", "openai_compatible", or "anthropic".
func NewProvider(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// contextText folds the document snapshot and learned facts into one
// instruction block. Prompting strategy is the caller's concern; this is
// purely mechanical embedding.
func contextText(req CompletionRequest) string {
	var b strings.Builder
	if doc := strings.TrimSpace(req.CurrentDocument); doc != "" {
		b.WriteString("Current document:\n")
		b.WriteString(doc)
	}
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Known facts:")
		for _, k := range keys {
			b.WriteString("\n- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(req.Context[k])
		}
	}
	return b.String()
}

// lastUserIndex finds the newest user turn; attached images ride on it.
func lastUserIndex(messages []WireMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.ToLower(strings.TrimSpace(messages[i].Role)) == "user" {
			return i
		}
	}
	return -1
}

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta func(text string)) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
	}
	if instructions := contextText(req); instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	items := make(oresponses.ResponseInputParam, 0, len(req.Messages))
	imageTurn := lastUserIndex(req.Messages)
	for i, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		txt := strings.TrimSpace(msg.Content)
		if role == "assistant" {
			if txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			continue
		}
		content := make(oresponses.ResponseInputMessageContentListParam, 0, 2)
		if txt != "" {
			content = append(content, oresponses.ResponseInputContentUnionParam{
				OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
			})
		}
		if i == imageTurn {
			for _, im := range req.Images {
				uri := imageURI(im)
				if uri == "" {
					continue
				}
				content = append(content, oresponses.ResponseInputContentUnionParam{
					OfInputImage: &oresponses.ResponseInputImageParam{
						Detail:   oresponses.ResponseInputImageDetailAuto,
						ImageURL: openai.String(uri),
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
	}
	if len(items) == 0 {
		return "", errors.New("no messages to send")
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var buf strings.Builder
	for stream.Next() {
		event := stream.Current()
		if strings.TrimSpace(event.Type) != "response.output_text.delta" {
			continue
		}
		delta := event.Delta.OfString
		if delta == "" {
			continue
		}
		buf.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta func(text string)) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req),
	}
	if system := contextText(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	var buf strings.Builder
	for stream.Next() {
		event := stream.Current()
		variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := variant.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}
		buf.WriteString(delta.Text)
		if onDelta != nil {
			onDelta(delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildAnthropicMessages(req CompletionRequest) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(req.Messages))
	imageTurn := lastUserIndex(req.Messages)
	for i, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
		if txt := strings.TrimSpace(msg.Content); txt != "" {
			blocks = append(blocks, anthropic.NewTextBlock(txt))
		}
		if role != "assistant" && i == imageTurn {
			for _, im := range req.Images {
				uri := imageURI(im)
				if uri == "" {
					continue
				}
				if mediaType, b64, ok := splitDataURI(uri); ok {
					blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, b64))
				} else {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: uri}))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// imageURI prefers the hosted copy; the raw data URI works before the
// background upload finishes.
func imageURI(im WireImage) string {
	if s := strings.TrimSpace(im.URL); s != "" {
		return s
	}
	return strings.TrimSpace(im.Data)
}

func splitDataURI(uri string) (mediaType string, b64 string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	meta, data, found := strings.Cut(uri[len("data:"):], ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	data = strings.TrimSpace(data)
	if mediaType == "" || data == "" {
		return "", "", false
	}
	return mediaType, data, true
}
