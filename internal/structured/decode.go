package structured

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Response is the decoded shape of one completed generation. The wire field
// names are fixed by the client protocol.
type Response struct {
	Message          string            `json:"message"`
	SuggestedReplies []string          `json:"suggestedReplies,omitempty"`
	UploadPrompt     string            `json:"uploadPrompt,omitempty"`
	Document         string            `json:"document,omitempty"`
	Plan             string            `json:"plan,omitempty"`
	QAReport         string            `json:"qaReport,omitempty"`
	LearnedContext   map[string]string `json:"learnedContext,omitempty"`
}

const (
	emptyResponseMessage = "The model returned an empty response. Please try again."
	documentOnlyMessage  = "Here is the updated page."
)

// strategy attempts one way of reading raw model output. ok is false when the
// strategy does not apply, and the chain moves on to the next one.
type strategy func(raw string) (Response, bool)

// Ordered from strictest to loosest. The raw-text fallback in Decode is the
// guaranteed-total terminal strategy.
var strategies = []strategy{decodeDirect, decodeFenced, decodeBraceScan}

// Decode turns accumulated model output into a Response. It is total: any
// input, including empty, whitespace-only, or arbitrary non-JSON text, yields
// a Response with a non-empty message. It never returns an error because raw
// text is still useful to a user.
func Decode(raw string) Response {
	for _, s := range strategies {
		if resp, ok := s(raw); ok {
			return resp
		}
	}
	msg := strings.TrimSpace(raw)
	if msg == "" {
		msg = emptyResponseMessage
	}
	return Response{Message: msg}
}

func decodeDirect(raw string) (Response, bool) {
	return decodeObject(strings.TrimSpace(raw))
}

// decodeFenced pulls the body out of the first ``` fenced block, tolerating
// an info string ("json", "html", ...) after the opening fence and a missing
// closing fence on truncated output.
func decodeFenced(raw string) (Response, bool) {
	start := strings.Index(raw, "```")
	if start < 0 {
		return Response{}, false
	}
	rest := raw[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return decodeObject(strings.TrimSpace(rest))
}

// decodeBraceScan finds the first balanced top-level JSON object in raw,
// skipping braces inside string literals. This recovers payloads the model
// wrapped in prose.
func decodeBraceScan(raw string) (Response, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return Response{}, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return decodeObject(raw[start : i+1])
			}
		}
	}
	return Response{}, false
}

// decodeObject maps one JSON object onto a Response. Field lookups are
// tolerant: a wrongly typed field degrades to its string form instead of
// failing the whole object.
func decodeObject(candidate string) (Response, bool) {
	if candidate == "" || candidate[0] != '{' || !gjson.Valid(candidate) {
		return Response{}, false
	}
	doc := gjson.Parse(candidate)
	if !doc.IsObject() {
		return Response{}, false
	}
	resp := Response{
		Message:      doc.Get("message").String(),
		UploadPrompt: doc.Get("uploadPrompt").String(),
		Document:     doc.Get("document").String(),
		Plan:         doc.Get("plan").String(),
		QAReport:     doc.Get("qaReport").String(),
	}
	if replies := doc.Get("suggestedReplies"); replies.IsArray() {
		for _, r := range replies.Array() {
			if s := strings.TrimSpace(r.String()); s != "" {
				resp.SuggestedReplies = append(resp.SuggestedReplies, s)
			}
		}
	}
	if lc := doc.Get("learnedContext"); lc.IsObject() {
		m := lc.Map()
		resp.LearnedContext = make(map[string]string, len(m))
		for k, v := range m {
			resp.LearnedContext[k] = v.String()
		}
	}
	if strings.TrimSpace(resp.Message) == "" && strings.TrimSpace(resp.Document) == "" {
		// An object carrying neither message nor document is not a model
		// payload (e.g. a JSON fragment quoted inside prose). Let the raw-text
		// fallback keep the surrounding text instead.
		return Response{}, false
	}
	if strings.TrimSpace(resp.Message) == "" {
		resp.Message = documentOnlyMessage
	}
	return resp, true
}
