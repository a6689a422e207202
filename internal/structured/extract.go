package structured

import (
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Extractor pulls a best-effort live value of the "message" field out of a
// growing raw-text buffer, without waiting for the full payload to parse.
// Output is purely cosmetic (progressive display); the terminal decode never
// depends on it.
//
// Not safe for concurrent use; one extractor serves one in-flight request.
type Extractor struct {
	buf strings.Builder
}

// Append adds the next verbatim fragment of model output.
func (e *Extractor) Append(fragment string) {
	e.buf.WriteString(fragment)
}

// Reset discards the accumulated buffer so the extractor can serve a new
// request.
func (e *Extractor) Reset() {
	e.buf.Reset()
}

// Message returns the message value decoded up to the last fully received
// character. Partial escape sequences, partial field names, and incomplete
// trailing UTF-8 sequences are never exposed. When the buffer is clearly not
// JSON, the raw prose streams through verbatim.
func (e *Extractor) Message() string {
	raw := e.buf.String()
	trimmed := strings.TrimLeft(raw, " \t\r\n")
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "```") {
		nl := strings.IndexByte(trimmed, '\n')
		if nl < 0 {
			// Still inside the opening fence line.
			return ""
		}
		trimmed = strings.TrimLeft(trimmed[nl+1:], " \t\r\n")
		if trimmed == "" {
			return ""
		}
	}
	if trimmed[0] != '{' {
		return trimTrailingPartialRune(trimmed)
	}

	key := strings.Index(trimmed, `"message"`)
	if key < 0 {
		return ""
	}
	rest := trimmed[key+len(`"message"`):]
	i := 0
	for i < len(rest) && isJSONSpace(rest[i]) {
		i++
	}
	if i >= len(rest) || rest[i] != ':' {
		return ""
	}
	i++
	for i < len(rest) && isJSONSpace(rest[i]) {
		i++
	}
	if i >= len(rest) || rest[i] != '"' {
		return ""
	}
	return decodeStringPrefix(rest[i+1:])
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// decodeStringPrefix decodes a JSON string body up to its closing quote or up
// to the last complete escape sequence when the buffer ends mid-string.
func decodeStringPrefix(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '"' {
			break
		}
		if c == '\\' {
			if i+1 >= len(s) {
				break // incomplete escape, wait for more bytes
			}
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\', '/':
				b.WriteByte(s[i+1])
			case 'b', 'f':
				// dropped: never meaningful in a chat message
			case 'u':
				r, consumed, ok := decodeUnicodeEscape(s[i:])
				if !ok {
					return trimTrailingPartialRune(b.String())
				}
				b.WriteRune(r)
				i += consumed
				continue
			default:
				// Unknown escape; keep the literal character.
				b.WriteByte(s[i+1])
			}
			i += 2
			continue
		}
		if c < 0x20 {
			// Raw control bytes are invalid inside a JSON string; skip.
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return trimTrailingPartialRune(b.String())
}

// decodeUnicodeEscape decodes \uXXXX at the start of s, pairing surrogates
// when the low half has fully arrived. ok is false while the escape is still
// incomplete.
func decodeUnicodeEscape(s string) (rune, int, bool) {
	if len(s) < 6 {
		return 0, 0, false
	}
	hi, err := strconv.ParseUint(s[2:6], 16, 32)
	if err != nil {
		// Malformed escape; surface the replacement char and move on.
		return utf8.RuneError, 6, true
	}
	r := rune(hi)
	if !utf16.IsSurrogate(r) {
		return r, 6, true
	}
	if len(s) < 12 || s[6] != '\\' || s[7] != 'u' {
		return 0, 0, false
	}
	lo, err := strconv.ParseUint(s[8:12], 16, 32)
	if err != nil {
		return utf8.RuneError, 12, true
	}
	return utf16.DecodeRune(r, rune(lo)), 12, true
}

// trimTrailingPartialRune drops an incomplete multi-byte UTF-8 sequence at
// the end of s so a half-received rune never reaches the UI.
func trimTrailingPartialRune(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}
