package structured

import (
	"strings"
	"testing"
)

func feed(e *Extractor, fragments ...string) {
	for _, f := range fragments {
		e.Append(f)
	}
}

func TestExtractor_PlainJSONPrefix(t *testing.T) {
	t.Parallel()

	e := &Extractor{}
	feed(e, `{"mess`)
	if got := e.Message(); got != "" {
		t.Fatalf("partial field name leaked: %q", got)
	}
	feed(e, `age": "Hel`)
	if got := e.Message(); got != "Hel" {
		t.Fatalf("Message=%q, want Hel", got)
	}
	feed(e, `lo there"`)
	if got := e.Message(); got != "Hello there" {
		t.Fatalf("Message=%q, want Hello there", got)
	}
	feed(e, `, "document": "<html>"}`)
	if got := e.Message(); got != "Hello there" {
		t.Fatalf("Message after close=%q, want Hello there", got)
	}
}

func TestExtractor_EscapeSequences(t *testing.T) {
	t.Parallel()

	e := &Extractor{}
	feed(e, `{"message":"line1\nline2 \"quoted\" é`)
	if got := e.Message(); got != "line1\nline2 \"quoted\" é" {
		t.Fatalf("Message=%q", got)
	}
}

func TestExtractor_IncompleteEscapeNotExposed(t *testing.T) {
	t.Parallel()

	e := &Extractor{}
	feed(e, `{"message":"wait\`)
	if got := e.Message(); got != "wait" {
		t.Fatalf("trailing backslash leaked: %q", got)
	}

	e2 := &Extractor{}
	feed(e2, `{"message":"emoji \ud83d`)
	if got := e2.Message(); got != "emoji " {
		t.Fatalf("lone surrogate leaked: %q", got)
	}
	feed(e2, `\ude00 done`)
	if got := e2.Message(); got != "emoji \U0001F600 done" {
		t.Fatalf("surrogate pair not joined: %q", got)
	}
}

func TestExtractor_IncompleteUTF8NotExposed(t *testing.T) {
	t.Parallel()

	// "é" is 0xC3 0xA9; cut the buffer between the two bytes.
	e := &Extractor{}
	feed(e, `{"message":"caf`+"\xc3")
	got := e.Message()
	if got != "caf" {
		t.Fatalf("partial rune leaked: %q", got)
	}
	feed(e, "\xa9")
	if got := e.Message(); got != "café" {
		t.Fatalf("Message=%q, want café", got)
	}
}

func TestExtractor_NoControlCharacters(t *testing.T) {
	t.Parallel()

	full := `{"message":"a\tb\nc","suggestedReplies":["x"]}`
	for cut := 0; cut <= len(full); cut++ {
		e := &Extractor{}
		e.Append(full[:cut])
		got := e.Message()
		for _, r := range got {
			if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
				t.Fatalf("cut=%d: control character %q in %q", cut, r, got)
			}
		}
		if strings.Contains(got, `"suggested`) || strings.Contains(got, "suggestedReplies") {
			t.Fatalf("cut=%d: trailing field name leaked into %q", cut, got)
		}
	}
}

func TestExtractor_PlainProseStreamsThrough(t *testing.T) {
	t.Parallel()

	e := &Extractor{}
	feed(e, "I can't generate that ", "page, sorry.")
	if got := e.Message(); got != "I can't generate that page, sorry." {
		t.Fatalf("Message=%q", got)
	}
}

func TestExtractor_FencedJSONPrefix(t *testing.T) {
	t.Parallel()

	e := &Extractor{}
	feed(e, "```json")
	if got := e.Message(); got != "" {
		t.Fatalf("fence line leaked: %q", got)
	}
	feed(e, "\n", `{"message":"Hi the`)
	if got := e.Message(); got != "Hi the" {
		t.Fatalf("Message=%q, want Hi the", got)
	}
}

func TestExtractor_Reset(t *testing.T) {
	t.Parallel()

	e := &Extractor{}
	feed(e, `{"message":"old"`)
	e.Reset()
	if got := e.Message(); got != "" {
		t.Fatalf("Message after Reset=%q", got)
	}
}
