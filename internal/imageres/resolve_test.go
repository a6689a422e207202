package imageres

import (
	"strings"
	"testing"

	"github.com/pagesmith/pagesmith/internal/imagepool"
)

func contentImage(id, data, url string) imagepool.Image {
	return imagepool.Image{ID: id, Data: data, URL: url, Kind: imagepool.KindContent}
}

func referenceImage(id, data string) imagepool.Image {
	return imagepool.Image{ID: id, Data: data, Kind: imagepool.KindReference}
}

func TestResolve_CurrentPlaceholder(t *testing.T) {
	t.Parallel()

	cur := []imagepool.Image{
		contentImage("a", "data:image/png;base64,AAAA", "https://img.example.com/a.png"),
		contentImage("b", "data:image/png;base64,BBBB", ""),
	}
	in := Input{Current: cur, Conversation: cur}

	doc := `<img src="{{CURRENT_IMAGE_0}}"><img src="{{CURRENT_IMAGE_1}}">`
	got := Resolve(doc, in)
	if !strings.Contains(got, "https://img.example.com/a.png") {
		t.Fatalf("hosted url not used: %s", got)
	}
	if !strings.Contains(got, "data:image/png;base64,BBBB") {
		t.Fatalf("raw payload not used for unhosted image: %s", got)
	}
}

func TestResolve_OutOfRangeClampsToLast(t *testing.T) {
	t.Parallel()

	cur := []imagepool.Image{
		contentImage("a", "data:image/png;base64,AAAA", ""),
		contentImage("b", "data:image/png;base64,BBBB", ""),
	}
	in := Input{Current: cur, Conversation: cur}

	got := Resolve(`<img src="{{CURRENT_IMAGE_7}}">`, in)
	if !strings.Contains(got, "BBBB") {
		t.Fatalf("out-of-range index did not clamp to last image: %s", got)
	}
}

func TestResolve_NoCurrentImagesFallsBackToPixel(t *testing.T) {
	t.Parallel()

	got := Resolve(`<img src="{{CURRENT_IMAGE_0}}">`, Input{})
	if !strings.Contains(got, imagepool.TransparentPixel) {
		t.Fatalf("missing pixel fallback: %s", got)
	}
	if strings.Contains(got, "{{CURRENT_IMAGE_0}}") {
		t.Fatalf("placeholder left behind: %s", got)
	}
}

func TestResolve_KindPlaceholdersAndFallback(t *testing.T) {
	t.Parallel()

	conv := []imagepool.Image{
		referenceImage("r", "data:image/png;base64,RRRR"),
	}
	in := Input{Conversation: conv}

	// No content images exist: content placeholder falls back to the
	// reference pool.
	got := Resolve(`<img src="{{CONTENT_IMAGE_0}}"><img src="{{REFERENCE_IMAGE_0}}">`, in)
	if strings.Count(got, "RRRR") != 2 {
		t.Fatalf("kind fallback failed: %s", got)
	}
}

func TestResolve_UnknownHostedURLReplaced(t *testing.T) {
	t.Parallel()

	conv := []imagepool.Image{
		contentImage("a", "", "https://img.example.com/real.png"),
	}
	in := Input{Conversation: conv}

	doc := `<img src="https://img.example.com/made-up.png"><img src="https://img.example.com/real.png">`
	got := Resolve(doc, in)
	if strings.Contains(got, "made-up.png") {
		t.Fatalf("fabricated url survived: %s", got)
	}
	if strings.Count(got, "https://img.example.com/real.png") != 2 {
		t.Fatalf("known url not preserved / not used as replacement: %s", got)
	}
}

func TestResolve_UnknownLargePayloadReplaced(t *testing.T) {
	t.Parallel()

	known := "data:image/png;base64," + strings.Repeat("K", 400)
	fabricated := "data:image/png;base64," + strings.Repeat("X", 400)
	conv := []imagepool.Image{contentImage("a", known, "")}
	in := Input{Conversation: conv}

	got := Resolve(`<img src="`+fabricated+`"><img src="`+known+`">`, in)
	if strings.Contains(got, fabricated) {
		t.Fatalf("fabricated payload survived")
	}
	if strings.Count(got, known) != 2 {
		t.Fatalf("known payload not preserved")
	}
}

func TestResolve_SmallInlineAssetsUntouched(t *testing.T) {
	t.Parallel()

	doc := `<img src="` + imagepool.TransparentPixel + `"><img src="logo.svg">`
	got := Resolve(doc, Input{})
	if got != doc {
		t.Fatalf("small inline assets rewritten:\n%s\n%s", doc, got)
	}
}

func TestResolve_ForcesDroppedCurrentImage(t *testing.T) {
	t.Parallel()

	cur := []imagepool.Image{contentImage("a", "data:image/png;base64,AAAA", "")}
	in := Input{Current: cur, Conversation: cur}

	doc := `<h1>Page</h1><img src="banner.png"><img src="second.png">`
	got := Resolve(doc, in)
	if !strings.Contains(got, `<img src="data:image/png;base64,AAAA">`) {
		t.Fatalf("first image not forced to the current upload: %s", got)
	}
	if !strings.Contains(got, "second.png") {
		t.Fatalf("later images must be left alone: %s", got)
	}
}

func TestResolve_ForceSkippedWhenCurrentPresent(t *testing.T) {
	t.Parallel()

	cur := []imagepool.Image{contentImage("a", "data:image/png;base64,AAAA", "")}
	in := Input{Current: cur, Conversation: cur}

	doc := `<img src="{{CURRENT_IMAGE_0}}"><img src="banner.png">`
	got := Resolve(doc, in)
	if !strings.Contains(got, "banner.png") {
		t.Fatalf("unrelated image rewritten: %s", got)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	t.Parallel()

	conv := []imagepool.Image{
		contentImage("a", "data:image/png;base64,"+strings.Repeat("A", 300), "https://img.example.com/a.png"),
		referenceImage("r", "data:image/png;base64,"+strings.Repeat("R", 300)),
	}
	in := Input{Current: conv[:1], Conversation: conv}

	docs := []string{
		`<img src="{{CURRENT_IMAGE_0}}">`,
		`<img src="{{CONTENT_IMAGE_3}}"><img src="{{REFERENCE_IMAGE_0}}">`,
		`<img src="https://img.example.com/fake.png">`,
		`<h1>no images at all</h1>`,
		`<img src="banner.png">`,
		`<img src="data:image/png;base64,` + strings.Repeat("Z", 400) + `">`,
	}
	for _, doc := range docs {
		once := Resolve(doc, in)
		twice := Resolve(once, in)
		if once != twice {
			t.Fatalf("not idempotent for %q:\nonce:  %s\ntwice: %s", doc, once, twice)
		}
	}
}

func TestResolve_EmptyDocumentUnchanged(t *testing.T) {
	t.Parallel()

	if got := Resolve("", Input{}); got != "" {
		t.Fatalf("empty doc rewritten: %q", got)
	}
}
