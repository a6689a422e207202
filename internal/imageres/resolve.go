// Package imageres rewrites image placeholders and invalid embedded image
// references inside a generated document against the images the user actually
// supplied. It is a pure text transformation: no I/O, and resolving an
// already-resolved document is a no-op.
package imageres

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pagesmith/pagesmith/internal/imagepool"
)

// Input partitions the image pool the way the resolver consumes it.
type Input struct {
	// Current is the set of images attached to the user turn that produced
	// the document, in upload order.
	Current []imagepool.Image
	// Conversation is every image uploaded over the conversation, oldest
	// first, including the current turn.
	Conversation []imagepool.Image
}

var (
	currentPlaceholderRe   = regexp.MustCompile(`\{\{CURRENT_IMAGE_(\d+)\}\}`)
	contentPlaceholderRe   = regexp.MustCompile(`\{\{CONTENT_IMAGE_(\d+)\}\}`)
	referencePlaceholderRe = regexp.MustCompile(`\{\{REFERENCE_IMAGE_(\d+)\}\}`)

	// src attributes in generated markup, single or double quoted.
	srcAttrRe = regexp.MustCompile(`(\bsrc\s*=\s*)(["'])([^"']*)(["'])`)
	imgTagRe  = regexp.MustCompile(`<img\b[^>]*>`)
)

// Payloads shorter than this are treated as legitimate inline assets (icons,
// the transparent pixel); the model cannot fabricate real image bytes at any
// useful size.
const minSuspectPayloadLen = 256

// Resolve applies the placeholder and validation passes in order and returns
// the rewritten document.
func Resolve(doc string, in Input) string {
	if strings.TrimSpace(doc) == "" {
		return doc
	}
	doc = resolveIndexed(doc, currentPlaceholderRe, in.Current)
	doc = resolveIndexed(doc, contentPlaceholderRe, kindPool(in.Conversation, imagepool.KindContent, imagepool.KindReference))
	doc = resolveIndexed(doc, referencePlaceholderRe, kindPool(in.Conversation, imagepool.KindReference, imagepool.KindContent))
	doc = validateSources(doc, in)
	doc = forceCurrentPresence(doc, in)
	return doc
}

// resolveIndexed rewrites {{NAME_n}} tokens against pool. An out-of-range
// index clamps to the last pool entry; an empty pool degrades to the
// transparent pixel.
func resolveIndexed(doc string, re *regexp.Regexp, pool []imagepool.Image) string {
	if !strings.Contains(doc, "{{") {
		return doc
	}
	return re.ReplaceAllStringFunc(doc, func(match string) string {
		sub := re.FindStringSubmatch(match)
		if len(sub) != 2 {
			return imagepool.TransparentPixel
		}
		idx, err := strconv.Atoi(sub[1])
		if err != nil || len(pool) == 0 {
			return imagepool.TransparentPixel
		}
		if idx < 0 || idx >= len(pool) {
			idx = len(pool) - 1
		}
		return pool[idx].Src()
	})
}

// kindPool selects conversation images of the wanted kind, falling back to
// the other kind when none exist.
func kindPool(all []imagepool.Image, want imagepool.Kind, fallback imagepool.Kind) []imagepool.Image {
	var primary, secondary []imagepool.Image
	for _, im := range all {
		switch im.Kind {
		case want:
			primary = append(primary, im)
		case fallback:
			secondary = append(secondary, im)
		}
	}
	if len(primary) > 0 {
		return primary
	}
	return secondary
}

// validateSources replaces hosted URLs and large embedded payloads that do
// not trace back to any uploaded image. The model cannot know real hosted
// URLs or fabricate real image bytes, so unknown references are invalid.
func validateSources(doc string, in Input) string {
	known := knownSources(in.Conversation)
	replacement := mostRecentSrc(in.Conversation)
	return srcAttrRe.ReplaceAllStringFunc(doc, func(match string) string {
		sub := srcAttrRe.FindStringSubmatch(match)
		if len(sub) != 5 {
			return match
		}
		src := sub[3]
		if !suspectSource(src, known) {
			return match
		}
		return sub[1] + sub[2] + replacement + sub[4]
	})
}

func suspectSource(src string, known map[string]struct{}) bool {
	src = strings.TrimSpace(src)
	if src == "" {
		return false
	}
	if _, ok := known[src]; ok {
		return false
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return true
	}
	if strings.HasPrefix(src, "data:") && len(src) >= minSuspectPayloadLen {
		return true
	}
	return false
}

func knownSources(pool []imagepool.Image) map[string]struct{} {
	known := make(map[string]struct{}, len(pool)*2)
	for _, im := range pool {
		if s := strings.TrimSpace(im.URL); s != "" {
			known[s] = struct{}{}
		}
		if s := strings.TrimSpace(im.Data); s != "" {
			known[s] = struct{}{}
		}
	}
	return known
}

// mostRecentSrc returns the newest usable image source, or the pixel.
func mostRecentSrc(pool []imagepool.Image) string {
	for i := len(pool) - 1; i >= 0; i-- {
		im := pool[i]
		if strings.TrimSpace(im.URL) != "" || strings.TrimSpace(im.Data) != "" {
			return im.Src()
		}
	}
	return imagepool.TransparentPixel
}

// forceCurrentPresence papers over a generation that silently dropped the
// just-uploaded images: if none of the current-turn sources made it into the
// document, the first image element is rewritten to the first current image.
func forceCurrentPresence(doc string, in Input) string {
	if len(in.Current) == 0 {
		return doc
	}
	for _, im := range in.Current {
		if u := strings.TrimSpace(im.URL); u != "" && strings.Contains(doc, u) {
			return doc
		}
		if d := strings.TrimSpace(im.Data); d != "" && strings.Contains(doc, d) {
			return doc
		}
	}
	want := in.Current[0].Src()
	if strings.Contains(doc, want) {
		return doc
	}
	replaced := false
	return imgTagRe.ReplaceAllStringFunc(doc, func(tag string) string {
		if replaced {
			return tag
		}
		replaced = true
		if srcAttrRe.MatchString(tag) {
			return srcAttrRe.ReplaceAllString(tag, `${1}${2}`+want+`${4}`)
		}
		return strings.TrimSuffix(tag, ">") + ` src="` + want + `">`
	})
}
