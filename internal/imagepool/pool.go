// Package imagepool tracks the images a user uploaded over the life of a
// conversation and their slowly-arriving hosted copies.
package imagepool

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Kind says how an uploaded image may be used by the generator.
type Kind string

const (
	// KindReference marks an image used only as a style guide; it is never
	// embedded in generated output.
	KindReference Kind = "reference"
	// KindContent marks an image meant to be embedded verbatim.
	KindContent Kind = "content"
)

// TransparentPixel is a 1x1 transparent GIF data URI used whenever no
// uploaded image can satisfy a placeholder. A visible-but-empty pixel beats
// broken markup.
const TransparentPixel = "data:image/gif;base64,R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"

type Image struct {
	ID string `json:"id"`
	// Data is the raw encoded payload (a data URI) available from the moment
	// of upload.
	Data string `json:"data,omitempty"`
	// URL is the externally hosted copy. It is attached by the background
	// uploader some time after upload; readers must tolerate its absence.
	URL   string `json:"url,omitempty"`
	Kind  Kind   `json:"kind"`
	Label string `json:"label,omitempty"`
}

// Src returns the best embeddable source for the image: the hosted copy when
// the background upload has finished, else the raw payload.
func (im Image) Src() string {
	if s := strings.TrimSpace(im.URL); s != "" {
		return s
	}
	if s := strings.TrimSpace(im.Data); s != "" {
		return s
	}
	return TransparentPixel
}

// Pool is read-shared by the resolver and mutated by the background uploader;
// all reads return snapshots.
type Pool struct {
	mu     sync.Mutex
	images []Image
}

func NewPool() *Pool {
	return &Pool{}
}

// Add registers a freshly uploaded image and returns its pool entry.
func (p *Pool) Add(data string, kind Kind, label string) Image {
	if kind != KindReference {
		kind = KindContent
	}
	im := Image{
		ID:    uuid.NewString(),
		Data:  strings.TrimSpace(data),
		Kind:  kind,
		Label: strings.TrimSpace(label),
	}
	p.mu.Lock()
	p.images = append(p.images, im)
	p.mu.Unlock()
	return im
}

// Remove deletes an image. Only explicit user removal calls this.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.images {
		if p.images[i].ID == id {
			p.images = append(p.images[:i], p.images[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a snapshot of every image, oldest first.
func (p *Pool) All() []Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.images) == 0 {
		return nil
	}
	out := make([]Image, len(p.images))
	copy(out, p.images)
	return out
}

// ByKind returns a snapshot of images of one kind, oldest first.
func (p *Pool) ByKind(kind Kind) []Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Image
	for _, im := range p.images {
		if im.Kind == kind {
			out = append(out, im)
		}
	}
	return out
}

func (p *Pool) Get(id string) (Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, im := range p.images {
		if im.ID == id {
			return im, true
		}
	}
	return Image{}, false
}

// AttachURL records the hosted copy for an image once its background upload
// finishes.
func (p *Pool) AttachURL(id string, url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.images {
		if p.images[i].ID == id {
			p.images[i].URL = url
			return true
		}
	}
	return false
}

// Pending returns images that still have no hosted copy.
func (p *Pool) Pending() []Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Image
	for _, im := range p.images {
		if strings.TrimSpace(im.URL) == "" && strings.TrimSpace(im.Data) != "" {
			out = append(out, im)
		}
	}
	return out
}
