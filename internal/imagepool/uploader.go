package imagepool

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultUploadInterval = 5 * time.Second

// UploaderOptions configures the background copy of uploaded images to
// S3-compatible storage.
type UploaderOptions struct {
	Log  *slog.Logger
	Pool *Pool

	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// PublicBaseURL is the externally reachable prefix for hosted objects,
	// e.g. "https://img.example.com/pagesmith". Object names are appended.
	PublicBaseURL string

	Interval time.Duration
}

// Uploader pushes raw image payloads to hosted storage and attaches the
// resulting URL to the pool entry. It runs beside the generation flow; the
// resolver keeps working off raw payloads until a URL shows up.
type Uploader struct {
	log    *slog.Logger
	pool   *Pool
	client *minio.Client

	bucket   string
	region   string
	baseURL  string
	interval time.Duration
}

func NewUploader(opts UploaderOptions) (*Uploader, error) {
	if opts.Pool == nil {
		return nil, errors.New("missing pool")
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("missing endpoint")
	}
	access := strings.TrimSpace(opts.AccessKey)
	secret := strings.TrimSpace(opts.SecretKey)
	if access == "" || secret == "" {
		return nil, errors.New("missing access key or secret key")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("missing bucket")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("missing public base url")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init image host client: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultUploadInterval
	}
	return &Uploader{
		log:      log,
		pool:     opts.Pool,
		client:   client,
		bucket:   bucket,
		region:   region,
		baseURL:  baseURL,
		interval: interval,
	}, nil
}

// Run uploads pending images until ctx is done. Failures are logged and
// retried on the next tick.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		u.UploadPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// UploadPending uploads every image that has no hosted copy yet.
func (u *Uploader) UploadPending(ctx context.Context) {
	for _, im := range u.pool.Pending() {
		if ctx.Err() != nil {
			return
		}
		url, err := u.uploadOne(ctx, im)
		if err != nil {
			u.log.Warn("image upload failed", "image_id", im.ID, "err", err)
			continue
		}
		u.pool.AttachURL(im.ID, url)
		u.log.Debug("image hosted", "image_id", im.ID, "url", url)
	}
}

func (u *Uploader) uploadOne(ctx context.Context, im Image) (string, error) {
	contentType, payload, err := decodeDataURI(im.Data)
	if err != nil {
		return "", err
	}
	object := im.ID + extensionFor(contentType)
	_, err = u.client.PutObject(ctx, u.bucket, object, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return u.baseURL + "/" + object, nil
}

func decodeDataURI(raw string) (contentType string, payload []byte, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "data:") {
		return "", nil, errors.New("not a data uri")
	}
	meta, data, ok := strings.Cut(raw[len("data:"):], ",")
	if !ok {
		return "", nil, errors.New("malformed data uri")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, errors.New("unsupported data uri encoding")
	}
	contentType = strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	payload, err = base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	return contentType, payload, nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ""
	}
}
