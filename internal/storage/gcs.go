package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
)

// GCSProvider stores transcript artifacts as objects in a GCS bucket.
type GCSProvider struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSProvider builds a provider for bucket with an optional key prefix.
func NewGCSProvider(ctx context.Context, bucket, prefix string) (*GCSProvider, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{client: client, bucket: bucket, prefix: prefix}, nil
}

func (p *GCSProvider) objectKey(videoID string) string {
	return path.Join(p.prefix, videoID+".txt")
}

// Save writes text to <prefix>/<videoID>.txt and returns its gs:// URL.
func (p *GCSProvider) Save(ctx context.Context, videoID, text string) (string, error) {
	key := p.objectKey(videoID)
	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	if _, err := w.Write([]byte(text)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, key), nil
}

// Load reads the stored artifact for videoID.
func (p *GCSProvider) Load(ctx context.Context, videoID string) (string, error) {
	r, err := p.client.Bucket(p.bucket).Object(p.objectKey(videoID)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

// Close releases the GCS client.
func (p *GCSProvider) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
