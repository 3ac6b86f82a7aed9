package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopkit/api/internal/platform/config"
	"github.com/shopkit/api/internal/services"
)

// maxImageUploadBytes caps direct image uploads at 10 MiB.
const maxImageUploadBytes = 10 << 20

var imageContentTypes = []string{"image/*"}

// ImageUploadSigner issues signed PUT URLs for product image uploads. It
// implements services.UploadSigner.
type ImageUploadSigner struct {
	client *Client
	bucket string
	ttl    time.Duration
}

// NewImageUploadSigner wires the signing client to the configured images bucket.
func NewImageUploadSigner(cfg config.StorageConfig, client *Client) (*ImageUploadSigner, error) {
	if client == nil {
		return nil, errors.New("image upload signer: client is required")
	}
	bucket := strings.TrimSpace(cfg.ImagesBucket)
	if bucket == "" {
		return nil, errors.New("image upload signer: images bucket is not configured")
	}
	return &ImageUploadSigner{
		client: client,
		bucket: bucket,
		ttl:    cfg.SignedURLTTL,
	}, nil
}

// SignUpload returns a time-limited PUT URL for the object key.
func (s *ImageUploadSigner) SignUpload(ctx context.Context, object string, contentType string) (services.SignedUpload, error) {
	result, err := s.client.SignUploadURL(ctx, s.bucket, object, UploadOptions{
		ContentType:         contentType,
		AllowedContentTypes: imageContentTypes,
		MaxSize:             maxImageUploadBytes,
		ExpiresIn:           s.ttl,
	})
	if err != nil {
		return services.SignedUpload{}, err
	}
	return services.SignedUpload{
		URL:       result.URL,
		Method:    result.Method,
		Headers:   result.Headers,
		ObjectKey: object,
		ExpiresAt: result.ExpiresAt,
	}, nil
}
