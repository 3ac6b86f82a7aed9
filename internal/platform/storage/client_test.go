package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopkit/api/internal/platform/config"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestSignUploadURL(t *testing.T) {
	signer := &fakeSigner{email: "uploads@shopkit.iam.gserviceaccount.com"}
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := client.SignUploadURL(context.Background(), "shopkit-images", "products/prd_1/img.png", UploadOptions{
		ContentType:         "image/png",
		AllowedContentTypes: []string{"image/*"},
		MaxSize:             1 << 20,
		ExpiresIn:           10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("SignUploadURL: %v", err)
	}

	if res.Method != "PUT" {
		t.Fatalf("expected method PUT, got %s", res.Method)
	}
	if want := now.Add(10 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, res.ExpiresAt)
	}
	if res.Headers["Content-Type"] != "image/png" {
		t.Fatalf("expected content type header, got %v", res.Headers)
	}
	if res.Headers["x-goog-content-length-range"] != "0,1048576" {
		t.Fatalf("expected length range header, got %v", res.Headers)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if !strings.Contains(parsed.Path, "shopkit-images") || !strings.Contains(parsed.Path, "products/prd_1/img.png") {
		t.Fatalf("unexpected signed url path %q", parsed.Path)
	}
	if len(signer.payloads) == 0 {
		t.Fatal("expected signer to be invoked")
	}
}

func TestSignUploadURLRejectsDisallowedContentType(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "uploads@shopkit.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.SignUploadURL(context.Background(), "shopkit-images", "products/prd_1/app.zip", UploadOptions{
		ContentType:         "application/zip",
		AllowedContentTypes: []string{"image/*"},
	})
	if !errors.Is(err, errContentTypeDenied) {
		t.Fatalf("expected errContentTypeDenied, got %v", err)
	}
}

func TestSignUploadURLValidation(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "uploads@shopkit.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.SignUploadURL(context.Background(), "", "object", UploadOptions{ContentType: "image/png"}); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
	if _, err := client.SignUploadURL(context.Background(), "bucket", " ", UploadOptions{ContentType: "image/png"}); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected errInvalidObject, got %v", err)
	}
	if _, err := client.SignUploadURL(context.Background(), "bucket", "object", UploadOptions{}); err == nil {
		t.Fatal("expected error for missing content type")
	}
}

func TestSignDownloadURLCapsExpiry(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "uploads@shopkit.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.SignDownloadURL(context.Background(), "bucket", "object", DownloadOptions{ExpiresIn: time.Hour}); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}

	res, err := client.SignDownloadURL(context.Background(), "bucket", "object", DownloadOptions{
		ResponseType: "image/png",
	})
	if err != nil {
		t.Fatalf("SignDownloadURL: %v", err)
	}
	if res.Method != "GET" {
		t.Fatalf("expected method GET, got %s", res.Method)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if got := parsed.Query().Get("response-content-type"); got != "image/png" {
		t.Fatalf("expected response-content-type query, got %q", got)
	}
}

func TestNewClientRequiresSigner(t *testing.T) {
	if _, err := NewClient(nil); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
	if _, err := NewClient(&fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner for empty email, got %v", err)
	}
}

func TestImageUploadSigner(t *testing.T) {
	signer := &fakeSigner{email: "uploads@shopkit.iam.gserviceaccount.com"}
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	uploads, err := NewImageUploadSigner(config.StorageConfig{
		ImagesBucket: "shopkit-images",
		SignedURLTTL: 5 * time.Minute,
	}, client)
	if err != nil {
		t.Fatalf("NewImageUploadSigner: %v", err)
	}

	signed, err := uploads.SignUpload(context.Background(), "products/prd_1/img.webp", "image/webp")
	if err != nil {
		t.Fatalf("SignUpload: %v", err)
	}
	if signed.Method != "PUT" {
		t.Fatalf("expected PUT, got %s", signed.Method)
	}
	if signed.ObjectKey != "products/prd_1/img.webp" {
		t.Fatalf("expected object key echoed back, got %q", signed.ObjectKey)
	}
	if want := now.Add(5 * time.Minute); !signed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, signed.ExpiresAt)
	}

	if _, err := uploads.SignUpload(context.Background(), "products/prd_1/app.pdf", "application/pdf"); !errors.Is(err, errContentTypeDenied) {
		t.Fatalf("expected errContentTypeDenied, got %v", err)
	}
}

func TestNewImageUploadSignerRequiresBucket(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "uploads@shopkit.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := NewImageUploadSigner(config.StorageConfig{}, client); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
