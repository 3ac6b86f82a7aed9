package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopkit/api/internal/platform/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SigningSecret:   "test-signing-secret",
		Issuer:          "shopkit-api",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
}

func testIssuerAt(t *testing.T, now time.Time) *JWTIssuer {
	t.Helper()
	issuer, err := NewJWTIssuer(testAuthConfig(), func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}
	return issuer
}

func TestJWTIssuerIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	issuer := testIssuerAt(t, now)

	pair, err := issuer.Issue("usr_123", "vendor")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens to be minted")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}
	if want := now.Add(15 * time.Minute); !pair.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, pair.ExpiresAt)
	}

	identity, err := issuer.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != "usr_123" {
		t.Fatalf("expected subject usr_123, got %q", identity.UserID)
	}
	if identity.Role != "vendor" {
		t.Fatalf("expected role vendor, got %q", identity.Role)
	}
}

func TestJWTIssuerRejectsRefreshTokenAsAccess(t *testing.T) {
	issuer := testIssuerAt(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	pair, err := issuer.Issue("usr_123", "customer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuer.Verify(pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for refresh token, got %v", err)
	}
}

func TestJWTIssuerRefresh(t *testing.T) {
	issuer := testIssuerAt(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	pair, err := issuer.Issue("usr_123", "admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fresh, subject, err := issuer.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if subject != "usr_123" {
		t.Fatalf("expected subject usr_123, got %q", subject)
	}
	identity, err := issuer.Verify(fresh.AccessToken)
	if err != nil {
		t.Fatalf("Verify refreshed access token: %v", err)
	}
	if identity.Role != "admin" {
		t.Fatalf("expected role carried through refresh, got %q", identity.Role)
	}
}

func TestJWTIssuerRefreshRejectsAccessToken(t *testing.T) {
	issuer := testIssuerAt(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	pair, err := issuer.Issue("usr_123", "customer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, _, err := issuer.Refresh(pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestJWTIssuerExpiredToken(t *testing.T) {
	issued := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	issuer := testIssuerAt(t, issued)

	pair, err := issuer.Issue("usr_123", "customer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	later := testIssuerAt(t, issued.Add(16*time.Minute))
	if _, err := later.Verify(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	// The refresh token outlives the access token.
	if _, _, err := later.Refresh(pair.RefreshToken); err != nil {
		t.Fatalf("Refresh after access expiry: %v", err)
	}
}

func TestJWTIssuerRejectsTamperedToken(t *testing.T) {
	issuer := testIssuerAt(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	pair, err := issuer.Issue("usr_123", "customer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three token segments, got %d", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := issuer.Verify(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestJWTIssuerRejectsForeignIssuer(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	foreignCfg := testAuthConfig()
	foreignCfg.Issuer = "another-service"
	foreign, err := NewJWTIssuer(foreignCfg, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}

	pair, err := foreign.Issue("usr_123", "customer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ours := testIssuerAt(t, now)
	if _, err := ours.Verify(pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for foreign issuer, got %v", err)
	}
}

func TestNewJWTIssuerValidation(t *testing.T) {
	if _, err := NewJWTIssuer(config.AuthConfig{}, nil); err == nil {
		t.Fatal("expected error for missing signing secret")
	}

	cfg := testAuthConfig()
	cfg.RefreshTokenTTL = time.Minute
	cfg.AccessTokenTTL = time.Hour
	if _, err := NewJWTIssuer(cfg, nil); err == nil {
		t.Fatal("expected error for refresh TTL shorter than access TTL")
	}
}

func TestBcryptHasherRoundTrip(t *testing.T) {
	hasher := NewBcryptHasher(4)

	hashed, err := hasher.Hash("s3cret-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hashed == "s3cret-password" {
		t.Fatal("hash must not equal the plaintext")
	}
	if err := hasher.Compare(hashed, "s3cret-password"); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if err := hasher.Compare(hashed, "wrong-password"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}
