package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/shopkit/api/internal/platform/config"
	"github.com/shopkit/api/internal/services"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

var (
	// ErrTokenExpired signals that the presented token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals a token that fails signature or claim checks.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the JWT payload minted for both access and refresh tokens. The
// typ claim keeps the two from being used interchangeably.
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTIssuer mints HS256-signed access and refresh token pairs. It implements
// services.TokenIssuer.
type JWTIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

// NewJWTIssuer builds an issuer from configuration. A nil clock defaults to
// time.Now; all timestamps are stamped in UTC.
func NewJWTIssuer(cfg config.AuthConfig, clock func() time.Time) (*JWTIssuer, error) {
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("jwt issuer: signing secret is required")
	}
	issuer := &JWTIssuer{
		secret:     []byte(cfg.SigningSecret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
	if issuer.accessTTL <= 0 {
		issuer.accessTTL = defaultAccessTokenTTL
	}
	if issuer.refreshTTL <= 0 {
		issuer.refreshTTL = defaultRefreshTokenTTL
	}
	if issuer.refreshTTL < issuer.accessTTL {
		return nil, errors.New("jwt issuer: refresh TTL shorter than access TTL")
	}
	if clock == nil {
		clock = time.Now
	}
	issuer.clock = func() time.Time { return clock().UTC() }
	return issuer, nil
}

// Issue signs a fresh access/refresh pair for the subject.
func (i *JWTIssuer) Issue(subject string, role string) (services.TokenPair, error) {
	if strings.TrimSpace(subject) == "" {
		return services.TokenPair{}, fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}

	access, accessExpiry, err := i.sign(subject, role, tokenTypeAccess, i.accessTTL)
	if err != nil {
		return services.TokenPair{}, err
	}
	refresh, _, err := i.sign(subject, role, tokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return services.TokenPair{}, err
	}

	return services.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry,
	}, nil
}

// Refresh validates a refresh token and mints a new pair for its subject.
// The subject is returned so callers can re-check account state.
func (i *JWTIssuer) Refresh(refreshToken string) (services.TokenPair, string, error) {
	claims, err := i.parse(refreshToken)
	if err != nil {
		return services.TokenPair{}, "", err
	}
	if claims.TokenType != tokenTypeRefresh {
		return services.TokenPair{}, "", fmt.Errorf("%w: not a refresh token", ErrTokenInvalid)
	}

	pair, err := i.Issue(claims.Subject, claims.Role)
	if err != nil {
		return services.TokenPair{}, "", err
	}
	return pair, claims.Subject, nil
}

// Verify checks an access token and returns the identity it asserts.
func (i *JWTIssuer) Verify(accessToken string) (*Identity, error) {
	claims, err := i.parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrTokenInvalid)
	}
	return &Identity{
		UserID: claims.Subject,
		Role:   normaliseRole(claims.Role),
	}, nil
}

func (i *JWTIssuer) sign(subject, role, tokenType string, ttl time.Duration) (string, time.Time, error) {
	now := i.clock()
	expiry := now.Add(ttl)
	claims := Claims{
		Role:      normaliseRole(role),
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt issuer: sign %s token: %w", tokenType, err)
	}
	return signed, expiry, nil
}

func (i *JWTIssuer) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}
	return claims, nil
}
