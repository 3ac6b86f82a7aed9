package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shopkit/api/internal/platform/httpx"
	"github.com/shopkit/api/internal/services"
)

const (
	maxAuthBodySize = 8 * 1024

	loginRateLimit  = 10
	loginRateWindow = time.Minute
)

type registerRequest struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	FullName        string `json:"full_name"`
	Phone           string `json:"phone"`
	PreferredLocale string `json:"preferred_locale"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	User         userPayload `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresAt    string      `json:"expires_at"`
}

// AuthHandlers exposes registration and token endpoints.
type AuthHandlers struct {
	users   services.UserService
	limiter rateLimiter
}

// NewAuthHandlers constructs a new AuthHandlers instance. Login attempts are
// rate limited per client IP.
func NewAuthHandlers(users services.UserService) *AuthHandlers {
	return &AuthHandlers{
		users:   users,
		limiter: newSimpleRateLimiter(loginRateLimit, loginRateWindow, nil),
	}
}

// Routes registers the /auth endpoints.
func (h *AuthHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
}

func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req registerRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	user, err := h.users.Register(ctx, services.RegisterUserCommand{
		Email:           req.Email,
		Username:        req.Username,
		Password:        req.Password,
		FullName:        req.FullName,
		Phone:           req.Phone,
		PreferredLocale: req.PreferredLocale,
	})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, userResponse{User: buildUserPayload(user)})
}

func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many login attempts, try again later", http.StatusTooManyRequests))
		return
	}

	var req loginRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	result, err := h.users.Authenticate(ctx, services.AuthenticateCommand{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildAuthResponse(result))
}

func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req refreshRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refresh_token is required", http.StatusBadRequest))
		return
	}

	result, err := h.users.RefreshToken(ctx, req.RefreshToken)
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildAuthResponse(result))
}

func buildAuthResponse(result services.AuthResult) authResponse {
	return authResponse{
		User:         buildUserPayload(result.User),
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresAt:    formatTime(result.Tokens.ExpiresAt),
	}
}

func clientKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, ok := strings.Cut(addr, ":"); ok && host != "" {
		return host
	}
	return addr
}

func writeUserError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrUserInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUserInvalidCredentials):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_credentials", "invalid email or password", http.StatusUnauthorized))
	case errors.Is(err, services.ErrUserDisabled):
		httpx.WriteError(ctx, w, httpx.NewError("account_disabled", "account is deactivated", http.StatusForbidden))
	case errors.Is(err, services.ErrUserForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed", http.StatusForbidden))
	case errors.Is(err, services.ErrUserNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("user_not_found", "user not found", http.StatusNotFound))
	case errors.Is(err, services.ErrUserConflict):
		httpx.WriteError(ctx, w, httpx.NewError("user_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("user_error", "failed to process user request", http.StatusInternalServerError))
	}
}
