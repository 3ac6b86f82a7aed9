package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/platform/auth"
	"github.com/shopkit/api/internal/platform/httpx"
	"github.com/shopkit/api/internal/platform/pagination"
	"github.com/shopkit/api/internal/services"
)

const maxProfileBodySize = 32 * 1024

type userResponse struct {
	User userPayload `json:"user"`
}

type userPayload struct {
	ID              string           `json:"id"`
	Email           string           `json:"email"`
	Username        string           `json:"username"`
	FullName        string           `json:"full_name,omitempty"`
	Phone           string           `json:"phone,omitempty"`
	Role            string           `json:"role"`
	IsActive        bool             `json:"is_active"`
	Addresses       []addressPayload `json:"addresses,omitempty"`
	PreferredLocale string           `json:"preferred_locale,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

type addressPayload struct {
	Recipient    string `json:"recipient"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

type updateProfileRequest struct {
	Username        *string           `json:"username"`
	FullName        *string           `json:"full_name"`
	Phone           *string           `json:"phone"`
	PreferredLocale *string           `json:"preferred_locale"`
	Addresses       *[]addressPayload `json:"addresses"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// UserHandlers exposes the authenticated account's profile endpoints.
type UserHandlers struct {
	authn *auth.Authenticator
	users services.UserService
}

// NewUserHandlers constructs a new UserHandlers instance.
func NewUserHandlers(authn *auth.Authenticator, users services.UserService) *UserHandlers {
	return &UserHandlers{authn: authn, users: users}
}

// Routes registers the /users/me endpoints.
func (h *UserHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getProfile)
	r.Patch("/", h.updateProfile)
	r.Post("/password", h.changePassword)
}

func (h *UserHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	user, err := h.users.GetByID(ctx, actor.UserID)
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, userResponse{User: buildUserPayload(user)})
}

func (h *UserHandlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if !decodeBody(w, r, maxProfileBodySize, &req) {
		return
	}

	cmd := services.UpdateProfileCommand{
		UserID:          actor.UserID,
		Actor:           actor,
		Username:        req.Username,
		FullName:        req.FullName,
		Phone:           req.Phone,
		PreferredLocale: req.PreferredLocale,
	}
	if req.Addresses != nil {
		addresses := make([]domain.Address, 0, len(*req.Addresses))
		for _, addr := range *req.Addresses {
			addresses = append(addresses, addressFromPayload(addr))
		}
		cmd.Addresses = &addresses
	}

	user, err := h.users.UpdateProfile(ctx, cmd)
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, userResponse{User: buildUserPayload(user)})
}

func (h *UserHandlers) changePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	err := h.users.ChangePassword(ctx, services.ChangePasswordCommand{
		UserID:      actor.UserID,
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminUserHandlers exposes account administration endpoints.
type AdminUserHandlers struct {
	authn *auth.Authenticator
	users services.UserService
}

// NewAdminUserHandlers constructs a new AdminUserHandlers instance.
func NewAdminUserHandlers(authn *auth.Authenticator, users services.UserService) *AdminUserHandlers {
	return &AdminUserHandlers{authn: authn, users: users}
}

// Routes registers the /admin/users endpoints.
func (h *AdminUserHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin))
	}
	r.Get("/", h.listUsers)
	r.Patch("/{userID}/role", h.setRole)
	r.Delete("/{userID}", h.deactivate)
}

func (h *AdminUserHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.UserListFilter{
		ActiveOnly: strings.EqualFold(r.URL.Query().Get("activeOnly"), "true"),
		Pagination: params.Pagination,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("role")); raw != "" {
		role := domain.UserRole(strings.ToLower(raw))
		filter.Role = &role
	}

	page, err := h.users.List(ctx, filter)
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}

	items := make([]userPayload, 0, len(page.Items))
	for _, user := range page.Items {
		items = append(items, buildUserPayload(user))
	}
	writeJSONResponse(w, http.StatusOK, struct {
		Items         []userPayload `json:"items"`
		NextPageToken string        `json:"next_page_token,omitempty"`
	}{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminUserHandlers) setRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "user id is required", http.StatusBadRequest))
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	user, err := h.users.SetRole(ctx, services.SetRoleCommand{
		UserID: userID,
		Role:   domain.UserRole(strings.ToLower(strings.TrimSpace(req.Role))),
		Actor:  actor,
	})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, userResponse{User: buildUserPayload(user)})
}

func (h *AdminUserHandlers) deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "user id is required", http.StatusBadRequest))
		return
	}

	user, err := h.users.Deactivate(ctx, services.DeactivateUserCommand{UserID: userID, Actor: actor})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, userResponse{User: buildUserPayload(user)})
}

func buildUserPayload(user domain.User) userPayload {
	addresses := make([]addressPayload, 0, len(user.Addresses))
	for _, addr := range user.Addresses {
		addresses = append(addresses, buildAddressPayload(addr))
	}
	if len(addresses) == 0 {
		addresses = nil
	}
	return userPayload{
		ID:              user.ID,
		Email:           user.Email,
		Username:        user.Username,
		FullName:        user.FullName,
		Phone:           user.Phone,
		Role:            string(user.Role),
		IsActive:        user.IsActive,
		Addresses:       addresses,
		PreferredLocale: user.PreferredLocale,
		CreatedAt:       formatTime(user.CreatedAt),
		UpdatedAt:       formatTime(user.UpdatedAt),
	}
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:    addr.Recipient,
		Phone:        addr.Phone,
		AddressLine1: addr.AddressLine1,
		AddressLine2: addr.AddressLine2,
		City:         addr.City,
		State:        addr.State,
		PostalCode:   addr.PostalCode,
		Country:      addr.Country,
	}
}

func addressFromPayload(addr addressPayload) domain.Address {
	return domain.Address{
		Recipient:    addr.Recipient,
		Phone:        addr.Phone,
		AddressLine1: addr.AddressLine1,
		AddressLine2: addr.AddressLine2,
		City:         addr.City,
		State:        addr.State,
		PostalCode:   addr.PostalCode,
		Country:      addr.Country,
	}
}
