package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/services"
)

type stubUserService struct {
	registerFn     func(context.Context, services.RegisterUserCommand) (domain.User, error)
	authenticateFn func(context.Context, services.AuthenticateCommand) (services.AuthResult, error)
	refreshFn      func(context.Context, string) (services.AuthResult, error)
	getFn          func(context.Context, string) (domain.User, error)
	getByEmailFn   func(context.Context, string) (domain.User, error)
	updateFn       func(context.Context, services.UpdateProfileCommand) (domain.User, error)
	passwordFn     func(context.Context, services.ChangePasswordCommand) error
	setRoleFn      func(context.Context, services.SetRoleCommand) (domain.User, error)
	deactivateFn   func(context.Context, services.DeactivateUserCommand) (domain.User, error)
	listFn         func(context.Context, services.UserListFilter) (domain.CursorPage[domain.User], error)
}

func (s *stubUserService) Register(ctx context.Context, cmd services.RegisterUserCommand) (domain.User, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, cmd)
	}
	return domain.User{}, errors.New("not implemented")
}

func (s *stubUserService) Authenticate(ctx context.Context, cmd services.AuthenticateCommand) (services.AuthResult, error) {
	if s.authenticateFn != nil {
		return s.authenticateFn(ctx, cmd)
	}
	return services.AuthResult{}, errors.New("not implemented")
}

func (s *stubUserService) RefreshToken(ctx context.Context, refreshToken string) (services.AuthResult, error) {
	if s.refreshFn != nil {
		return s.refreshFn(ctx, refreshToken)
	}
	return services.AuthResult{}, errors.New("not implemented")
}

func (s *stubUserService) GetByID(ctx context.Context, userID string) (domain.User, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return domain.User{}, errors.New("not implemented")
}

func (s *stubUserService) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	if s.getByEmailFn != nil {
		return s.getByEmailFn(ctx, email)
	}
	return domain.User{}, errors.New("not implemented")
}

func (s *stubUserService) UpdateProfile(ctx context.Context, cmd services.UpdateProfileCommand) (domain.User, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.User{}, errors.New("not implemented")
}

func (s *stubUserService) ChangePassword(ctx context.Context, cmd services.ChangePasswordCommand) error {
	if s.passwordFn != nil {
		return s.passwordFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubUserService) SetRole(ctx context.Context, cmd services.SetRoleCommand) (domain.User, error) {
	if s.setRoleFn != nil {
		return s.setRoleFn(ctx, cmd)
	}
	return domain.User{}, errors.New("not implemented")
}

func (s *stubUserService) Deactivate(ctx context.Context, cmd services.DeactivateUserCommand) (domain.User, error) {
	if s.deactivateFn != nil {
		return s.deactivateFn(ctx, cmd)
	}
	return domain.User{}, errors.New("not implemented")
}

func (s *stubUserService) List(ctx context.Context, filter services.UserListFilter) (domain.CursorPage[domain.User], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.User]{}, nil
}

func sampleUser() domain.User {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.User{
		ID:        "user-1",
		Email:     "dana@example.com",
		Username:  "dana",
		FullName:  "Dana Smith",
		Role:      domain.RoleCustomer,
		IsActive:  true,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newMeTestRouter(svc services.UserService) chi.Router {
	r := chi.NewRouter()
	handlers := NewUserHandlers(nil, svc)
	r.Route("/users/me", handlers.Routes)
	return r
}

func newAdminUserTestRouter(svc services.UserService) chi.Router {
	r := chi.NewRouter()
	handlers := NewAdminUserHandlers(nil, svc)
	r.Route("/admin/users", handlers.Routes)
	return r
}

func TestGetProfile(t *testing.T) {
	svc := &stubUserService{
		getFn: func(_ context.Context, userID string) (domain.User, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return sampleUser(), nil
		},
	}
	router := newMeTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/users/me/", nil)
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.User.Email != "dana@example.com" || resp.User.Role != "customer" {
		t.Fatalf("unexpected payload: %+v", resp.User)
	}
}

func TestGetProfileRequiresIdentity(t *testing.T) {
	router := newMeTestRouter(&stubUserService{})

	req := httptest.NewRequest(http.MethodGet, "/users/me/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUpdateProfilePartialFields(t *testing.T) {
	var received services.UpdateProfileCommand
	svc := &stubUserService{
		updateFn: func(_ context.Context, cmd services.UpdateProfileCommand) (domain.User, error) {
			received = cmd
			return sampleUser(), nil
		},
	}
	router := newMeTestRouter(svc)

	body := `{"full_name":"Dana A. Smith","addresses":[{"recipient":"Dana Smith","phone":"555-0101","address_line1":"1 Main St","city":"Springfield"}]}`
	req := httptest.NewRequest(http.MethodPatch, "/users/me/", strings.NewReader(body))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.UserID != "user-1" {
		t.Fatalf("unexpected user id %q", received.UserID)
	}
	if received.FullName == nil || *received.FullName != "Dana A. Smith" {
		t.Fatalf("expected full name update, got %+v", received.FullName)
	}
	if received.Username != nil || received.Phone != nil {
		t.Fatal("expected omitted fields to stay nil")
	}
	if received.Addresses == nil || len(*received.Addresses) != 1 {
		t.Fatalf("expected one address, got %+v", received.Addresses)
	}
	if (*received.Addresses)[0].AddressLine1 != "1 Main St" {
		t.Fatalf("unexpected address: %+v", (*received.Addresses)[0])
	}
}

func TestChangePassword(t *testing.T) {
	var received services.ChangePasswordCommand
	svc := &stubUserService{
		passwordFn: func(_ context.Context, cmd services.ChangePasswordCommand) error {
			received = cmd
			return nil
		},
	}
	router := newMeTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/users/me/password", strings.NewReader(`{"old_password":"hunter2","new_password":"correcthorse"}`))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.UserID != "user-1" || received.OldPassword != "hunter2" || received.NewPassword != "correcthorse" {
		t.Fatalf("unexpected command: %+v", received)
	}
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	svc := &stubUserService{
		passwordFn: func(context.Context, services.ChangePasswordCommand) error {
			return services.ErrUserInvalidCredentials
		},
	}
	router := newMeTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/users/me/password", strings.NewReader(`{"old_password":"wrong","new_password":"correcthorse"}`))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %q", code)
	}
}

func TestAdminListUsers(t *testing.T) {
	var received services.UserListFilter
	svc := &stubUserService{
		listFn: func(_ context.Context, filter services.UserListFilter) (domain.CursorPage[domain.User], error) {
			received = filter
			return domain.CursorPage[domain.User]{Items: []domain.User{sampleUser()}, NextPageToken: "next"}, nil
		},
	}
	router := newAdminUserTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/admin/users/?role=Vendor&activeOnly=true&pageSize=10", nil)
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.Role == nil || *received.Role != domain.RoleVendor {
		t.Fatalf("expected vendor role filter, got %+v", received.Role)
	}
	if !received.ActiveOnly {
		t.Fatal("expected active-only filter")
	}
	if received.Pagination.PageSize != 10 {
		t.Fatalf("unexpected page size %d", received.Pagination.PageSize)
	}
}

func TestAdminSetRole(t *testing.T) {
	var received services.SetRoleCommand
	svc := &stubUserService{
		setRoleFn: func(_ context.Context, cmd services.SetRoleCommand) (domain.User, error) {
			received = cmd
			user := sampleUser()
			user.Role = cmd.Role
			return user, nil
		},
	}
	router := newAdminUserTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/admin/users/user-1/role", strings.NewReader(`{"role":"Vendor"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.UserID != "user-1" || received.Role != domain.RoleVendor {
		t.Fatalf("unexpected command: %+v", received)
	}
	if received.Actor.UserID != "admin-1" {
		t.Fatalf("expected actor from identity, got %q", received.Actor.UserID)
	}
}

func TestAdminDeactivateUser(t *testing.T) {
	var received services.DeactivateUserCommand
	svc := &stubUserService{
		deactivateFn: func(_ context.Context, cmd services.DeactivateUserCommand) (domain.User, error) {
			received = cmd
			user := sampleUser()
			user.IsActive = false
			return user, nil
		},
	}
	router := newAdminUserTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/admin/users/user-1", nil)
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.UserID != "user-1" || received.Actor.UserID != "admin-1" {
		t.Fatalf("unexpected command: %+v", received)
	}

	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.User.IsActive {
		t.Fatal("expected deactivated user in payload")
	}
}

func TestAdminSetRoleForbiddenMapsTo403(t *testing.T) {
	svc := &stubUserService{
		setRoleFn: func(context.Context, services.SetRoleCommand) (domain.User, error) {
			return domain.User{}, services.ErrUserForbidden
		},
	}
	router := newAdminUserTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/admin/users/admin-1/role", strings.NewReader(`{"role":"customer"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
