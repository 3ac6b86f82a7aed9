package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/repositories"
)

const (
	userIDPrefix = "usr_"

	minPasswordLength = 8
	maxAddresses      = 10
)

var (
	// ErrUserInvalidInput signals the caller provided invalid data.
	ErrUserInvalidInput = errors.New("user: invalid input")
	// ErrUserNotFound indicates the account could not be located.
	ErrUserNotFound = errors.New("user: not found")
	// ErrUserForbidden indicates the actor may not perform the operation.
	ErrUserForbidden = errors.New("user: forbidden")
	// ErrUserInvalidCredentials covers unknown emails and wrong passwords
	// alike so login failures never reveal which one it was.
	ErrUserInvalidCredentials = errors.New("user: invalid credentials")
	// ErrUserDisabled indicates the account has been deactivated.
	ErrUserDisabled = errors.New("user: account disabled")
	// ErrUserConflict indicates the email is already registered.
	ErrUserConflict = errors.New("user: conflict")
)

var (
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,30}$`)
	phonePattern    = regexp.MustCompile(`^[0-9+()\-\s]{6,20}$`)
)

var validRoles = map[domain.UserRole]bool{
	domain.RoleAdmin:    true,
	domain.RoleCustomer: true,
	domain.RoleVendor:   true,
}

// UserServiceDeps bundles the dependencies required to construct a user service instance.
type UserServiceDeps struct {
	Users       repositories.UserRepository
	Hasher      PasswordHasher
	Tokens      TokenIssuer
	Clock       func() time.Time
	IDGenerator func() string
}

type userService struct {
	users  repositories.UserRepository
	hasher PasswordHasher
	tokens TokenIssuer
	clock  func() time.Time
	newID  func() string
}

// NewUserService wires dependencies into a concrete UserService implementation.
func NewUserService(deps UserServiceDeps) (UserService, error) {
	if deps.Users == nil {
		return nil, errors.New("user service: user repository is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("user service: password hasher is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("user service: token issuer is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	return &userService{
		users:  deps.Users,
		hasher: deps.Hasher,
		tokens: deps.Tokens,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

func (s *userService) Register(ctx context.Context, cmd RegisterUserCommand) (User, error) {
	email, err := normalizeEmail(cmd.Email)
	if err != nil {
		return User{}, err
	}
	username := strings.TrimSpace(cmd.Username)
	if !usernamePattern.MatchString(username) {
		return User{}, fmt.Errorf("%w: username must be 3-30 characters of letters, digits, _ or -", ErrUserInvalidInput)
	}
	if err := validatePassword(cmd.Password); err != nil {
		return User{}, err
	}
	phone := strings.TrimSpace(cmd.Phone)
	if phone != "" && !phonePattern.MatchString(phone) {
		return User{}, fmt.Errorf("%w: invalid phone number", ErrUserInvalidInput)
	}
	locale, err := normalizeLocale(cmd.PreferredLocale)
	if err != nil {
		return User{}, err
	}

	hashed, err := s.hasher.Hash(cmd.Password)
	if err != nil {
		return User{}, fmt.Errorf("user: hash password: %w", err)
	}

	now := s.now()
	user := User{
		ID:              userIDPrefix + s.newID(),
		Email:           email,
		Username:        username,
		HashedPassword:  hashed,
		FullName:        strings.TrimSpace(cmd.FullName),
		Phone:           phone,
		Role:            domain.RoleCustomer,
		IsActive:        true,
		PreferredLocale: locale,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted, err := s.users.Insert(ctx, domain.User(user))
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return User{}, fmt.Errorf("%w: email already registered", ErrUserConflict)
		}
		return User{}, s.mapRepositoryError(err)
	}
	return inserted, nil
}

func (s *userService) Authenticate(ctx context.Context, cmd AuthenticateCommand) (AuthResult, error) {
	email, err := normalizeEmail(cmd.Email)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: invalid email", ErrUserInvalidCredentials)
	}
	if cmd.Password == "" {
		return AuthResult{}, fmt.Errorf("%w: password is required", ErrUserInvalidCredentials)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return AuthResult{}, ErrUserInvalidCredentials
		}
		return AuthResult{}, s.mapRepositoryError(err)
	}

	if err := s.hasher.Compare(user.HashedPassword, cmd.Password); err != nil {
		return AuthResult{}, ErrUserInvalidCredentials
	}
	if !user.IsActive {
		return AuthResult{}, ErrUserDisabled
	}

	tokens, err := s.tokens.Issue(user.ID, string(user.Role))
	if err != nil {
		return AuthResult{}, fmt.Errorf("user: issue tokens: %w", err)
	}

	return AuthResult{User: user, Tokens: tokens}, nil
}

func (s *userService) RefreshToken(ctx context.Context, refreshToken string) (AuthResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return AuthResult{}, fmt.Errorf("%w: refresh token is required", ErrUserInvalidCredentials)
	}

	tokens, subject, err := s.tokens.Refresh(refreshToken)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrUserInvalidCredentials, err)
	}

	user, err := s.users.FindByID(ctx, subject)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return AuthResult{}, ErrUserInvalidCredentials
		}
		return AuthResult{}, s.mapRepositoryError(err)
	}
	if !user.IsActive {
		return AuthResult{}, ErrUserDisabled
	}

	return AuthResult{User: user, Tokens: tokens}, nil
}

func (s *userService) GetByID(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}
	return user, nil
}

func (s *userService) GetByEmail(ctx context.Context, email string) (User, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return User{}, err
	}

	user, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}
	return user, nil
}

func (s *userService) UpdateProfile(ctx context.Context, cmd UpdateProfileCommand) (User, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}
	if !cmd.Actor.IsAdmin() && cmd.Actor.UserID != userID {
		return User{}, fmt.Errorf("%w: profile belongs to another user", ErrUserForbidden)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}

	if cmd.Username != nil {
		username := strings.TrimSpace(*cmd.Username)
		if !usernamePattern.MatchString(username) {
			return User{}, fmt.Errorf("%w: username must be 3-30 characters of letters, digits, _ or -", ErrUserInvalidInput)
		}
		user.Username = username
	}
	if cmd.FullName != nil {
		user.FullName = strings.TrimSpace(*cmd.FullName)
	}
	if cmd.Phone != nil {
		phone := strings.TrimSpace(*cmd.Phone)
		if phone != "" && !phonePattern.MatchString(phone) {
			return User{}, fmt.Errorf("%w: invalid phone number", ErrUserInvalidInput)
		}
		user.Phone = phone
	}
	if cmd.PreferredLocale != nil {
		locale, err := normalizeLocale(*cmd.PreferredLocale)
		if err != nil {
			return User{}, err
		}
		user.PreferredLocale = locale
	}
	if cmd.Addresses != nil {
		addresses := *cmd.Addresses
		if len(addresses) > maxAddresses {
			return User{}, fmt.Errorf("%w: at most %d addresses allowed", ErrUserInvalidInput, maxAddresses)
		}
		for i, addr := range addresses {
			if err := validateAddress(addr); err != nil {
				return User{}, fmt.Errorf("%w (address %d)", err, i)
			}
		}
		user.Addresses = addresses
	}

	user.UpdatedAt = s.now()

	updated, err := s.users.Update(ctx, user)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *userService) ChangePassword(ctx context.Context, cmd ChangePasswordCommand) error {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}
	if err := validatePassword(cmd.NewPassword); err != nil {
		return err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return s.mapRepositoryError(err)
	}

	if err := s.hasher.Compare(user.HashedPassword, cmd.OldPassword); err != nil {
		return fmt.Errorf("%w: current password is incorrect", ErrUserInvalidCredentials)
	}

	hashed, err := s.hasher.Hash(cmd.NewPassword)
	if err != nil {
		return fmt.Errorf("user: hash password: %w", err)
	}

	user.HashedPassword = hashed
	user.UpdatedAt = s.now()

	if _, err := s.users.Update(ctx, user); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *userService) SetRole(ctx context.Context, cmd SetRoleCommand) (User, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}
	if !validRoles[cmd.Role] {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrUserInvalidInput, cmd.Role)
	}
	if !cmd.Actor.IsAdmin() {
		return User{}, fmt.Errorf("%w: only admins can change roles", ErrUserForbidden)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}

	user.Role = cmd.Role
	user.UpdatedAt = s.now()

	updated, err := s.users.Update(ctx, user)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *userService) Deactivate(ctx context.Context, cmd DeactivateUserCommand) (User, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}
	if !cmd.Actor.IsAdmin() {
		return User{}, fmt.Errorf("%w: only admins can deactivate accounts", ErrUserForbidden)
	}
	if cmd.Actor.UserID == userID {
		return User{}, fmt.Errorf("%w: admins cannot deactivate themselves", ErrUserInvalidInput)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}

	user.IsActive = false
	user.UpdatedAt = s.now()

	updated, err := s.users.Update(ctx, user)
	if err != nil {
		return User{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *userService) List(ctx context.Context, filter UserListFilter) (domain.CursorPage[User], error) {
	if filter.Role != nil && !validRoles[*filter.Role] {
		return domain.CursorPage[User]{}, fmt.Errorf("%w: unknown role %q", ErrUserInvalidInput, *filter.Role)
	}

	page, err := s.users.List(ctx, repositories.UserListFilter{
		Role:       filter.Role,
		ActiveOnly: filter.ActiveOnly,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[User]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *userService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrUserNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrUserConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("user: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *userService) now() time.Time {
	return s.clock()
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: invalid email address", ErrUserInvalidInput)
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrUserInvalidInput, minPasswordLength)
	}
	return nil
}

func normalizeLocale(locale string) (string, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return "", nil
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return "", fmt.Errorf("%w: invalid locale %q", ErrUserInvalidInput, locale)
	}
	return tag.String(), nil
}

func validateAddress(addr Address) error {
	if strings.TrimSpace(addr.Recipient) == "" {
		return fmt.Errorf("%w: address recipient is required", ErrUserInvalidInput)
	}
	if strings.TrimSpace(addr.AddressLine1) == "" {
		return fmt.Errorf("%w: address line is required", ErrUserInvalidInput)
	}
	if strings.TrimSpace(addr.City) == "" {
		return fmt.Errorf("%w: address city is required", ErrUserInvalidInput)
	}
	if phone := strings.TrimSpace(addr.Phone); phone != "" && !phonePattern.MatchString(phone) {
		return fmt.Errorf("%w: invalid address phone", ErrUserInvalidInput)
	}
	return nil
}
