package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/shopkit/api/internal/domain"
	pfirestore "github.com/shopkit/api/internal/platform/firestore"
	"github.com/shopkit/api/internal/repositories"
)

const (
	userCollection      = "users"
	userEmailCollection = "userEmails"
)

// UserRepository persists account records in Firestore. Email uniqueness is
// enforced through a registration document keyed by the lowercased address,
// created in the same transaction as the account itself.
type UserRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[userDocument]
	emails   *pfirestore.BaseRepository[emailClaimDocument]
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[userDocument](provider, userCollection, nil, nil)
	emails := pfirestore.NewBaseRepository[emailClaimDocument](provider, userEmailCollection, nil, nil)
	return &UserRepository{provider: provider, base: base, emails: emails}, nil
}

// Insert creates the account and claims its email address. A claimed address
// surfaces as a conflict.
func (r *UserRepository) Insert(ctx context.Context, user domain.User) (domain.User, error) {
	if r == nil || r.provider == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(user.ID) == "" {
		return domain.User{}, errors.New("user insert: id is required")
	}
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" {
		return domain.User{}, errors.New("user insert: email is required")
	}

	doc := newUserDocument(user)
	err := r.runWrite(ctx, func(ctx context.Context) error {
		userRef, err := r.base.DocumentRef(ctx, user.ID)
		if err != nil {
			return err
		}
		claimRef, err := r.emails.DocumentRef(ctx, email)
		if err != nil {
			return err
		}
		if err := createDocument(ctx, claimRef, emailClaimDocument{UserRef: user.ID, ClaimedAt: doc.CreatedAt}); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return status.Errorf(codes.AlreadyExists, "email %s already registered", email)
			}
			return err
		}
		return createDocument(ctx, userRef, doc)
	})
	if err != nil {
		return domain.User{}, wrapUserError("users.insert", err)
	}
	return doc.toDomain(user.ID), nil
}

// Update overwrites the stored account. Email is immutable once claimed, so
// the claim document is left untouched.
func (r *UserRepository) Update(ctx context.Context, user domain.User) (domain.User, error) {
	if r == nil || r.provider == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(user.ID) == "" {
		return domain.User{}, errors.New("user update: id is required")
	}

	doc := newUserDocument(user)
	err := r.runWrite(ctx, func(ctx context.Context) error {
		userRef, err := r.base.DocumentRef(ctx, user.ID)
		if err != nil {
			return err
		}
		if _, err := getDocument(ctx, userRef); err != nil {
			return err
		}
		return setDocument(ctx, userRef, doc)
	})
	if err != nil {
		return domain.User{}, wrapUserError("users.update", err)
	}
	return doc.toDomain(user.ID), nil
}

// FindByID loads an account by its identifier.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	if r == nil || r.base == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, errors.New("user id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.DocumentRef(ctx, userID)
		if err != nil {
			return domain.User{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.User{}, wrapUserError("users.findByID", err)
		}
		var doc userDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.User{}, fmt.Errorf("decode user %s: %w", userID, err)
		}
		return doc.toDomain(userID), nil
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.User{}, wrapUserError("users.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByEmail resolves an account by its lowercased email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	if r == nil || r.provider == nil {
		return domain.User{}, errors.New("user repository not initialised")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, errors.New("user email is required")
	}

	claim, err := r.emails.Get(ctx, email)
	if err != nil {
		return domain.User{}, wrapUserError("users.findByEmail", err)
	}
	return r.FindByID(ctx, claim.Data.UserRef)
}

// List returns accounts ordered by creation time, newest first.
func (r *UserRepository) List(ctx context.Context, filter repositories.UserListFilter) (domain.CursorPage[domain.User], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.User]{}, errors.New("user repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.User]{}, wrapUserError("users.list", err)
	}

	query := client.Collection(userCollection).Query
	if filter.Role != nil {
		query = query.Where("role", "==", string(*filter.Role))
	}
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.User]{}, wrapUserError("users.list", err)
		}
		at, err := decoded.timeValue()
		if err != nil {
			return domain.CursorPage[domain.User]{}, wrapUserError("users.list", err)
		}
		query = query.StartAfter(at, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var users []domain.User
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.User]{}, wrapUserError("users.list", err)
		}
		var doc userDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.User]{}, fmt.Errorf("decode user %s: %w", snap.Ref.ID, err)
		}
		users = append(users, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(users) > pageSize
	if hasMore {
		users = users[:pageSize]
	}
	var nextToken string
	if hasMore && len(users) > 0 {
		last := users[len(users)-1]
		encoded, err := encodePageToken(pageToken{ID: last.ID, Value: last.CreatedAt.UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return domain.CursorPage[domain.User]{}, wrapUserError("users.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.User]{Items: users, NextPageToken: nextToken}, nil
}

// runWrite executes fn inside the ambient transaction when one exists, and in
// a fresh single-shot transaction otherwise so multi-document writes stay
// atomic.
func (r *UserRepository) runWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(ctx, tx))
	})
}

// Helper structures ---------------------------------------------------------

type userDocument struct {
	Email           string            `firestore:"email"`
	Username        string            `firestore:"username"`
	HashedPassword  string            `firestore:"hashedPassword"`
	FullName        string            `firestore:"fullName,omitempty"`
	Phone           string            `firestore:"phone,omitempty"`
	Role            string            `firestore:"role"`
	IsActive        bool              `firestore:"isActive"`
	Addresses       []addressDocument `firestore:"addresses,omitempty"`
	PreferredLocale string            `firestore:"preferredLocale,omitempty"`
	CreatedAt       time.Time         `firestore:"createdAt"`
	UpdatedAt       time.Time         `firestore:"updatedAt"`
}

type addressDocument struct {
	Recipient    string `firestore:"recipient"`
	Phone        string `firestore:"phone,omitempty"`
	AddressLine1 string `firestore:"addressLine1"`
	AddressLine2 string `firestore:"addressLine2,omitempty"`
	City         string `firestore:"city"`
	State        string `firestore:"state,omitempty"`
	PostalCode   string `firestore:"postalCode"`
	Country      string `firestore:"country"`
}

type emailClaimDocument struct {
	UserRef   string    `firestore:"userRef"`
	ClaimedAt time.Time `firestore:"claimedAt"`
}

func newUserDocument(user domain.User) userDocument {
	return userDocument{
		Email:           strings.ToLower(strings.TrimSpace(user.Email)),
		Username:        strings.TrimSpace(user.Username),
		HashedPassword:  user.HashedPassword,
		FullName:        strings.TrimSpace(user.FullName),
		Phone:           strings.TrimSpace(user.Phone),
		Role:            string(user.Role),
		IsActive:        user.IsActive,
		Addresses:       newAddressDocuments(user.Addresses),
		PreferredLocale: strings.TrimSpace(user.PreferredLocale),
		CreatedAt:       user.CreatedAt.UTC(),
		UpdatedAt:       user.UpdatedAt.UTC(),
	}
}

func (d userDocument) toDomain(id string) domain.User {
	return domain.User{
		ID:              id,
		Email:           d.Email,
		Username:        d.Username,
		HashedPassword:  d.HashedPassword,
		FullName:        d.FullName,
		Phone:           d.Phone,
		Role:            domain.UserRole(d.Role),
		IsActive:        d.IsActive,
		Addresses:       toDomainAddresses(d.Addresses),
		PreferredLocale: d.PreferredLocale,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func newAddressDocuments(addresses []domain.Address) []addressDocument {
	if len(addresses) == 0 {
		return nil
	}
	docs := make([]addressDocument, len(addresses))
	for i, a := range addresses {
		docs[i] = newAddressDocument(a)
	}
	return docs
}

func newAddressDocument(a domain.Address) addressDocument {
	return addressDocument{
		Recipient:    strings.TrimSpace(a.Recipient),
		Phone:        strings.TrimSpace(a.Phone),
		AddressLine1: strings.TrimSpace(a.AddressLine1),
		AddressLine2: strings.TrimSpace(a.AddressLine2),
		City:         strings.TrimSpace(a.City),
		State:        strings.TrimSpace(a.State),
		PostalCode:   strings.TrimSpace(a.PostalCode),
		Country:      strings.TrimSpace(a.Country),
	}
}

func toDomainAddresses(docs []addressDocument) []domain.Address {
	if len(docs) == 0 {
		return nil
	}
	addresses := make([]domain.Address, len(docs))
	for i, d := range docs {
		addresses[i] = domain.Address{
			Recipient:    d.Recipient,
			Phone:        d.Phone,
			AddressLine1: d.AddressLine1,
			AddressLine2: d.AddressLine2,
			City:         d.City,
			State:        d.State,
			PostalCode:   d.PostalCode,
			Country:      d.Country,
		}
	}
	return addresses
}

func wrapUserError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) {
		return repoErr
	}
	return pfirestore.WrapError(op, err)
}
