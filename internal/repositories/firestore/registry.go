package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/shopkit/api/internal/platform/firestore"
	"github.com/shopkit/api/internal/repositories"
)

// txContextKey carries the ambient transaction created by RunInTx so that
// repository calls made inside the closure join the same transaction.
type txContextKey struct{}

func withTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract and owns the shared provider lifecycle.
type Registry struct {
	provider  *pfirestore.Provider
	users     *UserRepository
	products  *ProductRepository
	orders    *OrderRepository
	inventory *InventoryLedger
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires all repositories onto one provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	users, err := NewUserRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryLedger(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		users:     users,
		products:  products,
		orders:    orders,
		inventory: inventory,
		health:    health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Users returns the account repository.
func (r *Registry) Users() repositories.UserRepository { return r.users }

// Products returns the catalog repository.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Inventory returns the stock ledger.
func (r *Registry) Inventory() repositories.InventoryLedger { return r.inventory }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside one Firestore transaction. Repository calls made
// with the derived context read and write through that transaction, so a
// failure anywhere aborts every buffered mutation.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	if _, ok := txFromContext(ctx); ok {
		// Already inside a transaction; nested boundaries join the outer one.
		return fn(ctx)
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(ctx, tx))
	})
	// Buffered writes only fail at commit, so conflicts surface here rather
	// than from the repository call that queued them.
	return pfirestore.WrapError("transaction", err)
}

// Transaction-aware document primitives --------------------------------------
//
// Repository methods route reads and writes through these helpers so that the
// same code path works both standalone and inside an ambient RunInTx boundary.

func getDocument(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	if tx, ok := txFromContext(ctx); ok {
		return tx.Get(ref)
	}
	return ref.Get(ctx)
}

func setDocument(ctx context.Context, ref *firestore.DocumentRef, data any) error {
	if tx, ok := txFromContext(ctx); ok {
		return tx.Set(ref, data)
	}
	_, err := ref.Set(ctx, data)
	return err
}

func createDocument(ctx context.Context, ref *firestore.DocumentRef, data any) error {
	if tx, ok := txFromContext(ctx); ok {
		return tx.Create(ref, data)
	}
	_, err := ref.Create(ctx, data)
	return err
}

func updateDocument(ctx context.Context, ref *firestore.DocumentRef, updates []firestore.Update) error {
	if tx, ok := txFromContext(ctx); ok {
		return tx.Update(ref, updates)
	}
	_, err := ref.Update(ctx, updates)
	return err
}

func deleteDocument(ctx context.Context, ref *firestore.DocumentRef) error {
	if tx, ok := txFromContext(ctx); ok {
		return tx.Delete(ref)
	}
	_, err := ref.Delete(ctx)
	return err
}
