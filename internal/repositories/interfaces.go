package repositories

import (
	"context"
	"fmt"
	"time"

	domain "github.com/shopkit/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Users() UserRepository
	Products() ProductRepository
	Orders() OrderRepository
	Inventory() InventoryLedger
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository stores account records keyed by id with a unique email.
type UserRepository interface {
	Insert(ctx context.Context, user domain.User) (domain.User, error)
	Update(ctx context.Context, user domain.User) (domain.User, error)
	FindByID(ctx context.Context, userID string) (domain.User, error)
	FindByEmail(ctx context.Context, email string) (domain.User, error)
	List(ctx context.Context, filter UserListFilter) (domain.CursorPage[domain.User], error)
}

// ProductRepository persists catalog records with a unique slug.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) (domain.Product, error)
	Update(ctx context.Context, product domain.Product) (domain.Product, error)
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindBySlug(ctx context.Context, slug string) (domain.Product, error)
	SlugExists(ctx context.Context, slug string, excludeID string) (bool, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
	Categories(ctx context.Context) ([]string, error)
	IncrementViews(ctx context.Context, productID string) error
	SoftDelete(ctx context.Context, productID string, actorID string, deletedAt time.Time) error
}

// StockDemand names one product and the quantity an order takes from it.
type StockDemand struct {
	ProductID string
	Quantity  int
}

// InventoryLedger performs the stock mutations behind order creation and
// cancellation. Reserve and Release are exact inverses: Reserve moves the
// demanded quantity from stock to sales count, Release moves it back. Both
// honour an ambient transaction placed in the context by the UnitOfWork, and
// both perform every read before the first write so they compose with other
// repository calls inside one transaction.
type InventoryLedger interface {
	// Reserve decrements stock and increments the sales count for every
	// demand, but only while stock covers the demand and the product is not
	// soft-deleted. On a failed guard it returns an *InsufficientStockError
	// and mutates nothing.
	Reserve(ctx context.Context, demands []StockDemand) error
	// Release increments stock and decrements the sales count for every
	// demand unconditionally.
	Release(ctx context.Context, demands []StockDemand) error
	// Available reports current stock for pre-checks in best-effort mode.
	Available(ctx context.Context, productID string) (int, error)
}

// OrderRepository persists order documents. Insert uses create semantics:
// colliding order numbers surface as a conflict, never an overwrite.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	Aggregate(ctx context.Context, filter StatisticsFilter) (domain.OrderStatistics, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// UserListFilter narrows account listings.
type UserListFilter struct {
	Role       *domain.UserRole
	ActiveOnly bool
	Pagination domain.Pagination
}

// ProductListFilter narrows catalog listings. An empty Statuses slice hides
// inactive products; IncludeInactive lifts that default for admin views.
type ProductListFilter struct {
	Category        string
	Statuses        []domain.ProductStatus
	IncludeInactive bool
	Price           domain.RangeQuery[float64]
	Tags            []string
	Search          string
	SortBy          string
	Order           domain.SortOrder
	Pagination      domain.Pagination
}

// OrderListFilter narrows order listings for users and admins. Search matches
// order number prefixes and the shipping recipient.
type OrderListFilter struct {
	UserID          string
	Statuses        []domain.OrderStatus
	PaymentStatuses []domain.PaymentStatus
	CreatedAt       domain.RangeQuery[time.Time]
	TotalAmount     domain.RangeQuery[float64]
	Search          string
	SortBy          string
	Order           domain.SortOrder
	Pagination      domain.Pagination
}

// StatisticsFilter scopes the order aggregation.
type StatisticsFilter struct {
	UserID    string
	CreatedAt domain.RangeQuery[time.Time]
}

// InsufficientStockError reports a failed reservation guard. It carries the
// shortfall so callers can build actionable validation messages.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (available: %d, required: %d)", e.ProductID, e.Available, e.Requested)
}

// IsNotFound implements RepositoryError.
func (e *InsufficientStockError) IsNotFound() bool { return false }

// IsConflict implements RepositoryError.
func (e *InsufficientStockError) IsConflict() bool { return true }

// IsUnavailable implements RepositoryError.
func (e *InsufficientStockError) IsUnavailable() bool { return false }
