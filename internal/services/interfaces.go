package services

import (
	"context"
	"time"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	User               = domain.User
	UserRole           = domain.UserRole
	Address            = domain.Address
	Product            = domain.Product
	ProductStatus      = domain.ProductStatus
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	StatusHistoryEntry = domain.StatusHistoryEntry
	OrderStatistics    = domain.OrderStatistics
	SystemHealthReport = repositories.SystemHealthReport
)

// UserService manages accounts, credentials, and role administration.
type UserService interface {
	Register(ctx context.Context, cmd RegisterUserCommand) (User, error)
	Authenticate(ctx context.Context, cmd AuthenticateCommand) (AuthResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (AuthResult, error)
	GetByID(ctx context.Context, userID string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	UpdateProfile(ctx context.Context, cmd UpdateProfileCommand) (User, error)
	ChangePassword(ctx context.Context, cmd ChangePasswordCommand) error
	SetRole(ctx context.Context, cmd SetRoleCommand) (User, error)
	Deactivate(ctx context.Context, cmd DeactivateUserCommand) (User, error)
	List(ctx context.Context, filter UserListFilter) (domain.CursorPage[User], error)
}

// ProductService manages the catalog, stock adjustments, and signed uploads.
type ProductService interface {
	Create(ctx context.Context, cmd CreateProductCommand) (Product, error)
	GetByID(ctx context.Context, productID string, opts ProductReadOptions) (Product, error)
	GetBySlug(ctx context.Context, slug string) (Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
	Update(ctx context.Context, cmd UpdateProductCommand) (Product, error)
	UpdateStock(ctx context.Context, cmd UpdateStockCommand) (Product, error)
	CheckStockAvailable(ctx context.Context, productID string, quantity int) (bool, error)
	Categories(ctx context.Context) ([]string, error)
	SoftDelete(ctx context.Context, cmd DeleteProductCommand) error
	ImageUploadURL(ctx context.Context, cmd ImageUploadCommand) (SignedUpload, error)
}

// OrderService is the order lifecycle engine: creation with atomic stock
// reservation, status transitions, cancellation with stock restoration, and
// reporting.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetByID(ctx context.Context, cmd OrderAccessCommand) (Order, error)
	GetByNumber(ctx context.Context, cmd OrderNumberAccessCommand) (Order, error)
	ListForUser(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListAll(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	Statistics(ctx context.Context, filter StatisticsFilter) (OrderStatistics, error)
	SetTracking(ctx context.Context, cmd SetTrackingCommand) (Order, error)
	SetNote(ctx context.Context, cmd SetOrderNoteCommand) (Order, error)
}

// SystemService reports readiness of downstream dependencies plus build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// HealthReport is the dependency report annotated with build metadata.
type HealthReport struct {
	Status      repositories.HealthStatus
	Checks      map[string]repositories.SystemHealthCheck
	GeneratedAt time.Time
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}

// PasswordHasher abstracts the credential hashing scheme.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hashed, password string) error
}

// TokenIssuer mints and refreshes the signed token pair handed to clients.
type TokenIssuer interface {
	Issue(subject string, role string) (TokenPair, error)
	Refresh(refreshToken string) (TokenPair, string, error)
}

// TokenPair carries the access and refresh tokens with the access expiry.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// DiscountEngine computes the order-level discount. The default
// implementation returns zero; coupon semantics plug in here later.
type DiscountEngine interface {
	Discount(ctx context.Context, req DiscountRequest) (float64, error)
}

// DiscountRequest carries the inputs a discount computation may use.
type DiscountRequest struct {
	UserID     string
	CouponCode string
	Subtotal   float64
	Items      []OrderItem
}

// StockReserver executes the stock side of order creation. The strategy is
// chosen once at startup; see TransactionalReserver and BestEffortReserver.
type StockReserver interface {
	// ReserveAndPersist takes stock for every demand and persists the order.
	// How atomically the two happen is the strategy's contract.
	ReserveAndPersist(ctx context.Context, demands []repositories.StockDemand, persist func(ctx context.Context) error) error
	// Restore returns stock together with the order mutation applied by
	// persist, as atomically as the strategy allows. check runs first and
	// must only read; in the transactional strategy it re-validates the
	// order inside the same transaction, which is what makes a concurrent
	// double cancel observe the first cancellation.
	Restore(ctx context.Context, demands []repositories.StockDemand, check func(ctx context.Context) error, persist func(ctx context.Context) error) error
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// UploadSigner issues signed PUT URLs for direct-to-bucket uploads.
type UploadSigner interface {
	SignUpload(ctx context.Context, object string, contentType string) (SignedUpload, error)
}

// SignedUpload is a time-limited URL the client PUTs the object to.
type SignedUpload struct {
	URL       string
	Method    string
	Headers   map[string]string
	ObjectKey string
	ExpiresAt time.Time
}

// Command and DTO definitions ------------------------------------------------

// Actor identifies the authenticated caller for authorization decisions.
type Actor struct {
	UserID string
	Role   UserRole
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == domain.RoleAdmin }

type RegisterUserCommand struct {
	Email           string
	Username        string
	Password        string
	FullName        string
	Phone           string
	PreferredLocale string
}

type AuthenticateCommand struct {
	Email    string
	Password string
}

// AuthResult pairs the authenticated account with its tokens.
type AuthResult struct {
	User   User
	Tokens TokenPair
}

type UpdateProfileCommand struct {
	UserID          string
	Actor           Actor
	Username        *string
	FullName        *string
	Phone           *string
	PreferredLocale *string
	Addresses       *[]Address
}

type ChangePasswordCommand struct {
	UserID      string
	OldPassword string
	NewPassword string
}

type SetRoleCommand struct {
	UserID string
	Role   UserRole
	Actor  Actor
}

type DeactivateUserCommand struct {
	UserID string
	Actor  Actor
}

type UserListFilter struct {
	Role       *UserRole
	ActiveOnly bool
	Pagination Pagination
}

type CreateProductCommand struct {
	Name        string
	Description string
	Price       float64
	Stock       int
	Category    string
	Tags        []string
	Images      []string
	Status      ProductStatus
	Actor       Actor
}

type ProductReadOptions struct {
	IncrementViews bool
}

type ProductListFilter = repositories.ProductListFilter

type UpdateProductCommand struct {
	ProductID   string
	Actor       Actor
	Name        *string
	Description *string
	Price       *float64
	Category    *string
	Tags        *[]string
	Images      *[]string
	Status      *ProductStatus
	Rating      *float64
}

type UpdateStockCommand struct {
	ProductID string
	Delta     int
	Actor     Actor
}

type DeleteProductCommand struct {
	ProductID string
	Actor     Actor
}

type ImageUploadCommand struct {
	ProductID   string
	FileName    string
	ContentType string
	Actor       Actor
}

type OrderListFilter = repositories.OrderListFilter

type StatisticsFilter = repositories.StatisticsFilter

// CreateOrderItemInput names a product and quantity. Price, name, and image
// are snapshotted server-side; client-supplied values are ignored.
type CreateOrderItemInput struct {
	ProductID  string
	Quantity   int
	Attributes map[string]string
}

type CreateOrderCommand struct {
	UserID          string
	Items           []CreateOrderItemInput
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	Note            string
	CouponCode      string
}

type OrderAccessCommand struct {
	OrderID string
	Actor   Actor
}

type OrderNumberAccessCommand struct {
	OrderNumber string
	Actor       Actor
}

type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	Actor        Actor
	Note         string
}

type CancelOrderCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

type SetTrackingCommand struct {
	OrderID        string
	TrackingNumber string
	Actor          Actor
}

type SetOrderNoteCommand struct {
	OrderID string
	Note    string
	Actor   Actor
}
