package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps query results with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// UserRole enumerates the access levels an account can hold.
type UserRole string

const (
	// RoleAdmin grants full administrative access.
	RoleAdmin UserRole = "admin"
	// RoleCustomer is the default role for registered shoppers.
	RoleCustomer UserRole = "customer"
	// RoleVendor allows catalog management for owned products.
	RoleVendor UserRole = "vendor"
)

// User is an account record. HashedPassword never leaves the service layer.
type User struct {
	ID              string
	Email           string
	Username        string
	HashedPassword  string
	FullName        string
	Phone           string
	Role            UserRole
	IsActive        bool
	Addresses       []Address
	PreferredLocale string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Address captures a shipping destination.
type Address struct {
	Recipient    string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
}

// ProductStatus enumerates catalog availability states.
type ProductStatus string

const (
	// ProductStatusActive means the product is purchasable.
	ProductStatusActive ProductStatus = "active"
	// ProductStatusInactive means the product is hidden from shoppers.
	ProductStatusInactive ProductStatus = "inactive"
	// ProductStatusOutOfStock means the product is visible but not purchasable.
	ProductStatusOutOfStock ProductStatus = "out_of_stock"
)

// Product is a catalog record. Stock never goes negative; decrements go
// through the inventory ledger's atomic conditional write.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       float64
	Stock       int
	Category    string
	Tags        []string
	Images      []string
	Status      ProductStatus
	Slug        string
	Views       int64
	SalesCount  int64
	Rating      float64
	IsDeleted   bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was created and awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment succeeded.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCompleted indicates the order is closed out.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled is terminal; stock has been restored.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus tracks the payment side of an order independently of the
// fulfilment status.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been captured.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates payment was captured.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the capture attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the payment was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusCancelled indicates payment was abandoned with the order.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentMethod enumerates accepted payment instruments.
type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "credit_card"
	PaymentMethodDebitCard    PaymentMethod = "debit_card"
	PaymentMethodPayPal       PaymentMethod = "paypal"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodCOD          PaymentMethod = "cod"
	PaymentMethodAlipay       PaymentMethod = "alipay"
	PaymentMethodWeChatPay    PaymentMethod = "wechat_pay"
)

// OrderItem is a line item with product attributes frozen at order time.
// Later product edits never alter persisted items.
type OrderItem struct {
	ProductID   string
	ProductName string
	ProductSlug string
	Price       float64
	Quantity    int
	Subtotal    float64
	Image       string
	Attributes  map[string]string
}

// StatusHistoryEntry records one transition in an order's append-only audit
// trail. Entries are never truncated or reordered.
type StatusHistoryEntry struct {
	Status    OrderStatus
	ChangedAt time.Time
	ChangedBy string
	Note      string
}

// Order is the aggregate the lifecycle engine operates on. OrderNumber and
// UserID are immutable after creation; Status changes only through the
// transition table.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Items           []OrderItem
	Subtotal        float64
	ShippingFee     float64
	Discount        float64
	TotalAmount     float64
	ShippingAddress Address
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	TrackingNumber  string
	Note            string
	CouponCode      string
	CancelReason    string
	StatusHistory   []StatusHistoryEntry
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	IsDeleted       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderStatistics aggregates order totals for reporting.
type OrderStatistics struct {
	TotalOrders       int64
	TotalAmount       float64
	PendingCount      int64
	PaidCount         int64
	ProcessingCount   int64
	ShippedCount      int64
	DeliveredCount    int64
	CompletedCount    int64
	CancelledCount    int64
	RefundedCount     int64
	AverageOrderValue float64
}
