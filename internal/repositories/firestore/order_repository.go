package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
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
	orderCollection       = "orders"
	orderNumberCollection = "orderNumbers"
)

// orderSortFields maps API sort keys onto document field paths.
var orderSortFields = map[string]string{
	"created_at":   "createdAt",
	"updated_at":   "updatedAt",
	"total_amount": "totalAmount",
	"paid_at":      "paidAt",
}

// OrderRepository persists order documents in Firestore. Order numbers are
// registered in a claim collection created alongside the order, so a
// colliding number surfaces as a conflict and the caller can regenerate.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
	numbers  *pfirestore.BaseRepository[orderNumberClaimDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	numbers := pfirestore.NewBaseRepository[orderNumberClaimDocument](provider, orderNumberCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base, numbers: numbers}, nil
}

// Insert creates the order and claims its number in the same transaction. A
// claimed number surfaces as a conflict, never an overwrite.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order insert: id is required")
	}
	number := strings.TrimSpace(order.OrderNumber)
	if number == "" {
		return domain.Order{}, errors.New("order insert: order number is required")
	}

	doc := newOrderDocument(order)
	err := r.runWrite(ctx, func(ctx context.Context) error {
		orderRef, err := r.base.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		claimRef, err := r.numbers.DocumentRef(ctx, number)
		if err != nil {
			return err
		}
		if err := createDocument(ctx, claimRef, orderNumberClaimDocument{OrderRef: order.ID, ClaimedAt: doc.CreatedAt}); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return status.Errorf(codes.AlreadyExists, "order number %s already claimed", number)
			}
			return err
		}
		return createDocument(ctx, orderRef, doc)
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.insert", err)
	}
	return doc.toDomain(order.ID), nil
}

// Update overwrites the stored order. OrderNumber and UserID never change
// after creation, so the claim document stays untouched.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order update: id is required")
	}

	doc := newOrderDocument(order)
	err := r.runWrite(ctx, func(ctx context.Context) error {
		orderRef, err := r.base.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		return setDocument(ctx, orderRef, doc)
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.update", err)
	}
	return doc.toDomain(order.ID), nil
}

// FindByID loads an order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Order{}, wrapOrderError("orders.findByID", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s: %w", orderID, err)
		}
		return doc.toDomain(orderID), nil
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByNumber resolves an order through its number claim.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.numbers == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order number is required")
	}

	claim, err := r.numbers.Get(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByNumber", err)
	}
	return r.FindByID(ctx, claim.Data.OrderRef)
}

// List returns a filtered, sorted order page. Soft-deleted orders are always
// excluded.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(orderCollection).Query.Where("isDeleted", "==", false)
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	}
	if len(filter.PaymentStatuses) > 0 {
		statuses := make([]string, len(filter.PaymentStatuses))
		for i, s := range filter.PaymentStatuses {
			statuses[i] = string(s)
		}
		query = query.Where("paymentStatus", "in", statuses)
	}
	if filter.CreatedAt.From != nil {
		query = query.Where("createdAt", ">=", filter.CreatedAt.From.UTC())
	}
	if filter.CreatedAt.To != nil {
		query = query.Where("createdAt", "<=", filter.CreatedAt.To.UTC())
	}
	if filter.TotalAmount.From != nil {
		query = query.Where("totalAmount", ">=", *filter.TotalAmount.From)
	}
	if filter.TotalAmount.To != nil {
		query = query.Where("totalAmount", "<=", *filter.TotalAmount.To)
	}

	searchTerms := keywordTerms(filter.Search)
	if len(searchTerms) > 0 {
		query = query.Where("keywords", "array-contains-any", searchTerms)
	}

	sortField, direction := orderSort(filter.SortBy, filter.Order)
	query = query.OrderBy(sortField, direction).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		cursor, err := orderCursorValue(sortField, decoded)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(cursor, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodePageToken(pageToken{ID: last.ID, Value: orderCursorString(sortField, last)})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Aggregate computes order statistics over the filtered set. Firestore has no
// grouped aggregation, so the counters are folded from a projection of the
// status and amount fields.
func (r *OrderRepository) Aggregate(ctx context.Context, filter repositories.StatisticsFilter) (domain.OrderStatistics, error) {
	if r == nil || r.provider == nil {
		return domain.OrderStatistics{}, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.OrderStatistics{}, wrapOrderError("orders.aggregate", err)
	}

	query := client.Collection(orderCollection).Query.Where("isDeleted", "==", false)
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if filter.CreatedAt.From != nil {
		query = query.Where("createdAt", ">=", filter.CreatedAt.From.UTC())
	}
	if filter.CreatedAt.To != nil {
		query = query.Where("createdAt", "<=", filter.CreatedAt.To.UTC())
	}

	iter := query.Select("status", "totalAmount").Documents(ctx)
	defer iter.Stop()

	var acc orderStatsAccumulator
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.OrderStatistics{}, wrapOrderError("orders.aggregate", err)
		}
		var amount float64
		if raw, err := snap.DataAt("totalAmount"); err == nil {
			amount, _ = raw.(float64)
		}
		var statusValue string
		if raw, err := snap.DataAt("status"); err == nil {
			statusValue, _ = raw.(string)
		}
		acc.add(domain.OrderStatus(statusValue), amount)
	}

	return acc.finalize(), nil
}

// orderStatsAccumulator folds status/amount pairs into order statistics one
// document at a time, keeping Aggregate streaming.
type orderStatsAccumulator struct {
	stats domain.OrderStatistics
}

func (a *orderStatsAccumulator) add(status domain.OrderStatus, amount float64) {
	a.stats.TotalOrders++
	a.stats.TotalAmount += amount
	switch status {
	case domain.OrderStatusPending:
		a.stats.PendingCount++
	case domain.OrderStatusPaid:
		a.stats.PaidCount++
	case domain.OrderStatusProcessing:
		a.stats.ProcessingCount++
	case domain.OrderStatusShipped:
		a.stats.ShippedCount++
	case domain.OrderStatusDelivered:
		a.stats.DeliveredCount++
	case domain.OrderStatusCompleted:
		a.stats.CompletedCount++
	case domain.OrderStatusCancelled:
		a.stats.CancelledCount++
	case domain.OrderStatusRefunded:
		a.stats.RefundedCount++
	}
}

func (a *orderStatsAccumulator) finalize() domain.OrderStatistics {
	stats := a.stats
	stats.TotalAmount = round2(stats.TotalAmount)
	if stats.TotalOrders > 0 {
		stats.AverageOrderValue = round2(stats.TotalAmount / float64(stats.TotalOrders))
	}
	return stats
}

func (r *OrderRepository) runWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(ctx, tx))
	})
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId"`
	Items           []orderItemDocument     `firestore:"items"`
	Subtotal        float64                 `firestore:"subtotal"`
	ShippingFee     float64                 `firestore:"shippingFee"`
	Discount        float64                 `firestore:"discount"`
	TotalAmount     float64                 `firestore:"totalAmount"`
	ShippingAddress addressDocument         `firestore:"shippingAddress"`
	Status          string                  `firestore:"status"`
	PaymentStatus   string                  `firestore:"paymentStatus"`
	PaymentMethod   string                  `firestore:"paymentMethod"`
	TrackingNumber  string                  `firestore:"trackingNumber,omitempty"`
	Note            string                  `firestore:"note,omitempty"`
	CouponCode      string                  `firestore:"couponCode,omitempty"`
	CancelReason    string                  `firestore:"cancelReason,omitempty"`
	StatusHistory   []statusHistoryDocument `firestore:"statusHistory"`
	Keywords        []string                `firestore:"keywords,omitempty"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time              `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time              `firestore:"deliveredAt,omitempty"`
	CompletedAt     *time.Time              `firestore:"completedAt,omitempty"`
	CancelledAt     *time.Time              `firestore:"cancelledAt,omitempty"`
	IsDeleted       bool                    `firestore:"isDeleted"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID   string            `firestore:"productId"`
	ProductName string            `firestore:"productName"`
	ProductSlug string            `firestore:"productSlug,omitempty"`
	Price       float64           `firestore:"price"`
	Quantity    int               `firestore:"quantity"`
	Subtotal    float64           `firestore:"subtotal"`
	Image       string            `firestore:"image,omitempty"`
	Attributes  map[string]string `firestore:"attributes,omitempty"`
}

type statusHistoryDocument struct {
	Status    string    `firestore:"status"`
	ChangedAt time.Time `firestore:"changedAt"`
	ChangedBy string    `firestore:"changedBy"`
	Note      string    `firestore:"note,omitempty"`
}

type orderNumberClaimDocument struct {
	OrderRef  string    `firestore:"orderRef"`
	ClaimedAt time.Time `firestore:"claimedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			ProductSlug: item.ProductSlug,
			Price:       item.Price,
			Quantity:    item.Quantity,
			Subtotal:    item.Subtotal,
			Image:       item.Image,
			Attributes:  item.Attributes,
		}
	}
	history := make([]statusHistoryDocument, len(order.StatusHistory))
	for i, entry := range order.StatusHistory {
		history[i] = statusHistoryDocument{
			Status:    string(entry.Status),
			ChangedAt: entry.ChangedAt.UTC(),
			ChangedBy: entry.ChangedBy,
			Note:      entry.Note,
		}
	}
	return orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		Items:           items,
		Subtotal:        order.Subtotal,
		ShippingFee:     order.ShippingFee,
		Discount:        order.Discount,
		TotalAmount:     order.TotalAmount,
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentMethod:   string(order.PaymentMethod),
		TrackingNumber:  strings.TrimSpace(order.TrackingNumber),
		Note:            order.Note,
		CouponCode:      strings.TrimSpace(order.CouponCode),
		CancelReason:    order.CancelReason,
		StatusHistory:   history,
		Keywords:        buildOrderKeywords(order),
		PaidAt:          utcOrNil(order.PaidAt),
		ShippedAt:       utcOrNil(order.ShippedAt),
		DeliveredAt:     utcOrNil(order.DeliveredAt),
		CompletedAt:     utcOrNil(order.CompletedAt),
		CancelledAt:     utcOrNil(order.CancelledAt),
		IsDeleted:       order.IsDeleted,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			ProductSlug: item.ProductSlug,
			Price:       item.Price,
			Quantity:    item.Quantity,
			Subtotal:    item.Subtotal,
			Image:       item.Image,
			Attributes:  item.Attributes,
		}
	}
	history := make([]domain.StatusHistoryEntry, len(d.StatusHistory))
	for i, entry := range d.StatusHistory {
		history[i] = domain.StatusHistoryEntry{
			Status:    domain.OrderStatus(entry.Status),
			ChangedAt: entry.ChangedAt,
			ChangedBy: entry.ChangedBy,
			Note:      entry.Note,
		}
	}
	return domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		Items:           items,
		Subtotal:        d.Subtotal,
		ShippingFee:     d.ShippingFee,
		Discount:        d.Discount,
		TotalAmount:     d.TotalAmount,
		ShippingAddress: toDomainAddress(d.ShippingAddress),
		Status:          domain.OrderStatus(d.Status),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		TrackingNumber:  d.TrackingNumber,
		Note:            d.Note,
		CouponCode:      d.CouponCode,
		CancelReason:    d.CancelReason,
		StatusHistory:   history,
		PaidAt:          d.PaidAt,
		ShippedAt:       d.ShippedAt,
		DeliveredAt:     d.DeliveredAt,
		CompletedAt:     d.CompletedAt,
		CancelledAt:     d.CancelledAt,
		IsDeleted:       d.IsDeleted,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// buildOrderKeywords tokenises the order number and shipping recipient so
// admin search can use an array membership clause.
func buildOrderKeywords(order domain.Order) []string {
	seen := make(map[string]struct{})
	add := func(value string) {
		for _, token := range strings.Fields(strings.ToLower(value)) {
			if token == "" {
				continue
			}
			seen[token] = struct{}{}
		}
	}
	add(order.OrderNumber)
	add(order.ShippingAddress.Recipient)
	if len(seen) == 0 {
		return nil
	}
	keywords := make([]string, 0, len(seen))
	for token := range seen {
		keywords = append(keywords, token)
	}
	sort.Strings(keywords)
	return keywords
}

func orderSort(sortBy string, order domain.SortOrder) (string, firestore.Direction) {
	field, ok := orderSortFields[strings.TrimSpace(sortBy)]
	if !ok {
		field = "createdAt"
	}
	direction := firestore.Desc
	if order == domain.SortAsc {
		direction = firestore.Asc
	}
	return field, direction
}

func orderCursorValue(sortField string, token *pageToken) (any, error) {
	switch sortField {
	case "totalAmount":
		return token.floatValue()
	default:
		return token.timeValue()
	}
}

func orderCursorString(sortField string, order domain.Order) string {
	switch sortField {
	case "totalAmount":
		return fmt.Sprintf("%g", order.TotalAmount)
	case "updatedAt":
		return order.UpdatedAt.UTC().Format(time.RFC3339Nano)
	case "paidAt":
		if order.PaidAt != nil {
			return order.PaidAt.UTC().Format(time.RFC3339Nano)
		}
		return time.Time{}.Format(time.RFC3339Nano)
	default:
		return order.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
}

func toDomainAddress(d addressDocument) domain.Address {
	return domain.Address{
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

func utcOrNil(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) {
		return repoErr
	}
	return pfirestore.WrapError(op, err)
}
