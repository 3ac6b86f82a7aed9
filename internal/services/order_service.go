package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/platform/textutil"
	"github.com/shopkit/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status_changed"
	orderEventCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"

	// maxOrderItems bounds line items per order.
	maxOrderItems = 50

	defaultOrderNumberAttempts = 3
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor may not access the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates duplicate order numbers or concurrent updates.
	ErrOrderConflict = errors.New("order: conflict")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCompleted},
	domain.OrderStatusDelivered:  {domain.OrderStatusCompleted, domain.OrderStatusRefunded},
	domain.OrderStatusCompleted:  {domain.OrderStatusRefunded},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusPaid,
	domain.OrderStatusProcessing,
}

var validPaymentMethods = map[domain.PaymentMethod]bool{
	domain.PaymentMethodCreditCard:   true,
	domain.PaymentMethodDebitCard:    true,
	domain.PaymentMethodPayPal:       true,
	domain.PaymentMethodBankTransfer: true,
	domain.PaymentMethodCOD:          true,
	domain.PaymentMethodAlipay:       true,
	domain.PaymentMethodWeChatPay:    true,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Products       repositories.ProductRepository
	Reserver       StockReserver
	Pricing        *PricingEngine
	Numbers        OrderNumberGenerator
	NumberAttempts int
	Clock          func() time.Time
	IDGenerator    func() string
	Events         OrderEventPublisher
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	products       repositories.ProductRepository
	reserver       StockReserver
	pricing        *PricingEngine
	numbers        OrderNumberGenerator
	numberAttempts int
	clock          func() time.Time
	newID          func() string
	events         OrderEventPublisher
	logger         func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Reserver == nil {
		return nil, errors.New("order service: stock reserver is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	numbers := deps.Numbers
	if numbers == nil {
		numbers = DefaultOrderNumberGenerator
	}

	attempts := deps.NumberAttempts
	if attempts <= 0 {
		attempts = defaultOrderNumberAttempts
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

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:         deps.Orders,
		products:       deps.Products,
		reserver:       deps.Reserver,
		pricing:        deps.Pricing,
		numbers:        numbers,
		numberAttempts: attempts,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxOrderItems {
		return Order{}, fmt.Errorf("%w: order cannot exceed %d items", ErrOrderInvalidInput, maxOrderItems)
	}
	if !validPaymentMethods[cmd.PaymentMethod] {
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}

	seen := make(map[string]bool, len(cmd.Items))
	for _, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return Order{}, fmt.Errorf("%w: item product id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: quantity for %s must be > 0", ErrOrderInvalidInput, productID)
		}
		if seen[productID] {
			return Order{}, fmt.Errorf("%w: duplicate item for product %s", ErrOrderInvalidInput, productID)
		}
		seen[productID] = true
	}

	items, demands, err := s.snapshotItems(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	items, err = s.pricing.PriceItems(items)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	totals, err := s.pricing.Calculate(ctx, DiscountRequest{
		UserID:     userID,
		CouponCode: strings.TrimSpace(cmd.CouponCode),
	}, items)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:              s.nextOrderID(),
		UserID:          userID,
		Items:           items,
		Subtotal:        totals.Subtotal,
		ShippingFee:     totals.ShippingFee,
		Discount:        totals.Discount,
		TotalAmount:     totals.Total,
		ShippingAddress: cmd.ShippingAddress,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentMethod:   cmd.PaymentMethod,
		Note:            strings.TrimSpace(cmd.Note),
		CouponCode:      strings.TrimSpace(cmd.CouponCode),
		StatusHistory: []StatusHistoryEntry{{
			Status:    domain.OrderStatusPending,
			ChangedAt: now,
			ChangedBy: userID,
			Note:      "order created",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Order numbers are time-derived and can collide under load. The number
	// claim surfaces the collision as a conflict; retry with a fresh number
	// while keeping the same order id.
	for attempt := 0; attempt < s.numberAttempts; attempt++ {
		number, err := s.numbers(now)
		if err != nil {
			return Order{}, fmt.Errorf("order: generate number: %w", err)
		}
		order.OrderNumber = number

		err = s.reserver.ReserveAndPersist(ctx, demands, func(txCtx context.Context) error {
			inserted, err := s.orders.Insert(txCtx, domain.Order(order))
			if err != nil {
				return s.mapRepositoryError(err)
			}
			order = inserted
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, ErrOrderConflict) && attempt < s.numberAttempts-1 {
			s.logger(ctx, "order.number.conflict", map[string]any{
				"number":  number,
				"attempt": attempt + 1,
			})
			continue
		}
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total": order.TotalAmount,
			"items": len(order.Items),
		},
	})

	return order, nil
}

// snapshotItems resolves each requested product and freezes its name, slug,
// price, and image onto the line item. Client-supplied prices never reach the
// order. The stock pre-check here is advisory; the ledger re-checks inside
// the reservation.
func (s *orderService) snapshotItems(ctx context.Context, inputs []CreateOrderItemInput) ([]OrderItem, []repositories.StockDemand, error) {
	items := make([]OrderItem, 0, len(inputs))
	demands := make([]repositories.StockDemand, 0, len(inputs))

	for _, input := range inputs {
		productID := strings.TrimSpace(input.ProductID)

		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, nil, fmt.Errorf("%w: product %s not found", ErrOrderInvalidInput, productID)
			}
			return nil, nil, s.mapRepositoryError(err)
		}
		if product.IsDeleted || product.Status != domain.ProductStatusActive {
			return nil, nil, fmt.Errorf("%w: product %s is not available", ErrOrderInvalidInput, productID)
		}
		if product.Stock < input.Quantity {
			return nil, nil, fmt.Errorf("%w: insufficient stock for product %s (available: %d, required: %d)",
				ErrOrderInvalidInput, productID, product.Stock, input.Quantity)
		}

		var image string
		if len(product.Images) > 0 {
			image = product.Images[0]
		}

		items = append(items, OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductSlug: product.Slug,
			Price:       product.Price,
			Quantity:    input.Quantity,
			Image:       image,
			Attributes:  textutil.NormalizeStringMap(input.Attributes),
		})
		demands = append(demands, repositories.StockDemand{
			ProductID: product.ID,
			Quantity:  input.Quantity,
		})
	}

	return items, demands, nil
}

func (s *orderService) GetByID(ctx context.Context, cmd OrderAccessCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) GetByNumber(ctx context.Context, cmd OrderNumberAccessCommand) (Order, error) {
	number := strings.TrimSpace(cmd.OrderNumber)
	if number == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListForUser(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	filter.UserID = userID
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListAll(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if _, known := orderStateTransitions[cmd.TargetStatus]; !known &&
		cmd.TargetStatus != domain.OrderStatusCancelled && cmd.TargetStatus != domain.OrderStatusRefunded {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	if !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: only admins can change order status", ErrOrderForbidden)
	}

	// Cancellation restores stock, so it always goes through Cancel.
	if cmd.TargetStatus == domain.OrderStatusCancelled {
		return s.Cancel(ctx, CancelOrderCommand{
			OrderID: orderID,
			Actor:   cmd.Actor,
			Reason:  cmd.Note,
		})
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	prev := order.Status

	if err := s.applyStatusTransition(&order, cmd.TargetStatus, cmd.Actor.UserID, cmd.Note, now); err != nil {
		return Order{}, err
	}

	updated, err := s.orders.Update(ctx, domain.Order(order))
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     now,
	})

	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, cmd.Actor); err != nil {
		return Order{}, err
	}
	if !slices.Contains(cancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	prev := order.Status
	reason := strings.TrimSpace(cmd.Reason)
	demands := stockDemands(order.Items)

	var cancelled Order

	// The check re-reads the order inside the reservation boundary. In the
	// transactional strategy a concurrent cancel of the same order observes
	// the first one's write and fails here instead of releasing stock twice.
	check := func(txCtx context.Context) error {
		fresh, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !slices.Contains(cancellableStatuses, fresh.Status) {
			return fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, fresh.Status)
		}

		fresh.CancelReason = reason
		fresh.Status = domain.OrderStatusCancelled
		fresh.CancelledAt = &now
		fresh.UpdatedAt = now
		fresh.StatusHistory = append(fresh.StatusHistory, StatusHistoryEntry{
			Status:    domain.OrderStatusCancelled,
			ChangedAt: now,
			ChangedBy: cmd.Actor.UserID,
			Note:      historyNote(reason, domain.OrderStatusCancelled),
		})
		cancelled = fresh
		return nil
	}

	persist := func(txCtx context.Context) error {
		updated, err := s.orders.Update(txCtx, domain.Order(cancelled))
		if err != nil {
			return s.mapRepositoryError(err)
		}
		cancelled = updated
		return nil
	}

	if err := s.reserver.Restore(ctx, demands, check, persist); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        cancelled.ID,
		OrderNumber:    cancelled.OrderNumber,
		UserID:         cancelled.UserID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(cancelled.Status),
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return cancelled, nil
}

func (s *orderService) Statistics(ctx context.Context, filter StatisticsFilter) (OrderStatistics, error) {
	stats, err := s.orders.Aggregate(ctx, filter)
	if err != nil {
		return OrderStatistics{}, s.mapRepositoryError(err)
	}
	return stats, nil
}

func (s *orderService) SetTracking(ctx context.Context, cmd SetTrackingCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if tracking == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: only admins can set tracking numbers", ErrOrderForbidden)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	order.TrackingNumber = tracking
	order.UpdatedAt = s.now()

	updated, err := s.orders.Update(ctx, order)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *orderService) SetNote(ctx context.Context, cmd SetOrderNoteCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: only admins can set order notes", ErrOrderForbidden)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	order.Note = strings.TrimSpace(cmd.Note)
	order.UpdatedAt = s.now()

	updated, err := s.orders.Update(ctx, order)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

// applyStatusTransition moves the order to target, stamps the matching
// milestone timestamp, and appends the history entry. Same-status updates are
// rejected like any other transition the table does not allow.
func (s *orderService) applyStatusTransition(order *Order, target domain.OrderStatus, actorID string, note string, now time.Time) error {
	if !canTransition(order.Status, target) {
		return fmt.Errorf("%w: cannot transition from %q to %q", ErrOrderInvalidState, order.Status, target)
	}

	order.Status = target
	order.UpdatedAt = now

	switch target {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
		order.PaymentStatus = domain.PaymentStatusPaid
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCompleted:
		order.CompletedAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	}

	order.StatusHistory = append(order.StatusHistory, StatusHistoryEntry{
		Status:    target,
		ChangedAt: now,
		ChangedBy: actorID,
		Note:      historyNote(note, target),
	})

	return nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.InsufficientStockError
	if errors.As(err, &stockErr) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, stockErr)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func authorizeOrderAccess(order domain.Order, actor Actor) error {
	if actor.IsAdmin() || order.UserID == actor.UserID {
		return nil
	}
	return fmt.Errorf("%w: order belongs to another user", ErrOrderForbidden)
}

func validateShippingAddress(addr Address) error {
	if strings.TrimSpace(addr.Recipient) == "" {
		return fmt.Errorf("%w: shipping recipient is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.Phone) == "" {
		return fmt.Errorf("%w: shipping phone is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.AddressLine1) == "" {
		return fmt.Errorf("%w: shipping address line is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.City) == "" {
		return fmt.Errorf("%w: shipping city is required", ErrOrderInvalidInput)
	}
	return nil
}

func stockDemands(items []OrderItem) []repositories.StockDemand {
	demands := make([]repositories.StockDemand, 0, len(items))
	for _, item := range items {
		demands = append(demands, repositories.StockDemand{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return demands
}

func historyNote(note string, status domain.OrderStatus) string {
	note = strings.TrimSpace(note)
	if note != "" {
		return note
	}
	return fmt.Sprintf("status changed to %s", status)
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
