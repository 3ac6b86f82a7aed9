package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/platform/auth"
	"github.com/shopkit/api/internal/platform/httpx"
	"github.com/shopkit/api/internal/platform/pagination"
	"github.com/shopkit/api/internal/services"
)

const maxOrderBodySize = 128 * 1024

var orderSortFields = []string{"created_at", "updated_at", "total_amount", "paid_at"}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"order_number"`
	UserID          string               `json:"user_id"`
	Items           []orderItemPayload   `json:"items"`
	Subtotal        float64              `json:"subtotal"`
	ShippingFee     float64              `json:"shipping_fee"`
	Discount        float64              `json:"discount"`
	TotalAmount     float64              `json:"total_amount"`
	ShippingAddress addressPayload       `json:"shipping_address"`
	Status          string               `json:"status"`
	PaymentStatus   string               `json:"payment_status"`
	PaymentMethod   string               `json:"payment_method"`
	TrackingNumber  string               `json:"tracking_number,omitempty"`
	Note            string               `json:"note,omitempty"`
	CouponCode      string               `json:"coupon_code,omitempty"`
	CancelReason    string               `json:"cancel_reason,omitempty"`
	StatusHistory   []statusEntryPayload `json:"status_history,omitempty"`
	PaidAt          *string              `json:"paid_at,omitempty"`
	ShippedAt       *string              `json:"shipped_at,omitempty"`
	DeliveredAt     *string              `json:"delivered_at,omitempty"`
	CompletedAt     *string              `json:"completed_at,omitempty"`
	CancelledAt     *string              `json:"cancelled_at,omitempty"`
	CreatedAt       string               `json:"created_at"`
	UpdatedAt       string               `json:"updated_at"`
}

type orderItemPayload struct {
	ProductID   string            `json:"product_id"`
	ProductName string            `json:"product_name"`
	ProductSlug string            `json:"product_slug,omitempty"`
	Price       float64           `json:"price"`
	Quantity    int               `json:"quantity"`
	Subtotal    float64           `json:"subtotal"`
	Image       string            `json:"image,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type statusEntryPayload struct {
	Status    string `json:"status"`
	ChangedAt string `json:"changed_at"`
	ChangedBy string `json:"changed_by"`
	Note      string `json:"note,omitempty"`
}

type createOrderRequest struct {
	Items           []createOrderItemRequest `json:"items"`
	ShippingAddress addressPayload           `json:"shipping_address"`
	PaymentMethod   string                   `json:"payment_method"`
	Note            string                   `json:"note"`
	CouponCode      string                   `json:"coupon_code"`
}

type createOrderItemRequest struct {
	ProductID  string            `json:"product_id"`
	Quantity   int               `json:"quantity"`
	Attributes map[string]string `json:"attributes"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer-facing order endpoints. All routes
// require an authenticated identity; order creation is additionally wrapped
// by the idempotency middleware when one is configured.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	idem   func(http.Handler) http.Handler
}

// NewOrderHandlers constructs a new OrderHandlers instance. The idem
// middleware may be nil, in which case order creation is not deduplicated.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, idem func(http.Handler) http.Handler) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders, idem: idem}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	if h.idem != nil {
		r.With(h.idem).Post("/", h.createOrder)
	} else {
		r.Post("/", h.createOrder)
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/number/{orderNumber}", h.getOrderByNumber)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeBody(w, r, maxOrderBodySize, &req) {
		return
	}

	items := make([]services.CreateOrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItemInput{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			Attributes: item.Attributes,
		})
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		UserID:          actor.UserID,
		Items:           items,
		ShippingAddress: addressFromPayload(req.ShippingAddress),
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Note:            req.Note,
		CouponCode:      req.CouponCode,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	filter, err := parseOrderListFilter(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListForUser(ctx, actor.UserID, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByID(ctx, services.OrderAccessCommand{OrderID: orderID, Actor: actor})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	orderNumber := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if orderNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByNumber(ctx, services.OrderNumberAccessCommand{OrderNumber: orderNumber, Actor: actor})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, maxAuthBodySize, &req) {
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func parseOrderListFilter(r *http.Request) (services.OrderListFilter, error) {
	params, err := pagination.FromRequest(r, pagination.Options{AllowedSortFields: orderSortFields})
	if err != nil {
		return services.OrderListFilter{}, err
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{
		Search:     strings.TrimSpace(query.Get("search")),
		SortBy:     params.SortBy,
		Order:      params.Order,
		Pagination: params.Pagination,
	}
	for _, raw := range parseFilterValues(query["status"]) {
		filter.Statuses = append(filter.Statuses, domain.OrderStatus(raw))
	}
	for _, raw := range parseFilterValues(query["paymentStatus"]) {
		filter.PaymentStatuses = append(filter.PaymentStatuses, domain.PaymentStatus(raw))
	}
	if filter.CreatedAt.From, err = pagination.TimeQuery(query, "createdAfter"); err != nil {
		return services.OrderListFilter{}, err
	}
	if filter.CreatedAt.To, err = pagination.TimeQuery(query, "createdBefore"); err != nil {
		return services.OrderListFilter{}, err
	}
	if filter.TotalAmount.From, err = pagination.FloatQuery(query, "minTotal"); err != nil {
		return services.OrderListFilter{}, err
	}
	if filter.TotalAmount.To, err = pagination.FloatQuery(query, "maxTotal"); err != nil {
		return services.OrderListFilter{}, err
	}
	return filter, nil
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{Items: items, NextPageToken: page.NextPageToken}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			ProductSlug: item.ProductSlug,
			Price:       item.Price,
			Quantity:    item.Quantity,
			Subtotal:    item.Subtotal,
			Image:       item.Image,
			Attributes:  item.Attributes,
		})
	}
	history := make([]statusEntryPayload, 0, len(order.StatusHistory))
	for _, entry := range order.StatusHistory {
		history = append(history, statusEntryPayload{
			Status:    string(entry.Status),
			ChangedAt: formatTime(entry.ChangedAt),
			ChangedBy: entry.ChangedBy,
			Note:      entry.Note,
		})
	}
	if len(history) == 0 {
		history = nil
	}
	return orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Items:           items,
		Subtotal:        order.Subtotal,
		ShippingFee:     order.ShippingFee,
		Discount:        order.Discount,
		TotalAmount:     order.TotalAmount,
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentMethod:   string(order.PaymentMethod),
		TrackingNumber:  order.TrackingNumber,
		Note:            order.Note,
		CouponCode:      order.CouponCode,
		CancelReason:    order.CancelReason,
		StatusHistory:   history,
		PaidAt:          formatTimePtr(order.PaidAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CompletedAt:     formatTimePtr(order.CompletedAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "operation not permitted", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
