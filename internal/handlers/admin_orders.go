package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/platform/auth"
	"github.com/shopkit/api/internal/platform/httpx"
	"github.com/shopkit/api/internal/platform/pagination"
	"github.com/shopkit/api/internal/services"
)

type orderStatisticsResponse struct {
	TotalOrders       int64   `json:"total_orders"`
	TotalAmount       float64 `json:"total_amount"`
	PendingOrders     int64   `json:"pending_orders"`
	PaidOrders        int64   `json:"paid_orders"`
	ProcessingOrders  int64   `json:"processing_orders"`
	ShippedOrders     int64   `json:"shipped_orders"`
	DeliveredOrders   int64   `json:"delivered_orders"`
	CompletedOrders   int64   `json:"completed_orders"`
	CancelledOrders   int64   `json:"cancelled_orders"`
	RefundedOrders    int64   `json:"refunded_orders"`
	AverageOrderValue float64 `json:"average_order_value"`
}

type statusTransitionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type trackingRequest struct {
	TrackingNumber string `json:"tracking_number"`
}

type orderNoteRequest struct {
	Note string `json:"note"`
}

// AdminOrderHandlers exposes the administrative order endpoints: fleet-wide
// listings, status transitions, tracking, notes, and statistics.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewAdminOrderHandlers constructs a new AdminOrderHandlers instance.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin))
	}
	r.Get("/", h.listOrders)
	r.Get("/statistics", h.statistics)
	r.Patch("/{orderID}/status", h.updateStatus)
	r.Patch("/{orderID}/tracking", h.setTracking)
	r.Patch("/{orderID}/note", h.setNote)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	filter, err := parseOrderListFilter(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("userId"))

	page, err := h.orders.ListAll(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	filter := services.StatisticsFilter{UserID: strings.TrimSpace(query.Get("userId"))}
	var err error
	if filter.CreatedAt.From, err = pagination.TimeQuery(query, "createdAfter"); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if filter.CreatedAt.To, err = pagination.TimeQuery(query, "createdBefore"); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	stats, err := h.orders.Statistics(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderStatisticsResponse{
		TotalOrders:       stats.TotalOrders,
		TotalAmount:       stats.TotalAmount,
		PendingOrders:     stats.PendingCount,
		PaidOrders:        stats.PaidCount,
		ProcessingOrders:  stats.ProcessingCount,
		ShippedOrders:     stats.ShippedCount,
		DeliveredOrders:   stats.DeliveredCount,
		CompletedOrders:   stats.CompletedCount,
		CancelledOrders:   stats.CancelledCount,
		RefundedOrders:    stats.RefundedCount,
		AverageOrderValue: stats.AverageOrderValue,
	})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
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

	var req statusTransitionRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Actor:        actor,
		Note:         req.Note,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) setTracking(w http.ResponseWriter, r *http.Request) {
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

	var req trackingRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	order, err := h.orders.SetTracking(ctx, services.SetTrackingCommand{
		OrderID:        orderID,
		TrackingNumber: req.TrackingNumber,
		Actor:          actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) setNote(w http.ResponseWriter, r *http.Request) {
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

	var req orderNoteRequest
	if !decodeBody(w, r, maxAuthBodySize, &req) {
		return
	}

	order, err := h.orders.SetNote(ctx, services.SetOrderNoteCommand{
		OrderID: orderID,
		Note:    req.Note,
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
