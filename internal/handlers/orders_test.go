package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/platform/auth"
	"github.com/shopkit/api/internal/services"
)

type stubOrderService struct {
	createFn      func(context.Context, services.CreateOrderCommand) (domain.Order, error)
	getFn         func(context.Context, services.OrderAccessCommand) (domain.Order, error)
	getByNumberFn func(context.Context, services.OrderNumberAccessCommand) (domain.Order, error)
	listForUserFn func(context.Context, string, services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	listAllFn     func(context.Context, services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateFn      func(context.Context, services.OrderStatusTransitionCommand) (domain.Order, error)
	cancelFn      func(context.Context, services.CancelOrderCommand) (domain.Order, error)
	statsFn       func(context.Context, services.StatisticsFilter) (domain.OrderStatistics, error)
	trackingFn    func(context.Context, services.SetTrackingCommand) (domain.Order, error)
	noteFn        func(context.Context, services.SetOrderNoteCommand) (domain.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetByID(ctx context.Context, cmd services.OrderAccessCommand) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetByNumber(ctx context.Context, cmd services.OrderNumberAccessCommand) (domain.Order, error) {
	if s.getByNumberFn != nil {
		return s.getByNumberFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListForUser(ctx context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listForUserFn != nil {
		return s.listForUserFn(ctx, userID, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) ListAll(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listAllFn != nil {
		return s.listAllFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Statistics(ctx context.Context, filter services.StatisticsFilter) (domain.OrderStatistics, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, filter)
	}
	return domain.OrderStatistics{}, nil
}

func (s *stubOrderService) SetTracking(ctx context.Context, cmd services.SetTrackingCommand) (domain.Order, error) {
	if s.trackingFn != nil {
		return s.trackingFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) SetNote(ctx context.Context, cmd services.SetOrderNoteCommand) (domain.Order, error) {
	if s.noteFn != nil {
		return s.noteFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func newOrderTestRouter(svc services.OrderService) chi.Router {
	r := chi.NewRouter()
	handlers := NewOrderHandlers(nil, svc, nil)
	r.Route("/orders", handlers.Routes)
	return r
}

func identifiedRequest(req *http.Request, userID, role string) *http.Request {
	ctx := auth.WithIdentity(req.Context(), &auth.Identity{UserID: userID, Role: role})
	return req.WithContext(ctx)
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return payload.Error
}

func sampleOrder() domain.Order {
	created := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	paid := created.Add(10 * time.Minute)
	return domain.Order{
		ID:          "order-1",
		OrderNumber: "ORD20240501-0001",
		UserID:      "user-1",
		Items: []domain.OrderItem{
			{
				ProductID:   "prod-1",
				ProductName: "Mechanical Keyboard",
				ProductSlug: "mechanical-keyboard",
				Price:       120.0,
				Quantity:    2,
				Subtotal:    240.0,
			},
		},
		Subtotal:    240.0,
		ShippingFee: 50.0,
		TotalAmount: 290.0,
		ShippingAddress: domain.Address{
			Recipient:    "Dana Smith",
			Phone:        "555-0101",
			AddressLine1: "1 Main St",
			City:         "Springfield",
		},
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusPaid,
		PaymentMethod: domain.PaymentMethodCreditCard,
		StatusHistory: []domain.StatusHistoryEntry{
			{Status: domain.OrderStatusPending, ChangedAt: created, ChangedBy: "user-1"},
			{Status: domain.OrderStatusPaid, ChangedAt: paid, ChangedBy: "user-1"},
		},
		PaidAt:    &paid,
		CreatedAt: created,
		UpdatedAt: paid,
	}
}

func TestCreateOrderSuccess(t *testing.T) {
	var received services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			received = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(svc)

	body := `{
		"items": [{"product_id": "prod-1", "quantity": 2, "attributes": {"color": "black"}}],
		"shipping_address": {"recipient": "Dana Smith", "phone": "555-0101", "address_line1": "1 Main St", "city": "Springfield"},
		"payment_method": "Credit_Card",
		"coupon_code": "WELCOME10"
	}`
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.UserID != "user-1" {
		t.Fatalf("expected user id from identity, got %q", received.UserID)
	}
	if len(received.Items) != 1 || received.Items[0].ProductID != "prod-1" || received.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %+v", received.Items)
	}
	if received.Items[0].Attributes["color"] != "black" {
		t.Fatalf("expected attributes forwarded, got %+v", received.Items[0].Attributes)
	}
	if received.PaymentMethod != domain.PaymentMethodCreditCard {
		t.Fatalf("expected payment method normalised, got %q", received.PaymentMethod)
	}
	if received.CouponCode != "WELCOME10" {
		t.Fatalf("expected coupon code forwarded, got %q", received.CouponCode)
	}

	var resp struct {
		Order orderPayload `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.OrderNumber != "ORD20240501-0001" {
		t.Fatalf("unexpected order number %q", resp.Order.OrderNumber)
	}
	if resp.Order.TotalAmount != 290.0 {
		t.Fatalf("unexpected total %v", resp.Order.TotalAmount)
	}
	if resp.Order.PaidAt == nil || *resp.Order.PaidAt != "2024-05-01T09:40:00Z" {
		t.Fatalf("unexpected paid_at %v", resp.Order.PaidAt)
	}
}

func TestCreateOrderRequiresIdentity(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{"items":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "unauthenticated" {
		t.Fatalf("expected unauthenticated, got %q", code)
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	svc := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidInput
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{"items":[{"product_id":"prod-1","quantity":99}]}`))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", code)
	}
}

func TestCreateOrderEmptyBody(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/orders/", bytes.NewReader(nil))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListOrdersForwardsFilter(t *testing.T) {
	var receivedUser string
	var receivedFilter services.OrderListFilter
	svc := &stubOrderService{
		listForUserFn: func(_ context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			receivedUser = userID
			receivedFilter = filter
			return domain.CursorPage[domain.Order]{Items: []domain.Order{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/orders/?status=paid,shipped&sortBy=created_at&order=desc&pageSize=5", nil)
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if receivedUser != "user-1" {
		t.Fatalf("expected list scoped to identity, got %q", receivedUser)
	}
	if len(receivedFilter.Statuses) != 2 || receivedFilter.Statuses[0] != domain.OrderStatusPaid {
		t.Fatalf("unexpected statuses: %+v", receivedFilter.Statuses)
	}
	if receivedFilter.SortBy != "created_at" || receivedFilter.Order != domain.SortDesc {
		t.Fatalf("unexpected sort: %q %q", receivedFilter.SortBy, receivedFilter.Order)
	}
	if receivedFilter.Pagination.PageSize != 5 {
		t.Fatalf("unexpected page size %d", receivedFilter.Pagination.PageSize)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected page: %d items, token %q", len(resp.Items), resp.NextPageToken)
	}
}

func TestListOrdersRejectsUnknownSort(t *testing.T) {
	router := newOrderTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/orders/?sortBy=coupon_code", nil)
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetOrderForbidden(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, cmd services.OrderAccessCommand) (domain.Order, error) {
			if cmd.Actor.UserID != "user-2" {
				t.Fatalf("unexpected actor %q", cmd.Actor.UserID)
			}
			return domain.Order{}, services.ErrOrderForbidden
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/orders/order-1", nil)
	req = identifiedRequest(req, "user-2", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "forbidden" {
		t.Fatalf("expected forbidden, got %q", code)
	}
}

func TestGetOrderByNumber(t *testing.T) {
	svc := &stubOrderService{
		getByNumberFn: func(_ context.Context, cmd services.OrderNumberAccessCommand) (domain.Order, error) {
			if cmd.OrderNumber != "ORD20240501-0001" {
				t.Fatalf("unexpected order number %q", cmd.OrderNumber)
			}
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/orders/number/ORD20240501-0001", nil)
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCancelOrder(t *testing.T) {
	var received services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
			received = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			order.CancelReason = cmd.Reason
			return order, nil
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/orders/order-1/cancel", strings.NewReader(`{"reason":"changed my mind"}`))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.OrderID != "order-1" || received.Reason != "changed my mind" {
		t.Fatalf("unexpected command: %+v", received)
	}

	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusCancelled) {
		t.Fatalf("expected cancelled status, got %q", resp.Order.Status)
	}
	if resp.Order.CancelReason != "changed my mind" {
		t.Fatalf("unexpected cancel reason %q", resp.Order.CancelReason)
	}
}

func TestCancelOrderInvalidState(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(context.Context, services.CancelOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidState
		},
	}
	router := newOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/orders/order-1/cancel", strings.NewReader(`{"reason":"too late"}`))
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "invalid_order_state" {
		t.Fatalf("expected invalid_order_state, got %q", code)
	}
}

func TestOrderServiceUnavailable(t *testing.T) {
	router := newOrderTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/orders/order-1", nil)
	req = identifiedRequest(req, "user-1", "customer")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
