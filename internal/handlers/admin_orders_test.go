package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/services"
)

func newAdminOrderTestRouter(svc services.OrderService) chi.Router {
	r := chi.NewRouter()
	handlers := NewAdminOrderHandlers(nil, svc)
	r.Route("/admin/orders", handlers.Routes)
	return r
}

func TestAdminListOrdersScopesToUser(t *testing.T) {
	var received services.OrderListFilter
	svc := &stubOrderService{
		listAllFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			received = filter
			return domain.CursorPage[domain.Order]{Items: []domain.Order{sampleOrder()}}, nil
		},
	}
	router := newAdminOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/?userId=user-7&minTotal=100&sortBy=total_amount&order=desc", nil)
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.UserID != "user-7" {
		t.Fatalf("expected user filter, got %q", received.UserID)
	}
	if received.TotalAmount.From == nil || *received.TotalAmount.From != 100 {
		t.Fatalf("expected min total filter, got %+v", received.TotalAmount.From)
	}
	if received.SortBy != "total_amount" || received.Order != domain.SortDesc {
		t.Fatalf("unexpected sort: %q %q", received.SortBy, received.Order)
	}
}

func TestAdminStatistics(t *testing.T) {
	var received services.StatisticsFilter
	svc := &stubOrderService{
		statsFn: func(_ context.Context, filter services.StatisticsFilter) (domain.OrderStatistics, error) {
			received = filter
			return domain.OrderStatistics{
				TotalOrders:       12,
				TotalAmount:       3600.0,
				PaidCount:         5,
				CompletedCount:    4,
				CancelledCount:    3,
				AverageOrderValue: 300.0,
			}, nil
		},
	}
	router := newAdminOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/statistics?createdAfter=2024-05-01T00:00:00Z", nil)
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.CreatedAt.From == nil || !received.CreatedAt.From.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected createdAfter filter, got %+v", received.CreatedAt.From)
	}

	var resp orderStatisticsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TotalOrders != 12 || resp.PaidOrders != 5 || resp.AverageOrderValue != 300.0 {
		t.Fatalf("unexpected statistics: %+v", resp)
	}
}

func TestAdminStatisticsRejectsBadTime(t *testing.T) {
	router := newAdminOrderTestRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/statistics?createdAfter=yesterday", nil)
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminUpdateStatus(t *testing.T) {
	var received services.OrderStatusTransitionCommand
	svc := &stubOrderService{
		updateFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (domain.Order, error) {
			received = cmd
			order := sampleOrder()
			order.Status = cmd.TargetStatus
			return order, nil
		},
	}
	router := newAdminOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/order-1/status", strings.NewReader(`{"status":"Shipped","note":"left warehouse"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.OrderID != "order-1" || received.TargetStatus != domain.OrderStatusShipped {
		t.Fatalf("unexpected command: %+v", received)
	}
	if received.Note != "left warehouse" {
		t.Fatalf("expected note forwarded, got %q", received.Note)
	}
	if received.Actor.UserID != "admin-1" {
		t.Fatalf("expected actor from identity, got %q", received.Actor.UserID)
	}
}

func TestAdminUpdateStatusInvalidTransition(t *testing.T) {
	svc := &stubOrderService{
		updateFn: func(context.Context, services.OrderStatusTransitionCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidState
		},
	}
	router := newAdminOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/order-1/status", strings.NewReader(`{"status":"completed"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "invalid_order_state" {
		t.Fatalf("expected invalid_order_state, got %q", code)
	}
}

func TestAdminSetTracking(t *testing.T) {
	var received services.SetTrackingCommand
	svc := &stubOrderService{
		trackingFn: func(_ context.Context, cmd services.SetTrackingCommand) (domain.Order, error) {
			received = cmd
			order := sampleOrder()
			order.TrackingNumber = cmd.TrackingNumber
			return order, nil
		},
	}
	router := newAdminOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/order-1/tracking", strings.NewReader(`{"tracking_number":"TRK-99"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.OrderID != "order-1" || received.TrackingNumber != "TRK-99" {
		t.Fatalf("unexpected command: %+v", received)
	}

	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.TrackingNumber != "TRK-99" {
		t.Fatalf("unexpected tracking number %q", resp.Order.TrackingNumber)
	}
}

func TestAdminSetNote(t *testing.T) {
	var received services.SetOrderNoteCommand
	svc := &stubOrderService{
		noteFn: func(_ context.Context, cmd services.SetOrderNoteCommand) (domain.Order, error) {
			received = cmd
			order := sampleOrder()
			order.Note = cmd.Note
			return order, nil
		},
	}
	router := newAdminOrderTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/admin/orders/order-1/note", strings.NewReader(`{"note":"fragile items"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.OrderID != "order-1" || received.Note != "fragile items" {
		t.Fatalf("unexpected command: %+v", received)
	}
}
