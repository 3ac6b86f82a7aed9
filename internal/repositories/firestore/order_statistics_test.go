package firestore

import (
	"testing"

	domain "github.com/shopkit/api/internal/domain"
)

func TestOrderStatsAccumulatorFoldsKnownSet(t *testing.T) {
	var acc orderStatsAccumulator
	samples := []struct {
		status domain.OrderStatus
		amount float64
	}{
		{domain.OrderStatusPending, 100.25},
		{domain.OrderStatusPending, 100.25},
		{domain.OrderStatusPaid, 49.50},
		{domain.OrderStatusProcessing, 20.00},
		{domain.OrderStatusShipped, 30.00},
		{domain.OrderStatusDelivered, 40.00},
		{domain.OrderStatusCompleted, 50.00},
		{domain.OrderStatusCancelled, 60.00},
		{domain.OrderStatusRefunded, 70.00},
	}
	for _, s := range samples {
		acc.add(s.status, s.amount)
	}

	stats := acc.finalize()

	if stats.TotalOrders != 9 {
		t.Fatalf("expected 9 orders, got %d", stats.TotalOrders)
	}
	if stats.TotalAmount != 520.00 {
		t.Fatalf("expected total 520.00, got %v", stats.TotalAmount)
	}
	if stats.AverageOrderValue != 57.78 {
		t.Fatalf("expected average 57.78, got %v", stats.AverageOrderValue)
	}

	counts := map[string]int64{
		"pending":    stats.PendingCount,
		"paid":       stats.PaidCount,
		"processing": stats.ProcessingCount,
		"shipped":    stats.ShippedCount,
		"delivered":  stats.DeliveredCount,
		"completed":  stats.CompletedCount,
		"cancelled":  stats.CancelledCount,
		"refunded":   stats.RefundedCount,
	}
	expected := map[string]int64{
		"pending": 2, "paid": 1, "processing": 1, "shipped": 1,
		"delivered": 1, "completed": 1, "cancelled": 1, "refunded": 1,
	}
	for status, want := range expected {
		if counts[status] != want {
			t.Fatalf("expected %d %s orders, got %d", want, status, counts[status])
		}
	}
}

func TestOrderStatsAccumulatorEmptySet(t *testing.T) {
	var acc orderStatsAccumulator

	stats := acc.finalize()

	if stats.TotalOrders != 0 || stats.TotalAmount != 0 {
		t.Fatalf("expected zeroed totals, got %+v", stats)
	}
	if stats.AverageOrderValue != 0 {
		t.Fatalf("expected average 0 for empty set, got %v", stats.AverageOrderValue)
	}
}

func TestOrderStatsAccumulatorUnknownStatusCountsTowardTotals(t *testing.T) {
	var acc orderStatsAccumulator
	acc.add(domain.OrderStatus("archived"), 12.50)

	stats := acc.finalize()

	if stats.TotalOrders != 1 {
		t.Fatalf("expected the order counted, got %d", stats.TotalOrders)
	}
	if stats.TotalAmount != 12.50 || stats.AverageOrderValue != 12.50 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if stats.PendingCount != 0 || stats.CancelledCount != 0 {
		t.Fatalf("unknown status must not land in a bucket: %+v", stats)
	}
}
