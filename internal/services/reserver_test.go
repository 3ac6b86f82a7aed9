package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopkit/api/internal/platform/config"
	"github.com/shopkit/api/internal/repositories"
)

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type recordingUnitOfWork struct {
	runs int
}

func (u *recordingUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.runs++
	return fn(ctx)
}

func TestNewStockReserverSelectsStrategy(t *testing.T) {
	ledger := &stubLedger{}
	unit := &recordingUnitOfWork{}

	cases := []struct {
		strategy string
		want     any
		wantErr  bool
	}{
		{strategy: "", want: &TransactionalReserver{}},
		{strategy: config.ReservationStrategyTransactional, want: &TransactionalReserver{}},
		{strategy: config.ReservationStrategyBestEffort, want: &BestEffortReserver{}},
		{strategy: "optimistic", wantErr: true},
	}

	for _, tc := range cases {
		t.Run("strategy_"+tc.strategy, func(t *testing.T) {
			reserver, err := NewStockReserver(config.InventoryConfig{ReservationStrategy: tc.strategy}, ledger, unit, nil)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown strategy")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStockReserver returned error: %v", err)
			}
			switch tc.want.(type) {
			case *TransactionalReserver:
				if _, ok := reserver.(*TransactionalReserver); !ok {
					t.Fatalf("expected TransactionalReserver, got %T", reserver)
				}
			case *BestEffortReserver:
				if _, ok := reserver.(*BestEffortReserver); !ok {
					t.Fatalf("expected BestEffortReserver, got %T", reserver)
				}
			}
		})
	}
}

func TestNewStockReserverTransactionalRequiresUnitOfWork(t *testing.T) {
	_, err := NewStockReserver(config.InventoryConfig{ReservationStrategy: config.ReservationStrategyTransactional}, &stubLedger{}, nil, nil)
	if err == nil {
		t.Fatal("expected error when unit of work is missing")
	}
}

func TestTransactionalReserverRunsOneBoundary(t *testing.T) {
	ctx := context.Background()
	unit := &recordingUnitOfWork{}
	reserveCalls := 0
	persisted := false

	reserver := &TransactionalReserver{
		ledger: &stubLedger{
			reserveFn: func(_ context.Context, demands []repositories.StockDemand) error {
				reserveCalls++
				if len(demands) != 2 {
					t.Fatalf("expected batched demands, got %d", len(demands))
				}
				return nil
			},
		},
		unit: unit,
	}

	demands := []repositories.StockDemand{
		{ProductID: "prd_a", Quantity: 1},
		{ProductID: "prd_b", Quantity: 2},
	}
	err := reserver.ReserveAndPersist(ctx, demands, func(context.Context) error {
		persisted = true
		return nil
	})
	if err != nil {
		t.Fatalf("ReserveAndPersist returned error: %v", err)
	}
	if unit.runs != 1 {
		t.Fatalf("expected one transaction, got %d", unit.runs)
	}
	if reserveCalls != 1 || !persisted {
		t.Fatalf("expected a single batched reserve plus persist, reserves=%d persisted=%v", reserveCalls, persisted)
	}
}

func TestTransactionalReserverAbortsPersistOnReserveFailure(t *testing.T) {
	ctx := context.Background()
	persisted := false

	reserver := &TransactionalReserver{
		ledger: &stubLedger{
			reserveFn: func(context.Context, []repositories.StockDemand) error {
				return &repositories.InsufficientStockError{ProductID: "prd_a", Available: 0, Requested: 1}
			},
		},
		unit: noopUnitOfWork{},
	}

	err := reserver.ReserveAndPersist(ctx, []repositories.StockDemand{{ProductID: "prd_a", Quantity: 1}}, func(context.Context) error {
		persisted = true
		return nil
	})

	var stockErr *repositories.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if persisted {
		t.Fatal("persist must not run after a failed reservation")
	}
}

func TestTransactionalReserverRestoreRunsCheckFirst(t *testing.T) {
	ctx := context.Background()
	released := false
	persisted := false
	boom := errors.New("already cancelled")

	reserver := &TransactionalReserver{
		ledger: &stubLedger{
			releaseFn: func(context.Context, []repositories.StockDemand) error {
				released = true
				return nil
			},
		},
		unit: noopUnitOfWork{},
	}

	err := reserver.Restore(ctx,
		[]repositories.StockDemand{{ProductID: "prd_a", Quantity: 1}},
		func(context.Context) error { return boom },
		func(context.Context) error {
			persisted = true
			return nil
		},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected check error, got %v", err)
	}
	if released || persisted {
		t.Fatalf("failed check must stop the restore, released=%v persisted=%v", released, persisted)
	}
}

func TestBestEffortReserverCompensatesMidLoopFailure(t *testing.T) {
	ctx := context.Background()
	var reserved, released []string

	reserver := &BestEffortReserver{
		ledger: &stubLedger{
			reserveFn: func(_ context.Context, demands []repositories.StockDemand) error {
				if demands[0].ProductID == "prd_b" {
					return &repositories.InsufficientStockError{ProductID: "prd_b", Available: 0, Requested: 2}
				}
				reserved = append(reserved, demands[0].ProductID)
				return nil
			},
			releaseFn: func(_ context.Context, demands []repositories.StockDemand) error {
				released = append(released, demands[0].ProductID)
				return nil
			},
		},
		logger: func(context.Context, string, map[string]any) {},
	}

	err := reserver.ReserveAndPersist(ctx, []repositories.StockDemand{
		{ProductID: "prd_a", Quantity: 1},
		{ProductID: "prd_b", Quantity: 2},
		{ProductID: "prd_c", Quantity: 1},
	}, func(context.Context) error {
		t.Fatal("persist must not run after a failed reservation")
		return nil
	})

	var stockErr *repositories.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if len(reserved) != 1 || reserved[0] != "prd_a" {
		t.Fatalf("expected only prd_a reserved, got %v", reserved)
	}
	if len(released) != 1 || released[0] != "prd_a" {
		t.Fatalf("expected prd_a compensated, got %v", released)
	}
}

func TestBestEffortReserverCompensatesPersistFailure(t *testing.T) {
	ctx := context.Background()
	var released []string
	boom := errors.New("insert failed")

	reserver := &BestEffortReserver{
		ledger: &stubLedger{
			releaseFn: func(_ context.Context, demands []repositories.StockDemand) error {
				released = append(released, demands[0].ProductID)
				return nil
			},
		},
		logger: func(context.Context, string, map[string]any) {},
	}

	err := reserver.ReserveAndPersist(ctx, []repositories.StockDemand{
		{ProductID: "prd_a", Quantity: 1},
		{ProductID: "prd_b", Quantity: 2},
	}, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("expected both reservations compensated, got %v", released)
	}
}

func TestBestEffortReserverLogsFailedCompensation(t *testing.T) {
	ctx := context.Background()
	var logged []string

	reserver := &BestEffortReserver{
		ledger: &stubLedger{
			reserveFn: func(_ context.Context, demands []repositories.StockDemand) error {
				if demands[0].ProductID == "prd_b" {
					return &repositories.InsufficientStockError{ProductID: "prd_b", Available: 0, Requested: 1}
				}
				return nil
			},
			releaseFn: func(context.Context, []repositories.StockDemand) error {
				return errors.New("release failed")
			},
		},
		logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	}

	_ = reserver.ReserveAndPersist(ctx, []repositories.StockDemand{
		{ProductID: "prd_a", Quantity: 1},
		{ProductID: "prd_b", Quantity: 1},
	}, func(context.Context) error { return nil })

	if len(logged) != 1 || logged[0] != "inventory.compensation.failed" {
		t.Fatalf("expected compensation failure logged, got %v", logged)
	}
}
