package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopkit/api/internal/platform/config"
	"github.com/shopkit/api/internal/repositories"
)

// NewStockReserver selects the reservation strategy from configuration. The
// choice is made once at startup, never per call.
func NewStockReserver(cfg config.InventoryConfig, ledger repositories.InventoryLedger, unit repositories.UnitOfWork, logger func(context.Context, string, map[string]any)) (StockReserver, error) {
	if ledger == nil {
		return nil, errors.New("stock reserver: inventory ledger is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	switch cfg.ReservationStrategy {
	case config.ReservationStrategyTransactional, "":
		if unit == nil {
			return nil, errors.New("stock reserver: transactional strategy requires a unit of work")
		}
		return &TransactionalReserver{ledger: ledger, unit: unit}, nil
	case config.ReservationStrategyBestEffort:
		return &BestEffortReserver{ledger: ledger, logger: logger}, nil
	default:
		return nil, fmt.Errorf("stock reserver: unknown strategy %q", cfg.ReservationStrategy)
	}
}

// TransactionalReserver runs every stock mutation and the order write inside
// one transaction. A failed guard or a persist failure aborts everything.
type TransactionalReserver struct {
	ledger repositories.InventoryLedger
	unit   repositories.UnitOfWork
}

var _ StockReserver = (*TransactionalReserver)(nil)

// ReserveAndPersist reserves all demands and persists the order atomically.
func (r *TransactionalReserver) ReserveAndPersist(ctx context.Context, demands []repositories.StockDemand, persist func(ctx context.Context) error) error {
	return r.unit.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.ledger.Reserve(ctx, demands); err != nil {
			return err
		}
		return persist(ctx)
	})
}

// Restore releases all demands and persists the order mutation atomically.
// The check callback runs first, inside the transaction, so a concurrent
// restore of the same order fails its re-read instead of releasing twice.
func (r *TransactionalReserver) Restore(ctx context.Context, demands []repositories.StockDemand, check func(ctx context.Context) error, persist func(ctx context.Context) error) error {
	return r.unit.RunInTx(ctx, func(ctx context.Context) error {
		if check != nil {
			if err := check(ctx); err != nil {
				return err
			}
		}
		if len(demands) > 0 {
			if err := r.ledger.Release(ctx, demands); err != nil {
				return err
			}
		}
		return persist(ctx)
	})
}

// BestEffortReserver reserves line by line with no shared transaction. Each
// single-item reserve is still atomic, but between the pre-check and the
// order write another order can take the stock; on a mid-loop failure it
// compensates by releasing what it already took. Failed compensations are
// logged with the quantities left unreturned.
type BestEffortReserver struct {
	ledger repositories.InventoryLedger
	logger func(context.Context, string, map[string]any)
}

var _ StockReserver = (*BestEffortReserver)(nil)

// ReserveAndPersist reserves each demand in sequence and then persists. Any
// failure releases the demands already taken before returning.
func (r *BestEffortReserver) ReserveAndPersist(ctx context.Context, demands []repositories.StockDemand, persist func(ctx context.Context) error) error {
	reserved := make([]repositories.StockDemand, 0, len(demands))
	for _, demand := range demands {
		if err := r.ledger.Reserve(ctx, []repositories.StockDemand{demand}); err != nil {
			r.compensate(ctx, reserved)
			return err
		}
		reserved = append(reserved, demand)
	}
	if err := persist(ctx); err != nil {
		r.compensate(ctx, reserved)
		return err
	}
	return nil
}

// Restore releases each demand and then persists the order mutation. The
// release is not atomic with the write; a crash in between leaves restored
// stock with the order still in its prior state.
func (r *BestEffortReserver) Restore(ctx context.Context, demands []repositories.StockDemand, check func(ctx context.Context) error, persist func(ctx context.Context) error) error {
	if check != nil {
		if err := check(ctx); err != nil {
			return err
		}
	}
	for _, demand := range demands {
		if err := r.ledger.Release(ctx, []repositories.StockDemand{demand}); err != nil {
			return err
		}
	}
	return persist(ctx)
}

func (r *BestEffortReserver) compensate(ctx context.Context, reserved []repositories.StockDemand) {
	for _, demand := range reserved {
		if err := r.ledger.Release(ctx, []repositories.StockDemand{demand}); err != nil {
			r.logger(ctx, "inventory.compensation.failed", map[string]any{
				"product":  demand.ProductID,
				"quantity": demand.Quantity,
				"error":    err.Error(),
			})
		}
	}
}
