package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/shopkit/api/internal/platform/firestore"
	"github.com/shopkit/api/internal/repositories"
)

// InventoryLedger mutates the stock counters stored on product documents.
// Reserve moves quantity from stock into the sales count behind a guard;
// Release is the exact inverse and has no guard. All reads happen before the
// first write so the ledger composes with order writes in one transaction.
type InventoryLedger struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

var _ repositories.InventoryLedger = (*InventoryLedger)(nil)

// NewInventoryLedger constructs the ledger on the products collection.
func NewInventoryLedger(provider *pfirestore.Provider) (*InventoryLedger, error) {
	if provider == nil {
		return nil, errors.New("inventory ledger requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &InventoryLedger{provider: provider, products: products}, nil
}

// Reserve takes stock for every demand or fails without mutating anything.
func (l *InventoryLedger) Reserve(ctx context.Context, demands []repositories.StockDemand) error {
	return l.apply(ctx, "inventory.reserve", demands, true)
}

// Release returns previously reserved stock. It never fails a guard; a
// cancelled order restores exactly what its creation took.
func (l *InventoryLedger) Release(ctx context.Context, demands []repositories.StockDemand) error {
	return l.apply(ctx, "inventory.release", demands, false)
}

// Available reports the current stock level for best-effort pre-checks.
func (l *InventoryLedger) Available(ctx context.Context, productID string) (int, error) {
	if l == nil || l.products == nil {
		return 0, errors.New("inventory ledger not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, errors.New("inventory available: product id is required")
	}

	doc, err := l.products.Get(ctx, productID)
	if err != nil {
		return 0, wrapLedgerError("inventory.available", err)
	}
	if doc.Data.IsDeleted {
		return 0, nil
	}
	return doc.Data.Stock, nil
}

func (l *InventoryLedger) apply(ctx context.Context, op string, demands []repositories.StockDemand, guard bool) error {
	if l == nil || l.provider == nil {
		return errors.New("inventory ledger not initialised")
	}
	if len(demands) == 0 {
		return fmt.Errorf("%s: at least one demand is required", op)
	}
	for _, demand := range demands {
		if strings.TrimSpace(demand.ProductID) == "" {
			return fmt.Errorf("%s: product id is required", op)
		}
		if demand.Quantity <= 0 {
			return fmt.Errorf("%s: quantity for %s must be > 0", op, demand.ProductID)
		}
	}

	run := func(ctx context.Context) error {
		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		writes := make([]pendingWrite, 0, len(demands))

		for _, demand := range demands {
			ref, err := l.products.DocumentRef(ctx, demand.ProductID)
			if err != nil {
				return err
			}
			snap, err := getDocument(ctx, ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return status.Errorf(codes.NotFound, "product %s not found", demand.ProductID)
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", demand.ProductID, err)
			}

			if guard {
				if doc.IsDeleted {
					return status.Errorf(codes.NotFound, "product %s not found", demand.ProductID)
				}
				if doc.Stock < demand.Quantity {
					return &repositories.InsufficientStockError{
						ProductID: demand.ProductID,
						Available: doc.Stock,
						Requested: demand.Quantity,
					}
				}
				doc.Stock -= demand.Quantity
				doc.SalesCount += int64(demand.Quantity)
			} else {
				// Exact inverse of a reserve, even when counters have
				// drifted; a clamp here would make the pair lossy.
				doc.Stock += demand.Quantity
				doc.SalesCount -= int64(demand.Quantity)
			}
			doc.refreshAvailability()
			writes = append(writes, pendingWrite{ref: ref, doc: doc})
		}

		// All guards passed; flush the buffered updates.
		for _, w := range writes {
			if err := setDocument(ctx, w.ref, w.doc); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if _, ok := txFromContext(ctx); ok {
		err = run(ctx)
	} else {
		err = l.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			return run(withTx(ctx, tx))
		})
	}
	return wrapLedgerError(op, err)
}

func wrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.InsufficientStockError
	if errors.As(err, &stockErr) {
		return stockErr
	}
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) {
		return repoErr
	}
	return pfirestore.WrapError(op, err)
}
