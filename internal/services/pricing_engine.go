package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopkit/api/internal/platform/config"
)

var (
	// ErrPricingInvalidInput signals bad pricing inputs such as a negative
	// price or non-positive quantity.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

// PricingResult is the amount breakdown for one order. Every field is
// rounded to two decimals.
type PricingResult struct {
	Subtotal    float64
	ShippingFee float64
	Discount    float64
	Total       float64
}

// PricingEngine derives order amounts from snapshotted line items. It does no
// I/O beyond the pluggable discount computation.
type PricingEngine struct {
	cfg      config.PricingConfig
	discount DiscountEngine
}

// NewPricingEngine builds the engine from the pricing tiers in configuration.
// A nil discount engine means no discount.
func NewPricingEngine(cfg config.PricingConfig, discount DiscountEngine) (*PricingEngine, error) {
	if cfg.FreeShippingThreshold < cfg.ReducedShippingThreshold {
		return nil, errors.New("pricing engine: free shipping threshold below reduced threshold")
	}
	if cfg.ReducedShippingFee < 0 || cfg.BaseShippingFee < 0 {
		return nil, errors.New("pricing engine: shipping fees must be >= 0")
	}
	if discount == nil {
		discount = noopDiscountEngine{}
	}
	return &PricingEngine{cfg: cfg, discount: discount}, nil
}

// PriceItems fills in each line's subtotal and returns the rounded line set.
func (e *PricingEngine) PriceItems(items []OrderItem) ([]OrderItem, error) {
	priced := make([]OrderItem, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be > 0", ErrPricingInvalidInput, item.ProductID)
		}
		if item.Price < 0 {
			return nil, fmt.Errorf("%w: price for %s cannot be negative", ErrPricingInvalidInput, item.ProductID)
		}
		item.Subtotal = round2(item.Price * float64(item.Quantity))
		priced[i] = item
	}
	return priced, nil
}

// Calculate derives the order totals from already-priced lines. Rounding is
// applied at every step so the persisted amounts reproduce exactly.
func (e *PricingEngine) Calculate(ctx context.Context, req DiscountRequest, items []OrderItem) (PricingResult, error) {
	var subtotal float64
	for _, item := range items {
		subtotal += item.Subtotal
	}
	subtotal = round2(subtotal)

	fee := e.shippingFee(subtotal)

	req.Subtotal = subtotal
	req.Items = items
	discount, err := e.discount.Discount(ctx, req)
	if err != nil {
		return PricingResult{}, err
	}
	if discount < 0 {
		return PricingResult{}, fmt.Errorf("%w: discount cannot be negative", ErrPricingInvalidInput)
	}
	discount = round2(discount)
	if discount > subtotal+fee {
		discount = subtotal + fee
	}

	total := round2(subtotal + fee - discount)
	return PricingResult{
		Subtotal:    subtotal,
		ShippingFee: fee,
		Discount:    discount,
		Total:       total,
	}, nil
}

// shippingFee applies the configured tier table: free above the top
// threshold, reduced above the middle one, the base fee otherwise.
func (e *PricingEngine) shippingFee(subtotal float64) float64 {
	switch {
	case subtotal >= e.cfg.FreeShippingThreshold:
		return 0
	case subtotal >= e.cfg.ReducedShippingThreshold:
		return round2(e.cfg.ReducedShippingFee)
	default:
		return round2(e.cfg.BaseShippingFee)
	}
}

// noopDiscountEngine is the default until a coupon engine plugs in.
type noopDiscountEngine struct{}

func (noopDiscountEngine) Discount(context.Context, DiscountRequest) (float64, error) {
	return 0, nil
}

// NoDiscount returns the default discount engine.
func NoDiscount() DiscountEngine {
	return noopDiscountEngine{}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
