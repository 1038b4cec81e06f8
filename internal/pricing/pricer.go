package pricing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
)

var (
	ErrUnknownProduct  = errors.New("unknown or inactive product")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrUnknownCoupon   = errors.New("unknown or inactive coupon")
)

// ItemRequest is the client's view of a cart line: product and quantity only.
// Prices are never taken from the client.
type ItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,gt=0"`
}

type Totals struct {
	TotalPrice      int64
	DiscountAmount  int64
	ShippingCharges int64
	FinalTotal      int64
}

type Pricer struct {
	rules *Rules
}

func NewPricer(rules *Rules) *Pricer {
	if rules == nil {
		rules = &Rules{}
	}
	return &Pricer{rules: rules}
}

// SnapshotItems turns cart lines into immutable order items priced from the
// authoritative product records.
func (p *Pricer) SnapshotItems(requests []ItemRequest, products map[uuid.UUID]*db.Product) ([]db.OrderItem, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("cart is empty")
	}

	items := make([]db.OrderItem, 0, len(requests))
	for _, req := range requests {
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, req.ProductID)
		}
		product, ok := products[req.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, req.ProductID)
		}
		items = append(items, db.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  req.Quantity,
			Subtotal:  product.Price * int64(req.Quantity),
		})
	}
	return items, nil
}

// ComputeTotals derives totalPrice, discount, shipping, and
// finalTotal = totalPrice - discount + shipping from snapshotted items and
// coupon codes. The discount never exceeds the item total.
func (p *Pricer) ComputeTotals(items []db.OrderItem, couponCodes []string) (Totals, error) {
	var totals Totals
	for _, item := range items {
		totals.TotalPrice += item.Subtotal
	}

	for _, code := range couponCodes {
		coupon := p.rules.findCoupon(code)
		if coupon == nil || !coupon.Active {
			return Totals{}, fmt.Errorf("%w: %s", ErrUnknownCoupon, code)
		}
		if totals.TotalPrice < coupon.MinOrder {
			return Totals{}, fmt.Errorf("%w: %s requires order of at least %d", ErrUnknownCoupon, code, coupon.MinOrder)
		}
		switch coupon.Type {
		case CouponFlat:
			totals.DiscountAmount += coupon.Value
		case CouponPercent:
			totals.DiscountAmount += totals.TotalPrice * coupon.Value / 100
		}
	}
	if totals.DiscountAmount > totals.TotalPrice {
		totals.DiscountAmount = totals.TotalPrice
	}

	totals.ShippingCharges = p.rules.Shipping.FlatRate
	if p.rules.Shipping.FreeAbove > 0 && totals.TotalPrice-totals.DiscountAmount >= p.rules.Shipping.FreeAbove {
		totals.ShippingCharges = 0
	}

	totals.FinalTotal = totals.TotalPrice - totals.DiscountAmount + totals.ShippingCharges
	return totals, nil
}
