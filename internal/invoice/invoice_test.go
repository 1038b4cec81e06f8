package invoice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cartpilot/cartpilot/internal/db"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	gen, err := NewTextGenerator()
	if err != nil {
		t.Fatalf("NewTextGenerator: %v", err)
	}

	order := &db.Order{
		ID:            uuid.New(),
		OrderNumber:   "ORD-20260829-000042",
		CustomerName:  "Ada Lovelace",
		CustomerEmail: "ada@example.com",
		Items: []db.OrderItem{
			{ProductID: uuid.New(), Name: "Widget", Price: 1299, Quantity: 2, Subtotal: 2598},
			{ProductID: uuid.New(), Name: "Gadget", Price: 450, Quantity: 1, Subtotal: 450},
		},
		TotalPrice:      3048,
		DiscountAmount:  100,
		ShippingCharges: 0,
		FinalTotal:      2948,
		PaymentMethod:   db.MethodCardpay,
		TransactionID:   "txn_42",
		CreatedAt:       time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	}

	doc, err := gen.Generate(context.Background(), order)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rendered := string(doc)
	for _, want := range []string{
		"INVOICE ORD-20260829-000042",
		"Date: 2026-08-29",
		"Ada Lovelace <ada@example.com>",
		"Widget x2 @ 1299 = 2598",
		"Gadget x1 @ 450 = 450",
		"Discount: -100",
		"Total:     2948",
		"Payment: cardpay (txn_42)",
	} {
		if !strings.Contains(rendered, want) {
			t.Errorf("invoice missing %q:\n%s", want, rendered)
		}
	}
}

func TestGenerateNilOrder(t *testing.T) {
	t.Parallel()

	gen, err := NewTextGenerator()
	if err != nil {
		t.Fatalf("NewTextGenerator: %v", err)
	}
	if _, err := gen.Generate(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil order")
	}
}
