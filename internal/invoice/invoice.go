// Package invoice renders an order summary document after payment
// confirmation. Generation failure is logged and non-fatal.
package invoice

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/cartpilot/cartpilot/internal/db"
)

type Generator interface {
	Generate(ctx context.Context, order *db.Order) ([]byte, error)
}

const invoiceTemplate = `INVOICE {{.OrderNumber}}
Date: {{.CreatedAt.Format "2006-01-02"}}
Customer: {{.CustomerName}} <{{.CustomerEmail}}>

{{range .Items}}{{.Name}} x{{.Quantity}} @ {{.Price}} = {{.Subtotal}}
{{end}}
Subtotal:  {{.TotalPrice}}
Discount: -{{.DiscountAmount}}
Shipping: +{{.ShippingCharges}}
Total:     {{.FinalTotal}}

Payment: {{.PaymentMethod}} ({{.TransactionID}})
`

type TextGenerator struct {
	tmpl *template.Template
}

func NewTextGenerator() (*TextGenerator, error) {
	tmpl, err := template.New("invoice").Parse(invoiceTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse invoice template: %w", err)
	}
	return &TextGenerator{tmpl: tmpl}, nil
}

func (g *TextGenerator) Generate(ctx context.Context, order *db.Order) ([]byte, error) {
	_ = ctx
	if order == nil {
		return nil, fmt.Errorf("order is required")
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, order); err != nil {
		return nil, fmt.Errorf("failed to render invoice: %w", err)
	}
	return buf.Bytes(), nil
}
