package pricing

// Package pricing derives authoritative order totals server-side. Client
// bundles echo totals for display, but the charge amount always comes from
// the product table and these rules.

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type CouponType string

const (
	CouponFlat    CouponType = "flat"
	CouponPercent CouponType = "percent"
)

type CouponRule struct {
	Code     string     `yaml:"code"`
	Type     CouponType `yaml:"type"`
	Value    int64      `yaml:"value"`
	MinOrder int64      `yaml:"min_order"`
	Active   bool       `yaml:"active"`
}

type ShippingRule struct {
	FlatRate  int64 `yaml:"flat_rate"`
	FreeAbove int64 `yaml:"free_above"`
}

type Rules struct {
	Coupons  []CouponRule `yaml:"coupons"`
	Shipping ShippingRule `yaml:"shipping"`
}

// LoadRules reads coupon and shipping rules from a YAML file. A missing path
// yields empty rules: no coupons honored, free shipping.
func LoadRules(path string) (*Rules, error) {
	if strings.TrimSpace(path) == "" {
		return &Rules{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(content)
}

func ParseRules(content []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	for _, coupon := range rules.Coupons {
		if coupon.Code == "" {
			return nil, fmt.Errorf("coupon with empty code")
		}
		switch coupon.Type {
		case CouponFlat, CouponPercent:
		default:
			return nil, fmt.Errorf("coupon %s has unknown type %q", coupon.Code, coupon.Type)
		}
		if coupon.Type == CouponPercent && (coupon.Value <= 0 || coupon.Value > 100) {
			return nil, fmt.Errorf("coupon %s percent value out of range: %d", coupon.Code, coupon.Value)
		}
		if coupon.Type == CouponFlat && coupon.Value <= 0 {
			return nil, fmt.Errorf("coupon %s flat value must be positive", coupon.Code)
		}
	}
	return &rules, nil
}

func (r *Rules) findCoupon(code string) *CouponRule {
	for i := range r.Coupons {
		if strings.EqualFold(r.Coupons[i].Code, code) {
			return &r.Coupons[i]
		}
	}
	return nil
}
