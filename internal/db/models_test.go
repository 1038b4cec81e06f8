package db

import "testing"

func TestPaymentMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method          PaymentMethod
		valid           bool
		gatewayMediated bool
	}{
		{method: MethodCardpay, valid: true, gatewayMediated: true},
		{method: MethodWalletpay, valid: true, gatewayMediated: true},
		{method: MethodCOD, valid: true, gatewayMediated: false},
		{method: PaymentMethod("bankdraft"), valid: false, gatewayMediated: false},
		{method: PaymentMethod(""), valid: false, gatewayMediated: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			t.Parallel()

			if got := tt.method.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.method.GatewayMediated(); got != tt.gatewayMediated {
				t.Errorf("GatewayMediated() = %v, want %v", got, tt.gatewayMediated)
			}
		})
	}
}

func TestCompositeKey(t *testing.T) {
	t.Parallel()

	if got := CompositeKey(MethodCardpay, "key-1"); got != "cardpay:key-1" {
		t.Errorf("CompositeKey = %q", got)
	}
	if CompositeKey(MethodCardpay, "key-1") == CompositeKey(MethodCOD, "key-1") {
		t.Error("keys for different methods should differ")
	}
}
