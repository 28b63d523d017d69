package validation

import (
	"strings"
	"testing"
)

func validAddr(prefix byte) string {
	return string(prefix) + strings.Repeat("A", AddressLength-1)
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		network string
		want    bool
	}{
		{"stagenet ok", validAddr('5'), "stagenet", true},
		{"mainnet ok", validAddr('4'), "mainnet", true},
		{"testnet ok", validAddr('9'), "testnet", true},
		{"wrong network", validAddr('4'), "stagenet", false},
		{"too short", "5abc", "stagenet", false},
		{"too long", validAddr('5') + "A", "stagenet", false},
		{"bad alphabet", "5" + strings.Repeat("0", AddressLength-1), "stagenet", false},
		{"empty", "", "stagenet", false},
	}

	for _, tt := range tests {
		if got := IsValidAddress(tt.addr, tt.network); got != tt.want {
			t.Errorf("%s: IsValidAddress = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("order_id", ""),
		ValidAddress("recipient", "junk", "stagenet"),
		ValidAmount("amount", 0),
	)
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}

	errs = Validate(
		Required("order_id", "ord_1"),
		ValidAddress("recipient", validAddr('5'), "stagenet"),
		ValidAmount("amount", 100000000000),
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString(strings.Repeat("x", 50), 10); len(got) != 10 {
		t.Errorf("length = %d, want 10", len(got))
	}
}
