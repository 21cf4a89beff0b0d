package helpers

import (
	"strings"
	"testing"
)

func TestRoundAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		places int
		want   float64
	}{
		{"floor not round", 0.129, 2, 0.12},
		{"exact", 1.25, 2, 1.25},
		{"zero places", 5.99, 0, 5},
		{"negative places", 5.99, -1, 5},
		{"eight places", 0.123456789, 8, 0.12345678},
		{"whole number", 42, 4, 42},
		{"zero", 0, 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundAmount(tt.amount, tt.places)
			if got != tt.want {
				t.Errorf("RoundAmount(%v, %d) = %v, want %v", tt.amount, tt.places, got, tt.want)
			}
		})
	}
}

func TestAmountAtomicRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		decimal int
		atomic  int64
	}{
		{"one btc", 1, 8, 100000000},
		{"half", 0.5, 8, 50000000},
		{"monero", 2.5, 12, 2500000000000},
		{"two decimals", 10.25, 2, 1025},
		{"zero", 0, 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atomic := AmountToAtomic(tt.amount, tt.decimal)
			if atomic != tt.atomic {
				t.Errorf("AmountToAtomic(%v, %d) = %d, want %d", tt.amount, tt.decimal, atomic, tt.atomic)
			}
			back := AtomicToAmount(atomic, tt.decimal)
			if back != tt.amount {
				t.Errorf("AtomicToAmount(%d, %d) = %v, want %v", atomic, tt.decimal, back, tt.amount)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		places int
		want   string
	}{
		{"trims zeros", 1.5, 8, "1.5"},
		{"whole", 3, 8, "3"},
		{"floors", 0.129, 2, "0.12"},
		{"zero", 0, 8, "0"},
		{"small", 0.00000001, 8, "0.00000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.places)
			if got != tt.want {
				t.Errorf("FormatAmount(%v, %d) = %q, want %q", tt.amount, tt.places, got, tt.want)
			}
		})
	}
}

func TestPaymentID(t *testing.T) {
	id := PaymentID()
	if len(id) != 64 {
		t.Errorf("PaymentID() length = %d, want 64", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("PaymentID() contains non-hex rune %q", c)
		}
	}
	if PaymentID() == id {
		t.Error("PaymentID() returned the same value twice")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{"short", "abc", 10, "abc"},
		{"exact", "abc", 3, "abc"},
		{"cut", "abcdef", 3, "abc"},
		{"zero", "abc", 0, ""},
		{"negative", "abc", -1, ""},
		{"multibyte", "héllo wörld", 5, "héllo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.s, tt.n)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
		})
	}
}

func TestCollapseSpaces(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want string
	}{
		{"plain", "my tag", "my tag"},
		{"leading trailing", "  my tag  ", "my tag"},
		{"inner runs", "my   big\ttag", "my big tag"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CollapseSpaces(tt.s)
			if got != tt.want {
				t.Errorf("CollapseSpaces(%q) = %q, want %q", tt.s, got, tt.want)
			}
		})
	}
}
