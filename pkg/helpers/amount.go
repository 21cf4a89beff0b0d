// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"math"
	"strconv"
	"strings"
)

// RoundAmount rounds an amount down to the given number of decimal places.
// Flooring keeps the ledger conservative: a displayed or persisted amount
// is never larger than the exact one.
func RoundAmount(amount float64, places int) float64 {
	if places <= 0 {
		return math.Floor(amount)
	}
	shift := math.Pow(10, float64(places))
	return math.Floor(amount*shift) / shift
}

// AmountToAtomic converts a coin amount to integer atomic units using the
// coin's decimal exponent. For example, AmountToAtomic(1.5, 8) returns
// 150000000.
func AmountToAtomic(amount float64, decimal int) int64 {
	shift := math.Pow(10, float64(decimal))
	return int64(math.Round(amount * shift))
}

// AtomicToAmount converts integer atomic units back to a coin amount.
// For example, AtomicToAmount(150000000, 8) returns 1.5.
func AtomicToAmount(atomic int64, decimal int) float64 {
	shift := math.Pow(10, float64(decimal))
	return float64(atomic) / shift
}

// FormatAmount formats a coin amount for human-facing messages, floored to
// the given places with trailing zeros trimmed. FormatAmount(1.50000000, 8)
// returns "1.5".
func FormatAmount(amount float64, places int) string {
	if places < 0 {
		places = 0
	}
	s := strconv.FormatFloat(RoundAmount(amount, places), 'f', places, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
