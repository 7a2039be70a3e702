// Package points provides shared platform-point parsing and arithmetic.
//
// Points use 2 decimal places. All amounts are handled as big.Int in
// the smallest unit (1 point = 100 units) and cross API boundaries as
// decimal strings (e.g. "500.00").
package points

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (150). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 2 decimal places (e.g. "1.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Add returns the formatted sum of two amount strings.
// Invalid operands are treated as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns the formatted difference a-b of two amount strings.
// Invalid operands are treated as zero.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(av, bv))
}

// MulInt returns amount multiplied by an integer quantity,
// formatted as a decimal string. Invalid amounts yield (result, false).
func MulInt(amount string, qty int) (string, bool) {
	av, ok := Parse(amount)
	if !ok {
		return "", false
	}
	return Format(new(big.Int).Mul(av, big.NewInt(int64(qty)))), true
}

// Cmp compares two amount strings: -1 if a<b, 0 if equal, +1 if a>b.
// Invalid operands are treated as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}
