package points

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one point", "1.00", 100},
		{"half point", "0.50", 50},
		{"hundred", "100", 10_000},
		{"smallest unit", "0.01", 1},
		{"no frac", "1", 100},
		{"short frac", "1.5", 150},
		{"truncated decimals", "1.129", 112},
		{"large amount", "999999.99", 99_999_999},
		{"leading zeros in whole", "007.50", 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.0.0"},
		{"letters", "abc"},
		{"mixed", "1.2x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) returned ok=true, want false", tt.input)
			}
		})
	}
}

func TestParse_EmptyIsZero(t *testing.T) {
	got, ok := Parse("")
	if !ok || got.Sign() != 0 {
		t.Fatalf("Parse(\"\") = %v, %v; want 0, true", got, ok)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"zero", 0, "0.00"},
		{"one", 100, "1.00"},
		{"cents", 50, "0.50"},
		{"mixed", 150, "1.50"},
		{"large", 99_999_999, "999999.99"},
		{"negative", -150, "-1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(big.NewInt(tt.input))
			if got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormat_Nil(t *testing.T) {
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want \"0.00\"", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "1.00", "0.01", "500.00", "999999.99"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("round trip %q = %q", s, got)
		}
	}
}

func TestArithmetic(t *testing.T) {
	if got := Add("1.50", "0.50"); got != "2.00" {
		t.Errorf("Add = %q, want 2.00", got)
	}
	if got := Sub("2.00", "0.75"); got != "1.25" {
		t.Errorf("Sub = %q, want 1.25", got)
	}
	if got, ok := MulInt("500.00", 2); !ok || got != "1000.00" {
		t.Errorf("MulInt = %q, %v; want 1000.00, true", got, ok)
	}
	if Cmp("1.00", "1.000") != 0 {
		t.Error("Cmp should treat 1.00 and 1.000 as equal")
	}
	if Cmp("0.99", "1.00") != -1 {
		t.Error("Cmp(0.99, 1.00) should be -1")
	}
}

func TestIsPositive(t *testing.T) {
	if !IsPositive("0.01") {
		t.Error("0.01 should be positive")
	}
	if IsPositive("0.00") {
		t.Error("0.00 is not positive")
	}
	if IsPositive("-1") {
		t.Error("negative amounts are never positive")
	}
}
