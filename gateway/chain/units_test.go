package chain

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		raw      uint64
		decimals int
		want     string
	}{
		{raw: 0, decimals: 18, want: "0"},
		{raw: 0, decimals: 0, want: "0"},
		{raw: 42, decimals: 0, want: "42"},
		{raw: 1, decimals: 6, want: "0.000001"},
		{raw: 1500000, decimals: 6, want: "1.5"},
		{raw: 12000000000, decimals: 10, want: "1.2"},
		{raw: 1000000000000000000, decimals: 18, want: "1"},
		{raw: 123456789, decimals: 4, want: "12345.6789"},
	}
	for _, tc := range cases {
		got := FormatUnits(uint256.NewInt(tc.raw), tc.decimals)
		if got != tc.want {
			t.Fatalf("FormatUnits(%d, %d) = %q, want %q", tc.raw, tc.decimals, got, tc.want)
		}
	}
	if got := FormatUnits(nil, 18); got != "0" {
		t.Fatalf("nil amount formatted as %q", got)
	}
}

func TestParseAmount(t *testing.T) {
	for input, want := range map[string]string{
		"0":                        "0",
		"1000":                     "1000",
		"0x3e8":                    "1000",
		"0X0":                      "0",
		" 0x00ff ":                 "255",
		"340282366920938463463374": "340282366920938463463374",
	} {
		got, err := ParseAmount(input)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", input, err)
		}
		if got.Dec() != want {
			t.Fatalf("ParseAmount(%q) = %s, want %s", input, got.Dec(), want)
		}
	}
	for _, input := range []string{"", "abc", "-1", "1.5", "0x", "0x1" + strings.Repeat("0", 64)} {
		if _, err := ParseAmount(input); err == nil {
			t.Fatalf("ParseAmount(%q) expected error", input)
		}
	}
}
