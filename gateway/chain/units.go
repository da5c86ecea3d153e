// Package chain queries free token balances from the external chain API.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDecimals is the largest scale a 256-bit amount can meaningfully carry.
const MaxDecimals = 77

// FormatUnits renders raw base units as a decimal string scaled by decimals,
// without trailing fractional zeros.
func FormatUnits(raw *uint256.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	digits := raw.Dec()
	if decimals <= 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ParseAmount parses a non-negative integer amount given in decimal or
// 0x-prefixed hex.
func ParseAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("empty amount")
	}
	parsed := new(big.Int)
	var ok bool
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		_, ok = parsed.SetString(trimmed[2:], 16)
	} else {
		_, ok = parsed.SetString(trimmed, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	amount, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, fmt.Errorf("amount %q overflows 256 bits", value)
	}
	return amount, nil
}
