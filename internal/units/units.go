// Package units converts between a contract's smallest monetary unit and the
// human readable display unit.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// EtherDecimals is the exponent between wei and the native coin.
	EtherDecimals int32 = 18
	// DefaultPlaces is the number of fractional digits shown by the page.
	DefaultPlaces int32 = 3
)

// FormatUnits divides v by 10^decimals and renders exactly places fractional
// digits. A nil value renders as zero. Formatting never touches v.
func FormatUnits(v *big.Int, decimals, places int32) string {
	if places < 0 {
		places = 0
	}
	if v == nil {
		return decimal.Zero.StringFixed(places)
	}
	return decimal.NewFromBigInt(v, -decimals).StringFixed(places)
}

// FormatEther is FormatUnits with 18 decimals.
func FormatEther(wei *big.Int, places int32) string {
	return FormatUnits(wei, EtherDecimals, places)
}

// ParseUnits parses a decimal string in display units into the smallest unit.
// Inputs with more fractional digits than decimals are rejected rather than
// rounded.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// IsPositive reports whether v is non-nil and greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
