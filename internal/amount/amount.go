// Package amount converts fiat prices into ERC-20 smallest units.
//
// All token amounts are *big.Int in the token's smallest unit and are
// string-encoded at rest. Nothing in this package touches floating point.
package amount

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// CentDecimals is the number of decimal places in a fiat cent amount.
	CentDecimals = 2

	// MaxSalt is the upper bound (inclusive) of the uniqueness suffix.
	MaxSalt = 9999

	// MaxDecimals bounds token precision; ERC-20 tokens use at most 18 in practice.
	MaxDecimals = 36
)

var (
	ErrInvalidCents    = errors.New("amount: price must be a positive number of cents")
	ErrInvalidDecimals = errors.New("amount: unsupported token decimals")
	ErrNoSaltRoom      = errors.New("amount: token has no sub-cent precision for a uniqueness suffix")
)

// FromCents converts a fiat price in cents to token smallest units.
// The scale factor 10^(decimals-2) is an integer for every supported
// precision, so the conversion is exact.
func FromCents(cents int64, decimals uint8) (*big.Int, error) {
	if cents <= 0 {
		return nil, ErrInvalidCents
	}
	if decimals < CentDecimals || decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	return new(big.Int).Mul(big.NewInt(cents), pow10(decimals-CentDecimals)), nil
}

// SaltCeiling returns the largest salt usable for a token with the given
// precision. The salt never reaches a full cent.
func SaltCeiling(decimals uint8) (int64, error) {
	if decimals <= CentDecimals || decimals > MaxDecimals {
		return 0, fmt.Errorf("%w: %d decimals", ErrNoSaltRoom, decimals)
	}
	oneCent := pow10(decimals - CentDecimals)
	if oneCent.Cmp(big.NewInt(MaxSalt)) > 0 {
		return MaxSalt, nil
	}
	return oneCent.Int64() - 1, nil
}

// Salt draws a uniformly random suffix in [1, ceiling] from crypto/rand.
func Salt(ceiling int64) (int64, error) {
	if ceiling < 1 {
		return 0, ErrNoSaltRoom
	}
	n, err := rand.Int(rand.Reader, big.NewInt(ceiling))
	if err != nil {
		return 0, fmt.Errorf("amount: read random salt: %w", err)
	}
	return n.Int64() + 1, nil
}

// ForInvoice returns the exact amount an invoice should request: the
// converted price plus a random sub-cent suffix, so two invoices of the
// same nominal price almost never share a required amount.
func ForInvoice(cents int64, decimals uint8) (*big.Int, error) {
	base, err := FromCents(cents, decimals)
	if err != nil {
		return nil, err
	}
	ceiling, err := SaltCeiling(decimals)
	if err != nil {
		return nil, err
	}
	salt, err := Salt(ceiling)
	if err != nil {
		return nil, err
	}
	return base.Add(base, big.NewInt(salt)), nil
}

// ToCents converts smallest units back to whole cents, discarding the
// sub-cent remainder (the salt).
func ToCents(units *big.Int, decimals uint8) *big.Int {
	if units == nil || decimals < CentDecimals {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(units, pow10(decimals-CentDecimals))
}

// Parse reads a string-encoded non-negative integer amount.
// Returns (nil, false) for empty, signed, fractional or non-numeric input.
func Parse(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}

// Format renders smallest units as a human-readable decimal string with
// exactly `decimals` places (e.g. 14990123 at 6 decimals is "14.990123").
func Format(units *big.Int, decimals uint8) string {
	if units == nil {
		units = big.NewInt(0)
	}
	neg := units.Sign() < 0
	s := new(big.Int).Abs(units).String()
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	d := int(decimals)
	for len(s) < d+1 {
		s = "0" + s
	}
	point := len(s) - d
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// FormatCents renders a cent amount as dollars, e.g. 1499 -> "14.99".
func FormatCents(cents int64) string {
	return Format(big.NewInt(cents), CentDecimals)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
