// Package units converts between a chain's native unit and wei.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

// WeiPerEther is 10^18.
var WeiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseEther parses a decimal amount of native units ("0.05") into wei.
// Amounts finer than one wei are rejected.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("units: empty amount")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("units: invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("units: negative amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(WeiPerEther))
	if !r.IsInt() {
		return nil, fmt.Errorf("units: amount %q has more than 18 decimals", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// MustParseEther is ParseEther for constants.
func MustParseEther(s string) *big.Int {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders wei as native units with prec decimals.
func FormatEther(wei *big.Int, prec int) string {
	if wei == nil {
		return "0"
	}
	return new(big.Rat).SetFrac(wei, WeiPerEther).FloatString(prec)
}

// ParseWei parses a base-10 integer string. Hex and signs are rejected so
// that witness amounts have exactly one textual form.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("units: empty integer")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("units: %q is not a base-10 integer", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("units: %q is not a base-10 integer", s)
	}
	return v, nil
}
