// Package finance provides exact decimal arithmetic for monetary values.
// Amounts are carried as strings at every boundary and never pass through
// floats; internally an Amount is an unscaled big.Int plus a decimal
// exponent, converted to chain minor units only at the client edge.
package finance

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount is an immutable exact decimal. The zero value is 0.
type Amount struct {
	unscaled big.Int
	scale    int // digits after the decimal point
}

// Zero is the additive identity.
var Zero = Amount{}

// Parse parses a decimal string such as "10", "0.5" or "-12.345". Scientific
// notation, group separators and empty strings are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	neg := false
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		neg = true
		s = s[1:]
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if hasDot && fracPart == "" {
		return Amount{}, fmt.Errorf("malformed amount %q", s)
	}
	if intPart == "" && fracPart == "" {
		return Amount{}, fmt.Errorf("malformed amount %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("malformed amount %q", s)
		}
	}
	var a Amount
	if _, ok := a.unscaled.SetString(intPart+fracPart, 10); !ok {
		return Amount{}, fmt.Errorf("malformed amount %q", s)
	}
	if neg {
		a.unscaled.Neg(&a.unscaled)
	}
	a.scale = len(fracPart)
	a.normalize()
	return a, nil
}

// MustParse parses a decimal literal known to be valid at compile time.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// normalize strips trailing fractional zeros so equal values compare equal
// and String output is canonical.
func (a *Amount) normalize() {
	ten := big.NewInt(10)
	var rem big.Int
	for a.scale > 0 {
		var q big.Int
		q.QuoRem(&a.unscaled, ten, &rem)
		if rem.Sign() != 0 {
			break
		}
		a.unscaled.Set(&q)
		a.scale--
	}
	if a.unscaled.Sign() == 0 {
		a.scale = 0
	}
}

// String renders the canonical decimal representation.
func (a Amount) String() string {
	digits := new(big.Int).Abs(&a.unscaled).String()
	for len(digits) <= a.scale {
		digits = "0" + digits
	}
	var b strings.Builder
	if a.unscaled.Sign() < 0 {
		b.WriteByte('-')
	}
	split := len(digits) - a.scale
	b.WriteString(digits[:split])
	if a.scale > 0 {
		b.WriteByte('.')
		b.WriteString(digits[split:])
	}
	return b.String()
}

// rescaled returns the unscaled integers of a and b at a common scale.
func rescaled(a, b Amount) (*big.Int, *big.Int) {
	x := new(big.Int).Set(&a.unscaled)
	y := new(big.Int).Set(&b.unscaled)
	ten := big.NewInt(10)
	for i := a.scale; i < b.scale; i++ {
		x.Mul(x, ten)
	}
	for i := b.scale; i < a.scale; i++ {
		y.Mul(y, ten)
	}
	return x, y
}

func maxScale(a, b Amount) int {
	if a.scale > b.scale {
		return a.scale
	}
	return b.scale
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	x, y := rescaled(a, b)
	var out Amount
	out.unscaled.Add(x, y)
	out.scale = maxScale(a, b)
	out.normalize()
	return out
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	x, y := rescaled(a, b)
	var out Amount
	out.unscaled.Sub(x, y)
	out.scale = maxScale(a, b)
	out.normalize()
	return out
}

// Mul returns a * b.
func (a Amount) Mul(b Amount) Amount {
	var out Amount
	out.unscaled.Mul(&a.unscaled, &b.unscaled)
	out.scale = a.scale + b.scale
	out.normalize()
	return out
}

// Cmp compares a and b, returning -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	x, y := rescaled(a, b)
	return x.Cmp(y)
}

// Sign returns -1, 0 or +1.
func (a Amount) Sign() int { return a.unscaled.Sign() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.unscaled.Sign() == 0 }

// MinorUnits converts to an integer count of the chain's smallest unit,
// e.g. decimals=6 for USDC. Values with more fractional digits than the
// chain supports are rejected rather than silently truncated.
func (a Amount) MinorUnits(decimals int) (*big.Int, error) {
	if a.scale > decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", a.String(), decimals)
	}
	out := new(big.Int).Set(&a.unscaled)
	ten := big.NewInt(10)
	for i := a.scale; i < decimals; i++ {
		out.Mul(out, ten)
	}
	return out, nil
}

// FromMinorUnits builds an Amount from chain minor units.
func FromMinorUnits(units *big.Int, decimals int) Amount {
	var a Amount
	a.unscaled.Set(units)
	a.scale = decimals
	a.normalize()
	return a
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
