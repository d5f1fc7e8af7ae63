// Package fixedpoint implements the scaled-integer decimal type used for all
// prices, sizes, and notional values in the execution core. Floating point is
// never used for money: every quantity is an int64 scaled by Scale.
package fixedpoint

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Scale is the fixed-point scaling factor (10^8), matching the precision the
// venue adapters and the WAL wire format agree on.
const Scale = 100000000

// Value is a fixed-point decimal stored as an int64 scaled by Scale.
type Value int64

// Zero is the additive identity.
const Zero Value = 0

// FromInt64 builds a Value from a whole number.
func FromInt64(i int64) Value {
	return Value(i * Scale)
}

// FromFloat64 builds a Value from a float64. Only used at system boundaries
// (parsing venue JSON, operator input) — never for arithmetic.
func FromFloat64(f float64) Value {
	r := new(big.Float).Mul(big.NewFloat(f), big.NewFloat(Scale))
	i, _ := r.Int64()
	return Value(i)
}

// ParseString parses a decimal string ("123.45600000") into a Value.
func ParseString(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("fixedpoint: empty value")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > 8 {
		frac = frac[:8]
	}
	for len(frac) < 8 {
		frac += "0"
	}
	wholeI, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fixedpoint: invalid value %q: %w", s, err)
	}
	fracI, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fixedpoint: invalid value %q: %w", s, err)
	}
	v := wholeI*Scale + fracI
	if neg {
		v = -v
	}
	return Value(v), nil
}

// Float64 converts back to a float64. Only used for metrics/logging, never
// for re-entering arithmetic.
func (v Value) Float64() float64 {
	return float64(v) / Scale
}

// String renders the value as a decimal string with up to 8 fractional
// digits, trimming trailing zeros but keeping at least one digit.
func (v Value) String() string {
	neg := v < 0
	n := int64(v)
	if neg {
		n = -n
	}
	whole := n / Scale
	frac := n % Scale
	s := fmt.Sprintf("%d.%08d", whole, frac)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if neg && s != "0" {
		s = "-" + s
	}
	return s
}

// Add returns v+o.
func (v Value) Add(o Value) Value { return v + o }

// Sub returns v-o.
func (v Value) Sub(o Value) Value { return v - o }

// Neg returns -v.
func (v Value) Neg() Value { return -v }

// Abs returns the absolute value.
func (v Value) Abs() Value {
	if v < 0 {
		return -v
	}
	return v
}

// Mul returns v*o with rounding to nearest, ties away from zero, performed in
// 128-bit precision via math/big to avoid overflow on the intermediate
// product.
func (v Value) Mul(o Value) Value {
	p := new(big.Int).Mul(big.NewInt(int64(v)), big.NewInt(int64(o)))
	scale := big.NewInt(Scale)
	q, r := new(big.Int).QuoRem(p, scale, new(big.Int))
	return Value(roundHalfAwayFromZero(q, r, scale).Int64())
}

// Div returns v/o with rounding to nearest, ties away from zero. Panics if o
// is zero — callers must validate divisors from untrusted input before
// calling Div.
func (v Value) Div(o Value) Value {
	if o == 0 {
		panic("fixedpoint: division by zero")
	}
	p := new(big.Int).Mul(big.NewInt(int64(v)), big.NewInt(Scale))
	q, r := new(big.Int).QuoRem(p, big.NewInt(int64(o)), new(big.Int))
	return Value(roundHalfAwayFromZero(q, r, big.NewInt(int64(o))).Int64())
}

func roundHalfAwayFromZero(q, r, denom *big.Int) *big.Int {
	if r.Sign() == 0 {
		return q
	}
	twice := new(big.Int).Mul(r, big.NewInt(2))
	twice.Abs(twice)
	d := new(big.Int).Abs(denom)
	if twice.Cmp(d) >= 0 {
		if (r.Sign() < 0) != (denom.Sign() < 0) {
			return q.Sub(q, big.NewInt(1))
		}
		return q.Add(q, big.NewInt(1))
	}
	return q
}

// Cmp returns -1, 0, or 1 comparing v to o.
func (v Value) Cmp(o Value) int {
	switch {
	case v < o:
		return -1
	case v > o:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether v is zero.
func (v Value) IsZero() bool { return v == 0 }

// Sign returns -1, 0, or 1.
func (v Value) Sign() int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// BpsOf returns v scaled by bps/10000, used for slippage and fee thresholds.
func (v Value) BpsOf(bps int64) Value {
	return v.Mul(FromInt64(bps)).Div(FromInt64(10000))
}

// MarshalText implements encoding.TextMarshaler so Values serialize as plain
// decimal strings in JSON and CBOR.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(data []byte) error {
	parsed, err := ParseString(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
