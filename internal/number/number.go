// Package number implements the fixed-point arithmetic used for every amount
// and price in the engine: an arbitrary-precision integer paired with a
// decimal scale.
//
// Addition and subtraction keep the higher precision of both operands and are
// lossless. Multiplication and division keep the precision of the receiver and
// floor the result. Rescale is the only operation that rounds (half to even).
package number

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrDivisionByZero is returned when dividing by a zero-valued Number.
	ErrDivisionByZero = errors.New("number: division by zero")

	// ErrNegativeDecimals is returned when a scale below zero is requested.
	ErrNegativeDecimals = errors.New("number: decimals must be non-negative")

	bigTen = big.NewInt(10)
	bigOne = big.NewInt(1)
)

// Number represents value × 10^-decimals. The zero value is a valid zero with
// no decimals. Numbers are immutable: operations return new Numbers.
type Number struct {
	value    *big.Int
	decimals int
}

// New returns value × 10^-decimals.
func New(value int64, decimals int) Number {
	return Number{value: big.NewInt(value), decimals: clampDecimals(decimals)}
}

// NewFromBigInt returns v × 10^-decimals. v is copied.
func NewFromBigInt(v *big.Int, decimals int) Number {
	n := Number{value: new(big.Int), decimals: clampDecimals(decimals)}
	if v != nil {
		n.value.Set(v)
	}
	return n
}

// Zero returns a zero Number with the given decimals.
func Zero(decimals int) Number {
	return Number{value: new(big.Int), decimals: clampDecimals(decimals)}
}

// FromDecimal converts a decimal into a Number whose scale is the number of
// fractional digits of d.
func FromDecimal(d decimal.Decimal) Number {
	exp := d.Exponent()
	if exp >= 0 {
		v := new(big.Int).Mul(d.Coefficient(), pow10(int(exp)))
		return Number{value: v, decimals: 0}
	}
	return Number{value: d.Coefficient(), decimals: int(-exp)}
}

// Parse reads a decimal string such as "12.50" into a Number with two
// decimals.
func Parse(s string) (Number, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}, fmt.Errorf("number: parse %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Number {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Value returns a copy of the underlying integer.
func (n Number) Value() *big.Int {
	return new(big.Int).Set(n.int())
}

// Decimals returns the scale of n.
func (n Number) Decimals() int {
	return n.decimals
}

// Rescale returns n expressed with target decimals. Scaling up is exact;
// scaling down rounds half to even.
func (n Number) Rescale(target int) Number {
	target = clampDecimals(target)
	if n.decimals < target {
		v := new(big.Int).Mul(n.int(), pow10(target-n.decimals))
		return Number{value: v, decimals: target}
	}
	v := roundHalfEven(n.int(), pow10(n.decimals-target))
	return Number{value: v, decimals: target}
}

// Add returns n + other at the higher of both scales.
func (n Number) Add(other Number) Number {
	a, b, decimals := align(n, other)
	return Number{value: a.Add(a, b), decimals: decimals}
}

// Sub returns n - other at the higher of both scales.
func (n Number) Sub(other Number) Number {
	a, b, decimals := align(n, other)
	return Number{value: a.Sub(a, b), decimals: decimals}
}

// Mul returns n × other keeping the scale of n. The result is floored.
func (n Number) Mul(other Number) Number {
	v := new(big.Int).Mul(n.int(), other.int())
	return Number{value: floorQuo(v, pow10(other.decimals)), decimals: n.decimals}
}

// Div returns n / other keeping the scale of n. The result is floored.
func (n Number) Div(other Number) (Number, error) {
	if other.IsZero() {
		return Number{}, ErrDivisionByZero
	}
	v := new(big.Int).Mul(n.int(), pow10(other.decimals))
	return Number{value: floorQuo(v, other.int()), decimals: n.decimals}, nil
}

// Neg returns -n.
func (n Number) Neg() Number {
	return Number{value: new(big.Int).Neg(n.int()), decimals: n.decimals}
}

// Abs returns |n|.
func (n Number) Abs() Number {
	return Number{value: new(big.Int).Abs(n.int()), decimals: n.decimals}
}

// IsZero reports whether the value is zero.
func (n Number) IsZero() bool {
	return n.int().Sign() == 0
}

// Sign returns -1, 0 or +1.
func (n Number) Sign() int {
	return n.int().Sign()
}

// Cmp compares the numeric values of n and other regardless of scale.
func (n Number) Cmp(other Number) int {
	a, b, _ := align(n, other)
	return a.Cmp(b)
}

// Equal reports whether n and other have the same value and the same scale.
func (n Number) Equal(other Number) bool {
	return n.decimals == other.decimals && n.int().Cmp(other.int()) == 0
}

// Decimal converts n to a shopspring decimal without loss.
func (n Number) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(n.int(), int32(-n.decimals))
}

// Float64 is for display only.
func (n Number) Float64() float64 {
	return n.Decimal().InexactFloat64()
}

// String prints n with exactly Decimals() fractional digits.
func (n Number) String() string {
	return n.Decimal().StringFixed(int32(n.decimals))
}

type numberJSON struct {
	Value    string `json:"value"`
	Decimals int    `json:"decimals"`
}

// MarshalJSON encodes n as {"value":"<integer>","decimals":<n>}.
func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal(numberJSON{Value: n.int().String(), Decimals: n.decimals})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (n *Number) UnmarshalJSON(data []byte) error {
	var raw numberJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Decimals < 0 {
		return ErrNegativeDecimals
	}
	v, ok := new(big.Int).SetString(raw.Value, 10)
	if !ok {
		return fmt.Errorf("number: invalid integer %q", raw.Value)
	}
	n.value = v
	n.decimals = raw.Decimals
	return nil
}

func (n Number) int() *big.Int {
	if n.value == nil {
		return new(big.Int)
	}
	return n.value
}

// align returns fresh copies of both values at the higher scale.
func align(a, b Number) (*big.Int, *big.Int, int) {
	av := new(big.Int).Set(a.int())
	bv := new(big.Int).Set(b.int())
	switch {
	case a.decimals > b.decimals:
		bv.Mul(bv, pow10(a.decimals-b.decimals))
		return av, bv, a.decimals
	case b.decimals > a.decimals:
		av.Mul(av, pow10(b.decimals-a.decimals))
		return av, bv, b.decimals
	}
	return av, bv, a.decimals
}

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(bigTen, big.NewInt(int64(exp)), nil)
}

// floorQuo divides rounding towards negative infinity.
func floorQuo(x, y *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(x, y, new(big.Int))
	if r.Sign() != 0 && r.Sign() != y.Sign() {
		q.Sub(q, bigOne)
	}
	return q
}

// roundHalfEven divides x by the positive divisor d, rounding ties to even.
func roundHalfEven(x, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(x, d, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	twice := new(big.Int).Abs(r)
	twice.Lsh(twice, 1)
	switch twice.Cmp(d) {
	case 1:
		q.Add(q, big.NewInt(int64(x.Sign())))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(q, big.NewInt(int64(x.Sign())))
		}
	}
	return q
}

func clampDecimals(d int) int {
	if d < 0 {
		return 0
	}
	return d
}
