// Package money implements the fixed-point decimal model used for every
// price, quantity, balance, and percentage in the engine. All arithmetic
// is asset-tagged: mixing tags fails loudly rather than silently producing
// a nonsense number.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FractionalDigits is the storage precision mandated by spec.md §4.1.
const FractionalDigits = 8

// DustThresholdUSD is the default notional floor below which a position is
// classified as dust and ignored for sync, sizing, and rebalancing.
var DustThresholdUSD = New(1, "USD")

func init() {
	decimal.DivisionPrecision = 28
}

// ErrorKind classifies a MoneyModel failure, per spec.md §4.1.
type ErrorKind string

const (
	ErrBadDecimal    ErrorKind = "BadDecimal"
	ErrUnitMismatch  ErrorKind = "UnitMismatch"
	ErrArithDomain   ErrorKind = "ArithDomain"
)

// Error is a typed MoneyModel failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Money is a signed decimal value tagged with the asset it denominates.
type Money struct {
	v     decimal.Decimal
	asset string
}

// New constructs a Money from an int64 whole-unit amount.
func New(v int64, asset string) Money {
	return Money{v: decimal.NewFromInt(v).RoundBank(FractionalDigits), asset: asset}
}

// Zero returns a zero-valued Money tagged with asset.
func Zero(asset string) Money { return Money{v: decimal.Zero, asset: asset} }

// FromString is the only sanctioned way to bring an externally-sourced
// (venue) amount into the system. Floats never enter on the primary path;
// this is the `decimal_from_str` parse spec.md §4.1 requires.
func FromString(s, asset string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, newErr(ErrBadDecimal, "parse %q: %v", s, err)
	}
	return Money{v: d.RoundBank(FractionalDigits), asset: asset}, nil
}

// MustFromString panics on parse failure; only for constants/tests.
func MustFromString(s, asset string) Money {
	m, err := FromString(s, asset)
	if err != nil {
		panic(err)
	}
	return m
}

// Asset returns the asset tag.
func (m Money) Asset() string { return m.asset }

// Decimal exposes the underlying decimal for callers crossing a venue
// boundary that requires one (e.g. a JSON payload); this is the only
// sanctioned escape hatch, mirrored on pbu's ToGoDecimal/FromGoDecimal
// idiom in the reference repo.
func (m Money) Decimal() decimal.Decimal { return m.v }

func (m Money) assertSameAsset(o Money) error {
	if m.asset != o.asset {
		return newErr(ErrUnitMismatch, "%s vs %s", m.asset, o.asset)
	}
	return nil
}

// Add returns m+o; both must share an asset tag.
func (m Money) Add(o Money) (Money, error) {
	if err := m.assertSameAsset(o); err != nil {
		return Money{}, err
	}
	return Money{v: m.v.Add(o.v).RoundBank(FractionalDigits), asset: m.asset}, nil
}

// Sub returns m-o; both must share an asset tag.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.assertSameAsset(o); err != nil {
		return Money{}, err
	}
	return Money{v: m.v.Sub(o.v).RoundBank(FractionalDigits), asset: m.asset}, nil
}

// MulFrac multiplies by a dimensionless decimal factor (e.g. a percentage),
// keeping the original asset tag.
func (m Money) MulFrac(factor decimal.Decimal) Money {
	return Money{v: m.v.Mul(factor).RoundBank(FractionalDigits), asset: m.asset}
}

// DivFrac divides by a dimensionless decimal factor, keeping the asset tag.
func (m Money) DivFrac(factor decimal.Decimal) (Money, error) {
	if factor.IsZero() {
		return Money{}, newErr(ErrArithDomain, "division by zero")
	}
	return Money{v: m.v.Div(factor).RoundBank(FractionalDigits), asset: m.asset}, nil
}

// Ratio divides m by o (both the same asset), yielding a dimensionless
// decimal ratio rather than a Money.
func (m Money) Ratio(o Money) (decimal.Decimal, error) {
	if err := m.assertSameAsset(o); err != nil {
		return decimal.Zero, err
	}
	if o.v.IsZero() {
		return decimal.Zero, newErr(ErrArithDomain, "division by zero")
	}
	return m.v.Div(o.v), nil
}

// Neg returns -m.
func (m Money) Neg() Money { return Money{v: m.v.Neg(), asset: m.asset} }

// Abs returns |m|.
func (m Money) Abs() Money { return Money{v: m.v.Abs(), asset: m.asset} }

// IsZero reports whether m is exactly zero.
func (m Money) IsZero() bool { return m.v.IsZero() }

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool { return m.v.IsNegative() }

// GreaterThan reports m > o (same asset).
func (m Money) GreaterThan(o Money) bool { return m.v.GreaterThan(o.v) }

// LessThan reports m < o (same asset).
func (m Money) LessThan(o Money) bool { return m.v.LessThan(o.v) }

// Equal reports m == o, including asset tag.
func (m Money) Equal(o Money) bool { return m.asset == o.asset && m.v.Equal(o.v) }

// Max returns whichever of m, o is larger (same asset).
func Max(m, o Money) Money {
	if m.v.GreaterThan(o.v) {
		return m
	}
	return o
}

// String renders "1.23456789 USD".
func (m Money) String() string { return fmt.Sprintf("%s %s", m.v.StringFixed(FractionalDigits), m.asset) }

// IsDust reports whether a notional-USD value falls below threshold.
func IsDust(notionalUSD Money) bool {
	return notionalUSD.Abs().LessThan(DustThresholdUSD)
}
