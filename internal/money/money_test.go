package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestAddRequiresSameAsset(t *testing.T) {
	btc := New(1, "BTC")
	usdt := New(1, "USDT")

	_, err := btc.Add(usdt)
	require.Error(t, err)
	var mErr *Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, ErrUnitMismatch, mErr.Kind)
}

func TestFromStringRejectsGarbage(t *testing.T) {
	_, err := FromString("not-a-number", "USDT")
	require.Error(t, err)
	var mErr *Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, ErrBadDecimal, mErr.Kind)
}

func TestRatioDivisionByZero(t *testing.T) {
	a := New(10, "USDT")
	z := Zero("USDT")
	_, err := a.Ratio(z)
	require.Error(t, err)
}

func TestHalfEvenRounding(t *testing.T) {
	m := MustFromString("1.000000005", "USDT") // rounds to 8 digits half-even: 0 is the even neighbor
	require.Equal(t, "1.00000000", m.Decimal().StringFixed(8))

	m2 := MustFromString("1.000000015", "USDT") // 2 is the even neighbor
	require.Equal(t, "1.00000002", m2.Decimal().StringFixed(8))
}

func TestIsDust(t *testing.T) {
	require.True(t, IsDust(MustFromString("0.04", "USD")))
	require.False(t, IsDust(MustFromString("1.00", "USD")))
	require.False(t, IsDust(MustFromString("20000", "USD")))
}

func TestMulFracKeepsAsset(t *testing.T) {
	m := New(100, "USDT")
	half := m.MulFrac(decimal.NewFromFloat(0.5))
	require.Equal(t, "USDT", half.Asset())
	require.True(t, half.Equal(New(50, "USDT")))
}
