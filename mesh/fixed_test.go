package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedFromFloatRoundTrip(t *testing.T) {
	for _, f := range []float64{0.0, 0.5, -0.5, 0.1, -0.1, 1.0, -1.0, 0.25, 3.14159, -2.71828, 100.001, -100.001} {
		x := FixedFromFloat(f)
		assert.InDelta(t, f, x.Float(), 1.0/65536, "round trip of %v", f)
	}
}

func TestFixedFromInt(t *testing.T) {
	assert.Equal(t, int32(65536), FixedFromInt(1).Bits())
	assert.Equal(t, int32(-65536), FixedFromInt(-1).Bits())
	assert.Equal(t, int32(0), FixedFromInt(0).Bits())
	assert.Equal(t, int32(7<<16), FixedFromInt(7).Bits())
}

func TestFixedMulExact(t *testing.T) {
	a := FixedFromFloat(1.5)
	b := FixedFromFloat(2.5)
	assert.Equal(t, FixedFromFloat(3.75), a.Mul(b))

	// Sign handling through the 64-bit product.
	assert.Equal(t, FixedFromFloat(-0.75), FixedFromFloat(-1.5).Mul(FixedHalf))
	assert.Equal(t, FixedFromFloat(0.75), FixedFromFloat(-1.5).Mul(FixedFromFloat(-0.5)))
}

func TestFixedMulTruncates(t *testing.T) {
	// (1 + 1/65536) * 0.5 has a half-bit below the representable grid;
	// the shift discards it.
	x := FixedFromBits(0x00010001)
	got := x.Mul(FixedHalf)
	assert.Equal(t, int32(0x8000), got.Bits())
}

func TestFixedAddWraparound(t *testing.T) {
	max := FixedFromBits(0x7FFFFFFF)
	got := max.Add(FixedFromBits(1))
	assert.Equal(t, int32(-0x80000000), got.Bits())

	min := FixedFromBits(-0x80000000)
	assert.Equal(t, int32(0x7FFFFFFF), min.Sub(FixedFromBits(1)).Bits())
}

func TestFixedDiv(t *testing.T) {
	third, err := FixedOne.Div(FixedFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, int32(21845), third.Bits())

	two, err := FixedOne.Div(FixedHalf)
	require.NoError(t, err)
	assert.Equal(t, FixedFromInt(2), two)
}

func TestFixedDivByZero(t *testing.T) {
	_, err := FixedOne.Div(FixedZero)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDivideByZero))
}

func TestFixedClamp(t *testing.T) {
	assert.Equal(t, FixedZero, FixedFromFloat(-0.3).Clamp(FixedZero, FixedOne))
	assert.Equal(t, FixedOne, FixedFromFloat(1.7).Clamp(FixedZero, FixedOne))
	assert.Equal(t, FixedHalf, FixedHalf.Clamp(FixedZero, FixedOne))
}

func TestFixedAbsNeg(t *testing.T) {
	assert.Equal(t, FixedHalf, FixedHalf.Neg().Abs())
	assert.Equal(t, FixedHalf, FixedHalf.Abs())
	assert.Equal(t, FixedFromFloat(-0.5), FixedHalf.Neg())
}

func TestFixedOrderingMatchesFloat(t *testing.T) {
	values := []float64{-2.0, -0.5, 0.0, 0.001, 0.5, 1.0, 3.5}
	for i := 1; i < len(values); i++ {
		lo := FixedFromFloat(values[i-1])
		hi := FixedFromFloat(values[i])
		assert.Less(t, lo, hi)
	}
}
