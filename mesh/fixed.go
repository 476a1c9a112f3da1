package mesh

import (
	"fmt"
	"math"
)

// Fixed is a Q16.16 signed fixed-point number: a 32-bit signed integer
// whose value is bits/65536. All protocol-visible quantities use this
// type so that heterogeneous hardware and toolchains produce bit-identical
// results; floating point never crosses a module boundary.
//
// Arithmetic wraps in two's complement on overflow, mirroring the native
// implementations. It does not saturate.
type Fixed int32

// FracBits is the number of fractional bits in a Fixed.
const FracBits = 16

// FixedScale is the Fixed representation of 1.0 as raw bits.
const FixedScale = 1 << FracBits

// Fixed constants.
const (
	FixedZero Fixed = 0
	FixedOne  Fixed = FixedScale
	FixedHalf Fixed = FixedScale / 2
)

// FixedFromBits reinterprets raw bits as a Fixed. Values outside the
// signed 32-bit range reduce modulo 2^32 (two's complement wraparound).
func FixedFromBits(bits int64) Fixed {
	return Fixed(int32(bits))
}

// FixedFromFloat converts a float to Q16.16, rounding to the nearest
// representable value.
func FixedFromFloat(f float64) Fixed {
	return FixedFromBits(int64(math.Round(f * FixedScale)))
}

// FixedFromInt converts an integer to Q16.16.
func FixedFromInt(n int) Fixed {
	return FixedFromBits(int64(n) << FracBits)
}

// Bits returns the raw two's complement bits.
func (x Fixed) Bits() int32 {
	return int32(x)
}

// Float returns the exact float64 view of x. Every Q16.16 value is
// exactly representable in float64, so this conversion is lossless.
func (x Fixed) Float() float64 {
	return float64(x) / FixedScale
}

// Add returns x + y with wraparound.
func (x Fixed) Add(y Fixed) Fixed {
	return x + y
}

// Sub returns x - y with wraparound.
func (x Fixed) Sub(y Fixed) Fixed {
	return x - y
}

// Mul returns x * y: the full 64-bit product shifted right by 16,
// truncating toward negative infinity.
func (x Fixed) Mul(y Fixed) Fixed {
	return FixedFromBits((int64(x) * int64(y)) >> FracBits)
}

// Div returns x / y, shifting the dividend left by 16 before integer
// division. Division by zero is a recoverable error, never a panic:
// a misbehaving neighbor field must not halt the module.
func (x Fixed) Div(y Fixed) (Fixed, error) {
	if y == 0 {
		return 0, errDivideByZero()
	}
	return FixedFromBits((int64(x) << FracBits) / int64(y)), nil
}

// Neg returns -x.
func (x Fixed) Neg() Fixed {
	return -x
}

// Abs returns the magnitude of x.
func (x Fixed) Abs() Fixed {
	if x < 0 {
		return -x
	}
	return x
}

// Clamp limits x to [lo, hi].
func (x Fixed) Clamp(lo, hi Fixed) Fixed {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// String implements fmt.Stringer.
func (x Fixed) String() string {
	return fmt.Sprintf("%.6f", x.Float())
}
