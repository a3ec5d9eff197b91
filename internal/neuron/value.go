package neuron

import "math"

// Value is the closed set of numeric representations a neuron store can hold
// potentials in. Engines are instantiated per representation, so the burst
// hot path never branches on precision at runtime.
type Value[T any] interface {
	F32 | Q16
	// Float converts the value to float32.
	Float() float32
	// FromFloat converts f into the receiver's representation.
	FromFloat(f float32) T
}

// F32 is a full-precision potential.
type F32 float32

// Float returns v as float32.
func (v F32) Float() float32 { return float32(v) }

// FromFloat returns f as an F32.
func (F32) FromFloat(f float32) F32 { return F32(f) }

// Q16 is a signed 16.16 fixed-point potential.
type Q16 int32

const q16One = 1 << 16

// Float returns v as float32.
func (v Q16) Float() float32 { return float32(v) / q16One }

// FromFloat quantizes f, saturating at the representable range.
func (Q16) FromFloat(f float32) Q16 {
	x := math.Round(float64(f) * q16One)
	switch {
	case math.IsNaN(x):
		return 0
	case x >= math.MaxInt32:
		return math.MaxInt32
	case x <= math.MinInt32:
		return math.MinInt32
	}
	return Q16(x)
}

// From converts f into T.
func From[T Value[T]](f float32) T {
	var zero T
	return zero.FromFloat(f)
}

// Precision names a Value instantiation.
type Precision string

const (
	PrecisionF32 Precision = "f32"
	PrecisionQ16 Precision = "q16"
)

// ParsePrecision maps a config string to a Precision. Unknown values default to f32.
func ParsePrecision(s string) Precision {
	if Precision(s) == PrecisionQ16 {
		return PrecisionQ16
	}
	return PrecisionF32
}
