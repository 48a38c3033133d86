/*Package param implements the typed parameter values exchanged with data
sources, and their canonical binary encoding.

Every parameter a source can report or accept is identified by name; the
name fixes the value's type and its wire encoding.  String parameters are
encoded as raw UTF-8 with no length prefix, because the outer transport
frames each value.  All multi-byte quantities are little-endian.
*/
package param

import (
	"math"

	"github.com/mealab/datasource/electrode"
)

// Kind enumerates the types a parameter value may take.
type Kind int

const (
	// None is the zero Kind, held by empty values.
	None Kind = iota

	// String is a UTF-8 string value.
	String

	// Uint is an unsigned 32-bit integer value.
	Uint

	// Bool is a boolean value.
	Bool

	// Float is a 32-bit floating point value.
	Float

	// Vector is a vector of 64-bit floating point values.
	Vector

	// Config is a HiDens electrode configuration.
	Config
)

// Value is a tagged union carrying one parameter value.  Only the field
// selected by Kind is meaningful.
type Value struct {
	Kind   Kind
	Str    string
	Uint   uint32
	Bool   bool
	Float  float32
	Vector []float64
	Config electrode.Configuration
}

// StringValue wraps a string in a Value.
func StringValue(s string) Value { return Value{Kind: String, Str: s} }

// UintValue wraps a uint32 in a Value.
func UintValue(u uint32) Value { return Value{Kind: Uint, Uint: u} }

// BoolValue wraps a bool in a Value.
func BoolValue(b bool) Value { return Value{Kind: Bool, Bool: b} }

// FloatValue wraps a float32 in a Value.
func FloatValue(f float32) Value { return Value{Kind: Float, Float: f} }

// VectorValue wraps a slice of float64 in a Value.
func VectorValue(v []float64) Value { return Value{Kind: Vector, Vector: v} }

// ConfigValue wraps an electrode configuration in a Value.
func ConfigValue(c electrode.Configuration) Value { return Value{Kind: Config, Config: c} }

// Equal compares two values for equality.  NaN floats compare equal to
// each other, so that unset sentinels round-trip.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case None:
		return true
	case String:
		return v.Str == other.Str
	case Uint:
		return v.Uint == other.Uint
	case Bool:
		return v.Bool == other.Bool
	case Float:
		if isNaN32(v.Float) && isNaN32(other.Float) {
			return true
		}
		return v.Float == other.Float
	case Vector:
		if len(v.Vector) != len(other.Vector) {
			return false
		}
		for i := range v.Vector {
			if v.Vector[i] != other.Vector[i] {
				return false
			}
		}
		return true
	case Config:
		return v.Config.Equal(other.Config)
	}
	return false
}

func isNaN32(f float32) bool {
	return math.IsNaN(float64(f))
}
