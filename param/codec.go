package param

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mealab/datasource/electrode"
)

// kinds maps each recognized parameter name to the type of its value,
// which selects the wire encoding.  Names not in this table encode to an
// empty byte string and decode to an empty Value.
var kinds = map[string]Kind{
	"trigger":            String,
	"connect-time":       String,
	"start-time":         String,
	"source-type":        String,
	"device-type":        String,
	"state":              String,
	"location":           String,
	"configuration-file": String,

	"nchannels":          Uint,
	"plug":               Uint,
	"chip-id":            Uint,
	"read-interval":      Uint,
	"analog-output-size": Uint,

	"has-analog-output": Bool,

	"gain":        Float,
	"adc-range":   Float,
	"sample-rate": Float,

	"analog-output": Vector,

	"configuration": Config,
}

// ErrShortBuffer is generated when a buffer is too small to decode the
// named parameter's value.
type ErrShortBuffer struct {
	Name string
}

func (e ErrShortBuffer) Error() string {
	return fmt.Sprintf("buffer too short to decode parameter %q", e.Name)
}

// ErrWrongKind is generated when a value's kind does not match the type
// registered for a parameter name.
type ErrWrongKind struct {
	Name string
	Kind Kind
}

func (e ErrWrongKind) Error() string {
	return fmt.Sprintf("value of kind %d cannot encode parameter %q", e.Kind, e.Name)
}

// KindOf returns the value type registered for the given parameter name,
// or None if the name is unknown.
func KindOf(name string) Kind {
	return kinds[name]
}

// Serialize encodes the value of the named parameter into its canonical
// wire form.  Unknown names yield an empty byte string.
func Serialize(name string, v Value) ([]byte, error) {
	kind, ok := kinds[name]
	if !ok {
		return []byte{}, nil
	}
	if v.Kind != kind {
		return nil, ErrWrongKind{Name: name, Kind: v.Kind}
	}
	switch kind {
	case String:
		return []byte(v.Str), nil
	case Uint:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v.Uint)
		return buf, nil
	case Bool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case Float:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v.Float))
		return buf, nil
	case Vector:
		buf := make([]byte, 4+8*len(v.Vector))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v.Vector)))
		for i, f := range v.Vector {
			binary.LittleEndian.PutUint64(buf[4+8*i:], math.Float64bits(f))
		}
		return buf, nil
	case Config:
		return v.Config.Encode(), nil
	}
	return []byte{}, nil
}

// Deserialize decodes the wire form of the named parameter.  Unknown
// names yield an empty Value.
func Deserialize(name string, buf []byte) (Value, error) {
	kind, ok := kinds[name]
	if !ok {
		return Value{}, nil
	}
	switch kind {
	case String:
		return StringValue(string(buf)), nil
	case Uint:
		if len(buf) < 4 {
			return Value{}, ErrShortBuffer{Name: name}
		}
		return UintValue(binary.LittleEndian.Uint32(buf)), nil
	case Bool:
		if len(buf) < 1 {
			return Value{}, ErrShortBuffer{Name: name}
		}
		return BoolValue(buf[0] != 0), nil
	case Float:
		if len(buf) < 4 {
			return Value{}, ErrShortBuffer{Name: name}
		}
		return FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(buf))), nil
	case Vector:
		if len(buf) < 4 {
			return Value{}, ErrShortBuffer{Name: name}
		}
		n := binary.LittleEndian.Uint32(buf[0:4])
		if uint64(len(buf)) < 4+uint64(n)*8 {
			return Value{}, ErrShortBuffer{Name: name}
		}
		vec := make([]float64, n)
		for i := range vec {
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[4+8*i:]))
		}
		return VectorValue(vec), nil
	case Config:
		cfg, err := electrode.DecodeConfiguration(buf)
		if err != nil {
			return Value{}, ErrShortBuffer{Name: name}
		}
		return ConfigValue(cfg), nil
	}
	return Value{}, nil
}
