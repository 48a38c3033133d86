/*Package electrode describes the electrode layout of a HiDens MEA chip.

An Electrode is the location and wiring label of a single site on the chip.
A Configuration is the ordered list of electrodes routed through to data
channels for a recording.  Both carry a fixed little-endian wire encoding,
used when shipping configurations to remote clients.
*/
package electrode

import (
	"encoding/binary"
	"fmt"
)

// EncodedSize is the number of bytes in the wire encoding of one Electrode.
const EncodedSize = 17

// ErrShortBuffer is generated when a buffer is too small to hold an
// electrode or configuration record.
var ErrShortBuffer = fmt.Errorf("buffer too short for electrode record")

// Electrode is a single HiDens chip electrode.  Two electrodes are
// considered the same if they have the same index, regardless of position.
type Electrode struct {
	// Index is the index number of the electrode on the HiDens chip.
	Index uint32

	// Xpos is the x-position on the chip, in microns.
	Xpos uint32

	// X is the x-index on the chip.
	X uint16

	// Ypos is the y-position on the chip, in microns.
	Ypos uint32

	// Y is the y-index on the chip.
	Y uint16

	// Label is a character label used by the internal wiring of the
	// HiDens system.
	Label uint8
}

// Equal returns true if the two electrodes refer to the same site.
// Only the index participates in the comparison.
func (e Electrode) Equal(other Electrode) bool {
	return e.Index == other.Index
}

// Encode writes the wire representation of the electrode into buf,
// which must be at least EncodedSize bytes.
func (e Electrode) Encode(buf []byte) error {
	if len(buf) < EncodedSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], e.Index)
	binary.LittleEndian.PutUint32(buf[4:8], e.Xpos)
	binary.LittleEndian.PutUint16(buf[8:10], e.X)
	binary.LittleEndian.PutUint32(buf[10:14], e.Ypos)
	binary.LittleEndian.PutUint16(buf[14:16], e.Y)
	buf[16] = e.Label
	return nil
}

// Decode reads the wire representation of an electrode from buf.
func (e *Electrode) Decode(buf []byte) error {
	if len(buf) < EncodedSize {
		return ErrShortBuffer
	}
	e.Index = binary.LittleEndian.Uint32(buf[0:4])
	e.Xpos = binary.LittleEndian.Uint32(buf[4:8])
	e.X = binary.LittleEndian.Uint16(buf[8:10])
	e.Ypos = binary.LittleEndian.Uint32(buf[10:14])
	e.Y = binary.LittleEndian.Uint16(buf[14:16])
	e.Label = buf[16]
	return nil
}

// Configuration is an ordered list of electrodes wired through to data
// channels for a given recording.
type Configuration []Electrode

// Encode returns the wire representation of the configuration: a
// little-endian uint32 count followed by each electrode record in order.
func (c Configuration) Encode() []byte {
	buf := make([]byte, 4+EncodedSize*len(c))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(c)))
	for i, el := range c {
		el.Encode(buf[4+i*EncodedSize:])
	}
	return buf
}

// DecodeConfiguration parses a wire-encoded configuration.
func DecodeConfiguration(buf []byte) (Configuration, error) {
	if len(buf) < 4 {
		return nil, ErrShortBuffer
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 4+uint64(n)*EncodedSize {
		return nil, ErrShortBuffer
	}
	c := make(Configuration, n)
	for i := range c {
		if err := c[i].Decode(buf[4+i*EncodedSize:]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Equal returns true if the two configurations list the same electrodes
// in the same order.
func (c Configuration) Equal(other Configuration) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if !c[i].Equal(other[i]) {
			return false
		}
	}
	return true
}
