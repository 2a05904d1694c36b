package replay

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// FramePayloadSize is the encoded size of a Frame.
const FramePayloadSize = physics.StateWidth*8 + 4 + 4 + 1

const (
	flagOverride byte = 1 << iota
	flagCollided
)

// Frame is one recorded environment step.
type Frame struct {
	State    physics.JointState
	Nominal  uint32
	Applied  uint32
	Override bool
	Collided bool
}

// MarshalBinary encodes the frame as little-endian state values, both joint
// action indices and a flag byte.
func (f Frame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FramePayloadSize)
	row := f.State.Flatten()
	for i, v := range row {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	off := physics.StateWidth * 8
	binary.LittleEndian.PutUint32(buf[off:], f.Nominal)
	binary.LittleEndian.PutUint32(buf[off+4:], f.Applied)
	var flags byte
	if f.Override {
		flags |= flagOverride
	}
	if f.Collided {
		flags |= flagCollided
	}
	buf[off+8] = flags
	return buf, nil
}

// UnmarshalBinary decodes a payload produced by MarshalBinary.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) != FramePayloadSize {
		return fmt.Errorf("frame payload has %d bytes, want %d", len(data), FramePayloadSize)
	}
	row := make([]float64, physics.StateWidth)
	for i := range row {
		row[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	state, err := physics.JointStateFromRow(row)
	if err != nil {
		return err
	}
	off := physics.StateWidth * 8
	f.State = state
	f.Nominal = binary.LittleEndian.Uint32(data[off:])
	f.Applied = binary.LittleEndian.Uint32(data[off+4:])
	f.Override = data[off+8]&flagOverride != 0
	f.Collided = data[off+8]&flagCollided != 0
	return nil
}
