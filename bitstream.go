package ptf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// errDecode is used for internal panics during the hot decoding path.
type errDecode struct{ error }

// Coefficient magnitude limits. Within them float32 arithmetic in the
// pipeline stays finite.
const (
	maxIntCoeff   = 1 << 24
	maxFloatCoeff = 1 << 20
)

// coeffReader reads coefficients from a decompressed tile body.
// Malformed input panics with errDecode; tileDecoder.write recovers it.
type coeffReader struct {
	data  []byte
	pos   int
	float bool // Coefficients are float32 instead of zigzag varints.
}

func (r *coeffReader) fail(format string, args ...interface{}) {
	panic(errDecode{fmt.Errorf(format+": %w", append(args, ErrCorrupt)...)})
}

// varint reads a zigzag encoded signed varint.
func (r *coeffReader) varint() int32 {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.fail("bad varint at body offset %d", r.pos)
	}

	if v > math.MaxUint32 {
		r.fail("varint overflow at body offset %d", r.pos)
	}

	r.pos += n
	u := uint32(v)

	return int32(u>>1) ^ -int32(u&1)
}

// readFloat reads a little-endian IEEE float.
func (r *coeffReader) readFloat() float32 {
	if len(r.data)-r.pos < 4 {
		r.fail("short float at body offset %d", r.pos)
	}

	f := math.Float32frombits(binary.LittleEndian.Uint32(r.data[r.pos:]))
	if f != f || f > maxFloatCoeff || f < -maxFloatCoeff {
		r.fail("float coefficient %v at body offset %d", f, r.pos)
	}

	r.pos += 4

	return f
}

// lowpass reads an LL coefficient predicted from the previous one in the block row.
func (r *coeffReader) lowpass(prev float32) float32 {
	if r.float {
		return r.readFloat()
	}

	v := int64(prev) + int64(r.varint())
	if v > maxIntCoeff || v < -maxIntCoeff {
		r.fail("coefficient %d out of range", v)
	}

	return float32(v)
}

// detail reads an HL, LH or HH coefficient.
func (r *coeffReader) detail() float32 {
	if r.float {
		return r.readFloat()
	}

	v := r.varint()
	if v > maxIntCoeff || v < -maxIntCoeff {
		r.fail("coefficient %d out of range", v)
	}

	return float32(v)
}

// ready reports whether the unread bytes hold a whole coefficient, or enough
// of a malformed one to reject it.
func (r *coeffReader) ready() bool {
	rest := r.data[r.pos:]
	if r.float {
		return len(rest) >= 4
	}

	if len(rest) >= binary.MaxVarintLen64 {
		return true
	}

	for _, b := range rest {
		if b < 0x80 {
			return true
		}
	}

	return false
}

// remaining returns the number of unread body bytes.
func (r *coeffReader) remaining() int {
	return len(r.data) - r.pos
}
