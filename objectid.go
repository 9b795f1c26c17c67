package tuplebox

import (
	"encoding/binary"
	"fmt"

	"github.com/arborly/tuplebox/errs"
)

// ObjectID is the little-endian encoded 64-bit integer domain/codomain type
// used throughout spec.md §8's concrete scenarios (S1-S6). Most relations in
// a LambdaMOO-style world key off object numbers, so this is the common case
// alongside the generic Bytes type.
type ObjectID int64

func (o ObjectID) SizeBytes() int { return 8 }

func (o ObjectID) WithByteBuffer(fn func([]byte)) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(o))
	fn(buf[:])
}

func (o ObjectID) AsBytes() ByteBuffer {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(o))
	return ByteBuffer(buf)
}

// ObjectIDFromBytes decodes an ObjectID, satisfying Decoder[ObjectID]. A
// bad-length buffer is an ordinary decoding error (spec.md §7), not grounds
// to mark the whole Database fatal — it's plausibly just untrusted input
// from an embedding caller.
func ObjectIDFromBytes(b ByteBuffer) (ObjectID, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("ObjectID: expected 8 bytes, got %d: %w", len(b), errs.ErrDecoding)
	}
	return ObjectID(binary.LittleEndian.Uint64(b)), nil
}
