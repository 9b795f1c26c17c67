package tuplebox

// ByteBuffer is the wire form exchanged by the AsByteBuffer capability: a
// flat, owned byte slice. Kept as a named type (rather than a bare []byte)
// so that encoding boundaries are visible at call sites.
type ByteBuffer []byte

// AsByteBuffer is the capability domain and codomain types must implement
// (spec.md §6). Encoding must be deterministic: the same logical value
// always produces the same bytes, so that domain keys compare and sort
// consistently across process restarts.
type AsByteBuffer interface {
	// SizeBytes returns the exact encoded length, used by the allocator to
	// size slots without a double encode.
	SizeBytes() int

	// WithByteBuffer calls fn with a view of the encoded bytes without
	// necessarily allocating a fresh slice; fn must not retain the slice
	// past the call.
	WithByteBuffer(fn func([]byte))

	// AsBytes returns an owned encoding of the value.
	AsBytes() ByteBuffer
}

// Decoder is the FromBytes-style reconstruction function that accompanies a
// codomain/domain type's AsByteBuffer implementation. Kept as a function type
// rather than a method so zero-value construction doesn't require an
// existing receiver.
type Decoder[T any] func(ByteBuffer) (T, error)

// Bytes is the trivial AsByteBuffer implementation for opaque byte-string
// domains/codomains — most relations in practice just move raw bytes
// (encoded object ids, UUIDs, etc.) and don't need a richer type.
type Bytes []byte

func (b Bytes) SizeBytes() int { return len(b) }

func (b Bytes) WithByteBuffer(fn func([]byte)) { fn(b) }

func (b Bytes) AsBytes() ByteBuffer { return ByteBuffer(append([]byte(nil), b...)) }

// BytesFromBytes is the Decoder for Bytes.
func BytesFromBytes(b ByteBuffer) (Bytes, error) { return Bytes(append([]byte(nil), b...)), nil }
