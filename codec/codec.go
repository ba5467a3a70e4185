// Package codec implements the serializer capability: it turns typed
// arguments and results into the payload byte spans carried inside protocol
// frames, and back.
//
// Two layers live here. Writer/Reader provide the self-describing primitive
// encoding the wire format specifies (fixed-width big-endian numerics,
// length-prefixed strings and blobs, written back-to-back in signature
// order). Codec provides whole-struct payload serialization for proxies and
// dispatch tables that move one args struct and one reply struct per call.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Codec serializes a whole argument or reply value into a payload span.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}
	return &JSONCodec{}
}
