package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"grainrpc/protocol"
)

// Marshaler is implemented by types that serialize themselves with the
// typed Writer/Reader, replacing generated serialization code with explicit
// adapters.
type Marshaler interface {
	MarshalPayload(w *Writer) error
	UnmarshalPayload(r *Reader) error
}

// BinaryCodec serializes values that implement Marshaler.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(Marshaler)
	if !ok {
		return nil, errors.New("BinaryCodec: value must implement codec.Marshaler")
	}
	w := NewWriter()
	if err := m.MarshalPayload(w); err != nil {
		return nil, err
	}
	return w.Bytes()
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	m, ok := v.(Marshaler)
	if !ok {
		return errors.New("BinaryCodec: value must implement codec.Marshaler")
	}
	return m.UnmarshalPayload(NewReader(data))
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// Writer appends self-describing primitive encodings to a payload span:
// fixed-width big-endian numerics, length-prefixed strings and blobs, in the
// exact order the method signature declares. There is no per-value framing —
// the reader must consume values in the same order and arity.
//
// A Writer is finalized by Bytes, which releases it; message boundaries are
// implicit in byte count, so a half-written span must never leak onto the
// stream.
type Writer struct {
	buf    []byte
	closed bool
	err    error
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) writable() bool {
	if w.closed {
		w.fail(errors.New("codec: write after Bytes"))
	}
	return w.err == nil
}

func (w *Writer) WriteUint8(v uint8) {
	if w.writable() {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) WriteUint32(v uint32) {
	if w.writable() {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) WriteUint64(v uint64) {
	if w.writable() {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// WriteTime encodes an absolute instant as UTC nanoseconds since the Unix
// epoch, fixed width like every other numeric.
func (w *Writer) WriteTime(t time.Time) {
	w.WriteInt64(t.UTC().UnixNano())
}

// WriteString length-prefixes with the same uint32 encoding as all other
// unsigned 32-bit fields.
func (w *Writer) WriteString(s string) {
	if !w.writable() {
		return
	}
	if len(s) > protocol.MaxPayload {
		w.fail(errors.New("codec: string exceeds payload limit"))
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteBytes(b []byte) {
	if !w.writable() {
		return
	}
	if len(b) > protocol.MaxPayload {
		w.fail(errors.New("codec: blob exceeds payload limit"))
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Bytes finalizes the span. The Writer is released: further writes fail.
func (w *Writer) Bytes() ([]byte, error) {
	w.closed = true
	return w.buf, w.err
}

// Reader decodes a payload span with exact-width reads. A span that ends
// mid-value fails with a *protocol.FramingError, never an index panic.
type Reader struct {
	buf []byte
	off int
}

func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) take(n int, field string) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, &protocol.FramingError{Reason: "truncated " + field}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1, "uint8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadTime() (time.Time, error) {
	ns, err := r.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	return string(b), err
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n), "blob")
	if err != nil {
		return nil, err
	}
	// Copy out: the reader's backing array belongs to the frame buffer.
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Remaining reports unconsumed bytes, useful for arity checks after the
// declared signature has been read.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}
