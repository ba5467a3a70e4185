package codec

import (
	"errors"
	"testing"
	"time"

	"grainrpc/protocol"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	when := time.Date(2024, 5, 17, 9, 30, 0, 123456789, time.UTC)

	w := NewWriter()
	w.WriteUint64(18446744073709551615)
	w.WriteInt64(-42)
	w.WriteFloat64(3.25)
	w.WriteBool(true)
	w.WriteString("héllo")
	w.WriteBytes([]byte{0, 1, 2})
	w.WriteTime(when)

	payload, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	r := NewReader(payload)
	if v, _ := r.ReadUint64(); v != 18446744073709551615 {
		t.Errorf("uint64 mismatch: %d", v)
	}
	if v, _ := r.ReadInt64(); v != -42 {
		t.Errorf("int64 mismatch: %d", v)
	}
	if v, _ := r.ReadFloat64(); v != 3.25 {
		t.Errorf("float64 mismatch: %v", v)
	}
	if v, _ := r.ReadBool(); !v {
		t.Error("bool mismatch")
	}
	if v, _ := r.ReadString(); v != "héllo" {
		t.Errorf("string mismatch: %q", v)
	}
	if v, _ := r.ReadBytes(); len(v) != 3 || v[2] != 2 {
		t.Errorf("bytes mismatch: %v", v)
	}
	if v, err := r.ReadTime(); err != nil || !v.Equal(when) {
		t.Errorf("time mismatch: %v (%v)", v, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("expected fully consumed payload, %d bytes left", r.Remaining())
	}
}

func TestReaderTruncationIsFramingError(t *testing.T) {
	w := NewWriter()
	w.WriteString("truncate me")
	payload, _ := w.Bytes()

	for cut := 0; cut < len(payload); cut++ {
		r := NewReader(payload[:cut])
		_, err := r.ReadString()
		var fe *protocol.FramingError
		if !errors.As(err, &fe) {
			t.Fatalf("cut=%d: got %v, want *protocol.FramingError", cut, err)
		}
	}
}

func TestWriterReleasedAfterBytes(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(1)
	if _, err := w.Bytes(); err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	// The span is finalized; late writes must surface as an error rather
	// than silently extending an already-framed message.
	w.WriteUint32(2)
	if _, err := w.Bytes(); err == nil {
		t.Error("expected error for write after Bytes")
	}
}

type pingArgs struct {
	Seq  uint64
	Note string
}

func (p *pingArgs) MarshalPayload(w *Writer) error {
	w.WriteUint64(p.Seq)
	w.WriteString(p.Note)
	return nil
}

func (p *pingArgs) UnmarshalPayload(r *Reader) error {
	var err error
	if p.Seq, err = r.ReadUint64(); err != nil {
		return err
	}
	if p.Note, err = r.ReadString(); err != nil {
		return err
	}
	return nil
}

func TestBinaryCodec(t *testing.T) {
	in := &pingArgs{Seq: 99, Note: "binary"}
	data, err := (&BinaryCodec{}).Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out := &pingArgs{}
	if err := (&BinaryCodec{}).Decode(data, out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Seq != in.Seq || out.Note != in.Note {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestBinaryCodecRejectsNonMarshaler(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode(struct{}{}); err == nil {
		t.Error("expected error for non-Marshaler value")
	}
}

func TestJSONCodec(t *testing.T) {
	type args struct {
		A int
		B string
	}
	data, err := (&JSONCodec{}).Encode(&args{A: 1, B: "x"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var out args
	if err := (&JSONCodec{}).Decode(data, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.A != 1 || out.B != "x" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestMapResolver(t *testing.T) {
	res := NewMapResolver()
	if err := res.RegisterError("OutOfStock", func() error { return errors.New("out of stock") }); err != nil {
		t.Fatalf("RegisterError failed: %v", err)
	}
	if err := res.RegisterError("OutOfStock", func() error { return nil }); err == nil {
		t.Error("expected duplicate registration error")
	}
	factory, ok := res.Resolve("OutOfStock")
	if !ok {
		t.Fatal("Resolve failed")
	}
	if factory().Error() != "out of stock" {
		t.Error("factory produced wrong error")
	}
	if _, ok := res.Resolve("Nope"); ok {
		t.Error("unexpected resolution")
	}
}

func TestMapResolverZeroValue(t *testing.T) {
	var res MapResolver
	if err := res.RegisterError("Gone", func() error { return errors.New("gone") }); err != nil {
		t.Fatalf("RegisterError on zero value failed: %v", err)
	}
	if _, ok := res.Resolve("Gone"); !ok {
		t.Error("Resolve failed on zero value")
	}
}
