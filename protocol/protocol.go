// Package protocol implements the binary frame layer of the grainrpc wire
// format.
//
// Message boundaries are implicit in byte count: there are no delimiters, so
// a writer must emit one complete frame before the next begins, and the
// reader consumes the discriminator first, then the fixed fields, then
// exactly the declared payload length.
//
// Frame layouts (all integers big-endian, unsigned):
//
//	Call      [0x01][grainId u64][methodLen u32][method utf-8][rpcId u64][payloadLen u32][payload]
//	Result    [0x02][rpcId u64][flag u8][payloadLen u32][payload]   flag: 0=value 1=fault
//	Heartbeat [0x03][rpcId u64][ack u8]
//	Goodbye   [0x04]
//
// A fault Result's payload is [typeLen u32][typeName][msgLen u32][msg].
//
// io.ReadFull guarantees exact-width reads; a stream that ends mid-frame
// surfaces as a *FramingError rather than an index error that could be
// mistaken for a data problem. A clean EOF before the discriminator byte is
// a normal connection close and is reported as io.EOF.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"grainrpc/message"
)

const (
	// MaxPayload bounds the declared payload length of a single frame.
	// A length beyond this is treated as a framing error: it is far more
	// likely to be a corrupt or foreign stream than a legitimate message.
	MaxPayload = 64 << 20

	// MaxMethodLen bounds the method name field.
	MaxMethodLen = 1 << 10

	resultFlagValue byte = 0
	resultFlagFault byte = 1
)

// FramingError reports a malformed or truncated frame. It is non-recoverable
// for the endpoint that observed it: the stream position is lost.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

func framingf(err error, format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// EncodeCall writes one complete Call frame to w.
// The caller must serialize access to w: concurrent writers would interleave
// frames byte-for-byte and corrupt the stream.
func EncodeCall(w io.Writer, c *message.Call) error {
	if len(c.Method) > MaxMethodLen {
		return framingf(nil, "method name %d bytes exceeds limit %d", len(c.Method), MaxMethodLen)
	}
	if len(c.Payload) > MaxPayload {
		return framingf(nil, "payload %d bytes exceeds limit %d", len(c.Payload), MaxPayload)
	}
	buf := make([]byte, 0, 1+8+4+len(c.Method)+8+4+len(c.Payload))
	buf = append(buf, byte(message.TypeCall))
	buf = binary.BigEndian.AppendUint64(buf, c.GrainID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Method)))
	buf = append(buf, c.Method...)
	buf = binary.BigEndian.AppendUint64(buf, c.RpcID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Payload)))
	buf = append(buf, c.Payload...)
	_, err := w.Write(buf)
	return err
}

// EncodeResult writes one complete Result frame to w. A non-nil Fault wins
// over the payload, matching the at-most-one-outcome rule.
func EncodeResult(w io.Writer, r *message.Result) error {
	var flag byte
	var payload []byte
	if r.Fault != nil {
		flag = resultFlagFault
		payload = appendFault(nil, r.Fault)
	} else {
		flag = resultFlagValue
		payload = r.Payload
	}
	if len(payload) > MaxPayload {
		return framingf(nil, "payload %d bytes exceeds limit %d", len(payload), MaxPayload)
	}
	buf := make([]byte, 0, 1+8+1+4+len(payload))
	buf = append(buf, byte(message.TypeResult))
	buf = binary.BigEndian.AppendUint64(buf, r.RpcID)
	buf = append(buf, flag)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// EncodeHeartbeat writes one Heartbeat frame to w.
func EncodeHeartbeat(w io.Writer, hb *message.Heartbeat) error {
	buf := make([]byte, 0, 1+8+1)
	buf = append(buf, byte(message.TypeHeartbeat))
	buf = binary.BigEndian.AppendUint64(buf, hb.RpcID)
	if hb.Ack {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}

// EncodeGoodbye writes one Goodbye frame to w.
func EncodeGoodbye(w io.Writer) error {
	_, err := w.Write([]byte{byte(message.TypeGoodbye)})
	return err
}

// Decode reads exactly one frame from r and returns the decoded message:
// *message.Call, *message.Result, *message.Heartbeat, or *message.Goodbye.
//
// io.EOF is returned only when the stream ends cleanly before a frame
// starts; any truncation after the discriminator is a *FramingError.
func Decode(r io.Reader) (any, error) {
	var disc [1]byte
	if _, err := io.ReadFull(r, disc[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, framingf(err, "reading discriminator")
	}

	switch message.Type(disc[0]) {
	case message.TypeCall:
		return decodeCall(r)
	case message.TypeResult:
		return decodeResult(r)
	case message.TypeHeartbeat:
		return decodeHeartbeat(r)
	case message.TypeGoodbye:
		return &message.Goodbye{}, nil
	default:
		return nil, framingf(nil, "unknown discriminator 0x%02x", disc[0])
	}
}

func decodeCall(r io.Reader) (*message.Call, error) {
	grainID, err := readUint64(r, "grainId")
	if err != nil {
		return nil, err
	}
	method, err := readLengthPrefixed(r, MaxMethodLen, "method name")
	if err != nil {
		return nil, err
	}
	rpcID, err := readUint64(r, "rpcId")
	if err != nil {
		return nil, err
	}
	payload, err := readLengthPrefixed(r, MaxPayload, "call payload")
	if err != nil {
		return nil, err
	}
	return &message.Call{
		GrainID: grainID,
		Method:  string(method),
		RpcID:   rpcID,
		Payload: payload,
	}, nil
}

func decodeResult(r io.Reader) (*message.Result, error) {
	rpcID, err := readUint64(r, "rpcId")
	if err != nil {
		return nil, err
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, framingf(err, "reading result flag")
	}
	payload, err := readLengthPrefixed(r, MaxPayload, "result payload")
	if err != nil {
		return nil, err
	}
	res := &message.Result{RpcID: rpcID}
	switch flag[0] {
	case resultFlagValue:
		res.Payload = payload
	case resultFlagFault:
		fault, err := decodeFault(payload)
		if err != nil {
			return nil, err
		}
		res.Fault = fault
	default:
		return nil, framingf(nil, "unknown result flag 0x%02x", flag[0])
	}
	return res, nil
}

func decodeHeartbeat(r io.Reader) (*message.Heartbeat, error) {
	rpcID, err := readUint64(r, "rpcId")
	if err != nil {
		return nil, err
	}
	var ack [1]byte
	if _, err := io.ReadFull(r, ack[:]); err != nil {
		return nil, framingf(err, "reading heartbeat ack flag")
	}
	return &message.Heartbeat{RpcID: rpcID, Ack: ack[0] != 0}, nil
}

func appendFault(buf []byte, f *message.Fault) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.TypeName)))
	buf = append(buf, f.TypeName...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Message)))
	buf = append(buf, f.Message...)
	return buf
}

func decodeFault(payload []byte) (*message.Fault, error) {
	if len(payload) < 4 {
		return nil, framingf(nil, "truncated fault: %d bytes", len(payload))
	}
	typeLen := binary.BigEndian.Uint32(payload)
	rest := payload[4:]
	if uint64(len(rest)) < uint64(typeLen)+4 {
		return nil, framingf(nil, "truncated fault type name")
	}
	typeName := string(rest[:typeLen])
	rest = rest[typeLen:]
	msgLen := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) < msgLen {
		return nil, framingf(nil, "truncated fault message")
	}
	return &message.Fault{TypeName: typeName, Message: string(rest[:msgLen])}, nil
}

func readUint64(r io.Reader, field string) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, framingf(err, "reading %s", field)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readLengthPrefixed(r io.Reader, limit uint32, field string) ([]byte, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, framingf(err, "reading %s length", field)
	}
	n := binary.BigEndian.Uint32(b[:])
	if n > limit {
		return nil, framingf(nil, "%s length %d exceeds limit %d", field, n, limit)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, framingf(err, "reading %s body", field)
	}
	return buf, nil
}
