package endpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Handshake wire exchange, run once per connection before any frame:
//
//	initiator → [magic "GRW" + version][tokenLen u32][token]
//	acceptor  → [magic "GRW" + version][status u8]      status: 0=ok 1=reject
//
// The magic/version check rejects foreign streams up front, the same job the
// per-frame magic did in earlier revisions of the protocol; moving it here
// keeps frames lean. The token is judged by the authenticator capability.

var handshakeMagic = []byte{'G', 'R', 'W', 0x01}

const (
	handshakeAccept byte = 0
	handshakeReject byte = 1

	maxTokenLen      = 4096
	handshakeTimeout = 10 * time.Second
)

func (ep *Endpoint) handshake(ctx context.Context, conn net.Conn, initiator bool) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("endpoint: handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if initiator {
		return ep.handshakeInitiate(conn)
	}
	return ep.handshakeAccept(conn)
}

func (ep *Endpoint) handshakeInitiate(conn net.Conn) error {
	token := ep.auth.Token()
	buf := make([]byte, 0, len(handshakeMagic)+4+len(token))
	buf = append(buf, handshakeMagic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(token)))
	buf = append(buf, token...)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("endpoint: handshake send: %w", err)
	}

	var reply [5]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("endpoint: handshake reply: %w", err)
	}
	if !bytes.Equal(reply[:4], handshakeMagic) {
		return fmt.Errorf("%w: peer is not speaking this protocol", ErrHandshakeRejected)
	}
	if reply[4] != handshakeAccept {
		return fmt.Errorf("%w: peer refused the connection", ErrHandshakeRejected)
	}
	return nil
}

func (ep *Endpoint) handshakeAccept(conn net.Conn) error {
	var head [8]byte // magic + tokenLen
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return fmt.Errorf("endpoint: handshake read: %w", err)
	}
	if !bytes.Equal(head[:4], handshakeMagic) {
		return fmt.Errorf("%w: peer is not speaking this protocol", ErrHandshakeRejected)
	}
	tokenLen := binary.BigEndian.Uint32(head[4:])
	if tokenLen > maxTokenLen {
		return fmt.Errorf("%w: token length %d exceeds limit", ErrHandshakeRejected, tokenLen)
	}
	token := make([]byte, tokenLen)
	if _, err := io.ReadFull(conn, token); err != nil {
		return fmt.Errorf("endpoint: handshake token: %w", err)
	}

	status := handshakeAccept
	authErr := ep.auth.Authenticate(token)
	if authErr != nil {
		status = handshakeReject
	}
	reply := append(append([]byte{}, handshakeMagic...), status)
	if _, err := conn.Write(reply); err != nil {
		return fmt.Errorf("endpoint: handshake reply: %w", err)
	}
	if authErr != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, authErr)
	}
	return nil
}
