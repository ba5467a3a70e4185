package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grainrpc/message"
)

// pipePair wires two endpoints over an in-memory duplex connection and runs
// the handshake from both sides.
func pipePair(t *testing.T, aOpts, bOpts []Option) (*Endpoint, *Endpoint) {
	t.Helper()
	connA, connB := net.Pipe()
	a := New(aOpts...)
	b := New(bOpts...)

	errCh := make(chan error, 2)
	go func() { errCh <- a.adopt(context.Background(), connA, true) }()
	go func() { errCh <- b.adopt(context.Background(), connB, false) }()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
	}
	t.Cleanup(func() {
		a.Disconnect(nil)
		b.Disconnect(nil)
	})
	return a, b
}

func echoDispatcher() Dispatcher {
	return DispatchFunc(func(_ context.Context, _ uint64, _ string, payload []byte) ([]byte, error) {
		return payload, nil
	})
}

func TestInvokeRoundTrip(t *testing.T) {
	a, _ := pipePair(t, nil, []Option{WithDispatcher(echoDispatcher())})

	got, err := a.Invoke(context.Background(), 1, "Echo.Echo", []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
	require.Equal(t, StateConnected, a.State())
}

func TestConcurrentCallsResolveByRpcID(t *testing.T) {
	// The dispatcher answers slow calls last; each waiter must still get
	// its own payload back even though results arrive out of issue order.
	dispatcher := DispatchFunc(func(_ context.Context, _ uint64, method string, payload []byte) ([]byte, error) {
		if method == "slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return payload, nil
	})
	a, _ := pipePair(t, nil, []Option{WithDispatcher(dispatcher)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := "fast"
			if i%2 == 0 {
				method = "slow"
			}
			want := []byte(fmt.Sprintf("payload-%d", i))
			got, err := a.Invoke(context.Background(), uint64(i), method, want)
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if string(got) != string(want) {
				t.Errorf("call %d: got %q, want %q", i, got, want)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, a.Pending())
}

func TestFaultPropagatesTyped(t *testing.T) {
	dispatcher := DispatchFunc(func(_ context.Context, _ uint64, _ string, _ []byte) ([]byte, error) {
		return nil, &message.Fault{TypeName: "StockError", Message: "out of stock"}
	})
	a, _ := pipePair(t, nil, []Option{WithDispatcher(dispatcher)})

	_, err := a.Invoke(context.Background(), 1, "Inventory.Reserve", nil)
	var fault *message.Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "StockError", fault.TypeName)
	require.Equal(t, "out of stock", fault.Message)
}

func TestDisconnectFailsAllPendingCalls(t *testing.T) {
	block := make(chan struct{})
	dispatcher := DispatchFunc(func(_ context.Context, _ uint64, _ string, _ []byte) ([]byte, error) {
		<-block
		return nil, nil
	})
	a, b := pipePair(t, nil, []Option{WithDispatcher(dispatcher)})
	defer close(block)

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := a.Invoke(context.Background(), 1, "hang", nil)
			errs <- err
		}()
	}
	// Let the calls get registered and sent before killing the peer.
	require.Eventually(t, func() bool { return a.Pending() == 5 },
		time.Second, 5*time.Millisecond)

	b.Disconnect(nil)

	for i := 0; i < 5; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("pending call did not resolve after disconnect")
		}
	}
	require.Equal(t, 0, a.Pending())

	<-a.Done()
	require.Equal(t, StateDisconnected, a.State())
	_, err := a.Go(1, "after", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	a, _ := pipePair(t, nil, nil)

	first := errors.New("first reason")
	a.Disconnect(first)
	a.Disconnect(errors.New("second reason"))

	require.ErrorIs(t, a.Err(), first)
	require.Equal(t, StateDisconnected, a.State())
}

func TestGoBeforeConnectIsNotConnected(t *testing.T) {
	ep := New()
	_, err := ep.Go(1, "m", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = ep.RoundTrip(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRoundTripHeartbeat(t *testing.T) {
	a, _ := pipePair(t, nil, nil)

	d, err := a.RoundTrip(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, d, time.Duration(0))
}

func TestRoundTripFailsOnDeadPeer(t *testing.T) {
	a, b := pipePair(t, nil, nil)
	b.Disconnect(nil)
	<-a.Done()

	_, err := a.RoundTrip(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRoundTripTimeoutDropsPendingEntry(t *testing.T) {
	// A peer that completes the handshake and then never reads another
	// byte: the transport is open but inert, so every probe times out.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var head [8]byte
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			return
		}
		conn.Write([]byte{'G', 'R', 'W', 0x01, 0})
		<-hold
	}()

	ep, err := Dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer ep.Close()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := ep.RoundTrip(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	// Abandoned probes must not linger until disconnect.
	require.Equal(t, 0, ep.Pending())
}

func TestGoodbyeDisconnectsPeer(t *testing.T) {
	a, b := pipePair(t, nil, nil)

	require.NoError(t, a.Close())

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("peer never observed goodbye")
	}
	require.Equal(t, StateDisconnected, b.State())
}

func TestHandshakeSharedSecret(t *testing.T) {
	connA, connB := net.Pipe()
	a := New(WithAuthenticator(SharedSecret{Secret: []byte("sesame")}))
	b := New(WithAuthenticator(SharedSecret{Secret: []byte("sesame")}))

	errCh := make(chan error, 2)
	go func() { errCh <- a.adopt(context.Background(), connA, true) }()
	go func() { errCh <- b.adopt(context.Background(), connB, false) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	a.Disconnect(nil)
	b.Disconnect(nil)
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	connA, connB := net.Pipe()
	a := New(WithAuthenticator(SharedSecret{Secret: []byte("wrong")}))
	b := New(WithAuthenticator(SharedSecret{Secret: []byte("sesame")}))

	initErr := make(chan error, 1)
	acceptErr := make(chan error, 1)
	go func() { initErr <- a.adopt(context.Background(), connA, true) }()
	go func() { acceptErr <- b.adopt(context.Background(), connB, false) }()

	require.ErrorIs(t, <-acceptErr, ErrHandshakeRejected)
	require.ErrorIs(t, <-initErr, ErrHandshakeRejected)
}

func TestReconnectRefused(t *testing.T) {
	a, _ := pipePair(t, nil, nil)
	connC, _ := net.Pipe()
	defer connC.Close()

	err := a.adopt(context.Background(), connC, true)
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestListenerAcceptAndDial(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil, WithDispatcher(echoDispatcher()))
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Endpoint, 1)
	go func() {
		ep, err := ln.Accept(context.Background())
		if err == nil {
			accepted <- ep
		}
	}()

	client, err := Dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	got, err := client.Invoke(context.Background(), 7, "Echo.Echo", []byte("over tcp"))
	require.NoError(t, err)
	require.Equal(t, []byte("over tcp"), got)

	require.NotNil(t, client.LocalAddr())
	require.Equal(t, client.RemoteAddr().String(), server.LocalAddr().String())
}
