package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsUniqueMonotonicIDs(t *testing.T) {
	table := NewTable()
	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 100; i++ {
		c := table.Register()
		require.False(t, seen[c.RpcID()], "duplicate rpcId %d", c.RpcID())
		require.Greater(t, c.RpcID(), last)
		seen[c.RpcID()] = true
		last = c.RpcID()
	}
	require.Equal(t, 100, table.Len())
}

func TestResolveWakesOnlyOwnWaiter(t *testing.T) {
	table := NewTable()
	a := table.Register()
	b := table.Register()

	require.True(t, table.Resolve(b.RpcID(), Outcome{Payload: []byte("b")}))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("b never resolved")
	}
	require.Equal(t, []byte("b"), b.Outcome().Payload)

	select {
	case <-a.Done():
		t.Fatal("a resolved without a result")
	default:
	}

	require.True(t, table.Resolve(a.RpcID(), Outcome{Payload: []byte("a")}))
	out, err := a.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("a"), out.Payload)
}

func TestDuplicateResolveIsNoOp(t *testing.T) {
	table := NewTable()
	c := table.Register()

	require.True(t, table.Resolve(c.RpcID(), Outcome{Payload: []byte("first")}))
	require.False(t, table.Resolve(c.RpcID(), Outcome{Payload: []byte("late")}))
	require.Equal(t, []byte("first"), c.Outcome().Payload)
}

func TestResolveUnknownIDIsNoOp(t *testing.T) {
	table := NewTable()
	require.False(t, table.Resolve(999, Outcome{}))
}

func TestFailAllDrainsEveryPendingCall(t *testing.T) {
	table := NewTable()
	lost := errors.New("connection lost")

	var calls []*Call
	for i := 0; i < 10; i++ {
		calls = append(calls, table.Register())
	}

	table.FailAll(lost)

	for _, c := range calls {
		out, err := c.Wait(context.Background())
		require.NoError(t, err)
		require.ErrorIs(t, out.Err, lost)
	}
	require.Equal(t, 0, table.Len())
}

func TestRegisterAfterFailAllResolvesImmediately(t *testing.T) {
	table := NewTable()
	lost := errors.New("connection lost")
	table.FailAll(lost)

	c := table.Register()
	select {
	case <-c.Done():
	default:
		t.Fatal("registration on a drained table must resolve immediately")
	}
	require.ErrorIs(t, c.Outcome().Err, lost)
}

func TestFailAllIsIdempotent(t *testing.T) {
	table := NewTable()
	first := errors.New("first")
	c := table.Register()

	table.FailAll(first)
	table.FailAll(errors.New("second"))

	require.ErrorIs(t, c.Outcome().Err, first)
}

func TestResolveLosesAgainstDrain(t *testing.T) {
	table := NewTable()
	lost := errors.New("connection lost")
	c := table.Register()

	table.FailAll(lost)
	// A result that raced in after the drain must not overwrite the
	// connection-lost outcome.
	require.False(t, table.Resolve(c.RpcID(), Outcome{Payload: []byte("late")}))
	require.ErrorIs(t, c.Outcome().Err, lost)
}

func TestWaitHonorsContext(t *testing.T) {
	table := NewTable()
	c := table.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The call is still registered and resolvable after the waiter gave up.
	require.True(t, table.Resolve(c.RpcID(), Outcome{Payload: []byte("slow")}))
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	table := NewTable()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := table.Register()
			go table.Resolve(c.RpcID(), Outcome{Payload: []byte{byte(c.RpcID())}})
			out, err := c.Wait(context.Background())
			if err != nil || len(out.Payload) != 1 || out.Payload[0] != byte(c.RpcID()) {
				t.Errorf("rpcId %d: wrong outcome %v %v", c.RpcID(), out, err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, table.Len())
}
