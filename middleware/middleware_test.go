package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grainrpc/message"
)

func okDispatch(tag string) DispatchFunc {
	return func(_ context.Context, _ uint64, _ string, _ []byte) ([]byte, error) {
		return []byte(tag), nil
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, g uint64, m string, p []byte) ([]byte, error) {
				order = append(order, name+"-before")
				out, err := next(ctx, g, m, p)
				order = append(order, name+"-after")
				return out, err
			}
		}
	}

	out, err := Chain(mk("A"), mk("B"))(okDispatch("core"))(context.Background(), 1, "m", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("core"), out)
	require.Equal(t, []string{"A-before", "B-before", "B-after", "A-after"}, order)
}

func TestTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ uint64, _ string, _ []byte) ([]byte, error) {
		select {
		case <-time.After(time.Second):
			return []byte("too late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, err := Timeout(10*time.Millisecond)(slow)(context.Background(), 1, "m", nil)
	require.ErrorIs(t, err, ErrDispatchTimeout)

	out, err := Timeout(time.Second)(okDispatch("fast"))(context.Background(), 1, "m", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("fast"), out)
}

func TestRateLimit(t *testing.T) {
	// 1 token/second with burst 2: two dispatches pass, the third is shed.
	limited := RateLimit(1, 2)(okDispatch("ok"))

	for i := 0; i < 2; i++ {
		_, err := limited(context.Background(), 1, "m", nil)
		require.NoError(t, err)
	}
	_, err := limited(context.Background(), 1, "m", nil)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRecoveryTurnsPanicIntoFault(t *testing.T) {
	boom := func(_ context.Context, _ uint64, _ string, _ []byte) ([]byte, error) {
		panic("kaboom")
	}

	_, err := Recovery(zap.NewNop())(boom)(context.Background(), 1, "Explode", nil)
	var fault *message.Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "DispatchPanic", fault.TypeName)
	require.Contains(t, fault.Message, "kaboom")
}

func TestRecoveryPassesThroughErrors(t *testing.T) {
	failErr := errors.New("ordinary failure")
	failing := func(_ context.Context, _ uint64, _ string, _ []byte) ([]byte, error) {
		return nil, failErr
	}
	_, err := Recovery(zap.NewNop())(failing)(context.Background(), 1, "m", nil)
	require.ErrorIs(t, err, failErr)
}
