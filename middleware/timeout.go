package middleware

import (
	"context"
	"errors"
	"time"
)

// ErrDispatchTimeout is the fault surfaced when a handler outlives the
// configured budget. Ordinary calls carry no built-in timeout; this
// middleware is the opt-in budget for hosts that want one on the dispatch
// side.
var ErrDispatchTimeout = errors.New("middleware: dispatch timed out")

type dispatchResult struct {
	out []byte
	err error
}

// Timeout bounds each dispatch. The handler goroutine keeps running after
// the deadline — there is no way to kill it — but the caller gets its fault
// promptly instead of hanging until the heartbeat monitor gives up.
func Timeout(timeout time.Duration) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan dispatchResult, 1)
			go func() {
				out, err := next(ctx, grainID, method, payload)
				done <- dispatchResult{out: out, err: err}
			}()

			select {
			case res := <-done:
				return res.out, res.err
			case <-ctx.Done():
				return nil, ErrDispatchTimeout
			}
		}
	}
}
