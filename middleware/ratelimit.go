package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited is surfaced to callers whose dispatch exceeded the token
// bucket.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit applies a token-bucket limiter (r tokens/second, burst capacity)
// to inbound dispatches.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, grainID, method, payload)
		}
	}
}
