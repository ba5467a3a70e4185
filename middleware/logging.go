package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging records every dispatched call with its grain target, duration,
// and outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error) {
			start := time.Now()
			out, err := next(ctx, grainID, method, payload)
			fields := []zap.Field{
				zap.Uint64("grainId", grainID),
				zap.String("method", method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("dispatch failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("dispatch ok", fields...)
			}
			return out, err
		}
	}
}
