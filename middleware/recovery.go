package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"grainrpc/message"
)

// Recovery converts a panicking handler into a typed fault. Without it a
// panic would kill the dispatch goroutine and the caller would only learn
// about the problem when the whole process fell over.
func Recovery(logger *zap.Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, grainID uint64, method string, payload []byte) (out []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("dispatch panicked",
						zap.Uint64("grainId", grainID),
						zap.String("method", method),
						zap.Any("panic", r))
					out = nil
					err = &message.Fault{
						TypeName: "DispatchPanic",
						Message:  fmt.Sprintf("%s: %v", method, r),
					}
				}
			}()
			return next(ctx, grainID, method, payload)
		}
	}
}
