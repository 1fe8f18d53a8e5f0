package xworld

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
)

// Middleware composes processing concerns around a MessageHandler.
//
// A failed message is Nacked and retried by transport redelivery, so there
// is no retry middleware.
type Middleware func(next MessageHandler) MessageHandler

// TimeoutMiddleware enforces a maximum processing time for a message.
// When exceeded, it returns context.DeadlineExceeded and the message is Nacked.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next MessageHandler) MessageHandler { return next }
	}
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts a panicking handler into an error, which the
// worker treats like any transient handler failure.
func RecoveryMiddleware() Middleware {
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs every delivery attempt. Successful attempts log at
// debug level; a failed attempt logs a warning with the attempt number, since
// it will come back through redelivery.
func LoggingMiddleware() Middleware {
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg *Message) error {
			now := time.Now
			if c, ok := ClockFromContext(ctx); ok {
				now = c.Now
			}
			start := now()
			err := next(ctx, msg)

			lg := Logger(ctx).With(
				xlog.Str("name", msg.Name),
				xlog.Dur("dur", now().Sub(start)),
			)
			if err != nil {
				lg.Warn().Err(err).Str("attempt", strconv.Itoa(msg.Attempt)).Msg("xworld: delivery failed")
				return err
			}
			lg.Debug().Msg("xworld: delivery done")
			return nil
		}
	}
}

// Chain wraps h so that mws[0] runs first. Nil entries are skipped.
func Chain(h MessageHandler, mws ...Middleware) MessageHandler {
	for _, mw := range slices.Backward(mws) {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}
