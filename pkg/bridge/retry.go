// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

// ErrCannotRoute means a Matrix room could not be mapped back to a
// third-party room. Retrying cannot fix missing alias data, so the event
// is reported and dropped.
var ErrCannotRoute = errors.New("could not determine third party room id")

// ErrUnknownMessageType means an inbound Matrix event carried a message
// subtype the relay has no handler for. It is surfaced rather than
// silently dropped so unknown content does not vanish.
var ErrUnknownMessageType = errors.New("unknown message type")

// IsDeadRoomError recognizes the federation condition where a room still
// resolves by alias but cannot be joined because every member has
// departed. It is the single documented "room is dead, start over"
// recovery trigger: the lifecycle manager deletes the alias and recreates.
func IsDeadRoomError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		return strings.Contains(httpErr.RespError.Err, "No known servers")
	}
	return strings.Contains(err.Error(), "No known servers")
}

// Retrier re-invokes whole relay attempts a bounded number of times with a
// short delay. Each attempt gets its own deadline; a timeout counts as a
// retryable transient failure. There is no resumption of partial work.
type Retrier struct {
	Attempts    int
	Delay       time.Duration
	CallTimeout time.Duration
	Log         zerolog.Logger
}

// Do runs op until it succeeds, the attempt budget is exhausted, or the
// outer context is cancelled.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.CallTimeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		r.Log.Warn().Err(err).Int("attempt", attempt).Msg("Relay attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	return lastErr
}
