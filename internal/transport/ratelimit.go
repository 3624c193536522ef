package transport

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited holds every Send until the limiter grants a token.
type RateLimited struct {
	next    Transport
	limiter *rate.Limiter
}

func NewRateLimited(next Transport, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type admittedKey struct{}

// Admit waits for the rate limiter of t, if its chain has one, and returns a
// context whose next Send on t goes straight to the provider. Callers use it
// to keep the wait for a token out of the send timeout. A non-zero waitUntil
// bounds the wait only; the returned context keeps the deadline of ctx.
// Errors wrap ErrNotSent.
func Admit(ctx context.Context, t Transport, waitUntil time.Time) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return ctx, fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	rl, ok := As[*RateLimited](t)
	if !ok {
		return ctx, nil
	}
	waitCtx := ctx
	if !waitUntil.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, waitUntil)
		defer cancel()
	}
	if err := rl.limiter.Wait(waitCtx); err != nil {
		return ctx, fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	return context.WithValue(ctx, admittedKey{}, rl), nil
}

func (r *RateLimited) Send(ctx context.Context, p Payload) (Ack, error) {
	if ctx.Value(admittedKey{}) != r {
		if err := r.limiter.Wait(ctx); err != nil {
			return Ack{}, fmt.Errorf("%w: %w", ErrNotSent, err)
		}
	}
	return r.next.Send(ctx, p)
}

func (r *RateLimited) Unwrap() Transport { return r.next }
