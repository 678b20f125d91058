package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stacker/message"
)

// RateLimitMiddleware admits commands through a token bucket refilled at r
// per second holding up to burst tokens.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.Response {
			if !limiter.Allow() {
				return message.Failed(message.ReasonRateLimited)
			}
			return next(ctx, cmd)
		}
	}
}
