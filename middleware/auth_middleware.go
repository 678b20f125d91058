package middleware

import (
	"context"

	"stacker/message"
)

// AuthMiddleware rejects commands whose token differs from token.
//
// This is a shared static secret sent in the clear. It keeps stray or
// malformed commands out; it is not access control.
func AuthMiddleware(token string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.Response {
			if cmd.Auth != token {
				return message.Failed(message.ReasonAuth)
			}
			return next(ctx, cmd)
		}
	}
}
