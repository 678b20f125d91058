// Package middleware wraps the server's command handler.
//
// Middlewares compose in the onion model: Chain(A, B, C)(h) runs
// A.before → B.before → C.before → h → C.after → B.after → A.after.
// A middleware may answer a command itself without calling next; the
// authentication and rate-limit middlewares do exactly that.
package middleware

import (
	"context"

	"stacker/message"
)

type HandlerFunc func(ctx context.Context, cmd *message.Command) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
