package middleware

import (
	"context"
	"fmt"

	"stacker/message"
)

// RecoverMiddleware turns a panic anywhere below it into an exception
// response.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = message.Exception(fmt.Errorf("panic: %v", r))
				}
			}()
			return next(ctx, cmd)
		}
	}
}
