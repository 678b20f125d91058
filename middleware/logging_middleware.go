package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stacker/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.Response {
			logger.Debug("received command", zap.String("sender", cmd.Sender), zap.Stringer("command", cmd))
			start := time.Now()
			resp := next(ctx, cmd)
			fields := []zap.Field{
				zap.String("sender", cmd.Sender),
				zap.Stringer("command", cmd),
				zap.String("status", string(resp.Status)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.OK() {
				logger.Debug("command complete", fields...)
				return resp
			}
			fields = append(fields, zap.String("reason", resp.Reason))
			if resp.Exception != "" {
				fields = append(fields, zap.String("exception", resp.Exception))
			}
			logger.Warn("command failed", fields...)
			return resp
		}
	}
}
