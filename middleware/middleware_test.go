package middleware

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"stacker/message"
)

// echoHandler answers every command successfully and counts calls.
type echoHandler struct {
	calls int
}

func (h *echoHandler) handle(ctx context.Context, cmd *message.Command) *message.Response {
	h.calls++
	return message.Success(cmd.Command)
}

func failingHandler(ctx context.Context, cmd *message.Command) *message.Response {
	return message.Failed(message.ReasonException)
}

func panickingHandler(ctx context.Context, cmd *message.Command) *message.Response {
	panic("motor driver crashed")
}

func TestAuth(t *testing.T) {
	h := &echoHandler{}
	handler := AuthMiddleware("secret")(h.handle)

	resp := handler(context.Background(), &message.Command{Auth: "wrong", System: "sam", Command: "x"})
	if resp.OK() || resp.Reason != message.ReasonAuth {
		t.Fatalf("expect auth failure, got %+v", resp)
	}
	if h.calls != 0 {
		t.Fatalf("handler must not run on auth failure, ran %d times", h.calls)
	}

	resp = handler(context.Background(), &message.Command{Auth: "secret", System: "sam", Command: "x"})
	if !resp.OK() {
		t.Fatalf("expect success with correct token, got %+v", resp)
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	h := &echoHandler{}
	resp := LoggingMiddleware(logger)(h.handle)(context.Background(), &message.Command{System: "sam", Command: "xpos"})
	if !resp.OK() {
		t.Fatalf("expect success, got %+v", resp)
	}
	if logs.FilterMessage("command complete").Len() != 1 {
		t.Fatalf("expect one completion entry, got %v", logs.All())
	}

	LoggingMiddleware(logger)(failingHandler)(context.Background(), &message.Command{System: "sam", Command: "bogus"})
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Fatalf("expect one warning for failed command, got %v", logs.All())
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	h := &echoHandler{}
	handler := RateLimitMiddleware(1, 2)(h.handle)
	cmd := &message.Command{System: "sam", Command: "x"}

	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), cmd); !resp.OK() {
			t.Fatalf("request %d should pass, got %+v", i, resp)
		}
	}

	resp := handler(context.Background(), cmd)
	if resp.Reason != message.ReasonRateLimited {
		t.Fatalf("request 3 should be rate limited, got: %+v", resp)
	}
}

func TestRecover(t *testing.T) {
	resp := RecoverMiddleware()(panickingHandler)(context.Background(), &message.Command{})
	if resp.OK() || resp.Reason != message.ReasonException {
		t.Fatalf("expect exception response, got %+v", resp)
	}
	if resp.Exception != "panic: motor driver crashed" {
		t.Fatalf("unexpected exception text %q", resp.Exception)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, cmd *message.Command) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, cmd)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	h := &echoHandler{}
	Chain(tag("A"), tag("B"))(h.handle)(context.Background(), &message.Command{})

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
