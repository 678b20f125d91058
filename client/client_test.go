package client

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"stacker/codec"
	"stacker/common"
	"stacker/message"
	"stacker/registry"
	"stacker/server"
	"stacker/stage"
	"stacker/transport"
)

const testToken = "Cah2zawipu3Gohw2eFo1aec4ohPhah8u"

// spyStage counts invocations so tests can tell cache hits from round trips.
type spyStage struct {
	common *common.Common
	mu     sync.Mutex
	x      float64
	reads  atomic.Int32
}

func (s *spyStage) Methods() server.MethodTable {
	read := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		s.reads.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.x, nil
	}
	return server.MethodTable{
		"x":    read,
		"xpos": read,
		"xr": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			d, err := message.ToFloat(args[0])
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			s.x += d
			s.common.Print("moved x")
			return s.x, nil
		},
		"xabs": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, errors.New("motor stalled")
		},
	}
}

type testBench struct {
	addr  string
	svr   *server.Server
	spy   *spyStage
	cache *Cache
	clock *fakeClock
}

func startBench(t *testing.T, opts ...server.Option) *testBench {
	t.Helper()
	c := common.NewNop(&bytes.Buffer{})
	svr := server.NewServer(append([]server.Option{server.WithCommon(c), server.WithAuthToken(testToken)}, opts...)...)
	spy := &spyStage{common: c, x: 1.5}
	if err := svr.Register("spy", spy); err != nil {
		t.Fatal(err)
	}
	stages, err := stage.NewTestingStages(c)
	if err != nil {
		t.Fatal(err)
	}
	for name, target := range stages.Targets() {
		if err := svr.Register(name, target); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go svr.Serve(ctx, "tcp", "127.0.0.1:0", "")
	select {
	case <-svr.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() {
		cancel()
		svr.Shutdown(time.Second)
	})
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return &testBench{
		addr:  svr.Addr().String(),
		svr:   svr,
		spy:   spy,
		cache: NewCache(DefaultStaleness, clock.Now),
		clock: clock,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Base: time.Millisecond, After4: 2 * time.Millisecond, After10: 3 * time.Millisecond}
}

func newTestClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c := NewClient(testToken, append([]Option{WithAddr(addr), WithRetryPolicy(fastRetry(5)), WithHeartbeat(0)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := map[int]time.Duration{
		0:   250 * time.Millisecond,
		3:   250 * time.Millisecond,
		4:   500 * time.Millisecond,
		9:   500 * time.Millisecond,
		10:  time.Second,
		599: time.Second,
	}
	for n, want := range cases {
		if got := p.Delay(n); got != want {
			t.Errorf("Delay(%d) = %v, want %v", n, got, want)
		}
	}
	if p.MaxAttempts != 600 {
		t.Fatalf("expect 600 attempts, got %d", p.MaxAttempts)
	}
}

func TestReadAndUnknownMethod(t *testing.T) {
	b := startBench(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR} {
		sam := NewStageClient("spy", newTestClient(t, b.addr, WithCodec(ct)), nil, nil)

		resp := sam.Dispatch(context.Background(), "xpos", nil, nil)
		if !resp.OK() {
			t.Fatalf("%s: expect success, got %+v", ct, resp)
		}
		if v, err := message.ToFloat(resp.ReturnValue); err != nil || v != 1.5 {
			t.Fatalf("%s: expect 1.5, got %v", ct, resp.ReturnValue)
		}

		resp = sam.Dispatch(context.Background(), "bogus_method", nil, nil)
		if resp.OK() || !strings.Contains(resp.Reason, "exception") || resp.ReturnValue != nil {
			t.Fatalf("%s: expect exception failure, got %+v", ct, resp)
		}
	}
}

func TestWrongTokenThenRightToken(t *testing.T) {
	b := startBench(t)

	bad := NewClient("wrong", WithAddr(b.addr), WithRetryPolicy(fastRetry(5)), WithHeartbeat(0))
	defer bad.Close()
	resp := bad.Send(context.Background(), &message.Command{System: "spy", Command: "xpos"})
	if resp.OK() || resp.Reason != message.ReasonAuth {
		t.Fatalf("expect auth failure, got %+v", resp)
	}
	if n := b.spy.reads.Load(); n != 0 {
		t.Fatalf("expect no invocation, got %d", n)
	}

	good := newTestClient(t, b.addr)
	resp = good.Send(context.Background(), &message.Command{System: "spy", Command: "xpos"})
	if !resp.OK() {
		t.Fatalf("expect success with the right token, got %+v", resp)
	}
}

func TestCacheDisabledAlwaysRoundTrips(t *testing.T) {
	b := startBench(t)
	spy := NewStageClient("spy", newTestClient(t, b.addr), nil, nil)

	spy.Cached(context.Background(), "xpos")
	spy.Cached(context.Background(), "xpos")
	if n := b.spy.reads.Load(); n != 2 {
		t.Fatalf("expect 2 remote reads without a cache, got %d", n)
	}
}

func TestCacheServesRepeatedRead(t *testing.T) {
	b := startBench(t)
	spy := NewStageClient("spy", newTestClient(t, b.addr), b.cache, nil)
	ctx := context.Background()

	first := spy.Cached(ctx, "xpos")
	second := spy.Cached(ctx, "xpos")
	if n := b.spy.reads.Load(); n != 1 {
		t.Fatalf("expect 1 remote read with a cache, got %d", n)
	}
	if first != second {
		t.Fatalf("expect cached value %v, got %v", first, second)
	}

	// Stale after the threshold
	b.clock.Advance(DefaultStaleness + time.Second)
	if s := b.cache.State("xpos"); s != CacheStale {
		t.Fatalf("expect stale, got %s", s)
	}
	spy.Cached(ctx, "xpos")
	if n := b.spy.reads.Load(); n != 2 {
		t.Fatalf("expect a stale entry to be re-read, got %d reads", n)
	}
	if s := b.cache.State("xpos"); s != CacheValid {
		t.Fatalf("expect valid after re-read, got %s", s)
	}
}

func TestRelativeMoveInvalidatesCache(t *testing.T) {
	b := startBench(t)
	spy := NewStageClient("spy", newTestClient(t, b.addr), b.cache, nil)
	ctx := context.Background()

	spy.Cached(ctx, "xpos")
	spy.Call(ctx, "xr", 2.0)
	if s := b.cache.State("xpos"); s != CacheInvalidated {
		t.Fatalf("expect invalidated, got %s", s)
	}

	got := spy.Cached(ctx, "xpos")
	if n := b.spy.reads.Load(); n != 2 {
		t.Fatalf("expect the read after xr to go remote, got %d reads", n)
	}
	if v, _ := message.ToFloat(got); v != 3.5 {
		t.Fatalf("expect 3.5 after move, got %v", got)
	}
}

func TestFailedMoveStillInvalidates(t *testing.T) {
	b := startBench(t)
	spy := NewStageClient("spy", newTestClient(t, b.addr), b.cache, nil)
	ctx := context.Background()

	spy.Cached(ctx, "x")
	spy.Cached(ctx, "pos")
	resp := spy.Dispatch(ctx, "xabs", []any{4.0}, nil)
	if resp.OK() {
		t.Fatalf("expect xabs to fail, got %+v", resp)
	}
	if s := b.cache.State("x"); s != CacheInvalidated {
		t.Fatalf("expect x invalidated even though the move failed, got %s", s)
	}
	if s := b.cache.State("pos"); s != CacheAbsent {
		// pos is not a spy method; its failed read never populated the cache.
		t.Fatalf("expect pos absent, got %s", s)
	}
}

func TestMutationFamily(t *testing.T) {
	cases := map[string][]string{
		"xabs":      {"x", "xpos", "pos", "posv"},
		"phir":      {"phi", "phipos", "pos", "posv"},
		"zorigin":   {"z", "zpos", "pos", "posv"},
		"Tr":        {"T", "Tpos", "pos", "posv"},
		"xpos":      nil,
		"posv":      nil,
		"hold":      nil,
		"xvel":      nil,
		"marks":     nil,
		"phiunits":  nil,
		"rock":      nil,
		"goto":      nil,
		"release":   nil,
		"pitchr":    {"pitch", "pitchpos", "pos", "posv"},
		"rollabs":   {"roll", "rollpos", "pos", "posv"},
		"limits":    nil,
		"yorigin":   {"y", "ypos", "pos", "posv"},
		"mark":      nil,
		"hzr":       {"hz", "hzpos", "pos", "posv"},
		"Tunits":    nil,
		"xunits":    nil,
	}
	for method, want := range cases {
		got, ok := mutationFamily(method)
		if ok != (want != nil) {
			t.Errorf("%s: mutating = %v, want %v", method, ok, want != nil)
			continue
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("%s: family %v, want %v", method, got, want)
		}
	}
}

func TestCacheStates(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewCache(time.Second, clock.Now)

	if s := c.State("x"); s != CacheAbsent {
		t.Fatalf("expect absent, got %s", s)
	}
	c.Invalidate("x")
	if s := c.State("x"); s != CacheAbsent {
		t.Fatalf("invalidating an absent key must not create it, got %s", s)
	}

	c.Store("x", 1.0)
	if v, ok := c.Lookup("x"); !ok || v != 1.0 {
		t.Fatalf("expect hit 1.0, got %v %v", v, ok)
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Lookup("x"); ok {
		t.Fatal("expect stale entry to miss")
	}

	c.Store("x", 2.0)
	c.Invalidate("x")
	if s := c.State("x"); s != CacheInvalidated {
		t.Fatalf("expect invalidated, got %s", s)
	}
	c.Store("x", 3.0)
	if v, ok := c.Lookup("x"); !ok || v != 3.0 {
		t.Fatalf("expect re-validated 3.0, got %v %v", v, ok)
	}
}

func TestSendGivesUpAfterBoundedAttempts(t *testing.T) {
	var dials atomic.Int32
	failing := func(ctx context.Context, addr string) (*transport.ClientTransport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	c := NewClient(testToken, WithAddr("127.0.0.1:1"), WithDialer(failing), WithRetryPolicy(fastRetry(12)))

	done := make(chan *message.Response, 1)
	go func() { done <- c.Send(context.Background(), &message.Command{System: "sam", Command: "xpos"}) }()

	select {
	case resp := <-done:
		if resp.OK() || resp.Reason != message.ReasonTransport {
			t.Fatalf("expect transport failure, got %+v", resp)
		}
		if !strings.Contains(resp.Exception, "connection refused") {
			t.Fatalf("expect last error in response, got %q", resp.Exception)
		}
		if resp.Msgs == nil {
			t.Fatal("expect non-nil msgs")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not give up")
	}
	if n := dials.Load(); n != 12 {
		t.Fatalf("expect 12 attempts, got %d", n)
	}
}

func TestSendStopsWhenContextEnds(t *testing.T) {
	failing := func(ctx context.Context, addr string) (*transport.ClientTransport, error) {
		return nil, errors.New("connection refused")
	}
	c := NewClient(testToken, WithAddr("127.0.0.1:1"), WithDialer(failing))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	resp := c.Send(ctx, &message.Command{System: "sam", Command: "xpos"})
	if resp.OK() {
		t.Fatal("expect failure")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Send kept retrying after the context ended")
	}
}

func TestFailedResponseLogsWarning(t *testing.T) {
	b := startBench(t)
	core, logs := observer.New(zapcore.InfoLevel)
	cm := common.NewWithCore(core, &bytes.Buffer{}, zapcore.InfoLevel)
	spy := NewStageClient("spy", newTestClient(t, b.addr, WithCommon(cm)), nil, nil)

	spy.Call(context.Background(), "xabs", 1.0)

	warnings := logs.FilterMessage("command failed").FilterLevelExact(zap.WarnLevel).All()
	if len(warnings) != 1 {
		t.Fatalf("expect 1 warning, got %d", len(warnings))
	}
	fields := warnings[0].ContextMap()
	if fields["reason"] != message.ReasonException || fields["exception"] != "motor stalled" {
		t.Fatalf("unexpected warning fields: %v", fields)
	}
}

func TestRemoteMsgsReplayed(t *testing.T) {
	b := startBench(t)
	var console bytes.Buffer
	cm := common.NewNop(&console)

	spy := NewStageClient("spy", newTestClient(t, b.addr, WithCommon(cm)), nil, nil)
	resp := spy.Dispatch(context.Background(), "xr", []any{1.0}, nil)
	if len(resp.Msgs) != 1 || resp.Msgs[0] != "moved x" {
		t.Fatalf("expect remote msg, got %v", resp.Msgs)
	}
	if !strings.Contains(console.String(), "moved x") {
		t.Fatalf("expect msg replayed locally, got %q", console.String())
	}

	console.Reset()
	quiet := NewStageClient("spy", newTestClient(t, b.addr, WithCommon(cm), WithRemoteMsgs(false)), nil, nil)
	quiet.Call(context.Background(), "xr", 1.0)
	if console.Len() != 0 {
		t.Fatalf("expect nothing printed, got %q", console.String())
	}
}

func TestReconnectAfterBrokenConnection(t *testing.T) {
	b := startBench(t)
	var dials atomic.Int32
	dialer := func(ctx context.Context, addr string) (*transport.ClientTransport, error) {
		dials.Add(1)
		return transport.Dial(ctx, addr, codec.CodecTypeCBOR, 0)
	}
	c := newTestClient(t, b.addr, WithDialer(dialer))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	c.tr.Close()
	c.mu.Unlock()

	resp := c.Send(context.Background(), &message.Command{System: "spy", Command: "xpos"})
	if !resp.OK() {
		t.Fatalf("expect success after reconnect, got %+v", resp)
	}
	if n := dials.Load(); n != 2 {
		t.Fatalf("expect 2 dials, got %d", n)
	}
}

func TestResolveThroughRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startBench(t, server.WithRegistry(reg, "stacker", 10))

	c := NewClient(testToken, WithRegistry(reg, "stacker", nil), WithRetryPolicy(fastRetry(5)), WithHeartbeat(0))
	defer c.Close()
	resp := c.Send(context.Background(), &message.Command{System: "spy", Command: "xpos"})
	if !resp.OK() {
		t.Fatalf("expect success via registry, got %+v", resp)
	}

	empty := NewClient(testToken, WithRegistry(registry.NewMemoryRegistry(), "stacker", nil), WithRetryPolicy(fastRetry(2)))
	resp = empty.Send(context.Background(), &message.Command{System: "spy", Command: "xpos"})
	if resp.OK() || !strings.Contains(resp.Exception, registry.ErrNoInstances.Error()) {
		t.Fatalf("expect no-instances failure, got %+v", resp)
	}
}

func TestAxisClient(t *testing.T) {
	b := startBench(t)
	st := NewStacker(newTestClient(t, b.addr), DefaultStaleness)
	ctx := context.Background()
	x := st.Sam.Axis("x")

	if p, err := x.MoveAbsolute(ctx, 3); err != nil || p != 3 {
		t.Fatalf("expect 3, got %v %v", p, err)
	}
	if p, err := x.MoveRelative(ctx, -1); err != nil || p != 2 {
		t.Fatalf("expect 2, got %v %v", p, err)
	}
	if p, err := x.CachedPosition(ctx); err != nil || p != 2 {
		t.Fatalf("expect 2, got %v %v", p, err)
	}
	if p, err := x.SetOrigin(ctx, 10); err != nil || p != 10 {
		t.Fatalf("expect 10 after origin, got %v %v", p, err)
	}
	if p, err := x.CachedPosition(ctx); err != nil || p != 10 {
		t.Fatalf("expect cache invalidated by origin, got %v %v", p, err)
	}
	if v, err := x.SetVelocity(ctx, 2); err != nil || v != 2 {
		t.Fatalf("expect velocity 2, got %v %v", v, err)
	}

	_, err := x.MoveAbsolute(ctx, 1000)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Reason != message.ReasonException {
		t.Fatalf("expect out-of-limits CommandError, got %v", err)
	}
}

func TestStackerPosAndDemo(t *testing.T) {
	b := startBench(t)
	st := NewStacker(newTestClient(t, b.addr), 0)
	ctx := context.Background()

	before, err := st.Pos(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"sam", "cam", "stmp"} {
		if _, ok := before[name]["x__timestamp"]; name != "cam" && !ok {
			t.Fatalf("expect %s posv with timestamps, got %v", name, before[name])
		}
	}

	if err := st.Demo(ctx, 2, "sam", "cam", "stmp"); err != nil {
		t.Fatal(err)
	}

	after, err := st.Pos(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, stageName := range []string{"sam", "cam", "stmp"} {
		for axis, v := range before[stageName] {
			if strings.Contains(axis, "__timestamp") || strings.HasSuffix(axis, "vel") {
				continue
			}
			b, _ := message.ToFloat(v)
			a, _ := message.ToFloat(after[stageName][axis])
			if diff := a - b; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("%s.%s moved from %v to %v", stageName, axis, b, a)
			}
		}
	}

	limits, err := st.Limits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := limits["sam"]["phi"]; !ok {
		t.Fatalf("expect sam phi limits, got %v", limits)
	}
}

func TestUnencodableCommandFailsAtOnce(t *testing.T) {
	b := startBench(t)
	c := newTestClient(t, b.addr, WithCodec(codec.CodecTypeJSON), WithRetryPolicy(DefaultRetryPolicy()))

	start := time.Now()
	resp := c.Send(context.Background(), &message.Command{System: "spy", Command: "xr", Args: []any{math.NaN()}})
	if resp.OK() || resp.Reason != message.ReasonEncode {
		t.Fatalf("expect encode failure, got %+v", resp)
	}
	if !strings.Contains(resp.Exception, "NaN") {
		t.Fatalf("expect codec error in response, got %q", resp.Exception)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expect no retries, took %v", elapsed)
	}

	resp = c.Send(context.Background(), &message.Command{System: "spy", Command: "xr", Args: []any{1.0}})
	if !resp.OK() {
		t.Fatalf("expect next command to succeed, got %+v", resp)
	}
	if got, _ := message.ToFloat(resp.ReturnValue); got != 2.5 {
		t.Fatalf("expect x 2.5, got %v", resp.ReturnValue)
	}
}

func TestSendDoesNotWaitAfterLastAttempt(t *testing.T) {
	failing := func(ctx context.Context, addr string) (*transport.ClientTransport, error) {
		return nil, errors.New("connection refused")
	}
	slow := RetryPolicy{MaxAttempts: 1, Base: 5 * time.Second, After4: 5 * time.Second, After10: 5 * time.Second}
	c := NewClient(testToken, WithAddr("127.0.0.1:1"), WithDialer(failing), WithRetryPolicy(slow))

	start := time.Now()
	resp := c.Send(context.Background(), &message.Command{System: "sam", Command: "xpos"})
	if resp.Reason != message.ReasonTransport {
		t.Fatalf("expect transport failure, got %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expect no wait after the last attempt, took %v", elapsed)
	}
}
