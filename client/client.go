// Package client is the calling side of the stacker relay.
//
// Client owns the connection to stackerd and sends one Command at a time,
// retrying transport failures with escalating backoff. StageClient stands
// in for a remote stage: its calls are packaged as Commands, and reads can
// be served from a local Cache. Stacker bundles the three stage proxies of
// the bench.
//
// Failures are returned as data. Send never returns an error; callers check
// Response.OK or rely on the warnings Client logs for failed responses.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stacker/codec"
	"stacker/common"
	"stacker/loadbalance"
	"stacker/message"
	"stacker/registry"
	"stacker/transport"
)

// RetryPolicy bounds how long Send keeps trying over a failing transport.
// The wait before the next attempt is Base, rising to After4 from the
// fourth failed attempt and to After10 from the tenth.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	After4      time.Duration
	After10     time.Duration
}

// DefaultRetryPolicy gives up after 600 attempts, roughly ten minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 600,
		Base:        250 * time.Millisecond,
		After4:      500 * time.Millisecond,
		After10:     time.Second,
	}
}

// Delay returns the wait after failed attempt n, counting from 0.
func (p RetryPolicy) Delay(n int) time.Duration {
	switch {
	case n >= 10:
		return p.After10
	case n >= 4:
		return p.After4
	default:
		return p.Base
	}
}

// Client sends commands to a stacker server.
type Client struct {
	authToken string
	name      string
	addr      string

	registry    registry.Registry
	serviceName string
	balancer    loadbalance.Balancer

	codecType  codec.CodecType
	heartbeat  time.Duration
	dial       transport.Dialer
	retry      RetryPolicy
	remoteMsgs bool

	common *common.Common
	log    *zap.Logger

	mu sync.Mutex // One command in flight, like the server
	tr *transport.ClientTransport
}

// Option configures a Client.
type Option func(*Client)

// WithAddr sets a fixed server address, e.g. "127.0.0.1:5551".
func WithAddr(addr string) Option {
	return func(c *Client) { c.addr = addr }
}

// WithRegistry resolves the server address through reg when no fixed
// address is set. bal picks among several registered instances.
func WithRegistry(reg registry.Registry, serviceName string, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.serviceName = serviceName
		c.balancer = bal
	}
}

// WithName sets the sender name put on every command.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithCodec selects the wire codec. CBOR by default.
func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codecType = ct }
}

// WithHeartbeat sets the keep-alive interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithRemoteMsgs controls whether messages the server emitted while
// handling a command are printed locally. On by default.
func WithRemoteMsgs(enabled bool) Option {
	return func(c *Client) { c.remoteMsgs = enabled }
}

// WithCommon sets the logger and the console remote messages are printed to.
func WithCommon(cm *common.Common) Option {
	return func(c *Client) { c.common = cm }
}

// NewClient creates a client. It does not connect until Connect or the
// first Send.
func NewClient(authToken string, opts ...Option) *Client {
	c := &Client{
		authToken:   authToken,
		name:        "StackerClient",
		serviceName: "stacker",
		codecType:   codec.CodecTypeCBOR,
		heartbeat:   transport.DefaultHeartbeat,
		retry:       DefaultRetryPolicy(),
		remoteMsgs:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = transport.NewDialer(c.codecType, c.heartbeat)
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	if c.common == nil {
		c.common = common.NewNop(nil)
	}
	c.log = c.common.Named("client")
	return c
}

// Name returns the sender name.
func (c *Client) Name() string { return c.name }

// Connect establishes the connection, retrying with the retry policy.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if _, err = c.transport(ctx); err == nil {
			return nil
		}
		c.log.Info("waiting for server", zap.Int("attempt", attempt+1), zap.Error(err))
		if !c.sleep(ctx, c.retry.Delay(attempt)) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("connect: gave up after %d attempts: %w", c.retry.MaxAttempts, err)
}

// resolve returns the fixed address or one picked from the registry.
func (c *Client) resolve() (string, error) {
	if c.addr != "" {
		return c.addr, nil
	}
	if c.registry == nil {
		return "", errors.New("no server address and no registry configured")
	}
	instances, err := c.registry.Discover(c.serviceName)
	if err != nil {
		return "", err
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", c.serviceName, err)
	}
	return inst.Addr, nil
}

// transport returns the live transport, dialing a new one if there is
// none or the last one broke. Callers hold c.mu.
func (c *Client) transport(ctx context.Context) (*transport.ClientTransport, error) {
	if c.tr != nil && !c.tr.Broken() {
		return c.tr, nil
	}
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	addr, err := c.resolve()
	if err != nil {
		return nil, err
	}
	tr, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.log.Debug("connected", zap.String("addr", addr))
	c.tr = tr
	return tr, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Send fills in the auth token and sender name, sends cmd and waits for
// the response. Transport failures are retried per the retry policy,
// reconnecting as needed; when attempts run out or ctx ends, the last
// failure is returned as a failed Response with Reason ReasonTransport.
// A command the codec cannot encode fails at once with ReasonEncode.
func (c *Client) Send(ctx context.Context, cmd *message.Command) *message.Response {
	cmd.Auth = c.authToken
	cmd.Sender = c.name
	if cmd.Args == nil {
		cmd.Args = []any{}
	}
	if cmd.Kwargs == nil {
		cmd.Kwargs = map[string]any{}
	}
	c.log.Debug("command", zap.Stringer("command", cmd))

	start := time.Now()
	resp := c.send(ctx, cmd, start)

	c.log.Debug("command complete", zap.Stringer("command", cmd), zap.String("status", string(resp.Status)))
	if !resp.OK() {
		fields := []zap.Field{zap.Stringer("command", cmd), zap.String("reason", resp.Reason)}
		if resp.Exception != "" {
			fields = append(fields, zap.String("exception", resp.Exception))
		}
		c.log.Warn("command failed", fields...)
	}
	if c.remoteMsgs {
		for _, msg := range resp.Msgs {
			c.common.Print(msg)
		}
	}
	return resp
}

func (c *Client) send(ctx context.Context, cmd *message.Command, start time.Time) *message.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := failure(message.ReasonTransport, errors.New("no attempt made"))
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		tr, err := c.transport(ctx)
		if err == nil {
			var resp *message.Response
			if resp, err = tr.RoundTrip(ctx, cmd); err == nil {
				if resp.Msgs == nil {
					resp.Msgs = []string{}
				}
				return resp
			}
		}
		if errors.Is(err, transport.ErrEncode) {
			return failure(message.ReasonEncode, err)
		}
		last = failure(message.ReasonTransport, err)
		c.log.Info("waiting for send",
			zap.Int("attempt", attempt+1),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		if attempt == c.retry.MaxAttempts-1 || ctx.Err() != nil || !c.sleep(ctx, c.retry.Delay(attempt)) {
			break
		}
	}
	return last
}

func failure(reason string, err error) *message.Response {
	resp := message.Failed(reason)
	resp.Exception = err.Error()
	resp.Msgs = []string{}
	return resp
}

// Close drops the connection. The client reconnects on the next Send.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return nil
	}
	err := c.tr.Close()
	c.tr = nil
	return err
}
