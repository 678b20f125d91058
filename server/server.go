// Package server implements the stacker command server: it owns the named
// target objects (the stages), accepts commands over TCP, and answers each
// with exactly one response.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection reads frames)
//	  → Process (server-wide lock: one command at a time)
//	    → middleware chain → Recover → Auth → dispatch
//	      → reset msgs → method table lookup → call → drain msgs
//	  → Codec.Encode → write response frame (same seq)
//
// Commands are processed strictly one after another, even across
// connections: a command that waits for a motor blocks every other client
// until it returns. A failing or panicking method is reported to the caller
// and never stops the listen loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stacker/codec"
	"stacker/common"
	"stacker/message"
	"stacker/middleware"
	"stacker/protocol"
	"stacker/registry"
)

// Server dispatches commands to registered targets.
type Server struct {
	serviceMap  map[string]*service     // Registered targets: "sam" → *service
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // Built on first use: middlewares → Recover → Auth → dispatch
	handlerOnce sync.Once

	common    *common.Common
	log       *zap.Logger
	authToken string
	bindRetry time.Duration

	registry      registry.Registry // nil if not using discovery
	serviceName   string            // Name registered in the registry
	registryTTL   int64
	advertiseAddr string // Routable address registered in the registry

	dispatchMu sync.Mutex // Held while a command is processed
	wg         sync.WaitGroup
	shutdown   atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	ready    chan struct{} // Closed once the listener is bound
}

// Option configures a Server.
type Option func(*Server)

// WithCommon sets the shared logging context. Messages logged through it
// while a command runs are returned to the client.
func WithCommon(c *common.Common) Option {
	return func(s *Server) { s.common = c }
}

// WithAuthToken sets the shared secret every command must carry.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

// WithBindRetry sets how long to wait between bind attempts.
func WithBindRetry(d time.Duration) Option {
	return func(s *Server) { s.bindRetry = d }
}

// WithRegistry publishes the server under serviceName with a lease of ttl
// seconds once it is listening.
func WithRegistry(reg registry.Registry, serviceName string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.registryTTL = ttl
	}
}

// NewServer creates a server with no targets.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap:  make(map[string]*service),
		bindRetry:   time.Second,
		serviceName: "stacker",
		registryTTL: 10,
		conns:       make(map[net.Conn]struct{}),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.common == nil {
		s.common = common.NewNop(nil)
	}
	s.log = s.common.Named("server")
	return s
}

// Register exposes target under name, e.g. Register("sam", sampleStage).
func (svr *Server) Register(name string, target Target) error {
	svc, err := newService(name, target)
	if err != nil {
		return err
	}
	if _, dup := svr.serviceMap[name]; dup {
		return fmt.Errorf("stacker: target %s already registered", name)
	}
	svr.serviceMap[name] = svc
	svr.log.Debug("registered target", zap.String("system", name), zap.Strings("methods", svc.Names()))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, outside the built-in recover and authentication steps.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Process runs one command through the full pipeline and returns its
// response. It is safe for concurrent use; commands are serialized.
func (svr *Server) Process(ctx context.Context, cmd *message.Command) *message.Response {
	svr.handlerOnce.Do(func() {
		chain := append(append([]middleware.Middleware(nil), svr.middlewares...),
			middleware.RecoverMiddleware(),
			middleware.AuthMiddleware(svr.authToken),
		)
		svr.handler = middleware.Chain(chain...)(svr.dispatch)
	})

	svr.dispatchMu.Lock()
	defer svr.dispatchMu.Unlock()

	resp := svr.handler(ctx, cmd)
	if resp.Msgs == nil {
		resp.Msgs = []string{}
	}
	return resp
}

// dispatch is the innermost handler: validate the envelope, resolve the
// target and method, invoke, and collect the messages emitted meanwhile.
func (svr *Server) dispatch(ctx context.Context, cmd *message.Command) *message.Response {
	if cmd.System == "" {
		return message.Failed(message.ReasonNoSystem)
	}
	if cmd.Command == "" {
		return message.Failed(message.ReasonNoCommand)
	}

	svr.common.AccumulateMsgs()

	var resp *message.Response
	svc, ok := svr.serviceMap[cmd.System]
	if !ok {
		resp = message.Exception(fmt.Errorf("no system named %q", cmd.System))
	} else if ret, err := svc.Call(ctx, cmd.Command, cmd.Args, cmd.Kwargs); err != nil {
		resp = message.Exception(err)
	} else {
		resp = message.Success(ret)
	}

	resp.Msgs = svr.common.AccumulatedMsgs()
	return resp
}

// Serve binds address, retrying every bindRetry until the bind succeeds or
// ctx is cancelled, then accepts connections until Shutdown or ctx ends.
//
// advertiseAddr is the routable address published in the registry; it
// differs from a wildcard listen address such as ":5551".
func (svr *Server) Serve(ctx context.Context, network, address, advertiseAddr string) error {
	listener, err := svr.bind(ctx, network, address)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	close(svr.ready)

	svr.advertiseAddr = advertiseAddr
	if svr.advertiseAddr == "" {
		svr.advertiseAddr = listener.Addr().String()
	}
	if svr.registry != nil {
		err := svr.registry.Register(svr.serviceName, registry.ServiceInstance{
			Addr:    svr.advertiseAddr,
			Weight:  1,
			Version: "1",
		}, svr.registryTTL)
		if err != nil {
			svr.log.Warn("registry registration failed", zap.Error(err))
		}
	}

	// Stop accepting when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		svr.shutdown.Store(true)
		listener.Close()
	})
	defer stop()

	svr.log.Info("listening", zap.String("addr", listener.Addr().String()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener on purpose.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.trackConn(conn, true)
		go svr.handleConn(ctx, conn)
	}
}

func (svr *Server) bind(ctx context.Context, network, address string) (net.Listener, error) {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, network, address)
		if err == nil {
			svr.log.Info("bound", zap.String("addr", address), zap.Int("attempt", attempt), zap.Duration("elapsed", time.Since(start)))
			return listener, nil
		}
		svr.log.Info("bind failed, retrying", zap.String("addr", address), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(svr.bindRetry):
		}
	}
}

// Ready is closed once the server is listening.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr returns the bound listen address, or nil before Serve has bound.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) trackConn(conn net.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn serves one connection: read a request, answer it, repeat.
// Requests on a connection are answered in order.
func (svr *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		svr.trackConn(conn, false)
		conn.Close()
	}()
	log := svr.log.With(zap.String("remote", conn.RemoteAddr().String()))

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed", zap.Error(err))
			}
			return
		}

		// Heartbeats only keep the connection alive
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest || svr.shutdown.Load() {
			return
		}

		if err := svr.handleRequest(ctx, header, body, conn); err != nil {
			log.Warn("failed to write response", zap.Error(err))
			return
		}
	}
}

// handleRequest decodes, processes and answers one request frame.
func (svr *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn) error {
	svr.wg.Add(1)
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))

	var resp *message.Response
	cmd := message.Command{}
	if err := c.Decode(body, &cmd); err != nil {
		resp = message.Failed("malformed command: " + err.Error())
		resp.Msgs = []string{}
	} else {
		resp = svr.Process(ctx, &cmd)
	}

	result, err := c.Encode(resp)
	if err != nil {
		// The return value could not be serialized; report that instead.
		svr.log.Warn("failed to encode response", zap.Stringer("command", &cmd), zap.Error(err))
		fallback := message.Exception(fmt.Errorf("encode return value: %w", err))
		fallback.Msgs = resp.Msgs
		if result, err = c.Encode(fallback); err != nil {
			return err
		}
	}

	// Same seq as the request so the client can match it
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	return protocol.Encode(conn, &replyHeader, result)
}

// Shutdown stops the server:
//  1. Deregister from the registry so clients stop resolving this address
//  2. Set the shutdown flag and close the listener
//  3. Wait for the command in progress to finish (with timeout)
//  4. Close remaining client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if svr.registry != nil && svr.advertiseAddr != "" {
		errs = multierr.Append(errs, svr.registry.Deregister(svr.serviceName, svr.advertiseAddr))
	}

	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		if err := svr.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for the command in progress to finish"))
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()

	return errs
}
