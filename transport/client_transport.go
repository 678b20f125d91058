// Package transport implements the client side of a stacker connection.
//
// A ClientTransport owns one TCP connection. Each command gets a sequence
// number, and a background goroutine (recvLoop) reads response frames and
// hands each one to the caller waiting on that sequence number:
//
//	caller-1 ──RoundTrip(seq=1)──┐
//	caller-2 ──RoundTrip(seq=2)──┴──→ single TCP conn ──→ stackerd
//
//	recvLoop: ←── response(seq=2) → pending[2] → caller-2 wakes up
//
// The server answers one command at a time, so concurrent callers simply
// queue behind each other; they never see each other's responses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"stacker/codec"
	"stacker/message"
	"stacker/protocol"
)

var (
	// ErrBroken is returned by RoundTrip once the connection has failed.
	ErrBroken = errors.New("transport: connection broken")

	// ErrEncode wraps codec failures. Nothing was sent and the connection
	// is still usable; retrying the same command cannot succeed.
	ErrEncode = errors.New("transport: cannot encode")
)

// DefaultHeartbeat is the interval between keep-alive frames.
const DefaultHeartbeat = 30 * time.Second

type result struct {
	resp *message.Response
	err  error
}

// ClientTransport manages a single TCP connection to a stacker server.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec
	seq     uint32     // Protected by sending
	pending sync.Map   // map[uint32]chan result
	sending sync.Mutex // A frame's header and body must not interleave with another frame

	broken    atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

// Dialer opens a transport to addr. Client uses it to connect and to
// reconnect after a transport error; tests substitute their own.
type Dialer func(ctx context.Context, addr string) (*ClientTransport, error)

// NewDialer returns a Dialer that speaks the given codec.
func NewDialer(ct codec.CodecType, heartbeat time.Duration) Dialer {
	return func(ctx context.Context, addr string) (*ClientTransport, error) {
		return Dial(ctx, addr, ct, heartbeat)
	}
}

// Dial connects to addr and starts the transport.
func Dial(ctx context.Context, addr string, ct codec.CodecType, heartbeat time.Duration) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, ct, heartbeat), nil
}

// NewClientTransport wraps conn and starts the receive loop and, when
// heartbeat is positive, a keep-alive loop.
func NewClientTransport(conn net.Conn, ct codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:   conn,
		codec:  codec.GetCodec(ct),
		closed: make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// RoundTrip sends cmd and waits for its response. It fails if the
// connection breaks or ctx ends first; in the latter case the transport is
// marked broken as well, since a late response would otherwise be read by
// nobody and the server may still be working on the command.
func (t *ClientTransport) RoundTrip(ctx context.Context, cmd *message.Command) (*message.Response, error) {
	if t.broken.Load() {
		return nil, ErrBroken
	}

	body, err := t.codec.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrEncode, cmd, err)
	}

	ch := make(chan result, 1) // Buffered so recvLoop never blocks

	t.sending.Lock()
	t.seq++
	seq := t.seq
	t.pending.Store(seq, ch)
	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	err = protocol.Encode(t.conn, &header, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		t.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// recvLoop reads response frames and routes each to its caller by seq.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		ch, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			continue // Caller gave up
		}
		resp := &message.Response{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			ch.(chan result) <- result{err: fmt.Errorf("decode response: %w", err)}
			continue
		}
		ch.(chan result) <- result{resp: resp}
	}
}

// fail marks the transport broken, closes the connection, and wakes every
// pending caller with err.
func (t *ClientTransport) fail(err error) {
	t.broken.Store(true)
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: fmt.Errorf("%w: %v", ErrBroken, err)}
		}
		return true
	})
}

// Broken reports whether the connection has failed.
func (t *ClientTransport) Broken() bool {
	return t.broken.Load()
}

// RemoteAddr returns the server address.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the connection. Pending calls fail with ErrBroken.
func (t *ClientTransport) Close() error {
	var err error
	t.broken.Store(true)
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	t.fail(net.ErrClosed)
	return err
}

// heartbeatLoop sends keep-alive frames until the transport closes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}
