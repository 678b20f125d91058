package client

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stacker/message"
)

// CacheSuffix marks a read that may be answered from the cache, e.g.
// "pos__cache" reads "pos".
const CacheSuffix = "__cache"

// Sender delivers a command and returns its response. *Client implements it.
type Sender interface {
	Send(ctx context.Context, cmd *message.Command) *message.Response
}

// CommandError is a failed response seen through a typed call.
type CommandError struct {
	Command   string
	Reason    string
	Exception string
}

func (e *CommandError) Error() string {
	if e.Exception != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.Command, e.Reason, e.Exception)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

// StageClient stands in for a stage on the server. Every method name the
// remote stage publishes can be invoked through Dispatch or Call.
type StageClient struct {
	name   string
	sender Sender
	cache  *Cache // nil when caching is off
	log    *zap.Logger
}

// NewStageClient creates a proxy for the remote target name. A nil cache
// disables caching.
func NewStageClient(name string, sender Sender, cache *Cache, log *zap.Logger) *StageClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &StageClient{name: name, sender: sender, cache: cache, log: log.Named(name)}
}

func (s *StageClient) Name() string { return s.name }

// Cache returns the proxy's cache, or nil.
func (s *StageClient) Cache() *Cache { return s.cache }

// mutationFamily returns the cache keys a call to method makes wrong.
// Moves ("xabs", "xr") and origin changes ("xorigin") affect the axis
// reads "x" and "xpos" as well as the stage-wide "pos" and "posv".
func mutationFamily(method string) ([]string, bool) {
	var base string
	switch {
	case strings.HasSuffix(method, "abs"):
		base = strings.TrimSuffix(method, "abs")
	case strings.HasSuffix(method, "origin"):
		base = strings.TrimSuffix(method, "origin")
	case strings.HasSuffix(method, "r"):
		base = strings.TrimSuffix(method, "r")
	default:
		return nil, false
	}
	return []string{base, base + "pos", "pos", "posv"}, true
}

// Dispatch invokes method on the remote stage.
//
// With caching on, a method ending in CacheSuffix is answered from the
// cache when it holds a valid entry, and otherwise dispatched without the
// suffix. A mutating method invalidates its cache family before the
// command is sent, whatever the outcome of the call. Every successful
// response is stored under its method name.
func (s *StageClient) Dispatch(ctx context.Context, method string, args []any, kwargs map[string]any) *message.Response {
	if base, ok := strings.CutSuffix(method, CacheSuffix); ok {
		method = base
		if s.cache != nil {
			if v, hit := s.cache.Lookup(method); hit {
				s.log.Debug("using cached value", zap.String("method", method), zap.Any("value", v))
				resp := message.Success(v)
				resp.Msgs = []string{}
				return resp
			}
		}
	} else if s.cache != nil {
		if family, mutating := mutationFamily(method); mutating {
			s.cache.Invalidate(family...)
		}
	}

	resp := s.sender.Send(ctx, &message.Command{
		System:  s.name,
		Command: method,
		Args:    args,
		Kwargs:  kwargs,
	})

	if s.cache != nil && resp.OK() {
		s.log.Debug("updating cache", zap.String("method", method), zap.Any("value", resp.ReturnValue))
		s.cache.Store(method, resp.ReturnValue)
	}
	return resp
}

// Call invokes method with positional arguments and returns the remote
// return value, which is nil when the command failed.
func (s *StageClient) Call(ctx context.Context, method string, args ...any) any {
	return s.Dispatch(ctx, method, args, nil).ReturnValue
}

// CallKw is Call with keyword arguments.
func (s *StageClient) CallKw(ctx context.Context, method string, kwargs map[string]any, args ...any) any {
	return s.Dispatch(ctx, method, args, kwargs).ReturnValue
}

// Cached is Call for a read that may be served from the cache.
func (s *StageClient) Cached(ctx context.Context, method string, args ...any) any {
	return s.Call(ctx, method+CacheSuffix, args...)
}

// Do invokes method and converts a failed response to a *CommandError.
func (s *StageClient) Do(ctx context.Context, method string, args ...any) (any, error) {
	resp := s.Dispatch(ctx, method, args, nil)
	if !resp.OK() {
		return nil, &CommandError{
			Command:   s.name + "." + strings.TrimSuffix(method, CacheSuffix),
			Reason:    resp.Reason,
			Exception: resp.Exception,
		}
	}
	return resp.ReturnValue, nil
}

// Axis returns typed operations for one axis of the remote stage.
func (s *StageClient) Axis(name string) AxisClient {
	return AxisClient{stage: s, name: name}
}

// Pos returns the positions of every axis.
func (s *StageClient) Pos(ctx context.Context) (map[string]any, error) {
	return s.mapCall(ctx, "pos")
}

// Posv returns positions, velocities and change timestamps.
func (s *StageClient) Posv(ctx context.Context) (map[string]any, error) {
	return s.mapCall(ctx, "posv")
}

// Limits returns [min, max] for every bounded axis.
func (s *StageClient) Limits(ctx context.Context) (map[string]any, error) {
	return s.mapCall(ctx, "limits")
}

func (s *StageClient) mapCall(ctx context.Context, method string) (map[string]any, error) {
	v, err := s.Do(ctx, method)
	if err != nil {
		return nil, err
	}
	return toStringMap(v)
}

// toStringMap accepts the map shapes the codecs decode to.
func toStringMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
}

// AxisClient is the typed view of one remote axis.
type AxisClient struct {
	stage *StageClient
	name  string
}

func (a AxisClient) Name() string { return a.name }

func (a AxisClient) float(ctx context.Context, method string, args ...any) (float64, error) {
	v, err := a.stage.Do(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	return message.ToFloat(v)
}

// Position reads the axis position from the server.
func (a AxisClient) Position(ctx context.Context) (float64, error) {
	return a.float(ctx, a.name+"pos")
}

// CachedPosition reads the position, from the cache when possible.
func (a AxisClient) CachedPosition(ctx context.Context) (float64, error) {
	return a.float(ctx, a.name+"pos"+CacheSuffix)
}

// MoveAbsolute moves to position and returns the new position.
func (a AxisClient) MoveAbsolute(ctx context.Context, position float64) (float64, error) {
	return a.float(ctx, a.name+"abs", position)
}

// MoveRelative moves by delta and returns the new position.
func (a AxisClient) MoveRelative(ctx context.Context, delta float64) (float64, error) {
	return a.float(ctx, a.name+"r", delta)
}

// SetOrigin redefines the current position as position.
func (a AxisClient) SetOrigin(ctx context.Context, position float64) (float64, error) {
	return a.float(ctx, a.name+"origin", position)
}

func (a AxisClient) Velocity(ctx context.Context) (float64, error) {
	return a.float(ctx, a.name+"vel")
}

// SetVelocity sets the velocity and returns the value the axis reports.
func (a AxisClient) SetVelocity(ctx context.Context, velocity float64) (float64, error) {
	return a.float(ctx, a.name+"vel", velocity)
}
