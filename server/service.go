package server

import (
	"context"
	"fmt"
	"sort"
)

// Method is one remotely callable operation of a target. Positional and
// keyword arguments arrive exactly as the client sent them.
type Method func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// MethodTable maps command names to methods. It is the complete allow-list
// for a target: nothing outside the table can be invoked remotely.
type MethodTable map[string]Method

// Target is a named server-side object, e.g. the sample stage "sam".
type Target interface {
	Methods() MethodTable
}

type service struct {
	name   string
	target Target
	method MethodTable
}

// newService snapshots the target's method table.
func newService(name string, target Target) (*service, error) {
	if name == "" {
		return nil, fmt.Errorf("stacker: target name is empty")
	}
	if target == nil {
		return nil, fmt.Errorf("stacker: target %s is nil", name)
	}
	methods := target.Methods()
	if len(methods) == 0 {
		return nil, fmt.Errorf("stacker: target %s has no methods", name)
	}
	return &service{name: name, target: target, method: methods}, nil
}

// Call invokes a method by name. A panic inside the method is returned as an
// error so one bad command cannot take the listen loop down.
func (s *service) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (ret any, err error) {
	m, ok := s.method[name]
	if !ok {
		return nil, fmt.Errorf("%s has no method %q", s.name, name)
	}
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, fmt.Errorf("panic in %s.%s: %v", s.name, name, r)
		}
	}()
	return m(ctx, args, kwargs)
}

// Names lists the method names in sorted order.
func (s *service) Names() []string {
	names := make([]string, 0, len(s.method))
	for n := range s.method {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
