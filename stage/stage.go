// Package stage models the motorized stages of the stacker: named axes with a
// linear coordinate transform over a motor, grouped into stages that the
// command server exposes to remote clients.
//
// Each stage publishes a data-driven method table. For an axis "x":
//
//	x, xpos      read position
//	xabs(p)      move to p
//	xr(d)        move by d
//	xvel([v])    read velocity, or set it when v is given
//	xorigin([p]) redefine the current position as p (default 0)
//	xunits       units string
//
// plus the stage-level pos, posv, limits, mark, marks and goto.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"stacker/common"
	"stacker/message"
	"stacker/server"
)

// Stage is an ordered set of axes with named marks.
type Stage struct {
	name   string
	common *common.Common
	log    *zap.Logger

	axes  map[string]*Axis
	order []string

	mu    sync.Mutex
	marks map[string]map[string]float64
}

// Option configures a Stage.
type Option func(*options)

type options struct {
	now   func() time.Time
	sleep func(time.Duration)
}

// WithClock overrides time.Now for axis change timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTravel makes NewTestingStages build dummy motors that take
// |distance|/velocity to move, waiting through sleep.
func WithTravel(sleep func(time.Duration)) Option {
	return func(o *options) { o.sleep = sleep }
}

// New builds a stage from axis definitions, keeping their order.
func New(name string, c *common.Common, defs []AxisDef, opts ...Option) (*Stage, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stage{
		name:   name,
		common: c,
		log:    c.Named(name),
		axes:   make(map[string]*Axis, len(defs)),
		marks:  make(map[string]map[string]float64),
	}
	for _, def := range defs {
		if _, dup := s.axes[def.Name]; dup {
			return nil, fmt.Errorf("stage %s: duplicate axis %s", name, def.Name)
		}
		axis, err := newAxis(def, s.log, o.now)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		s.axes[def.Name] = axis
		s.order = append(s.order, def.Name)
	}
	return s, nil
}

func (s *Stage) Name() string { return s.name }

// AxisNames returns the axis names in definition order.
func (s *Stage) AxisNames() []string {
	return append([]string(nil), s.order...)
}

// Axis looks up an axis by name.
func (s *Stage) Axis(name string) (*Axis, error) {
	a, ok := s.axes[name]
	if !ok {
		return nil, fmt.Errorf("stage %s: %w %q", s.name, ErrUnknownAxis, name)
	}
	return a, nil
}

// Pos returns the position of every axis.
func (s *Stage) Pos() (map[string]any, error) {
	pos := make(map[string]any, len(s.order))
	for _, name := range s.order {
		p, err := s.axes[name].Position()
		if err != nil {
			return nil, err
		}
		pos[name] = p
	}
	return pos, nil
}

// Posv returns positions, velocities ("<axis>vel") and the unix time of the
// last change ("<axis>__timestamp") of every axis.
func (s *Stage) Posv() (map[string]any, error) {
	pos := make(map[string]any, 3*len(s.order))
	for _, name := range s.order {
		a := s.axes[name]
		p, err := a.Position()
		if err != nil {
			return nil, err
		}
		v, err := a.Velocity()
		if err != nil {
			return nil, err
		}
		pos[name] = p
		pos[name+"vel"] = v
		pos[name+"__timestamp"] = float64(a.LastChange().UnixNano()) / 1e9
	}
	return pos, nil
}

// Limits returns [min, max] for every axis that has soft limits.
func (s *Stage) Limits() map[string]any {
	limits := make(map[string]any)
	for _, name := range s.order {
		if l := s.axes[name].Limits(); l != nil {
			limits[name] = []any{l.Min, l.Max}
		}
	}
	return limits
}

// Mark records the current position of every axis under label.
func (s *Stage) Mark(label string) error {
	pos, err := s.Pos()
	if err != nil {
		return err
	}
	mark := make(map[string]float64, len(pos))
	for k, v := range pos {
		mark[k] = v.(float64)
	}
	s.mu.Lock()
	s.marks[label] = mark
	s.mu.Unlock()
	s.log.Info("marked", zap.String("label", label))
	return nil
}

// Marks returns a copy of all marked positions.
func (s *Stage) Marks() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.marks))
	for label, mark := range s.marks {
		m := make(map[string]any, len(mark))
		for k, v := range mark {
			m[k] = v
		}
		out[label] = m
	}
	return out
}

// Goto moves every axis to the position stored under label. Overrides may
// replace a marked value ("<axis>abs") or offset it ("<axis>r"), e.g. to go
// 3 mm right of the left edge: Goto("left edge", {"xr": 3}).
func (s *Stage) Goto(label string, overrides map[string]float64) error {
	s.mu.Lock()
	mark, ok := s.marks[label]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("label not recognized; use marks() for the list of marked positions", zap.String("label", label))
		return fmt.Errorf("stage %s: %w %q", s.name, ErrUnknownMark, label)
	}

	names := make([]string, 0, len(mark))
	for name := range mark {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		position := mark[name]
		if v, ok := overrides[name+"abs"]; ok {
			position = v
		}
		position += overrides[name+"r"]
		if err := s.axes[name].MoveAbsolute(position); err != nil {
			return err
		}
	}
	return nil
}

// Methods implements server.Target.
func (s *Stage) Methods() server.MethodTable {
	table := server.MethodTable{}
	for _, name := range s.order {
		addAxisMethods(table, s.axes[name])
	}

	table["pos"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return s.Pos()
	}
	table["posv"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return s.Posv()
	}
	table["limits"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return s.Limits(), nil
	}
	table["mark"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		label, err := stringArg(args, kwargs, 0, "label")
		if err != nil {
			return nil, err
		}
		return nil, s.Mark(label)
	}
	table["marks"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return s.Marks(), nil
	}
	table["goto"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		label, err := stringArg(args, kwargs, 0, "label")
		if err != nil {
			return nil, err
		}
		overrides := make(map[string]float64)
		for k, v := range kwargs {
			if k == "label" {
				continue
			}
			f, err := message.ToFloat(v)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", k, err)
			}
			overrides[k] = f
		}
		return nil, s.Goto(label, overrides)
	}
	return table
}

func addAxisMethods(table server.MethodTable, a *Axis) {
	name := a.Name()

	read := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return a.Position()
	}
	table[name] = read
	table[name+"pos"] = read

	table[name+"abs"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		p, err := floatArg(args, kwargs, 0, "position")
		if err != nil {
			return nil, err
		}
		if err := a.MoveAbsolute(p); err != nil {
			return nil, err
		}
		return a.Position()
	}
	table[name+"r"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		d, err := floatArg(args, kwargs, 0, "delta")
		if err != nil {
			return nil, err
		}
		if err := a.MoveRelative(d); err != nil {
			return nil, err
		}
		return a.Position()
	}
	table[name+"vel"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		v, set, err := optionalFloatArg(args, kwargs, 0, "velocity", 0)
		if err != nil {
			return nil, err
		}
		if set {
			if err := a.SetVelocity(v); err != nil {
				return nil, err
			}
		}
		return a.Velocity()
	}
	table[name+"origin"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		p, _, err := optionalFloatArg(args, kwargs, 0, "position", 0)
		if err != nil {
			return nil, err
		}
		if err := a.SetOrigin(p); err != nil {
			return nil, err
		}
		return a.Position()
	}
	table[name+"units"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return a.Units(), nil
	}
}
