package stage

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAxisDisabled = errors.New("axis is disabled")
	ErrOutOfLimits  = errors.New("position outside axis limits")
	ErrUnknownAxis  = errors.New("unknown axis")
	ErrUnknownMark  = errors.New("unknown mark")
)

// Limits bounds an axis in user coordinates.
type Limits struct {
	Min, Max float64
}

// AxisDef describes one degree of freedom of a stage.
type AxisDef struct {
	Name    string
	Motor   Motor
	Enabled bool
	// Scaling maps motor units to user units; -1 flips the direction.
	Scaling float64
	Units   string
	Hint    string
	Limits  *Limits
}

// Axis layers a linear coordinate transform over a motor:
//
//	user = Scaling*motor + offset
type Axis struct {
	def AxisDef
	log *zap.Logger
	now func() time.Time

	mu         sync.Mutex
	offset     float64
	lastChange time.Time
}

func newAxis(def AxisDef, log *zap.Logger, now func() time.Time) (*Axis, error) {
	if def.Name == "" {
		return nil, errors.New("axis name is empty")
	}
	if def.Motor == nil {
		return nil, fmt.Errorf("axis %s: no motor", def.Name)
	}
	if def.Scaling == 0 {
		return nil, fmt.Errorf("axis %s: scaling must be non-zero", def.Name)
	}
	if def.Limits != nil && def.Limits.Min > def.Limits.Max {
		return nil, fmt.Errorf("axis %s: limits reversed", def.Name)
	}
	return &Axis{def: def, log: log.With(zap.String("axis", def.Name)), now: now, lastChange: now()}, nil
}

func (a *Axis) Name() string  { return a.def.Name }
func (a *Axis) Units() string { return a.def.Units }
func (a *Axis) Hint() string  { return a.def.Hint }

// Limits returns the axis limits, or nil if the axis is unbounded.
func (a *Axis) Limits() *Limits { return a.def.Limits }

// LastChange is the time of the last move or origin change.
func (a *Axis) LastChange() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastChange
}

// Position returns the current position in user units.
func (a *Axis) Position() (float64, error) {
	m, err := a.def.Motor.Position()
	if err != nil {
		return 0, fmt.Errorf("%s: read %s: %w", a.def.Name, a.def.Motor.Name(), err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.def.Scaling*m + a.offset, nil
}

// MoveAbsolute moves the axis to position (user units).
func (a *Axis) MoveAbsolute(position float64) error {
	if !a.def.Enabled {
		return fmt.Errorf("%s: %w", a.def.Name, ErrAxisDisabled)
	}
	if !finite(position) {
		return fmt.Errorf("%s: %g %s: %w", a.def.Name, position, a.def.Units, ErrOutOfLimits)
	}
	if l := a.def.Limits; l != nil && (position < l.Min || position > l.Max) {
		return fmt.Errorf("%s: %g %s not in [%g, %g]: %w", a.def.Name, position, a.def.Units, l.Min, l.Max, ErrOutOfLimits)
	}

	a.mu.Lock()
	target := (position - a.offset) / a.def.Scaling
	a.mu.Unlock()

	a.log.Info("move", zap.Float64("position", position), zap.String("units", a.def.Units))
	if err := a.def.Motor.SetPosition(target); err != nil {
		return fmt.Errorf("%s: move %s: %w", a.def.Name, a.def.Motor.Name(), err)
	}

	a.mu.Lock()
	a.lastChange = a.now()
	a.mu.Unlock()
	return nil
}

// MoveRelative moves the axis by delta (user units).
func (a *Axis) MoveRelative(delta float64) error {
	current, err := a.Position()
	if err != nil {
		return err
	}
	return a.MoveAbsolute(current + delta)
}

// SetOrigin redefines the current position to read as position,
// without moving the motor.
func (a *Axis) SetOrigin(position float64) error {
	if !finite(position) {
		return fmt.Errorf("%s: origin %g: %w", a.def.Name, position, ErrOutOfLimits)
	}
	m, err := a.def.Motor.Position()
	if err != nil {
		return fmt.Errorf("%s: read %s: %w", a.def.Name, a.def.Motor.Name(), err)
	}
	a.mu.Lock()
	a.offset = position - a.def.Scaling*m
	a.lastChange = a.now()
	a.mu.Unlock()

	a.log.Info("origin set", zap.Float64("position", position))
	return nil
}

// Velocity returns the speed in user units per second.
func (a *Axis) Velocity() (float64, error) {
	v, err := a.def.Motor.Velocity()
	if err != nil {
		return 0, fmt.Errorf("%s: velocity: %w", a.def.Name, err)
	}
	return v * math.Abs(a.def.Scaling), nil
}

// SetVelocity sets the speed in user units per second.
func (a *Axis) SetVelocity(velocity float64) error {
	if !(velocity > 0) || math.IsInf(velocity, 1) {
		return fmt.Errorf("%s: velocity must be positive and finite, got %g", a.def.Name, velocity)
	}
	a.log.Info("velocity", zap.Float64("velocity", velocity))
	return a.def.Motor.SetVelocity(velocity / math.Abs(a.def.Scaling))
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
