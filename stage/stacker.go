package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stacker/common"
	"stacker/server"
)

// ErrNoDevice is returned by stage methods whose device was not connected.
var ErrNoDevice = errors.New("device not connected")

// SampleStage carries the sample: x/y translation, phi rotation, a thermal
// chuck and a lift actuator.
type SampleStage struct {
	*Stage
	chuck    Chuck
	actuator Actuator
}

// NewSampleStage builds "sam" from motors keyed x, y, phi. chuck and actuator
// may be nil when the devices are not connected.
func NewSampleStage(c *common.Common, motors map[string]Motor, chuck Chuck, actuator Actuator, opts ...Option) (*SampleStage, error) {
	defs := []AxisDef{
		{Name: "x", Motor: motors["x"], Enabled: true, Scaling: -1, Units: "mm",
			Hint: "positive moves sample right (view moves left on screen)", Limits: &Limits{-25, 25}},
		{Name: "y", Motor: motors["y"], Enabled: true, Scaling: -1, Units: "mm",
			Hint: "positive moves sample away (view moves down on screen)", Limits: &Limits{-25, 25}},
		{Name: "phi", Motor: motors["phi"], Enabled: true, Scaling: 1, Units: "deg",
			Hint: "positive rotates clockwise (LHR about +z)", Limits: &Limits{-145, 110}},
	}
	s, err := New("sam", c, defs, opts...)
	if err != nil {
		return nil, err
	}
	return &SampleStage{Stage: s, chuck: chuck, actuator: actuator}, nil
}

// T returns the chuck temperature in °C.
func (s *SampleStage) T() (float64, error) {
	if s.chuck == nil {
		return 0, fmt.Errorf("sam: thermal chuck: %w", ErrNoDevice)
	}
	return s.chuck.Temperature()
}

// Tabs sets the chuck temperature.
func (s *SampleStage) Tabs(celsius float64) error {
	if s.chuck == nil {
		return fmt.Errorf("sam: thermal chuck: %w", ErrNoDevice)
	}
	s.log.Info("temperature setpoint", zap.Float64("celsius", celsius))
	return s.chuck.SetTemperature(celsius)
}

// Tr changes the chuck temperature by delta.
func (s *SampleStage) Tr(delta float64) error {
	current, err := s.T()
	if err != nil {
		return err
	}
	return s.Tabs(current + delta)
}

// Hold turns the vacuum hold-down on.
func (s *SampleStage) Hold() error {
	if s.chuck == nil {
		return fmt.Errorf("sam: thermal chuck: %w", ErrNoDevice)
	}
	s.log.Info("vacuum on")
	return s.chuck.SetVacuum(true)
}

// Release turns the vacuum hold-down off.
func (s *SampleStage) Release() error {
	if s.chuck == nil {
		return fmt.Errorf("sam: thermal chuck: %w", ErrNoDevice)
	}
	s.log.Info("vacuum off")
	return s.chuck.SetVacuum(false)
}

func (s *SampleStage) Methods() server.MethodTable {
	table := s.Stage.Methods()
	table["T"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return s.T()
	}
	table["Tabs"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		v, err := floatArg(args, kwargs, 0, "temperature")
		if err != nil {
			return nil, err
		}
		return nil, s.Tabs(v)
	}
	table["Tr"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		v, err := floatArg(args, kwargs, 0, "T_change")
		if err != nil {
			return nil, err
		}
		return nil, s.Tr(v)
	}
	table["Tunits"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "C", nil
	}
	table["hold"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, s.Hold()
	}
	table["release"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, s.Release()
	}
	table["up"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if s.actuator == nil {
			return nil, fmt.Errorf("sam: actuator: %w", ErrNoDevice)
		}
		return nil, s.actuator.Up()
	}
	table["down"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if s.actuator == nil {
			return nil, fmt.Errorf("sam: actuator: %w", ErrNoDevice)
		}
		return nil, s.actuator.Down()
	}
	return table
}

// NewCameraStage builds "cam" from a motor keyed z.
func NewCameraStage(c *common.Common, motors map[string]Motor, opts ...Option) (*Stage, error) {
	defs := []AxisDef{
		{Name: "z", Motor: motors["z"], Enabled: true, Scaling: -1, Units: "mm",
			Hint: "positive moves camera up (away from sample)"},
	}
	return New("cam", c, defs, opts...)
}

// Gripper positions in gripper-motor units.
const (
	GripperOpen   = 6.0
	GripperClosed = 11.0
)

// StampStage carries the stamp on a hexapod (x, y, hz, yaw, pitch, roll)
// plus a separate z motor and a gripper.
type StampStage struct {
	*Stage
	gripper Motor
	settle  time.Duration
	sleep   func(time.Duration)
}

// NewStampStage builds "stmp" from motors keyed x, y, z, hz, yaw, pitch,
// roll. gripper may be nil. settle is how long hold/release wait for the
// gripper to finish moving.
func NewStampStage(c *common.Common, motors map[string]Motor, gripper Motor, settle time.Duration, opts ...Option) (*StampStage, error) {
	defs := []AxisDef{
		{Name: "x", Motor: motors["x"], Enabled: true, Scaling: -1, Units: "mm", Hint: "positive moves stamp right"},
		{Name: "y", Motor: motors["y"], Enabled: true, Scaling: -1, Units: "mm", Hint: "positive moves stamp away (up in image)"},
		{Name: "z", Motor: motors["z"], Enabled: true, Scaling: 1, Units: "mm", Hint: "positive moves stamp up (away from sample)"},
		{Name: "hz", Motor: motors["hz"], Enabled: true, Scaling: -1, Units: "mm", Hint: "positive moves stamp up (away from sample)"},
		{Name: "yaw", Motor: motors["yaw"], Enabled: true, Scaling: 1, Units: "deg",
			Hint: "positive rotates clockwise (in-plane (phi) rotation; LHR about +z-axis)"},
		{Name: "pitch", Motor: motors["pitch"], Enabled: true, Scaling: 1, Units: "deg",
			Hint: "positive rotates stamp-holder up (RHR about -y-axis)"},
		{Name: "roll", Motor: motors["roll"], Enabled: true, Scaling: 1, Units: "deg",
			Hint: "positive rotates near-side up (RHR about -x-axis)"},
	}
	s, err := New("stmp", c, defs, opts...)
	if err != nil {
		return nil, err
	}
	return &StampStage{Stage: s, gripper: gripper, settle: settle, sleep: time.Sleep}, nil
}

// Hold closes the gripper.
func (s *StampStage) Hold() error {
	return s.moveGripper(GripperClosed)
}

// Release opens the gripper.
func (s *StampStage) Release() error {
	return s.moveGripper(GripperOpen)
}

func (s *StampStage) moveGripper(position float64) error {
	if s.gripper == nil {
		return fmt.Errorf("stmp: gripper: %w", ErrNoDevice)
	}
	s.log.Info("gripper", zap.Float64("position", position))
	if err := s.gripper.SetPosition(position); err != nil {
		return err
	}
	if s.settle > 0 {
		s.sleep(s.settle)
	}
	return nil
}

// Rock rolls the stamp +amount, -2·amount, +amount. A positive velocity is
// applied to the roll axis first.
func (s *StampStage) Rock(amount, velocity float64) error {
	roll, err := s.Axis("roll")
	if err != nil {
		return err
	}
	if velocity > 0 {
		if err := roll.SetVelocity(velocity); err != nil {
			return err
		}
	}
	for _, d := range []float64{amount, -2 * amount, amount} {
		if err := roll.MoveRelative(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *StampStage) Methods() server.MethodTable {
	table := s.Stage.Methods()
	table["hold"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, s.Hold()
	}
	table["release"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, s.Release()
	}
	table["rock"] = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		amount, _, err := optionalFloatArg(args, kwargs, 0, "amount", 1)
		if err != nil {
			return nil, err
		}
		velocity, _, err := optionalFloatArg(args, kwargs, 1, "velocity", 0)
		if err != nil {
			return nil, err
		}
		return nil, s.Rock(amount, velocity)
	}
	return table
}

// Stages groups the three stages the stacker server exposes.
type Stages struct {
	Sam  *SampleStage
	Cam  *Stage
	Stmp *StampStage
}

// Targets returns the stages keyed by their remote system name.
func (st *Stages) Targets() map[string]server.Target {
	return map[string]server.Target{
		"sam":  st.Sam,
		"cam":  st.Cam,
		"stmp": st.Stmp,
	}
}

// NewTestingStages builds all stages on dummy motors and devices.
func NewTestingStages(c *common.Common, opts ...Option) (*Stages, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	dummies := func(names map[string]string) map[string]Motor {
		m := make(map[string]Motor, len(names))
		for axis, motor := range names {
			m[axis] = NewDummyMotor(motor).SimulateTravel(o.sleep)
		}
		return m
	}

	sam, err := NewSampleStage(c, dummies(map[string]string{
		"x": "sam_xmotor", "y": "sam_ymotor", "phi": "sam_phimotor",
	}), NewDummyChuck(), &DummyActuator{}, opts...)
	if err != nil {
		return nil, err
	}
	cam, err := NewCameraStage(c, dummies(map[string]string{"z": "cam_zmotor"}), opts...)
	if err != nil {
		return nil, err
	}
	stmp, err := NewStampStage(c, dummies(map[string]string{
		"x": "hex_x", "y": "hex_y", "hz": "hex_z", "z": "stmp_zmotor",
		"yaw": "hex_yaw", "pitch": "hex_pitch", "roll": "hex_roll",
	}), NewDummyMotor("gripper"), 0, opts...)
	if err != nil {
		return nil, err
	}
	return &Stages{Sam: sam, Cam: cam, Stmp: stmp}, nil
}
