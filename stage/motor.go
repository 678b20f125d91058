package stage

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Motor is the device-facing side of an axis. Hardware drivers (Newport,
// PI hexapod, Thorlabs, Xeryon) implement it; DummyMotor stands in for them.
type Motor interface {
	Name() string
	Position() (float64, error)
	SetPosition(position float64) error
	Velocity() (float64, error)
	SetVelocity(velocity float64) error
}

// DummyMotor is an in-memory motor. It reaches its target instantly
// unless travel is simulated, in which case a move takes
// |distance|/velocity seconds.
type DummyMotor struct {
	name  string
	sleep func(time.Duration) // nil: no travel time

	mu       sync.Mutex
	position float64
	velocity float64
}

// NewDummyMotor returns a motor at position 0 with velocity 1.
func NewDummyMotor(name string) *DummyMotor {
	return &DummyMotor{name: name, velocity: 1}
}

// SimulateTravel makes moves wait for the travel time through sleep.
func (m *DummyMotor) SimulateTravel(sleep func(time.Duration)) *DummyMotor {
	m.sleep = sleep
	return m
}

func (m *DummyMotor) Name() string { return m.name }

func (m *DummyMotor) Position() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *DummyMotor) SetPosition(position float64) error {
	m.mu.Lock()
	travel := m.travelTime(position)
	m.mu.Unlock()
	if travel > 0 {
		m.sleep(travel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = position
	return nil
}

// travelTime is zero unless travel is simulated. Callers hold m.mu.
func (m *DummyMotor) travelTime(target float64) time.Duration {
	if m.sleep == nil {
		return 0
	}
	return time.Duration(math.Abs(target-m.position) / m.velocity * float64(time.Second))
}

func (m *DummyMotor) Velocity() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.velocity, nil
}

func (m *DummyMotor) SetVelocity(velocity float64) error {
	if !(velocity > 0) || math.IsInf(velocity, 1) {
		return fmt.Errorf("%s: velocity must be positive and finite, got %g", m.name, velocity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.velocity = velocity
	return nil
}
