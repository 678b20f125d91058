package stage

import (
	"sync"
)

// Chuck is a temperature-controlled sample chuck with a vacuum hold-down
// (the Instec thermal chuck on the real instrument).
type Chuck interface {
	Temperature() (float64, error)
	SetTemperature(celsius float64) error
	SetVacuum(on bool) error
}

// Actuator raises and lowers the sample (Xeryon linear actuator).
type Actuator interface {
	Up() error
	Down() error
}

// DummyChuck is an in-memory Chuck that reaches its setpoint instantly.
type DummyChuck struct {
	mu          sync.Mutex
	temperature float64
	vacuum      bool
}

// NewDummyChuck returns a chuck at room temperature with the vacuum off.
func NewDummyChuck() *DummyChuck {
	return &DummyChuck{temperature: 25}
}

func (c *DummyChuck) Temperature() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temperature, nil
}

func (c *DummyChuck) SetTemperature(celsius float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = celsius
	return nil
}

func (c *DummyChuck) SetVacuum(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vacuum = on
	return nil
}

// Vacuum reports whether the hold-down is on.
func (c *DummyChuck) Vacuum() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vacuum
}

// DummyActuator records whether it is raised.
type DummyActuator struct {
	mu     sync.Mutex
	raised bool
}

func (a *DummyActuator) Up() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = true
	return nil
}

func (a *DummyActuator) Down() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = false
	return nil
}

// Raised reports the actuator state.
func (a *DummyActuator) Raised() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raised
}
