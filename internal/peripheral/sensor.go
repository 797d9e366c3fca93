package peripheral

import (
	"context"

	"example.com/backstage/services/endpoint/internal/core"
)

// Sensor reads one attached sensor through the bus.
type Sensor struct {
	spec SensorSpec
	bus  Bus
}

func (s *Sensor) Name() string { return s.spec.Name }

func (s *Sensor) Kind() core.SensorKind { return s.spec.Kind }

// Read performs one sensor transaction.
func (s *Sensor) Read(ctx context.Context) (core.SensorSample, error) {
	return s.bus.ReadSensor(ctx, s.spec)
}

// Sensors returns a reader for every sensor on the board.
func (e *Executor) Sensors() []*Sensor {
	sensors := make([]*Sensor, 0, len(e.board.Sensors))
	for _, spec := range e.board.Sensors {
		sensors = append(sensors, &Sensor{spec: spec, bus: e.bus})
	}
	return sensors
}

// BootKey reads the active-low boot button.
type BootKey struct {
	bus Bus
	pin int
}

// BootKey returns the board's boot button.
func (e *Executor) BootKey() *BootKey {
	return &BootKey{bus: e.bus, pin: e.board.BootKeyPin}
}

// Pressed reports whether the button is held down.
func (k *BootKey) Pressed() (bool, error) {
	level, err := k.bus.DigitalRead(k.pin)
	if err != nil {
		return false, err
	}
	return !level, nil
}
