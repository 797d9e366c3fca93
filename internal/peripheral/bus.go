package peripheral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
)

// Bus drives pins and timers. The executor is its only writer.
type Bus interface {
	DigitalWrite(pin int, high bool) error
	DigitalRead(pin int) (bool, error)
	ConfigurePWM(hwChannel, pin int, frequency uint32, resolution int) error
	SetDuty(hwChannel int, counts uint32) error
	ReadSensor(ctx context.Context, spec SensorSpec) (core.SensorSample, error)
	Close() error
}

// Write is one recorded bus mutation.
type Write struct {
	Pin       int
	HWChannel int
	High      bool
	Counts    uint32
	Frequency uint32
	At        time.Time
}

// PWMOutput is the last configuration of a hardware channel.
type PWMOutput struct {
	Pin        int
	Frequency  uint32
	Resolution int
	Counts     uint32
}

// MemoryBus keeps pin state in memory. It backs tests and hosts without
// attached hardware.
type MemoryBus struct {
	mu      sync.Mutex
	levels  map[int]bool
	inputs  map[int]bool
	pwm     map[int]PWMOutput
	writes  []Write
	samples map[string]sensorResult
}

type sensorResult struct {
	sample core.SensorSample
	err    error
}

// NewMemoryBus returns an empty bus. Unset inputs read high (pull-up).
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		levels:  map[int]bool{},
		inputs:  map[int]bool{},
		pwm:     map[int]PWMOutput{},
		samples: map[string]sensorResult{},
	}
}

func (m *MemoryBus) DigitalWrite(pin int, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = high
	m.writes = append(m.writes, Write{Pin: pin, HWChannel: -1, High: high, At: time.Now()})
	return nil
}

func (m *MemoryBus) DigitalRead(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level, ok := m.inputs[pin]; ok {
		return level, nil
	}
	return true, nil
}

func (m *MemoryBus) ConfigurePWM(hwChannel, pin int, frequency uint32, resolution int) error {
	if resolution < 1 || resolution > 20 {
		return fmt.Errorf("%w: resolution %d", ErrOutOfRange, resolution)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pwm[hwChannel]
	out.Pin, out.Frequency, out.Resolution, out.Counts = pin, frequency, resolution, 0
	m.pwm[hwChannel] = out
	m.writes = append(m.writes, Write{Pin: pin, HWChannel: hwChannel, Frequency: frequency, At: time.Now()})
	return nil
}

func (m *MemoryBus) SetDuty(hwChannel int, counts uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.pwm[hwChannel]
	if !ok {
		return fmt.Errorf("%w: hardware channel %d not configured", ErrPWMNotAvailable, hwChannel)
	}
	out.Counts = counts
	m.pwm[hwChannel] = out
	m.writes = append(m.writes, Write{Pin: out.Pin, HWChannel: hwChannel, Counts: counts, Frequency: out.Frequency, At: time.Now()})
	return nil
}

func (m *MemoryBus) ReadSensor(ctx context.Context, spec SensorSpec) (core.SensorSample, error) {
	if err := ctx.Err(); err != nil {
		return core.SensorSample{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.samples[spec.Name]
	if !ok {
		return core.SensorSample{}, fmt.Errorf("sensor %s: no sample", spec.Name)
	}
	sample := res.sample
	sample.Sensor, sample.Kind = spec.Name, spec.Kind
	return sample, res.err
}

func (m *MemoryBus) Close() error { return nil }

// SetInput sets the level read back from pin.
func (m *MemoryBus) SetInput(pin int, high bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[pin] = high
}

// SetSensor scripts the result of reading the named sensor.
func (m *MemoryBus) SetSensor(name string, sample core.SensorSample, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[name] = sensorResult{sample: sample, err: err}
}

// Level returns the last level written to pin.
func (m *MemoryBus) Level(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

// PWM returns the state of a hardware channel.
func (m *MemoryBus) PWM(hwChannel int) (PWMOutput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.pwm[hwChannel]
	return out, ok
}

// Writes returns a copy of every recorded mutation.
func (m *MemoryBus) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}
