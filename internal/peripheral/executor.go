package peripheral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// Executor applies device operations to a board through a bus. It owns
// every output pin and PWM timer of the board.
type Executor struct {
	board  Board
	bus    Bus
	logger *logrus.Entry
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	leds   map[uint8]LEDState
	relays map[uint8]bool
	servos map[uint8]ServoState
	pwm    map[uint8]PWMState
	timers map[int]timerConfig
}

type timerConfig struct {
	frequency  uint32
	resolution int
}

// LEDState is the observable state of one LED.
type LEDState struct {
	ID         uint8 `json:"id"`
	On         bool  `json:"on"`
	Brightness uint8 `json:"brightness"`
	Dimmed     bool  `json:"dimmed"`
}

// ServoState is the last commanded position of a servo.
type ServoState struct {
	ID        uint8     `json:"id"`
	Kind      ServoKind `json:"kind"`
	Angle     int       `json:"angle"`
	Commanded bool      `json:"commanded"`
	Direction Direction `json:"direction,omitempty"`
}

// PWMState is the last setting of a PWM output.
type PWMState struct {
	Channel    uint8   `json:"channel"`
	Frequency  uint32  `json:"frequency"`
	Duty       float64 `json:"duty_cycle"`
	Resolution int     `json:"resolution"`
}

// RelayState is the state of one relay.
type RelayState struct {
	ID uint8 `json:"id"`
	On bool  `json:"on"`
}

// Snapshot is the state of every peripheral on the board.
type Snapshot struct {
	Board  string       `json:"board"`
	LEDs   []LEDState   `json:"leds"`
	Relays []RelayState `json:"relays"`
	Servos []ServoState `json:"servos"`
	PWM    []PWMState   `json:"pwm"`
}

// NewExecutor validates board and drives every output to its idle level.
func NewExecutor(board Board, bus Bus, logger *logrus.Logger) (*Executor, error) {
	if err := board.Validate(); err != nil {
		return nil, fmt.Errorf("board %s: %w", board.Name, err)
	}

	e := &Executor{
		board:  board,
		bus:    bus,
		logger: logger.WithFields(logrus.Fields{"component": "peripheral", "board": board.Name}),
		sleep:  sleepContext,
		leds:   map[uint8]LEDState{},
		relays: map[uint8]bool{},
		servos: map[uint8]ServoState{},
		pwm:    map[uint8]PWMState{},
		timers: map[int]timerConfig{},
	}

	for _, l := range board.LEDs {
		if err := bus.DigitalWrite(l.Pin, l.ActiveLow); err != nil {
			return nil, fmt.Errorf("led %d init: %w", l.ID, err)
		}
		e.leds[l.ID] = LEDState{ID: l.ID}
	}
	for _, r := range board.Relays {
		if err := bus.DigitalWrite(r.Pin, r.ActiveLow); err != nil {
			return nil, fmt.Errorf("relay %d init: %w", r.ID, err)
		}
		e.relays[r.ID] = false
	}
	for _, s := range board.Servos {
		e.servos[s.ID] = ServoState{ID: s.ID, Kind: s.Kind}
	}
	for _, p := range board.PWM {
		e.pwm[p.Channel] = PWMState{Channel: p.Channel}
	}

	return e, nil
}

// Board returns the board record.
func (e *Executor) Board() Board {
	return e.board
}

// Bus returns the bus the executor drives.
func (e *Executor) Bus() Bus {
	return e.bus
}

// IDs lists the addressable ids of a device family, in board order.
func (e *Executor) IDs(t core.DeviceType) []uint8 {
	return e.board.ids(t)
}

// ServoKind reports the kind of servo id.
func (e *Executor) ServoKind(id uint8) (ServoKind, error) {
	spec, ok := e.board.servo(id)
	if !ok {
		return "", fmt.Errorf("%w: servo %d", ErrInvalidID, id)
	}
	return spec.Kind, nil
}

// SetLED switches an LED fully on or off.
func (e *Executor) SetLED(id uint8, on bool) error {
	spec, ok := e.board.led(id)
	if !ok {
		return fmt.Errorf("%w: led %d", ErrInvalidID, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.leds[id]
	if state.Dimmed {
		// The pin is attached to a PWM channel; drive it at full or zero duty.
		counts := uint32(0)
		if on {
			counts = uint32(1)<<LEDResolution - 1
		}
		if spec.ActiveLow {
			counts = uint32(1)<<LEDResolution - 1 - counts
		}
		if err := e.bus.SetDuty(spec.PWMChannel, counts); err != nil {
			return err
		}
	} else if err := e.bus.DigitalWrite(spec.Pin, on != spec.ActiveLow); err != nil {
		return err
	}

	state.On = on
	state.Brightness = 0
	if on {
		state.Brightness = 255
	}
	e.leds[id] = state
	return nil
}

// SetBrightness dims an LED through its PWM channel.
func (e *Executor) SetBrightness(id uint8, level uint8) error {
	spec, ok := e.board.led(id)
	if !ok {
		return fmt.Errorf("%w: led %d", ErrInvalidID, id)
	}
	if !spec.HasPWM {
		return fmt.Errorf("%w: led %d", ErrPWMNotAvailable, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.configureTimer(spec.PWMChannel, spec.Pin, LEDFrequency, LEDResolution); err != nil {
		return err
	}

	full := uint32(1)<<LEDResolution - 1
	counts := uint32(level) * full / 255
	if spec.ActiveLow {
		counts = full - counts
	}
	if err := e.bus.SetDuty(spec.PWMChannel, counts); err != nil {
		return err
	}

	e.leds[id] = LEDState{ID: id, On: level > 0, Brightness: level, Dimmed: true}
	return nil
}

// SetRelay switches a relay and waits for the contacts to settle.
func (e *Executor) SetRelay(ctx context.Context, id uint8, on bool) error {
	spec, ok := e.board.relay(id)
	if !ok {
		return fmt.Errorf("%w: relay %d", ErrInvalidID, id)
	}

	e.mu.Lock()
	err := e.bus.DigitalWrite(spec.Pin, on != spec.ActiveLow)
	if err == nil {
		e.relays[id] = on
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.sleep(ctx, e.board.RelaySettle); err != nil {
		e.logger.WithField("relay", id).Debug("Relay settle interrupted")
	}
	return nil
}

// SetServo moves a servo. Continuous servos interpret the angle as a
// direction: below 90 reverse, 90 stop, above 90 forward.
func (e *Executor) SetServo(id uint8, angle int) error {
	spec, ok := e.board.servo(id)
	if !ok {
		return fmt.Errorf("%w: servo %d", ErrInvalidID, id)
	}
	if angle < 0 || angle > 180 {
		return fmt.Errorf("%w: angle %d", ErrOutOfRange, angle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res := ResolutionFor(ServoFrequency, ServoMaxBits)
	if err := e.configureTimer(spec.PWMChannel, spec.Pin, ServoFrequency, res); err != nil {
		return err
	}
	if err := e.bus.SetDuty(spec.PWMChannel, ServoCounts(ServoPulse(spec, angle), res)); err != nil {
		return err
	}

	state := ServoState{ID: id, Kind: spec.Kind, Angle: angle, Commanded: true}
	if spec.Kind == ServoContinuous {
		state.Direction = ContinuousDirection(angle)
	}
	e.servos[id] = state
	return nil
}

// SetPWM sets frequency and duty cycle (percent) of a PWM output.
func (e *Executor) SetPWM(channel uint8, frequency uint32, duty float64) error {
	spec, ok := e.board.pwm(channel)
	if !ok {
		return fmt.Errorf("%w: channel %d", ErrInvalidChannel, channel)
	}
	if frequency < 1 || frequency > 40000 {
		return fmt.Errorf("%w: frequency %d", ErrOutOfRange, frequency)
	}
	if duty < 0 || duty > 100 {
		return fmt.Errorf("%w: duty %g", ErrOutOfRange, duty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res := ResolutionFor(frequency, spec.MaxResolution)
	if err := e.configureTimer(spec.HWChannel, spec.Pin, frequency, res); err != nil {
		return err
	}
	if err := e.bus.SetDuty(spec.HWChannel, DutyCounts(duty, res)); err != nil {
		return err
	}

	e.pwm[channel] = PWMState{Channel: channel, Frequency: frequency, Duty: duty, Resolution: res}
	return nil
}

// PWMState returns the last setting of channel.
func (e *Executor) PWMState(channel uint8) (PWMState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.pwm[channel]
	if !ok {
		return PWMState{}, fmt.Errorf("%w: channel %d", ErrInvalidChannel, channel)
	}
	return state, nil
}

// Snapshot returns the state of every peripheral.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{Board: e.board.Name}
	for _, l := range e.board.LEDs {
		snap.LEDs = append(snap.LEDs, e.leds[l.ID])
	}
	for _, r := range e.board.Relays {
		snap.Relays = append(snap.Relays, RelayState{ID: r.ID, On: e.relays[r.ID]})
	}
	for _, s := range e.board.Servos {
		snap.Servos = append(snap.Servos, e.servos[s.ID])
	}
	for _, p := range e.board.PWM {
		snap.PWM = append(snap.PWM, e.pwm[p.Channel])
	}
	return snap
}

// configureTimer reconfigures a hardware channel only when its settings
// change. Callers hold e.mu.
func (e *Executor) configureTimer(hwChannel, pin int, frequency uint32, resolution int) error {
	want := timerConfig{frequency: frequency, resolution: resolution}
	if e.timers[hwChannel] == want {
		return nil
	}
	if err := e.bus.ConfigurePWM(hwChannel, pin, frequency, resolution); err != nil {
		return err
	}
	e.timers[hwChannel] = want
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
