package peripheral

import (
	"fmt"
	"sort"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
)

// LEDSpec wires one LED. PWMChannel is the hardware channel used for
// brightness and is only meaningful when HasPWM is set.
type LEDSpec struct {
	ID         uint8
	Pin        int
	ActiveLow  bool
	HasPWM     bool
	PWMChannel int
}

// RelaySpec wires one relay coil driver.
type RelaySpec struct {
	ID        uint8
	Pin       int
	ActiveLow bool
}

// ServoKind distinguishes positional servos from continuous-rotation ones.
type ServoKind string

const (
	ServoStandard   ServoKind = "standard"
	ServoContinuous ServoKind = "continuous"
)

// ServoSpec wires one servo to a hardware PWM channel running at 50 Hz.
type ServoSpec struct {
	ID         uint8
	Pin        int
	Kind       ServoKind
	PWMChannel int
	MinPulse   time.Duration
	MaxPulse   time.Duration
}

// PWMSpec is a user-addressable PWM output.
type PWMSpec struct {
	Channel       uint8
	Pin           int
	HWChannel     int
	MaxResolution int
}

// SensorSpec describes one attached sensor.
type SensorSpec struct {
	Name string
	Kind core.SensorKind
	Pin  int
}

// Board is the static capability record of a hardware variant.
type Board struct {
	Name        string
	LEDs        []LEDSpec
	Relays      []RelaySpec
	Servos      []ServoSpec
	PWM         []PWMSpec
	Sensors     []SensorSpec
	BootKeyPin  int
	RelaySettle time.Duration
}

const defaultServoMin, defaultServoMax = 500 * time.Microsecond, 2500 * time.Microsecond

// Standard is the full board: four LEDs, two relays, two servos, two PWM
// outputs and a DHT11.
var Standard = Board{
	Name: "standard",
	LEDs: []LEDSpec{
		{ID: 1, Pin: 12, HasPWM: true, PWMChannel: 0},
		{ID: 2, Pin: 13, HasPWM: true, PWMChannel: 1},
		{ID: 3, Pin: 14, HasPWM: true, PWMChannel: 2},
		{ID: 4, Pin: 15, HasPWM: true, PWMChannel: 3},
	},
	Relays: []RelaySpec{
		{ID: 1, Pin: 26, ActiveLow: true},
		{ID: 2, Pin: 27, ActiveLow: true},
	},
	Servos: []ServoSpec{
		{ID: 1, Pin: 25, Kind: ServoStandard, PWMChannel: 4, MinPulse: defaultServoMin, MaxPulse: defaultServoMax},
		{ID: 2, Pin: 33, Kind: ServoContinuous, PWMChannel: 5, MinPulse: defaultServoMin, MaxPulse: defaultServoMax},
	},
	PWM: []PWMSpec{
		{Channel: 1, Pin: 16, HWChannel: 6, MaxResolution: 13},
		{Channel: 2, Pin: 17, HWChannel: 7, MaxResolution: 13},
	},
	Sensors: []SensorSpec{
		{Name: "DHT11", Kind: core.SensorTemperatureHumidity, Pin: 4},
	},
	BootKeyPin:  0,
	RelaySettle: 50 * time.Millisecond,
}

// Rain swaps the DHT11 for a DS18B20 probe and a rain detector.
var Rain = Board{
	Name:   "rain",
	LEDs:   Standard.LEDs,
	Relays: Standard.Relays,
	Servos: Standard.Servos,
	PWM:    Standard.PWM,
	Sensors: []SensorSpec{
		{Name: "DS18B20", Kind: core.SensorTemperatureOnly, Pin: 4},
		{Name: "RAIN", Kind: core.SensorBinaryRain, Pin: 34},
	},
	BootKeyPin:  0,
	RelaySettle: 50 * time.Millisecond,
}

// Lite has two plain LEDs, one relay, no servos and a single PWM output.
var Lite = Board{
	Name: "lite",
	LEDs: []LEDSpec{
		{ID: 1, Pin: 12, HasPWM: true, PWMChannel: 0},
		{ID: 2, Pin: 13},
	},
	Relays: []RelaySpec{
		{ID: 1, Pin: 26, ActiveLow: true},
	},
	PWM: []PWMSpec{
		{Channel: 1, Pin: 16, HWChannel: 6, MaxResolution: 13},
	},
	Sensors: []SensorSpec{
		{Name: "DHT11", Kind: core.SensorTemperatureHumidity, Pin: 4},
	},
	BootKeyPin:  0,
	RelaySettle: 50 * time.Millisecond,
}

// BoardByName returns a copy of the named board record.
func BoardByName(name string) (Board, error) {
	switch name {
	case "", Standard.Name:
		return Standard, nil
	case Rain.Name:
		return Rain, nil
	case Lite.Name:
		return Lite, nil
	}
	return Board{}, fmt.Errorf("%w: %q", ErrUnknownBoard, name)
}

// Validate checks the static partition: every pin and hardware PWM channel
// belongs to exactly one peripheral, and ids are unique per family.
func (b *Board) Validate() error {
	pins := map[int]string{}
	claimPin := func(pin int, owner string) error {
		if prev, ok := pins[pin]; ok {
			return fmt.Errorf("%w: pin %d used by %s and %s", ErrPinConflict, pin, prev, owner)
		}
		pins[pin] = owner
		return nil
	}
	hw := map[int]string{}
	claimHW := func(ch int, owner string) error {
		if prev, ok := hw[ch]; ok {
			return fmt.Errorf("%w: pwm channel %d used by %s and %s", ErrPinConflict, ch, prev, owner)
		}
		hw[ch] = owner
		return nil
	}
	uniqueIDs := func(family string, ids []uint8) error {
		seen := map[uint8]bool{}
		for _, id := range ids {
			if id == 0 || seen[id] {
				return fmt.Errorf("%w: %s id %d", ErrInvalidID, family, id)
			}
			seen[id] = true
		}
		return nil
	}

	if err := claimPin(b.BootKeyPin, "boot key"); err != nil {
		return err
	}
	for _, l := range b.LEDs {
		owner := fmt.Sprintf("led %d", l.ID)
		if err := claimPin(l.Pin, owner); err != nil {
			return err
		}
		if l.HasPWM {
			if err := claimHW(l.PWMChannel, owner); err != nil {
				return err
			}
		}
	}
	for _, r := range b.Relays {
		if err := claimPin(r.Pin, fmt.Sprintf("relay %d", r.ID)); err != nil {
			return err
		}
	}
	for _, s := range b.Servos {
		owner := fmt.Sprintf("servo %d", s.ID)
		if err := claimPin(s.Pin, owner); err != nil {
			return err
		}
		if err := claimHW(s.PWMChannel, owner); err != nil {
			return err
		}
		if s.MinPulse <= 0 || s.MaxPulse <= s.MinPulse {
			return fmt.Errorf("%w: servo %d pulse range", ErrOutOfRange, s.ID)
		}
	}
	for _, p := range b.PWM {
		owner := fmt.Sprintf("pwm %d", p.Channel)
		if err := claimPin(p.Pin, owner); err != nil {
			return err
		}
		if err := claimHW(p.HWChannel, owner); err != nil {
			return err
		}
	}
	for _, s := range b.Sensors {
		if err := claimPin(s.Pin, "sensor "+s.Name); err != nil {
			return err
		}
	}

	if err := uniqueIDs("led", b.ids(core.DeviceLED)); err != nil {
		return err
	}
	if err := uniqueIDs("relay", b.ids(core.DeviceRelay)); err != nil {
		return err
	}
	if err := uniqueIDs("servo", b.ids(core.DeviceServo)); err != nil {
		return err
	}
	return uniqueIDs("pwm", b.ids(core.DevicePWM))
}

// Pins returns every output pin owned by a peripheral.
func (b *Board) Pins() []int {
	var pins []int
	for _, l := range b.LEDs {
		pins = append(pins, l.Pin)
	}
	for _, r := range b.Relays {
		pins = append(pins, r.Pin)
	}
	for _, s := range b.Servos {
		pins = append(pins, s.Pin)
	}
	for _, p := range b.PWM {
		pins = append(pins, p.Pin)
	}
	sort.Ints(pins)
	return pins
}

func (b *Board) ids(t core.DeviceType) []uint8 {
	var ids []uint8
	switch t {
	case core.DeviceLED:
		for _, l := range b.LEDs {
			ids = append(ids, l.ID)
		}
	case core.DeviceRelay:
		for _, r := range b.Relays {
			ids = append(ids, r.ID)
		}
	case core.DeviceServo:
		for _, s := range b.Servos {
			ids = append(ids, s.ID)
		}
	case core.DevicePWM:
		for _, p := range b.PWM {
			ids = append(ids, p.Channel)
		}
	}
	return ids
}

func (b *Board) led(id uint8) (LEDSpec, bool) {
	for _, l := range b.LEDs {
		if l.ID == id {
			return l, true
		}
	}
	return LEDSpec{}, false
}

func (b *Board) relay(id uint8) (RelaySpec, bool) {
	for _, r := range b.Relays {
		if r.ID == id {
			return r, true
		}
	}
	return RelaySpec{}, false
}

func (b *Board) servo(id uint8) (ServoSpec, bool) {
	for _, s := range b.Servos {
		if s.ID == id {
			return s, true
		}
	}
	return ServoSpec{}, false
}

func (b *Board) pwm(channel uint8) (PWMSpec, bool) {
	for _, p := range b.PWM {
		if p.Channel == channel {
			return p, true
		}
	}
	return PWMSpec{}, false
}
