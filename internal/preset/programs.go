package preset

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"example.com/backstage/services/endpoint/internal/command"
	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/peripheral"
)

// PWM ramps advance every stepInterval.
const stepInterval = 50 * time.Millisecond

// Upper bounds on repeat counts and durations accepted from the wire.
const (
	maxCycles      = 10000
	maxDurationMs  = 24 * 60 * 60 * 1000
	maxSequenceLen = 10
)

// program is a validated preset ready to run.
type program struct {
	deviceType core.DeviceType
	targets    []uint8
	frequency  uint32
	// holdOnComplete keeps the final output of a normal run instead of
	// applying the post-cancel state.
	holdOnComplete bool
	run            func(ctx context.Context, p Peripherals) error
}

type builder func(p command.Preset, periph Peripherals) (*program, error)

type definition struct {
	deviceType core.DeviceType
	build      builder
}

var registry = map[string]definition{
	"blink":        {core.DeviceLED, buildBlink},
	"wave":         {core.DeviceLED, buildWave},
	"sequence":     {core.DeviceLED, buildSequence},
	"swing":        {core.DeviceServo, buildSwing},
	"rotate":       {core.DeviceServo, buildRotate},
	"timed_switch": {core.DeviceRelay, buildTimedSwitch},
	"fade":         {core.DevicePWM, buildFade},
	"breathe":      {core.DevicePWM, buildBreathe},
	"step":         {core.DevicePWM, buildStep},
	"pulse":        {core.DevicePWM, buildPulse},
	"fixed":        {core.DevicePWM, buildFixed},
}

// Names returns the preset types known for a device type.
func Names(t core.DeviceType) []string {
	var names []string
	for name, def := range registry {
		if def.deviceType == t {
			names = append(names, name)
		}
	}
	return names
}

func build(p command.Preset, periph Peripherals) (*program, error) {
	def, ok := registry[p.PresetType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, p.PresetType)
	}
	if def.deviceType != p.DeviceType {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotApplicable, p.PresetType, p.DeviceType)
	}
	return def.build(p, periph)
}

// targets resolves device_id to the ids a preset drives.
func targets(p command.Preset, periph Peripherals) ([]uint8, error) {
	ids := periph.IDs(p.DeviceType)
	if p.DeviceID == 0 {
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: board has no %s", ErrNotApplicable, p.DeviceType)
		}
		return ids, nil
	}
	for _, id := range ids {
		if id == p.DeviceID {
			return []uint8{id}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %d", peripheral.ErrInvalidID, p.DeviceType, p.DeviceID)
}

// wait sleeps for d or until ctx is cancelled.
func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// params reads typed, range-checked preset parameters and keeps the first
// error.
type params struct {
	raw command.Parameters
	err error
}

func (r *params) intIn(name string, def, lo, hi int) int {
	if r.err != nil {
		return def
	}
	v, err := r.raw.Int(name, def)
	if err != nil {
		r.err = err
		return def
	}
	if v < lo || v > hi {
		r.err = fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrInvalidParameter, name, v, lo, hi)
		return def
	}
	return v
}

func (r *params) duration(name string, def int) time.Duration {
	return ms(r.intIn(name, def, 0, maxDurationMs))
}

func (r *params) cycles(name string, def int) int {
	return r.intIn(name, def, 0, maxCycles)
}

func (r *params) duty(name string, def float64) float64 {
	if r.err != nil {
		return def
	}
	v, err := r.raw.Float(name, def)
	if err != nil {
		r.err = err
		return def
	}
	if v < 0 || v > command.MaxDutyCycle {
		r.err = fmt.Errorf("%w: %s=%g not in [0, 100]", ErrInvalidParameter, name, v)
		return def
	}
	return v
}

func (r *params) frequency() uint32 {
	return uint32(r.intIn("frequency", 5000, command.MinFrequency, command.MaxFrequency))
}

func (r *params) boolean(name string, def bool) bool {
	if r.err != nil {
		return def
	}
	v, err := r.raw.Bool(name, def)
	if err != nil {
		r.err = err
	}
	return v
}

func setAllLEDs(p Peripherals, ids []uint8, on bool) error {
	for _, id := range ids {
		if err := p.SetLED(id, on); err != nil {
			return err
		}
	}
	return nil
}

func setAllPWM(p Peripherals, channels []uint8, freq uint32, duty float64) error {
	for _, ch := range channels {
		if err := p.SetPWM(ch, freq, duty); err != nil {
			return err
		}
	}
	return nil
}

// ramp moves duty linearly from -> to over d in stepInterval steps.
func ramp(ctx context.Context, p Peripherals, channels []uint8, freq uint32, from, to float64, d time.Duration) error {
	steps := int(d / stepInterval)
	if steps < 1 {
		return setAllPWM(p, channels, freq, to)
	}
	for i := 1; i <= steps; i++ {
		duty := from + (to-from)*float64(i)/float64(steps)
		if err := setAllPWM(p, channels, freq, duty); err != nil {
			return err
		}
		if err := wait(ctx, stepInterval); err != nil {
			return err
		}
	}
	return nil
}

func buildBlink(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	count := 3
	onTime, offTime := 500*time.Millisecond, 500*time.Millisecond
	if !r.raw.Has("count") && r.raw.Has("times") {
		count = r.cycles("times", count)
	} else {
		count = r.cycles("count", count)
	}
	if !r.raw.Has("on_time") && !r.raw.Has("off_time") && r.raw.Has("interval_ms") {
		half := r.duration("interval_ms", 1000) / 2
		onTime, offTime = half, half
	} else {
		onTime = r.duration("on_time", 500)
		offTime = r.duration("off_time", 500)
	}
	if r.err != nil {
		return nil, r.err
	}

	return &program{
		deviceType: core.DeviceLED,
		targets:    ids,
		run: func(ctx context.Context, p Peripherals) error {
			for i := 0; i < count; i++ {
				if err := setAllLEDs(p, ids, true); err != nil {
					return err
				}
				if err := wait(ctx, onTime); err != nil {
					return err
				}
				if err := setAllLEDs(p, ids, false); err != nil {
					return err
				}
				if err := wait(ctx, offTime); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func buildWave(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	interval := r.duration("interval_ms", 200)
	cycles := r.cycles("cycles", 1)
	reverse := r.boolean("reverse", false)
	if r.err != nil {
		return nil, r.err
	}

	order := ids
	if seq, err := p.Parameters.Ints("led_sequence"); err != nil {
		return nil, err
	} else if seq != nil {
		if len(seq) == 0 || len(seq) > maxSequenceLen {
			return nil, fmt.Errorf("%w: led_sequence needs 1..%d entries, got %d", ErrInvalidParameter, maxSequenceLen, len(seq))
		}
		order, err = ledSubset(periph, seq)
		if err != nil {
			return nil, err
		}
	} else if p.Parameters.Has("start_led") || p.Parameters.Has("end_led") {
		all := periph.IDs(core.DeviceLED)
		start := r.intIn("start_led", int(all[0]), 1, math.MaxUint8)
		end := r.intIn("end_led", int(all[len(all)-1]), 1, math.MaxUint8)
		if r.err != nil {
			return nil, r.err
		}
		if start > end {
			return nil, fmt.Errorf("%w: start_led %d after end_led %d", ErrInvalidParameter, start, end)
		}
		span := make([]int, 0, end-start+1)
		for id := start; id <= end; id++ {
			span = append(span, id)
		}
		if order, err = ledSubset(periph, span); err != nil {
			return nil, err
		}
	}

	if reverse {
		rev := make([]uint8, len(order))
		for i, id := range order {
			rev[len(order)-1-i] = id
		}
		order = rev
	}

	return &program{
		deviceType: core.DeviceLED,
		targets:    unique(order),
		run: func(ctx context.Context, p Peripherals) error {
			for c := 0; c < cycles; c++ {
				for _, id := range order {
					if err := p.SetLED(id, true); err != nil {
						return err
					}
					if err := wait(ctx, interval); err != nil {
						return err
					}
					if err := p.SetLED(id, false); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}, nil
}

func ledSubset(periph Peripherals, ids []int) ([]uint8, error) {
	valid := map[uint8]bool{}
	for _, id := range periph.IDs(core.DeviceLED) {
		valid[id] = true
	}
	out := make([]uint8, 0, len(ids))
	for _, id := range ids {
		if id < 1 || id > math.MaxUint8 || !valid[uint8(id)] {
			return nil, fmt.Errorf("%w: led %d", peripheral.ErrInvalidID, id)
		}
		out = append(out, uint8(id))
	}
	return out, nil
}

func unique(ids []uint8) []uint8 {
	seen := map[uint8]bool{}
	out := make([]uint8, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func jsonObject(raw json.RawMessage, out *command.Parameters) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: expected object", ErrInvalidParameter)
	}
	return nil
}

type sequenceStep struct {
	op    command.DeviceOp
	delay time.Duration
}

func buildSequence(p command.Preset, periph Peripherals) (*program, error) {
	raw, err := p.Parameters.Objects("actions")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: actions must not be empty", ErrInvalidParameter)
	}

	valid := map[uint8]bool{}
	for _, id := range periph.IDs(core.DeviceLED) {
		valid[id] = true
	}

	steps := make([]sequenceStep, 0, len(raw))
	var touched []uint8
	for i, item := range raw {
		op, err := command.ParseDeviceOp(item)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		if op.Device != core.DeviceLED {
			return nil, fmt.Errorf("%w: actions[%d] drives %s", ErrNotApplicable, i, op.Device)
		}
		if !valid[op.ID] {
			return nil, fmt.Errorf("actions[%d]: %w: led %d", i, peripheral.ErrInvalidID, op.ID)
		}

		var extra command.Parameters
		if err := jsonObject(item, &extra); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		r := &params{raw: extra}
		delay := r.duration("delay_ms", 100)
		if r.err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, r.err)
		}

		steps = append(steps, sequenceStep{op: op, delay: delay})
		touched = append(touched, op.ID)
	}

	return &program{
		deviceType: core.DeviceLED,
		targets:    unique(touched),
		run: func(ctx context.Context, p Peripherals) error {
			for _, s := range steps {
				if err := command.Apply(ctx, p, s.op); err != nil {
					return err
				}
				if err := wait(ctx, s.delay); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// servoTargets resolves targets and keeps only servos of kind. A specific id
// of the wrong kind is not applicable.
func servoTargets(p command.Preset, periph Peripherals, kind peripheral.ServoKind) ([]uint8, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}
	var out []uint8
	for _, id := range ids {
		k, err := periph.ServoKind(id)
		if err != nil {
			return nil, err
		}
		if k == kind {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s needs a %s servo", ErrNotApplicable, p.PresetType, kind)
	}
	return out, nil
}

func clampAngle(a int) int {
	if a < 0 {
		return 0
	}
	if a > 180 {
		return 180
	}
	return a
}

func setAllServos(p Peripherals, ids []uint8, angle int) error {
	for _, id := range ids {
		if err := p.SetServo(id, angle); err != nil {
			return err
		}
	}
	return nil
}

func buildSwing(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := servoTargets(p, periph, peripheral.ServoStandard)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	center := r.intIn("center_angle", 90, 0, 180)
	swing := r.intIn("swing_angle", 30, -180, 180)
	speed := r.duration("speed", 500)
	cycles := r.cycles("cycles", 3)
	if r.err != nil {
		return nil, r.err
	}
	low, high := clampAngle(center-swing), clampAngle(center+swing)

	return &program{
		deviceType: core.DeviceServo,
		targets:    ids,
		run: func(ctx context.Context, p Peripherals) error {
			if err := setAllServos(p, ids, center); err != nil {
				return err
			}
			if err := wait(ctx, speed); err != nil {
				return err
			}
			for c := 0; c < cycles; c++ {
				for _, angle := range []int{low, high} {
					if err := setAllServos(p, ids, angle); err != nil {
						return err
					}
					if err := wait(ctx, speed); err != nil {
						return err
					}
				}
			}
			return setAllServos(p, ids, center)
		},
	}, nil
}

// Continuous-servo speeds expressed as angles.
const (
	rotateForward = 135
	rotateStop    = 90
	rotateReverse = 45
)

func buildRotate(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := servoTargets(p, periph, peripheral.ServoContinuous)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	cycles := r.cycles("cycles", 3)
	forward := r.duration("forward_duration", 3000)
	reverse := r.duration("reverse_duration", 3000)
	pause := r.duration("pause_time", 500)
	if r.err != nil {
		return nil, r.err
	}

	return &program{
		deviceType: core.DeviceServo,
		targets:    ids,
		run: func(ctx context.Context, p Peripherals) error {
			phases := []struct {
				angle int
				hold  time.Duration
			}{
				{rotateForward, forward},
				{rotateStop, pause},
				{rotateReverse, reverse},
				{rotateStop, pause},
			}
			for c := 0; c < cycles; c++ {
				for _, ph := range phases {
					if err := setAllServos(p, ids, ph.angle); err != nil {
						return err
					}
					if err := wait(ctx, ph.hold); err != nil {
						return err
					}
				}
			}
			return setAllServos(p, ids, rotateStop)
		},
	}, nil
}

func buildTimedSwitch(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	duration := r.duration("duration", 1000)
	initial := r.boolean("initial_state", true)
	if r.err != nil {
		return nil, r.err
	}

	setAll := func(ctx context.Context, p Peripherals, on bool) error {
		for _, id := range ids {
			if err := p.SetRelay(ctx, id, on); err != nil {
				return err
			}
		}
		return nil
	}

	return &program{
		deviceType:     core.DeviceRelay,
		targets:        ids,
		holdOnComplete: true,
		run: func(ctx context.Context, p Peripherals) error {
			if err := setAll(ctx, p, initial); err != nil {
				return err
			}
			if err := wait(ctx, duration); err != nil {
				return err
			}
			return setAll(context.Background(), p, !initial)
		},
	}, nil
}

func buildFade(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	freq := r.frequency()
	start := r.duty("start_duty", 0)
	end := r.duty("end_duty", 100)
	duration := r.duration("duration", 2000)
	interval := ms(r.intIn("step_interval", 50, 1, maxDurationMs))
	if r.err != nil {
		return nil, r.err
	}

	steps := int(duration / interval)
	if steps < 1 {
		steps = 1
	}

	return &program{
		deviceType:     core.DevicePWM,
		targets:        ids,
		frequency:      freq,
		holdOnComplete: true,
		run: func(ctx context.Context, p Peripherals) error {
			for i := 0; i <= steps; i++ {
				duty := start + (end-start)*float64(i)/float64(steps)
				if err := setAllPWM(p, ids, freq, duty); err != nil {
					return err
				}
				if i < steps {
					if err := wait(ctx, interval); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}, nil
}

func buildBreathe(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	freq := r.frequency()
	minDuty := r.duty("min_duty", 0)
	maxDuty := r.duty("max_duty", 100)
	fadeIn := r.duration("fade_in_time", 1000)
	fadeOut := r.duration("fade_out_time", 1000)
	hold := r.duration("hold_time", 200)
	cycles := r.cycles("cycles", 3)
	if r.err != nil {
		return nil, r.err
	}
	if minDuty > maxDuty {
		return nil, fmt.Errorf("%w: min_duty %g above max_duty %g", ErrInvalidParameter, minDuty, maxDuty)
	}

	return &program{
		deviceType: core.DevicePWM,
		targets:    ids,
		frequency:  freq,
		run: func(ctx context.Context, p Peripherals) error {
			if err := setAllPWM(p, ids, freq, minDuty); err != nil {
				return err
			}
			for c := 0; c < cycles; c++ {
				if err := ramp(ctx, p, ids, freq, minDuty, maxDuty, fadeIn); err != nil {
					return err
				}
				if err := wait(ctx, hold); err != nil {
					return err
				}
				if err := ramp(ctx, p, ids, freq, maxDuty, minDuty, fadeOut); err != nil {
					return err
				}
				if err := wait(ctx, hold); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func buildStep(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	freq := r.frequency()
	start := r.duty("start_duty", 0)
	end := r.duty("end_duty", 100)
	delay := r.duration("step_delay", 500)
	if r.err != nil {
		return nil, r.err
	}
	stepValue, err := p.Parameters.Float("step_value", 10)
	if err != nil {
		return nil, err
	}
	if stepValue <= 0 || stepValue > command.MaxDutyCycle {
		return nil, fmt.Errorf("%w: step_value=%g not in (0, 100]", ErrInvalidParameter, stepValue)
	}
	if end < start {
		stepValue = -stepValue
	}

	return &program{
		deviceType:     core.DevicePWM,
		targets:        ids,
		frequency:      freq,
		holdOnComplete: true,
		run: func(ctx context.Context, p Peripherals) error {
			duty := start
			for {
				if err := setAllPWM(p, ids, freq, duty); err != nil {
					return err
				}
				if duty == end {
					return nil
				}
				if err := wait(ctx, delay); err != nil {
					return err
				}
				duty += stepValue
				if (stepValue > 0 && duty > end) || (stepValue < 0 && duty < end) {
					duty = end
				}
			}
		},
	}, nil
}

func buildPulse(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	freq := r.frequency()
	high := r.duty("duty_high", 100)
	low := r.duty("duty_low", 0)
	highTime := r.duration("high_time", 500)
	lowTime := r.duration("low_time", 500)
	cycles := r.cycles("cycles", 5)
	if r.err != nil {
		return nil, r.err
	}

	return &program{
		deviceType: core.DevicePWM,
		targets:    ids,
		frequency:  freq,
		run: func(ctx context.Context, p Peripherals) error {
			for c := 0; c < cycles; c++ {
				if err := setAllPWM(p, ids, freq, high); err != nil {
					return err
				}
				if err := wait(ctx, highTime); err != nil {
					return err
				}
				if err := setAllPWM(p, ids, freq, low); err != nil {
					return err
				}
				if err := wait(ctx, lowTime); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func buildFixed(p command.Preset, periph Peripherals) (*program, error) {
	ids, err := targets(p, periph)
	if err != nil {
		return nil, err
	}

	r := &params{raw: p.Parameters}
	freq := r.frequency()
	duty := r.duty("duty_cycle", 50)
	duration := r.duration("duration", 0)
	if r.err != nil {
		return nil, r.err
	}

	return &program{
		deviceType: core.DevicePWM,
		targets:    ids,
		frequency:  freq,
		// Zero duration leaves the output running until the next command.
		holdOnComplete: duration == 0,
		run: func(ctx context.Context, p Peripherals) error {
			if err := setAllPWM(p, ids, freq, duty); err != nil {
				return err
			}
			if duration == 0 {
				return nil
			}
			return wait(ctx, duration)
		},
	}, nil
}
