package peripheral

import (
	"math"
	"math/bits"
	"time"
)

// SourceClock is the PWM timer input clock in Hz.
const SourceClock = 80_000_000

// Fixed timer settings for LED brightness and servos.
const (
	LEDFrequency   = 5000
	LEDResolution  = 8
	ServoFrequency = 50
	ServoMaxBits   = 16
)

// ResolutionFor returns the widest duty resolution, in bits, that the
// source clock supports at frequency, capped at max.
func ResolutionFor(frequency uint32, max int) int {
	if frequency == 0 {
		return 1
	}
	divider := uint64(SourceClock) / uint64(frequency)
	if divider < 2 {
		return 1
	}
	res := bits.Len64(divider) - 1
	if res > max {
		res = max
	}
	if res < 1 {
		res = 1
	}
	return res
}

// DutyCounts converts a percentage to timer counts: duty/100 * (2^res - 1).
func DutyCounts(duty float64, resolution int) uint32 {
	full := float64(uint32(1)<<uint(resolution) - 1)
	return uint32(math.Round(duty / 100 * full))
}

// ServoPulse maps an angle in [0, 180] linearly onto the servo's pulse range.
func ServoPulse(spec ServoSpec, angle int) time.Duration {
	span := spec.MaxPulse - spec.MinPulse
	return spec.MinPulse + span*time.Duration(angle)/180
}

// ServoCounts converts a pulse width to timer counts at 50 Hz.
func ServoCounts(pulse time.Duration, resolution int) uint32 {
	period := time.Second / ServoFrequency
	full := float64(uint32(1)<<uint(resolution) - 1)
	return uint32(math.Round(float64(pulse) / float64(period) * full))
}

// Direction is the motion of a continuous-rotation servo.
type Direction string

const (
	Reverse Direction = "reverse"
	Stop    Direction = "stop"
	Forward Direction = "forward"
)

// ContinuousDirection classifies an angle for a continuous-rotation servo:
// 0..89 reverse, 90 stop, 91..180 forward.
func ContinuousDirection(angle int) Direction {
	switch {
	case angle < 90:
		return Reverse
	case angle == 90:
		return Stop
	default:
		return Forward
	}
}
