package command

import (
	"bytes"
	"encoding/json"
	"math"

	"example.com/backstage/services/endpoint/internal/core"
)

// Value ranges accepted on the control topic.
const (
	MaxBrightness   = 255
	MaxAngle        = 180
	MinFrequency    = 1
	MaxFrequency    = 40000
	MaxDutyCycle    = 100.0
	maxIntegralJSON = 1 << 53
)

// idFields maps each device command to the JSON field naming its target.
var idFields = map[core.DeviceType]string{
	core.DeviceLED:   "led_id",
	core.DeviceRelay: "relay_id",
	core.DeviceServo: "servo_id",
	core.DevicePWM:   "channel",
}

// Parse decodes one control payload. It never panics; every input yields
// either a Message or a *ParseError.
func Parse(raw []byte) (Message, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	cmd, err := requiredString(obj, "cmd")
	if err != nil {
		return nil, err
	}

	if cmd == "preset" {
		p, err := parsePreset(obj)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	op, err := parseDeviceOp(obj, cmd)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ParseDeviceOp decodes a payload that must be a single device operation,
// as used by the steps of a sequence preset.
func ParseDeviceOp(raw []byte) (DeviceOp, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return DeviceOp{}, err
	}
	cmd, err := requiredString(obj, "cmd")
	if err != nil {
		return DeviceOp{}, err
	}
	if cmd == "preset" {
		return DeviceOp{}, malformed("cmd", "nested presets are not allowed")
	}
	return parseDeviceOp(obj, cmd)
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, malformed("", "payload is not a JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, &ParseError{Kind: KindMalformed, Err: err}
	}
	return obj, nil
}

func parseDeviceOp(obj map[string]json.RawMessage, cmd string) (DeviceOp, error) {
	device := core.DeviceType(cmd)
	idField, ok := idFields[device]
	if !ok {
		return DeviceOp{}, &ParseError{Kind: KindUnknownCommand, Field: "cmd"}
	}

	id, err := targetID(obj, idField)
	if err != nil {
		return DeviceOp{}, err
	}
	op := DeviceOp{Device: device, ID: id}

	switch device {
	case core.DeviceLED:
		action, err := requiredString(obj, "action")
		if err != nil {
			return DeviceOp{}, err
		}
		op.Action = Action(action)
		switch op.Action {
		case ActionOn, ActionOff:
		case ActionBrightness:
			level, err := requiredInt(obj, "brightness", 0, MaxBrightness)
			if err != nil {
				return DeviceOp{}, err
			}
			op.Brightness = uint8(level)
		default:
			return DeviceOp{}, malformed("action", "unknown led action %q", action)
		}

	case core.DeviceRelay:
		action, err := requiredString(obj, "action")
		if err != nil {
			return DeviceOp{}, err
		}
		op.Action = Action(action)
		if op.Action != ActionOn && op.Action != ActionOff {
			return DeviceOp{}, malformed("action", "unknown relay action %q", action)
		}

	case core.DeviceServo:
		angle, err := requiredInt(obj, "angle", 0, MaxAngle)
		if err != nil {
			return DeviceOp{}, err
		}
		op.Action = ActionAngle
		op.Angle = int(angle)

	case core.DevicePWM:
		freq, err := requiredInt(obj, "frequency", MinFrequency, MaxFrequency)
		if err != nil {
			return DeviceOp{}, err
		}
		duty, err := requiredFloat(obj, "duty_cycle", 0, MaxDutyCycle)
		if err != nil {
			return DeviceOp{}, err
		}
		op.Action = ActionSet
		op.Frequency = uint32(freq)
		op.Duty = duty
	}

	return op, nil
}

func parsePreset(obj map[string]json.RawMessage) (Preset, error) {
	deviceType, err := requiredString(obj, "device_type")
	if err != nil {
		return Preset{}, err
	}
	p := Preset{DeviceType: core.DeviceType(deviceType)}
	if !p.DeviceType.Valid() {
		return Preset{}, malformed("device_type", "unknown device type %q", deviceType)
	}

	if p.PresetType, err = requiredString(obj, "preset_type"); err != nil {
		return Preset{}, err
	}
	if p.PresetType == "" {
		return Preset{}, malformed("preset_type", "must not be empty")
	}

	if _, present := obj["device_id"]; present {
		if p.DeviceID, err = targetID(obj, "device_id"); err != nil {
			return Preset{}, err
		}
	}

	if raw, present := obj["parameters"]; present && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p.Parameters); err != nil || p.Parameters == nil {
			return Preset{}, malformed("parameters", "expected object")
		}
	}
	if p.Parameters == nil {
		p.Parameters = Parameters{}
	}

	return p, nil
}

// targetID reads a u8 id from field, falling back to the generic device_id.
func targetID(obj map[string]json.RawMessage, field string) (uint8, error) {
	if _, ok := obj[field]; !ok {
		if _, generic := obj["device_id"]; generic {
			field = "device_id"
		}
	}
	n, err := requiredInt(obj, field, 0, math.MaxUint8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

func requiredString(obj map[string]json.RawMessage, field string) (string, error) {
	raw, ok := obj[field]
	if !ok {
		return "", malformed(field, "missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed(field, "expected string")
	}
	return s, nil
}

func requiredInt(obj map[string]json.RawMessage, field string, lo, hi int64) (int64, error) {
	raw, ok := obj[field]
	if !ok {
		return 0, malformed(field, "missing")
	}
	n, err := decodeInt(field, raw)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, outOfRange(field, "%d not in [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func requiredFloat(obj map[string]json.RawMessage, field string, lo, hi float64) (float64, error) {
	raw, ok := obj[field]
	if !ok {
		return 0, malformed(field, "missing")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, malformed(field, "expected number")
	}
	if f < lo || f > hi {
		return 0, outOfRange(field, "%g not in [%g, %g]", f, lo, hi)
	}
	return f, nil
}

// decodeInt accepts integral JSON numbers, including 3.0.
func decodeInt(field string, raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, malformed(field, "expected number")
	}
	if f != math.Trunc(f) {
		return 0, malformed(field, "expected integer, got %g", f)
	}
	if math.Abs(f) > maxIntegralJSON {
		return 0, outOfRange(field, "%g exceeds integer range", f)
	}
	return int64(f), nil
}
