// Package command decodes control-topic payloads into typed messages and
// routes them to the device-op executor or the preset runner.
package command

import (
	"encoding/json"
	"fmt"

	"example.com/backstage/services/endpoint/internal/core"
)

// ErrorKind classifies a ParseError.
type ErrorKind string

const (
	KindMalformed      ErrorKind = "malformed"
	KindOutOfRange     ErrorKind = "out_of_range"
	KindUnknownCommand ErrorKind = "unknown_command"
)

// ParseError is returned for every payload that does not decode into a
// Message. Field names the offending JSON field when there is one.
type ParseError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg += " field " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, ErrOutOfRange).
func (e *ParseError) Is(target error) bool {
	pe, ok := target.(*ParseError)
	return ok && pe.Field == "" && pe.Err == nil && pe.Kind == e.Kind
}

// Kind-only sentinels for errors.Is.
var (
	ErrMalformed      = &ParseError{Kind: KindMalformed}
	ErrOutOfRange     = &ParseError{Kind: KindOutOfRange}
	ErrUnknownCommand = &ParseError{Kind: KindUnknownCommand}
)

func malformed(field string, format string, args ...any) error {
	return &ParseError{Kind: KindMalformed, Field: field, Err: fmt.Errorf(format, args...)}
}

func outOfRange(field string, format string, args ...any) error {
	return &ParseError{Kind: KindOutOfRange, Field: field, Err: fmt.Errorf(format, args...)}
}

// Message is either a DeviceOp or a Preset.
type Message interface {
	message()
}

// Action is the verb of a DeviceOp.
type Action string

const (
	ActionOn         Action = "on"
	ActionOff        Action = "off"
	ActionBrightness Action = "brightness"
	ActionAngle      Action = "angle"
	ActionSet        Action = "set"
)

// DeviceOp is one atomic peripheral operation. Only the fields relevant to
// Device and Action are set.
type DeviceOp struct {
	Device     core.DeviceType `json:"device"`
	ID         uint8           `json:"id"`
	Action     Action          `json:"action"`
	Brightness uint8           `json:"brightness,omitempty"`
	Angle      int             `json:"angle,omitempty"`
	Frequency  uint32          `json:"frequency,omitempty"`
	Duty       float64         `json:"duty_cycle,omitempty"`
}

func (DeviceOp) message() {}

// Preset names a timed program for (DeviceType, DeviceID). DeviceID 0 is a
// broadcast to every device of that type.
type Preset struct {
	DeviceType core.DeviceType `json:"device_type"`
	PresetType string          `json:"preset_type"`
	DeviceID   uint8           `json:"device_id"`
	Parameters Parameters      `json:"parameters,omitempty"`
}

func (Preset) message() {}

// Target is the cancellation key of a preset.
type Target struct {
	DeviceType core.DeviceType
	DeviceID   uint8
}

// Target returns the preset's cancellation key.
func (p Preset) Target() Target {
	return Target{DeviceType: p.DeviceType, DeviceID: p.DeviceID}
}

// Parameters holds a preset's raw parameter object. Accessors apply the
// documented default when a field is absent or null.
type Parameters map[string]json.RawMessage

func (p Parameters) raw(name string) (json.RawMessage, bool) {
	v, ok := p[name]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

// Has reports whether name is present and not null.
func (p Parameters) Has(name string) bool {
	_, ok := p.raw(name)
	return ok
}

// Int reads an integral number.
func (p Parameters) Int(name string, def int) (int, error) {
	v, ok := p.raw(name)
	if !ok {
		return def, nil
	}
	n, err := decodeInt("parameters."+name, v)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Float reads any JSON number.
func (p Parameters) Float(name string, def float64) (float64, error) {
	v, ok := p.raw(name)
	if !ok {
		return def, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, malformed("parameters."+name, "expected number")
	}
	return f, nil
}

// Bool reads a JSON boolean.
func (p Parameters) Bool(name string, def bool) (bool, error) {
	v, ok := p.raw(name)
	if !ok {
		return def, nil
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, malformed("parameters."+name, "expected boolean")
	}
	return b, nil
}

// Ints reads an array of integral numbers.
func (p Parameters) Ints(name string) ([]int, error) {
	v, ok := p.raw(name)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, malformed("parameters."+name, "expected array")
	}
	out := make([]int, 0, len(items))
	for i, item := range items {
		n, err := decodeInt(fmt.Sprintf("parameters.%s[%d]", name, i), item)
		if err != nil {
			return nil, err
		}
		out = append(out, int(n))
	}
	return out, nil
}

// Objects reads an array of JSON objects, returned raw.
func (p Parameters) Objects(name string) ([]json.RawMessage, error) {
	v, ok := p.raw(name)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, malformed("parameters."+name, "expected array")
	}
	return items, nil
}
