package command

import (
	"context"
	"fmt"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// Executor applies single device operations. Implementations must be safe
// for concurrent use.
type Executor interface {
	SetLED(id uint8, on bool) error
	SetBrightness(id uint8, level uint8) error
	SetRelay(ctx context.Context, id uint8, on bool) error
	SetServo(id uint8, angle int) error
	SetPWM(channel uint8, frequency uint32, duty float64) error
}

// PresetRunner accepts preset jobs. Submit validates the preset and returns
// without waiting for the program to finish.
type PresetRunner interface {
	Submit(p Preset) error
}

// Apply performs op on ex.
func Apply(ctx context.Context, ex Executor, op DeviceOp) error {
	switch op.Action {
	case ActionOn, ActionOff:
		on := op.Action == ActionOn
		switch op.Device {
		case core.DeviceLED:
			return ex.SetLED(op.ID, on)
		case core.DeviceRelay:
			return ex.SetRelay(ctx, op.ID, on)
		}
	case ActionBrightness:
		return ex.SetBrightness(op.ID, op.Brightness)
	case ActionAngle:
		return ex.SetServo(op.ID, op.Angle)
	case ActionSet:
		return ex.SetPWM(op.ID, op.Frequency, op.Duty)
	}
	return fmt.Errorf("unsupported operation %s %s", op.Device, op.Action)
}

// Dispatcher routes decoded control messages.
type Dispatcher struct {
	exec    Executor
	presets PresetRunner
	logger  *logrus.Entry
}

// NewDispatcher creates a dispatcher over the given executor and preset runner.
func NewDispatcher(exec Executor, presets PresetRunner, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		exec:    exec,
		presets: presets,
		logger:  logger.WithField("component", "dispatcher"),
	}
}

// Dispatch parses raw and hands the result off. Device ops complete before
// Dispatch returns; presets are only started.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (Message, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case DeviceOp:
		if err := Apply(ctx, d.exec, m); err != nil {
			return msg, fmt.Errorf("%s %d %s: %w", m.Device, m.ID, m.Action, err)
		}
		d.logger.WithFields(logrus.Fields{
			"device": m.Device,
			"id":     m.ID,
			"action": m.Action,
		}).Debug("Applied device operation")

	case Preset:
		if err := d.presets.Submit(m); err != nil {
			return msg, fmt.Errorf("preset %s/%s: %w", m.DeviceType, m.PresetType, err)
		}
		d.logger.WithFields(logrus.Fields{
			"device_type": m.DeviceType,
			"preset_type": m.PresetType,
			"device_id":   m.DeviceID,
		}).Info("Preset started")
	}

	return msg, nil
}

// HandleMessage adapts Dispatch to the session's inbound handler signature.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) {
	if _, err := d.Dispatch(context.Background(), payload); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"size":  len(payload),
		}).Warn("Rejected control message")
	}
}
