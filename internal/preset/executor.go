// Package preset runs named timed programs over the device-op executor.
// At most one program runs per (device_type, device_id) target; a new
// submission cancels any overlapping predecessor and waits for its teardown
// before starting.
package preset

import (
	"context"
	"errors"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/command"
	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/peripheral"
	"github.com/sirupsen/logrus"
)

// Preset errors.
var (
	ErrUnknownPreset    = errors.New("unknown preset type")
	ErrNotApplicable    = errors.New("preset not applicable to device type")
	ErrInvalidParameter = errors.New("invalid preset parameter")
)

// Peripherals is the part of the device-op executor presets borrow.
type Peripherals interface {
	command.Executor
	IDs(t core.DeviceType) []uint8
	ServoKind(id uint8) (peripheral.ServoKind, error)
	PWMState(channel uint8) (peripheral.PWMState, error)
}

// Job describes a running preset.
type Job struct {
	DeviceType core.DeviceType `json:"device_type"`
	DeviceID   uint8           `json:"device_id"`
	PresetType string          `json:"preset_type"`
	StartedAt  time.Time       `json:"started_at"`
}

type job struct {
	info    Job
	program *program
	cancel  context.CancelFunc
	done    chan struct{}
}

// Executor schedules preset jobs.
type Executor struct {
	periph Peripherals
	logger *logrus.Entry

	submitMu sync.Mutex
	mu       sync.Mutex
	jobs     map[command.Target]*job
	wg       sync.WaitGroup
}

// NewExecutor creates a preset executor over periph.
func NewExecutor(periph Peripherals, logger *logrus.Logger) *Executor {
	return &Executor{
		periph: periph,
		logger: logger.WithField("component", "preset"),
		jobs:   map[command.Target]*job{},
	}
}

// Submit validates p, cancels overlapping jobs, waits for their teardown and
// starts p in its own goroutine.
func (e *Executor) Submit(p command.Preset) error {
	prog, err := build(p, e.periph)
	if err != nil {
		return err
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	for _, prev := range e.detach(p.Target(), prog.targets) {
		prev.cancel()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		info: Job{
			DeviceType: p.DeviceType,
			DeviceID:   p.DeviceID,
			PresetType: p.PresetType,
			StartedAt:  time.Now(),
		},
		program: prog,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	e.jobs[p.Target()] = j
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx, p.Target(), j)
	return nil
}

// Cancel stops every job overlapping target and waits for teardown.
func (e *Executor) Cancel(target command.Target) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	var pins []uint8
	if target.DeviceID != 0 {
		pins = []uint8{target.DeviceID}
	}
	for _, prev := range e.detach(target, pins) {
		prev.cancel()
		<-prev.done
	}
}

// Stop cancels every job and waits for all of them to finish.
func (e *Executor) Stop() {
	e.submitMu.Lock()
	e.mu.Lock()
	for target, j := range e.jobs {
		j.cancel()
		delete(e.jobs, target)
	}
	e.mu.Unlock()
	e.submitMu.Unlock()

	e.wg.Wait()
}

// Active lists running jobs.
func (e *Executor) Active() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs := make([]Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j.info)
	}
	return jobs
}

// Wait blocks until the job for target, if any, has finished.
func (e *Executor) Wait(target command.Target) {
	e.mu.Lock()
	j, ok := e.jobs[target]
	e.mu.Unlock()
	if ok {
		<-j.done
	}
}

// detach removes and returns every job overlapping target. A broadcast
// (id 0) overlaps every id of its device type; otherwise jobs overlap when
// they share a tuple or drive any of the same pins.
func (e *Executor) detach(target command.Target, pins []uint8) []*job {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*job
	for t, j := range e.jobs {
		if t.DeviceType != target.DeviceType {
			continue
		}
		if t.DeviceID == target.DeviceID || t.DeviceID == 0 || target.DeviceID == 0 ||
			shareAny(j.program.targets, pins) {
			out = append(out, j)
			delete(e.jobs, t)
		}
	}
	return out
}

func shareAny(a, b []uint8) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (e *Executor) run(ctx context.Context, target command.Target, j *job) {
	defer e.wg.Done()
	defer close(j.done)
	defer j.cancel()

	log := e.logger.WithFields(logrus.Fields{
		"device_type": j.info.DeviceType,
		"device_id":   j.info.DeviceID,
		"preset_type": j.info.PresetType,
	})

	err := j.program.run(ctx, e.periph)
	switch {
	case err == nil && j.program.holdOnComplete:
		log.Debug("Preset completed")
	case err == nil:
		e.teardown(j.program)
		log.Debug("Preset completed")
	case errors.Is(err, context.Canceled):
		e.teardown(j.program)
		log.Debug("Preset cancelled")
	default:
		e.teardown(j.program)
		log.WithError(err).Warn("Preset failed")
	}

	e.mu.Lock()
	if e.jobs[target] == j {
		delete(e.jobs, target)
	}
	e.mu.Unlock()
}

// teardown enforces the post-cancel state: LEDs off, relays off, servos
// where they were last commanded, PWM duty 0 at the last frequency.
func (e *Executor) teardown(prog *program) {
	ctx := context.Background()
	for _, id := range prog.targets {
		var err error
		switch prog.deviceType {
		case core.DeviceLED:
			err = e.periph.SetLED(id, false)
		case core.DeviceRelay:
			err = e.periph.SetRelay(ctx, id, false)
		case core.DevicePWM:
			freq := prog.frequency
			if state, serr := e.periph.PWMState(id); serr == nil && state.Frequency > 0 {
				freq = state.Frequency
			}
			err = e.periph.SetPWM(id, freq, 0)
		}
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"device_type": prog.deviceType,
				"device_id":   id,
			}).Error("Failed to restore post-cancel state")
		}
	}
}
