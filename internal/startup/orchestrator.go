// Package startup sequences the endpoint from cold reset to steady state.
package startup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/display"
	"example.com/backstage/services/endpoint/internal/ota"
	"example.com/backstage/services/endpoint/internal/provisioning"
	"example.com/backstage/services/endpoint/internal/session"
	"example.com/backstage/services/endpoint/internal/store"
	"github.com/sirupsen/logrus"
)

// IdentityStore is the slice of the persistent store used during startup.
type IdentityStore interface {
	Open(ctx context.Context) error
	LoadIdentity(ctx context.Context) (*core.PersistentIdentity, bool, error)
	ConsumeProvisioningForced(ctx context.Context) (bool, error)
	StoreAssigned(ctx context.Context, a store.Assignment) error
}

// KeyWatcher samples the boot key.
type KeyWatcher interface {
	Watch(ctx context.Context) (bool, error)
}

// Network attaches the station.
type Network interface {
	Attach(ctx context.Context, ssid, password string) error
	HardwareAddr() (string, error)
}

// ConfigFetcher fetches the assigned configuration.
type ConfigFetcher interface {
	Fetch(ctx context.Context, req provisioning.Request) (*core.AssignedConfig, error)
}

// Updater applies firmware updates.
type Updater interface {
	OnProgress(fn func(ota.Progress))
	Apply(ctx context.Context, fw *core.FirmwareUpdate) error
	MarkRunningValid() error
	Reboot() error
}

// Session is the broker session.
type Session interface {
	Start(ctx context.Context, p session.Params) error
	WaitConnected(ctx context.Context) error
}

// Sensor is probed once in SensorsInit.
type Sensor interface {
	Name() string
	Read(ctx context.Context) (core.SensorSample, error)
}

// Deps are the components the orchestrator drives.
type Deps struct {
	Store   IdentityStore
	BootKey KeyWatcher
	Network Network
	Config  ConfigFetcher
	Updater Updater
	Session Session
	Sensors []Sensor
	Sink    display.Sink
}

// Options are per-boot settings.
type Options struct {
	ProductID       string
	FirmwareVersion string
	// MACAddress overrides the station address when set.
	MACAddress string
	// InsecureSkipVerify relaxes broker TLS verification.
	InsecureSkipVerify bool
	// StageDelay is the pause after each progress event.
	StageDelay time.Duration
	// MQTTWait bounds how long MqttConnect waits before moving on.
	MQTTWait time.Duration
}

// Result is what a completed startup hands to steady state.
type Result struct {
	Identity   *core.PersistentIdentity
	Assigned   *core.AssignedConfig
	MACAddress string
	// MQTTConnected is false when MqttConnect moved on after MQTTWait.
	MQTTConnected bool
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Stage         core.StartupStage `json:"stage"`
	Error         string            `json:"error,omitempty"`
	NotRegistered bool              `json:"not_registered"`
}

const sensorProbeTimeout = 200 * time.Millisecond

// Orchestrator runs the startup stage machine once per boot.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *logrus.Entry

	mu            sync.RWMutex
	stage         core.StartupStage
	failure       *Error
	notRegistered bool
}

// New creates an orchestrator. A zero MQTTWait falls back to 10s.
func New(deps Deps, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.MQTTWait <= 0 {
		opts.MQTTWait = 10 * time.Second
	}
	if deps.Sink == nil {
		deps.Sink = display.NewLogSink(logger)
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.WithField("component", "startup"),
	}
}

// Status returns the current stage and failure, if any.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := Status{Stage: o.stage, NotRegistered: o.notRegistered}
	if o.failure != nil {
		st.Error = string(o.failure.Kind)
	}
	return st
}

// Run walks the stages. It returns a Result at Completed, an *Error when a
// stage fails, ota.ErrRebootRequested after a committed update, or the
// context error.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res, err := o.run(ctx)
	if err == nil {
		return res, nil
	}

	var serr *Error
	if errors.As(err, &serr) {
		o.mu.Lock()
		o.failure = serr
		o.stage = core.StageError
		if serr.Kind == NotRegistered {
			o.notRegistered = true
		}
		o.mu.Unlock()

		o.logger.WithError(serr.Err).WithFields(logrus.Fields{
			"kind":  string(serr.Kind),
			"stage": serr.Stage.String(),
		}).Error("Startup failed")
		o.deps.Sink.Show(display.Event{
			Stage:   core.StageError,
			Message: errorMessage(serr.Kind),
			Error:   string(serr.Kind),
			At:      time.Now(),
		})
	}
	return nil, err
}

func (o *Orchestrator) run(ctx context.Context) (*Result, error) {
	if err := o.enter(ctx, core.StageInit, "Starting"); err != nil {
		return nil, err
	}

	if err := o.enter(ctx, core.StageNvs, "Opening storage"); err != nil {
		return nil, err
	}
	if err := o.deps.Store.Open(ctx); err != nil {
		return nil, fail(Storage, core.StageNvs, err)
	}

	if o.deps.BootKey != nil {
		pressed, err := o.deps.BootKey.Watch(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			o.logger.WithError(err).Warn("Boot key watch failed")
		}
		if pressed {
			o.show(core.StageNvs, "Reprovisioning requested")
		}
	}

	if err := o.enter(ctx, core.StageWiFiCheck, "Checking Wi-Fi settings"); err != nil {
		return nil, err
	}
	identity, err := o.checkIdentity(ctx)
	if err != nil {
		return nil, err
	}

	if err := o.enter(ctx, core.StageWiFiConnect, "Connecting to "+identity.WiFiSSID); err != nil {
		return nil, err
	}
	if err := o.deps.Network.Attach(ctx, identity.WiFiSSID, identity.WiFiPassword); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fail(WiFiTimeout, core.StageWiFiConnect, err)
	}

	mac := o.opts.MACAddress
	if mac == "" {
		if mac, err = o.deps.Network.HardwareAddr(); err != nil {
			return nil, fail(ConfigFailed, core.StageWiFiConnect, fmt.Errorf("failed to read station address: %w", err))
		}
	}

	if err := o.enter(ctx, core.StageGetConfig, "Fetching configuration"); err != nil {
		return nil, err
	}
	assigned, err := o.fetchConfig(ctx, identity, mac)
	if err != nil {
		return nil, err
	}

	if err := o.enter(ctx, core.StageCheckOTA, "Checking for updates"); err != nil {
		return nil, err
	}
	if ota.ShouldUpdate(o.opts.FirmwareVersion, assigned.FirmwareUpdate) {
		if err := o.update(ctx, assigned.FirmwareUpdate); err != nil {
			return nil, err
		}
	}

	if err := o.enter(ctx, core.StageMQTTConnect, "Connecting to broker"); err != nil {
		return nil, err
	}
	connected, err := o.connect(ctx, assigned)
	if err != nil {
		return nil, err
	}

	if err := o.enter(ctx, core.StageSensorsInit, "Initializing sensors"); err != nil {
		return nil, err
	}
	o.probeSensors(ctx)

	if err := o.deps.Updater.MarkRunningValid(); err != nil {
		o.logger.WithError(err).Warn("Failed to confirm running image")
	}
	o.setStage(core.StageCompleted)
	o.show(core.StageCompleted, "Ready")
	o.logger.WithFields(logrus.Fields{
		"device_id":      assigned.DeviceID,
		"mqtt_connected": connected,
	}).Info("Startup completed")

	return &Result{
		Identity:      identity,
		Assigned:      assigned,
		MACAddress:    mac,
		MQTTConnected: connected,
	}, nil
}

// checkIdentity consumes the forced flag and requires stored Wi-Fi
// credentials and a config server.
func (o *Orchestrator) checkIdentity(ctx context.Context) (*core.PersistentIdentity, error) {
	forced, err := o.deps.Store.ConsumeProvisioningForced(ctx)
	if err != nil {
		return nil, fail(Storage, core.StageWiFiCheck, err)
	}
	if forced {
		return nil, fail(NeedProvisioning, core.StageWiFiCheck, errors.New("provisioning forced"))
	}

	identity, ok, err := o.deps.Store.LoadIdentity(ctx)
	if err != nil {
		return nil, fail(Storage, core.StageWiFiCheck, err)
	}
	if !ok || !identity.ConfigDone || identity.WiFiSSID == "" {
		return nil, fail(NeedProvisioning, core.StageWiFiCheck, errors.New("no wifi credentials"))
	}
	if identity.ConfigServerURL == "" {
		return nil, fail(NeedProvisioning, core.StageWiFiCheck, errors.New("no config server url"))
	}
	return identity, nil
}

func (o *Orchestrator) fetchConfig(ctx context.Context, identity *core.PersistentIdentity, mac string) (*core.AssignedConfig, error) {
	assigned, err := o.deps.Config.Fetch(ctx, provisioning.Request{
		ServerURL:       identity.ConfigServerURL,
		MACAddress:      mac,
		ProductID:       o.opts.ProductID,
		FirmwareVersion: o.opts.FirmwareVersion,
		StoredSecret:    identity.DeviceSecret,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, core.ErrNotRegistered):
		return nil, fail(NotRegistered, core.StageGetConfig, err)
	default:
		return nil, fail(ConfigFailed, core.StageGetConfig, err)
	}

	// The identity triple is stored whole or not at all. A response that
	// only carries broker credentials leaves the stored identity as it was.
	if assigned.DeviceSecret == "" {
		o.logger.WithField("device_id", assigned.DeviceID).Warn("No device secret assigned, identity not stored")
		return assigned, nil
	}

	err = o.deps.Store.StoreAssigned(ctx, store.Assignment{
		DeviceID:     assigned.DeviceID,
		DeviceUUID:   assigned.DeviceUUID,
		DeviceSecret: assigned.DeviceSecret,
		ServerURL:    identity.ConfigServerURL,
		MACAddress:   mac,
	})
	if err != nil {
		return nil, fail(Storage, core.StageGetConfig, err)
	}

	identity.DeviceID = assigned.DeviceID
	identity.DeviceUUID = assigned.DeviceUUID
	identity.DeviceSecret = assigned.DeviceSecret
	identity.MACAddress = mac
	return assigned, nil
}

// update applies fw. Success reboots; failure continues on the current image.
func (o *Orchestrator) update(ctx context.Context, fw *core.FirmwareUpdate) error {
	if err := o.enter(ctx, core.StageOTAUpdate, "Updating to "+fw.Version); err != nil {
		return err
	}

	o.deps.Updater.OnProgress(func(p ota.Progress) {
		pct := p.Percent()
		if pct < 0 {
			return
		}
		o.deps.Sink.Show(display.Event{
			Stage:    core.StageOTAUpdate,
			Progress: core.StageOTAUpdate.Progress() + pct*(core.StageMQTTConnect.Progress()-core.StageOTAUpdate.Progress())/100,
			Message:  fmt.Sprintf("Downloading %d%%", pct),
			At:       time.Now(),
		})
	})
	defer o.deps.Updater.OnProgress(nil)

	err := o.deps.Updater.Apply(ctx, fw)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.WithError(err).WithField("version", fw.Version).Warn("Firmware update failed, continuing on current image")
		o.show(core.StageOTAUpdate, "Update failed")
		return nil
	}

	o.show(core.StageOTAUpdate, "Update installed, restarting")
	if err := o.deps.Updater.Reboot(); err != nil {
		o.logger.WithError(err).Error("Reboot after update failed")
		return nil
	}
	return ota.ErrRebootRequested
}

// connect starts the session and waits up to MQTTWait. A slow broker is not
// fatal; a rejected login is.
func (o *Orchestrator) connect(ctx context.Context, assigned *core.AssignedConfig) (bool, error) {
	params := session.ParamsFromAssigned(assigned, o.opts.InsecureSkipVerify)
	// The session outlives startup and is stopped by its owner.
	if err := o.deps.Session.Start(context.Background(), params); err != nil {
		return false, fail(ConfigFailed, core.StageMQTTConnect, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.opts.MQTTWait)
	defer cancel()

	err := o.deps.Session.WaitConnected(waitCtx)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, core.ErrAuthFailed):
		return false, fail(ConfigFailed, core.StageMQTTConnect, err)
	default:
		o.logger.WithField("wait", o.opts.MQTTWait).Warn("Broker not connected yet, continuing")
		return false, nil
	}
}

func (o *Orchestrator) probeSensors(ctx context.Context) {
	for _, s := range o.deps.Sensors {
		readCtx, cancel := context.WithTimeout(ctx, sensorProbeTimeout)
		sample, err := s.Read(readCtx)
		cancel()

		log := o.logger.WithField("sensor", s.Name())
		if err != nil {
			log.WithError(err).Warn("Sensor probe failed")
			continue
		}
		if !sample.Valid {
			log.Warn("Sensor probe returned an invalid sample")
			continue
		}
		log.Debug("Sensor ready")
	}
}

// enter records stage, shows it and waits StageDelay.
func (o *Orchestrator) enter(ctx context.Context, stage core.StartupStage, msg string) error {
	o.setStage(stage)
	o.show(stage, msg)

	if o.opts.StageDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.opts.StageDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) setStage(stage core.StartupStage) {
	o.mu.Lock()
	o.stage = stage
	o.mu.Unlock()
	o.logger.WithField("stage", stage.String()).Debug("Stage entered")
}

func (o *Orchestrator) show(stage core.StartupStage, msg string) {
	o.deps.Sink.Show(display.Event{
		Stage:    stage,
		Progress: stage.Progress(),
		Message:  msg,
		At:       time.Now(),
	})
}

func errorMessage(kind Kind) string {
	switch kind {
	case NeedProvisioning:
		return "Setup required"
	case NotRegistered:
		return "Please register"
	case WiFiTimeout:
		return "Wi-Fi connection failed"
	case ConfigFailed:
		return "Configuration failed"
	case Storage:
		return "Storage error"
	}
	return "Startup failed"
}
