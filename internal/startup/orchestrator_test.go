package startup

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/display"
	"example.com/backstage/services/endpoint/internal/ota"
	"example.com/backstage/services/endpoint/internal/provisioning"
	"example.com/backstage/services/endpoint/internal/session"
	"example.com/backstage/services/endpoint/internal/store"
	"github.com/sirupsen/logrus"
)

type fakeNetwork struct {
	mu       sync.Mutex
	attempts int
	err      error
}

func (n *fakeNetwork) Attach(ctx context.Context, ssid, password string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	return n.err
}

func (n *fakeNetwork) HardwareAddr() (string, error) { return "24:6F:28:0A:BC:DE", nil }

type fakeFetcher struct {
	reqs     []provisioning.Request
	assigned *core.AssignedConfig
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context, req provisioning.Request) (*core.AssignedConfig, error) {
	f.reqs = append(f.reqs, req)
	return f.assigned, f.err
}

type fakeUpdater struct {
	progress  func(ota.Progress)
	applied   []string
	applyErr  error
	rebooted  bool
	validated int
}

func (u *fakeUpdater) OnProgress(fn func(ota.Progress)) { u.progress = fn }

func (u *fakeUpdater) Apply(ctx context.Context, fw *core.FirmwareUpdate) error {
	u.applied = append(u.applied, fw.Version)
	if u.progress != nil {
		u.progress(ota.Progress{Written: 50, Total: 100})
	}
	return u.applyErr
}

func (u *fakeUpdater) MarkRunningValid() error {
	u.validated++
	return nil
}

func (u *fakeUpdater) Reboot() error {
	u.rebooted = true
	return nil
}

type fakeSession struct {
	started []session.Params
	waitErr error
	block   bool
}

func (s *fakeSession) Start(ctx context.Context, p session.Params) error {
	s.started = append(s.started, p)
	return nil
}

func (s *fakeSession) WaitConnected(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.waitErr
}

type fakeKey struct {
	pressed bool
	flag    interface {
		SetProvisioningForced(ctx context.Context) error
	}
}

func (k *fakeKey) Watch(ctx context.Context) (bool, error) {
	if k.pressed {
		return true, k.flag.SetProvisioningForced(ctx)
	}
	return false, nil
}

type fakeSensor struct {
	reads int
}

func (s *fakeSensor) Name() string { return "dht" }

func (s *fakeSensor) Read(ctx context.Context) (core.SensorSample, error) {
	s.reads++
	return core.SensorSample{Sensor: "dht", Valid: true}, nil
}

type brokenStore struct{ IdentityStore }

func (brokenStore) Open(ctx context.Context) error { return core.ErrStorageUnavailable }

type harness struct {
	store    *store.Store
	key      *fakeKey
	network  *fakeNetwork
	fetcher  *fakeFetcher
	updater  *fakeUpdater
	session  *fakeSession
	sensor   *fakeSensor
	recorder *display.Recorder
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func assignedConfig(fw *core.FirmwareUpdate) *core.AssignedConfig {
	return &core.AssignedConfig{
		DeviceID:       "dev-1",
		DeviceUUID:     "uuid-1",
		DeviceSecret:   "s3cret",
		MQTTBrokerHost: "broker.example",
		MQTTBrokerPort: 1883,
		Topics:         core.DeriveTopics("uuid-1"),
		FirmwareUpdate: fw,
	}
}

// newHarness returns a harness whose store holds Wi-Fi credentials and a
// config server.
func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.New(store.NewMemoryBackend(), quietLogger())
	ctx := context.Background()
	if err := st.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.StoreWiFi(ctx, "shop-floor", "hunter22"); err != nil {
		t.Fatalf("StoreWiFi failed: %v", err)
	}
	if err := st.StoreServerURL(ctx, "http://config.example"); err != nil {
		t.Fatalf("StoreServerURL failed: %v", err)
	}
	return &harness{
		store:    st,
		key:      &fakeKey{flag: st},
		network:  &fakeNetwork{},
		fetcher:  &fakeFetcher{assigned: assignedConfig(nil)},
		updater:  &fakeUpdater{},
		session:  &fakeSession{},
		sensor:   &fakeSensor{},
		recorder: &display.Recorder{},
	}
}

func (h *harness) orchestrator(opts Options) *Orchestrator {
	if opts.FirmwareVersion == "" {
		opts.FirmwareVersion = "1.0.0"
	}
	if opts.ProductID == "" {
		opts.ProductID = "endpoint-std"
	}
	return New(Deps{
		Store:   h.store,
		BootKey: h.key,
		Network: h.network,
		Config:  h.fetcher,
		Updater: h.updater,
		Session: h.session,
		Sensors: []Sensor{h.sensor},
		Sink:    h.recorder,
	}, opts, quietLogger())
}

func stages(events []display.Event) []core.StartupStage {
	var out []core.StartupStage
	for _, ev := range events {
		if len(out) == 0 || out[len(out)-1] != ev.Stage {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func assertStages(t *testing.T, got, want []core.StartupStage) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected stages %v, got %v", want, got)
		}
	}
}

func TestRun_KnownDevice(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(Options{})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertStages(t, stages(h.recorder.Events()), []core.StartupStage{
		core.StageInit, core.StageNvs, core.StageWiFiCheck, core.StageWiFiConnect,
		core.StageGetConfig, core.StageCheckOTA, core.StageMQTTConnect,
		core.StageSensorsInit, core.StageCompleted,
	})
	last, _ := h.recorder.Last()
	if last.Progress != 100 {
		t.Errorf("expected final progress 100, got %d", last.Progress)
	}

	if !res.MQTTConnected || res.Assigned.DeviceUUID != "uuid-1" || res.MACAddress != "24:6F:28:0A:BC:DE" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(h.session.started) != 1 || h.session.started[0].Topics.Heartbeat != "devices/uuid-1/heartbeat" {
		t.Errorf("expected session started on derived topics, got %+v", h.session.started)
	}
	req := h.fetcher.reqs[0]
	if req.ServerURL != "http://config.example" || req.ProductID != "endpoint-std" || req.FirmwareVersion != "1.0.0" {
		t.Errorf("unexpected provisioning request %+v", req)
	}
	if h.sensor.reads != 1 {
		t.Errorf("expected one sensor probe, got %d", h.sensor.reads)
	}
	if h.updater.validated != 1 {
		t.Errorf("expected running image confirmed once, got %d", h.updater.validated)
	}

	id, _, err := h.store.LoadIdentity(context.Background())
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if id.DeviceID != "dev-1" || id.DeviceSecret != "s3cret" || id.MACAddress != "24:6F:28:0A:BC:DE" {
		t.Errorf("expected assignment stored, got %+v", id)
	}
	if st := o.Status(); st.Stage != core.StageCompleted || st.Error != "" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestRun_BrokerCredentialsWithoutSecret(t *testing.T) {
	h := newHarness(t)
	assigned := assignedConfig(nil)
	assigned.DeviceSecret = ""
	assigned.MQTTUsername, assigned.MQTTPassword = "fleet-u", "fleet-p"
	h.fetcher.assigned = assigned

	res, err := h.orchestrator(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.MQTTConnected {
		t.Error("expected the session to connect on broker credentials")
	}
	if len(h.session.started) != 1 || h.session.started[0].Username != "fleet-u" || h.session.started[0].Password != "fleet-p" {
		t.Errorf("expected broker credentials in session params, got %+v", h.session.started)
	}

	id, _, err := h.store.LoadIdentity(context.Background())
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if id.DeviceID != "" || id.DeviceUUID != "" || id.DeviceSecret != "" {
		t.Errorf("expected no partial identity stored, got %+v", id)
	}
}

func TestRun_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	h.fetcher.assigned, h.fetcher.err = nil, core.ErrNotRegistered
	o := h.orchestrator(Options{})

	_, err := o.Run(context.Background())
	if !errors.Is(err, NotRegistered) {
		t.Fatalf("expected not-registered, got %v", err)
	}
	if errors.Is(err, ConfigFailed) || errors.Is(err, NeedProvisioning) {
		t.Error("not-registered must not match other kinds")
	}
	var serr *Error
	if !errors.As(err, &serr) || serr.Stage != core.StageGetConfig {
		t.Errorf("expected failure at GetConfig, got %v", err)
	}
	if !errors.Is(err, core.ErrNotRegistered) {
		t.Error("expected the cause to stay reachable")
	}

	if len(h.session.started) != 0 {
		t.Error("expected no broker session for an unknown device")
	}
	st := o.Status()
	if st.Stage != core.StageError || st.Error != "not-registered" || !st.NotRegistered {
		t.Errorf("unexpected status %+v", st)
	}
	last, _ := h.recorder.Last()
	if last.Stage != core.StageError || last.Message != "Please register" {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestRun_ForcedReprovision(t *testing.T) {
	h := newHarness(t)
	h.key.pressed = true
	o := h.orchestrator(Options{})

	_, err := o.Run(context.Background())
	if !errors.Is(err, NeedProvisioning) {
		t.Fatalf("expected need-provisioning, got %v", err)
	}
	if h.network.attempts != 0 {
		t.Errorf("expected no network attach, got %d attempts", h.network.attempts)
	}

	// The flag is one-shot.
	forced, err := h.store.ConsumeProvisioningForced(context.Background())
	if err != nil || forced {
		t.Errorf("expected flag consumed, got forced=%v err=%v", forced, err)
	}
}

func TestRun_NeedProvisioning(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), quietLogger())
	h := newHarness(t)
	h.store = st

	_, err := h.orchestrator(Options{}).Run(context.Background())
	if !errors.Is(err, NeedProvisioning) {
		t.Fatalf("expected need-provisioning, got %v", err)
	}
	if h.network.attempts != 0 {
		t.Error("expected no network attach without credentials")
	}
}

func TestRun_FailureKinds(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		kind  Kind
		stage core.StartupStage
	}{
		{
			name:  "wifi timeout",
			setup: func(h *harness) { h.network.err = core.ErrWiFiTimeout },
			kind:  WiFiTimeout,
			stage: core.StageWiFiConnect,
		},
		{
			name:  "transport failure",
			setup: func(h *harness) { h.fetcher.assigned, h.fetcher.err = nil, core.ErrTransport },
			kind:  ConfigFailed,
			stage: core.StageGetConfig,
		},
		{
			name:  "malformed response",
			setup: func(h *harness) { h.fetcher.assigned, h.fetcher.err = nil, core.ErrMalformedConfig },
			kind:  ConfigFailed,
			stage: core.StageGetConfig,
		},
		{
			name:  "broker rejects login",
			setup: func(h *harness) { h.session.waitErr = core.ErrAuthFailed },
			kind:  ConfigFailed,
			stage: core.StageMQTTConnect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			_, err := h.orchestrator(Options{}).Run(context.Background())
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if serr.Kind != tt.kind || serr.Stage != tt.stage {
				t.Errorf("expected %s at %s, got %s at %s", tt.kind, tt.stage, serr.Kind, serr.Stage)
			}
		})
	}
}

func TestRun_StorageFailure(t *testing.T) {
	h := newHarness(t)
	o := New(Deps{Store: brokenStore{}, Network: h.network, Sink: h.recorder}, Options{}, quietLogger())

	_, err := o.Run(context.Background())
	if !errors.Is(err, Storage) || !errors.Is(err, core.ErrStorageUnavailable) {
		t.Errorf("expected storage failure, got %v", err)
	}
}

func TestRun_SlowBrokerDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.session.block = true
	o := h.orchestrator(Options{MQTTWait: 50 * time.Millisecond})

	start := time.Now()
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.MQTTConnected {
		t.Error("expected startup to complete without a broker connection")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected MqttConnect bounded by the wait, took %s", elapsed)
	}
}

func TestRun_OTASuccessReboots(t *testing.T) {
	h := newHarness(t)
	h.fetcher.assigned = assignedConfig(&core.FirmwareUpdate{Available: true, Version: "1.1.0", DownloadURL: "http://fw.example/1.1.0.bin"})
	o := h.orchestrator(Options{})

	_, err := o.Run(context.Background())
	if !errors.Is(err, ota.ErrRebootRequested) {
		t.Fatalf("expected reboot, got %v", err)
	}
	if len(h.updater.applied) != 1 || h.updater.applied[0] != "1.1.0" || !h.updater.rebooted {
		t.Errorf("expected 1.1.0 applied and a reboot, got %+v", h.updater)
	}
	if len(h.session.started) != 0 {
		t.Error("expected no broker session before the reboot")
	}

	var sawDownload bool
	for _, ev := range h.recorder.Events() {
		if ev.Stage == core.StageOTAUpdate && ev.Progress == 70 {
			sawDownload = true
		}
	}
	if !sawDownload {
		t.Error("expected a download progress event at 70%")
	}
}

func TestRun_OTAFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.fetcher.assigned = assignedConfig(&core.FirmwareUpdate{Available: true, Version: "1.1.0", DownloadURL: "http://fw.example/1.1.0.bin"})
	h.updater.applyErr = core.ErrChecksumMismatch
	o := h.orchestrator(Options{})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("expected startup to continue on the current image, got %v", err)
	}
	if h.updater.rebooted {
		t.Error("expected no reboot after a failed update")
	}
	if res == nil || len(h.session.started) != 1 {
		t.Error("expected startup to reach the broker")
	}
}

func TestRun_OlderFirmwareIgnored(t *testing.T) {
	h := newHarness(t)
	h.fetcher.assigned = assignedConfig(&core.FirmwareUpdate{Available: true, Version: "0.9.0", DownloadURL: "http://fw.example/0.9.0.bin"})

	if _, err := h.orchestrator(Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(h.updater.applied) != 0 {
		t.Errorf("expected no update applied, got %v", h.updater.applied)
	}
	for _, ev := range h.recorder.Events() {
		if ev.Stage == core.StageOTAUpdate {
			t.Fatal("expected OtaUpdate to be skipped")
		}
	}
}

func TestRun_StageDelayHonoursCancel(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(Options{StageDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
