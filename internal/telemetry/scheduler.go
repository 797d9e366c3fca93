// Package telemetry runs the recurring publishes: sensor samples, system
// status and the liveness heartbeat. All three share one tick.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// Publisher is the outbound half of the MQTT session.
type Publisher interface {
	Connected() bool
	Topics() core.Topics
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Sensor is a polled sensor.
type Sensor interface {
	Name() string
	Kind() core.SensorKind
	Read(ctx context.Context) (core.SensorSample, error)
}

// LinkState reports station connectivity.
type LinkState interface {
	Connected() bool
}

var (
	errSkipped       = errors.New("publish skipped")
	errInvalidSample = errors.New("sensor returned an invalid sample")
)

// offlineTimeout bounds the shutdown heartbeat.
const offlineTimeout = 2 * time.Second

// Options carries the per-boot collaborators of a Scheduler.
type Options struct {
	DeviceID string
	Sensors  []Sensor
	Link     LinkState
	BootTime time.Time
	// FreeHeap overrides the free-memory probe.
	FreeHeap func() uint64
}

// Stats counts scheduler activity.
type Stats struct {
	SensorPublished    uint64 `json:"sensor_published"`
	StatusPublished    uint64 `json:"status_published"`
	HeartbeatPublished uint64 `json:"heartbeat_published"`
	Skipped            uint64 `json:"skipped"`
	ReadFailures       uint64 `json:"read_failures"`
	PublishFailures    uint64 `json:"publish_failures"`
}

// Scheduler drives the three recurring telemetry tasks.
type Scheduler struct {
	cfg       config.TelemetryConfig
	publisher Publisher
	opts      Options
	logger    *logrus.Entry

	mu            sync.Mutex
	sequence      uint32
	sensorsFailed bool
	lastSensor    time.Time
	lastStatus    time.Time
	lastHeartbeat time.Time
	stats         Stats
}

// NewScheduler creates a scheduler. Zero config values fall back to defaults.
func NewScheduler(cfg config.TelemetryConfig, publisher Publisher, opts Options, logger *logrus.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = 10 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SensorAttempts <= 0 {
		cfg.SensorAttempts = 3
	}
	if cfg.SensorRetryDelay <= 0 {
		cfg.SensorRetryDelay = 100 * time.Millisecond
	}
	if cfg.SensorReadTimeout <= 0 {
		cfg.SensorReadTimeout = 200 * time.Millisecond
	}
	if opts.BootTime.IsZero() {
		opts.BootTime = time.Now()
	}
	if opts.FreeHeap == nil {
		opts.FreeHeap = freeHeap
	}

	return &Scheduler{
		cfg:       cfg,
		publisher: publisher,
		opts:      opts,
		logger:    logger.WithFields(logrus.Fields{"component": "telemetry", "device_id": opts.DeviceID}),
	}
}

// Run ticks until ctx is done. The first tick fires immediately. On the way
// out a status=0 heartbeat is attempted.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"tick":    s.cfg.Tick,
		"sensors": len(s.opts.Sensors),
	}).Info("Telemetry scheduler started")

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sendOffline()
			s.logger.Info("Telemetry scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Sequence returns the sequence number of the last published heartbeat.
func (s *Scheduler) Sequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) updateStats(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func due(last time.Time, every time.Duration, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= every
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	sensorDue := due(s.lastSensor, s.cfg.SensorInterval, now)
	statusDue := due(s.lastStatus, s.cfg.StatusInterval, now)
	heartbeatDue := due(s.lastHeartbeat, s.cfg.HeartbeatInterval, now)
	s.mu.Unlock()

	if sensorDue {
		s.publishSensors(ctx)
		s.mu.Lock()
		s.lastSensor = now
		s.mu.Unlock()
	}
	if statusDue {
		s.publishStatus(ctx)
		s.mu.Lock()
		s.lastStatus = now
		s.mu.Unlock()
	}
	// A skipped heartbeat is retried on the next tick.
	if heartbeatDue {
		if err := s.publishHeartbeat(ctx, s.currentStatus()); err == nil {
			s.mu.Lock()
			s.lastHeartbeat = now
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) currentStatus() core.HeartbeatStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sensorsFailed {
		return core.HeartbeatError
	}
	return core.HeartbeatOnline
}

func (s *Scheduler) publishSensors(ctx context.Context) {
	if len(s.opts.Sensors) == 0 {
		return
	}

	failed := 0
	for _, sensor := range s.opts.Sensors {
		sample, err := s.read(ctx, sensor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			s.updateStats(func(st *Stats) { st.ReadFailures++ })
			s.logger.WithError(err).WithField("sensor", sensor.Name()).Warn("Sensor read failed")
			continue
		}

		report := NewSensorReport(s.opts.DeviceID, sample, time.Now().Unix())
		payload, err := EncodeSensor(report)
		if err != nil {
			s.logger.WithError(err).Error("Failed to encode sensor payload")
			continue
		}
		if err := s.publish(ctx, s.publisher.Topics().Data, payload); err == nil {
			s.updateStats(func(st *Stats) { st.SensorPublished++ })
		}
	}

	s.mu.Lock()
	s.sensorsFailed = failed == len(s.opts.Sensors) && s.publisher.Connected()
	s.mu.Unlock()
}

// read tries a sensor up to SensorAttempts times, each bounded by
// SensorReadTimeout.
func (s *Scheduler) read(ctx context.Context, sensor Sensor) (core.SensorSample, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.SensorAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(s.cfg.SensorRetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return core.SensorSample{}, ctx.Err()
			}
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.SensorReadTimeout)
		sample, err := sensor.Read(readCtx)
		cancel()
		if err == nil && !sample.Valid {
			err = errInvalidSample
		}
		if err == nil {
			if sample.Sensor == "" {
				sample.Sensor = sensor.Name()
			}
			if sample.Kind == "" {
				sample.Kind = sensor.Kind()
			}
			return sample, nil
		}
		lastErr = err
	}
	return core.SensorSample{}, fmt.Errorf("%d attempts: %w", s.cfg.SensorAttempts, lastErr)
}

func (s *Scheduler) publishStatus(ctx context.Context) {
	report := StatusReport{
		DeviceID:      s.opts.DeviceID,
		Uptime:        int64(time.Since(s.opts.BootTime).Seconds()),
		FreeHeap:      s.opts.FreeHeap(),
		WiFiConnected: s.opts.Link != nil && s.opts.Link.Connected(),
		MQTTConnected: s.publisher.Connected(),
		Timestamp:     time.Now().Unix(),
	}
	payload, err := EncodeStatus(report)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode status payload")
		return
	}
	if err := s.publish(ctx, s.publisher.Topics().Status, payload); err == nil {
		s.updateStats(func(st *Stats) { st.StatusPublished++ })
	}
}

// publishHeartbeat sends the next heartbeat. The sequence only advances
// when the broker accepted the publish.
func (s *Scheduler) publishHeartbeat(ctx context.Context, status core.HeartbeatStatus) error {
	if s.opts.DeviceID == "" {
		return errSkipped
	}

	s.mu.Lock()
	rec := core.HeartbeatRecord{
		Sequence:  s.sequence + 1,
		Timestamp: time.Since(s.opts.BootTime).Milliseconds(),
		Status:    status,
	}
	s.mu.Unlock()

	payload, err := EncodeHeartbeat(rec)
	if err != nil {
		return err
	}
	if err := s.publish(ctx, s.publisher.Topics().Heartbeat, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.sequence = rec.Sequence
	s.stats.HeartbeatPublished++
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"sequence": rec.Sequence,
		"status":   rec.Status,
	}).Debug("Heartbeat published")
	return nil
}

func (s *Scheduler) sendOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
	defer cancel()
	if err := s.publishHeartbeat(ctx, core.HeartbeatOffline); err != nil && !errors.Is(err, errSkipped) {
		s.logger.WithError(err).Debug("Offline heartbeat not sent")
	}
}

// publish drops the payload when the broker is not connected.
func (s *Scheduler) publish(ctx context.Context, topic string, payload []byte) error {
	if !s.publisher.Connected() {
		s.updateStats(func(st *Stats) { st.Skipped++ })
		return errSkipped
	}
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		if errors.Is(err, core.ErrNotConnected) {
			s.updateStats(func(st *Stats) { st.Skipped++ })
			return errSkipped
		}
		s.updateStats(func(st *Stats) { st.PublishFailures++ })
		s.logger.WithError(err).WithField("topic", topic).Warn("Publish failed")
		return err
	}
	return nil
}

func freeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}
