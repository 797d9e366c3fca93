// Package network brings up the station link and keeps it up.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// Station is the Wi-Fi station driver.
type Station interface {
	// Connect joins the access point and returns once an address is held.
	Connect(ctx context.Context, ssid, password string) error
	// Connected reports whether the link currently holds an address.
	Connected() bool
	// HardwareAddr returns the station's MAC address.
	HardwareAddr() (net.HardwareAddr, error)
}

// Manager attaches a Station with the retry policy and tracks link state.
type Manager struct {
	station Station
	cfg     config.NetworkConfig
	logger  *logrus.Entry

	mu        sync.RWMutex
	ssid      string
	password  string
	connected bool
	watchers  []func(bool)
}

// NewManager creates a manager. Zero config values fall back to defaults.
func NewManager(station Station, cfg config.NetworkConfig, logger *logrus.Logger) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	return &Manager{
		station: station,
		cfg:     cfg,
		logger:  logger.WithField("component", "network"),
	}
}

// OnChange registers fn to be called on every connected/disconnected edge.
func (m *Manager) OnChange(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Attach connects to ssid, retrying up to MaxRetries times. Exhausting the
// retries yields core.ErrWiFiTimeout.
func (m *Manager) Attach(ctx context.Context, ssid, password string) error {
	if ssid == "" {
		return fmt.Errorf("%w: no ssid", core.ErrInvalidCredentials)
	}

	m.mu.Lock()
	m.ssid, m.password = ssid, password
	m.mu.Unlock()

	return m.attach(ctx)
}

func (m *Manager) attach(ctx context.Context) error {
	m.mu.RLock()
	ssid, password := m.ssid, m.password
	m.mu.RUnlock()

	log := m.logger.WithField("ssid", ssid)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		err := m.station.Connect(ctx, ssid, password)
		if err == nil {
			m.setConnected(true)
			log.WithField("attempt", attempt).Info("Station attached")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("Station attach failed")

		if attempt == m.cfg.MaxRetries {
			break
		}
		t := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	m.setConnected(false)
	return fmt.Errorf("%w after %d attempts: %v", core.ErrWiFiTimeout, m.cfg.MaxRetries, lastErr)
}

// Connected reports the last observed link state.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// HardwareAddr returns the station MAC in AA:BB:CC:DD:EE:FF form.
func (m *Manager) HardwareAddr() (string, error) {
	hw, err := m.station.HardwareAddr()
	if err != nil {
		return "", err
	}
	return core.FormatMAC(hw), nil
}

// Monitor polls the link every MonitorInterval and re-attaches after a
// drop using the credentials of the last Attach. It returns when ctx is
// done.
func (m *Manager) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if m.station.Connected() {
			m.setConnected(true)
			continue
		}

		m.setConnected(false)
		m.mu.RLock()
		ssid := m.ssid
		m.mu.RUnlock()
		if ssid == "" {
			continue
		}

		m.logger.WithError(core.ErrLinkDown).Warn("Station link lost, re-attaching")
		if err := m.attach(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			m.logger.WithError(err).Error("Re-attach failed")
		}
	}
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	changed := m.connected != v
	m.connected = v
	watchers := append([]func(bool){}, m.watchers...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range watchers {
		fn(v)
	}
}
