package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

type fakeStation struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	connected bool
	ssids     []string
}

func (f *fakeStation) Connect(ctx context.Context, ssid, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.ssids = append(f.ssids, ssid)
	if f.failures > 0 {
		f.failures--
		return errors.New("association rejected")
	}
	f.connected = true
	return nil
}

func (f *fakeStation) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStation) HardwareAddr() (net.HardwareAddr, error) {
	return net.HardwareAddr{0x24, 0x6f, 0x28, 0x0a, 0xbc, 0xde}, nil
}

func (f *fakeStation) drop(failures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.failures = failures
}

func (f *fakeStation) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestManager(station Station) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(station, config.NetworkConfig{
		MaxRetries:      5,
		RetryDelay:      time.Millisecond,
		MonitorInterval: 5 * time.Millisecond,
	}, logger)
}

func TestAttach(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		wantErr      error
		wantAttempts int
	}{
		{"first try", 0, nil, 1},
		{"after transient failures", 4, nil, 5},
		{"retries exhausted", 5, core.ErrWiFiTimeout, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			station := &fakeStation{failures: tt.failures}
			m := newTestManager(station)

			err := m.Attach(context.Background(), "lab-ap", "secret")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got := station.attemptCount(); got != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, got)
			}
			if m.Connected() != (tt.wantErr == nil) {
				t.Errorf("expected connected=%v, got %v", tt.wantErr == nil, m.Connected())
			}
		})
	}
}

func TestAttach_RequiresSSID(t *testing.T) {
	m := newTestManager(&fakeStation{})
	if err := m.Attach(context.Background(), "", ""); !errors.Is(err, core.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAttach_Cancelled(t *testing.T) {
	station := &fakeStation{failures: 100}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewManager(station, config.NetworkConfig{MaxRetries: 5, RetryDelay: time.Hour}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := m.Attach(ctx, "lab-ap", "secret"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMonitor_ReattachesAfterDrop(t *testing.T) {
	station := &fakeStation{}
	m := newTestManager(station)

	var mu sync.Mutex
	var edges []bool
	m.OnChange(func(connected bool) {
		mu.Lock()
		edges = append(edges, connected)
		mu.Unlock()
	})

	if err := m.Attach(context.Background(), "lab-ap", "secret"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	station.drop(2)

	deadline := time.After(time.Second)
	for station.attemptCount() < 4 || !m.Connected() {
		select {
		case <-deadline:
			t.Fatalf("expected re-attach, attempts=%d connected=%v", station.attemptCount(), m.Connected())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Monitor returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(edges) != len(want) {
		t.Fatalf("expected edges %v, got %v", want, edges)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Errorf("expected edges %v, got %v", want, edges)
			break
		}
	}
	for _, ssid := range station.ssids {
		if ssid != "lab-ap" {
			t.Errorf("expected re-attach to reuse ssid lab-ap, got %q", ssid)
		}
	}
}

func TestHardwareAddr_Formatted(t *testing.T) {
	m := newTestManager(&fakeStation{})
	mac, err := m.HardwareAddr()
	if err != nil {
		t.Fatalf("HardwareAddr failed: %v", err)
	}
	if mac != "24:6F:28:0A:BC:DE" {
		t.Errorf("expected 24:6F:28:0A:BC:DE, got %s", mac)
	}
}
