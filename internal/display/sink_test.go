package display

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMultiSink_FansOut(t *testing.T) {
	var a, b Recorder
	var calls int
	sink := MultiSink{&a, &b, SinkFunc(func(Event) { calls++ })}

	sink.Show(Event{Stage: core.StageNvs, Progress: 10, Message: "Opening storage"})
	sink.Show(Event{Stage: core.StageWiFiCheck, Progress: 20, Message: "Checking Wi-Fi"})

	if len(a.Events()) != 2 || len(b.Events()) != 2 || calls != 2 {
		t.Errorf("expected every sink to see 2 events, got %d, %d, %d", len(a.Events()), len(b.Events()), calls)
	}
	last, ok := b.Last()
	if !ok || last.Stage != core.StageWiFiCheck {
		t.Errorf("expected last stage WifiCheck, got %v", last.Stage)
	}
}

func TestLogSink_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	NewLogSink(logger).Show(Event{Stage: core.StageError, Message: "Please register", Error: "not-registered"})

	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"error_kind":"not-registered"`) {
		t.Errorf("expected error entry with kind, got %s", out)
	}
	if !strings.Contains(out, `"stage":"Error"`) {
		t.Errorf("expected stage name, got %s", out)
	}
}

func TestConsoleSink_Render(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSink(&buf)

	c.Show(Event{Stage: core.StageGetConfig, Progress: 50, Message: "Fetching configuration"})
	c.Show(Event{Stage: core.StageError, Message: "Wi-Fi failed", Error: "wifi-timeout"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "GetConfig") || !strings.Contains(lines[0], " 50%") || !strings.Contains(lines[0], "Fetching configuration") {
		t.Errorf("unexpected progress line %q", lines[0])
	}
	if !strings.Contains(lines[1], "wifi-timeout") {
		t.Errorf("expected error kind in %q", lines[1])
	}
}

func TestBar(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "[....................]   0%"},
		{50, "[##########..........]  50%"},
		{100, "[####################] 100%"},
		{150, "[####################] 100%"},
		{-5, "[....................]   0%"},
	}
	for _, tt := range tests {
		if got := bar(tt.in); got != tt.want {
			t.Errorf("bar(%d): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	messages []forwardedEvent
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a bounded publish")
	}
	p.subjects = append(p.subjects, subject)
	p.messages = append(p.messages, message.(forwardedEvent))
	return p.err
}

func TestForwardSink_PublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	f := NewForwardSink(pub, "", "24:6F:28:0A:BC:DE", "boot-1", quietLogger())

	f.Show(Event{Stage: core.StageInit, At: time.Now()})
	f.Show(Event{Stage: core.StageNvs, At: time.Now()})
	f.Show(Event{Stage: core.StageCompleted, At: time.Now()})
	f.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.messages) != 3 {
		t.Fatalf("expected 3 forwarded events, got %d", len(pub.messages))
	}
	want := []core.StartupStage{core.StageInit, core.StageNvs, core.StageCompleted}
	for i, m := range pub.messages {
		if m.Stage != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], m.Stage)
		}
		if m.MACAddress != "24:6F:28:0A:BC:DE" || m.BootID != "boot-1" {
			t.Errorf("event %d: unexpected origin %q/%q", i, m.MACAddress, m.BootID)
		}
		if pub.subjects[i] != "endpoint.startup" {
			t.Errorf("expected default subject, got %s", pub.subjects[i])
		}
	}
}

func TestForwardSink_PublishErrorDoesNotStop(t *testing.T) {
	pub := &fakePublisher{err: errors.New("queue unavailable")}
	f := NewForwardSink(pub, "factory.progress", "", "", quietLogger())

	f.Show(Event{Stage: core.StageInit})
	f.Show(Event{Stage: core.StageNvs})
	f.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.messages) != 2 {
		t.Errorf("expected both events attempted, got %d", len(pub.messages))
	}
}

func TestForwardSink_ShowAfterClose(t *testing.T) {
	pub := &fakePublisher{}
	f := NewForwardSink(pub, "", "", "", quietLogger())

	f.Show(Event{Stage: core.StageInit})
	f.Close()
	f.Show(Event{Stage: core.StageNvs})
	f.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.messages) != 1 {
		t.Errorf("expected only the event shown before Close, got %d", len(pub.messages))
	}
}
