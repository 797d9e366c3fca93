package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

type published struct {
	topic   string
	payload string
}

// fakeTransport takes one result from connects per Connect call, so tests
// decide exactly when each attempt completes.
type fakeTransport struct {
	connects chan error
	events   chan Event

	mu        sync.Mutex
	attempts  int
	subs      []string
	published []published
	lastOpts  ConnectOptions
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connects: make(chan error, 8),
		events:   make(chan Event, 8),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	f.mu.Lock()
	f.attempts++
	f.lastOpts = opts
	f.mu.Unlock()

	select {
	case err := <-f.connects:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	if qos != 1 {
		return fmt.Errorf("unexpected qos %d", qos)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topic)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, string(payload)})
	return nil
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) snapshot() (attempts int, subs []string, pubs []published) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, append([]string(nil), f.subs...), append([]published(nil), f.published...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testParams() Params {
	return ParamsFromAssigned(&core.AssignedConfig{
		DeviceID:       "dev-1",
		DeviceUUID:     "u-1",
		DeviceSecret:   "s3cret",
		MQTTBrokerHost: "broker.local",
		MQTTBrokerPort: 1883,
	}, false)
}

func newTestSession(ft *fakeTransport) *Session {
	return New(ft, config.MQTTConfig{
		ConnectTimeout:    time.Second,
		ReconnectInterval: 10 * time.Millisecond,
		PublishTimeout:    time.Second,
		QueueSize:         4,
	}, quietLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParamsFromAssigned(t *testing.T) {
	p := testParams()

	if p.BrokerURL != "tcp://broker.local:1883" {
		t.Errorf("expected tcp://broker.local:1883, got %s", p.BrokerURL)
	}
	if p.ClientID != "dev-1" || p.Username != "u-1" || p.Password != "s3cret" {
		t.Errorf("expected identity credentials, got %+v", p)
	}
	if p.Topics != core.DeriveTopics("u-1") {
		t.Errorf("expected derived topics, got %+v", p.Topics)
	}

	tls := ParamsFromAssigned(&core.AssignedConfig{
		DeviceID:       "dev-1",
		DeviceUUID:     "u-1",
		DeviceSecret:   "s3cret",
		MQTTBrokerHost: "broker.local",
		MQTTBrokerPort: 8883,
		MQTTUseTLS:     true,
		MQTTUsername:   "fleet",
		MQTTPassword:   "pw",
		Topics:         core.Topics{Control: "custom/ctl"},
	}, true)
	if tls.BrokerURL != "ssl://broker.local:8883" {
		t.Errorf("expected ssl url, got %s", tls.BrokerURL)
	}
	if tls.Username != "fleet" || tls.Password != "pw" {
		t.Errorf("expected broker credentials to win, got %s/%s", tls.Username, tls.Password)
	}
	if tls.Topics.Control != "custom/ctl" || tls.Topics.Data != "devices/u-1/data" {
		t.Errorf("expected explicit control and derived data, got %+v", tls.Topics)
	}
}

func TestSession_ConnectSubscribesAndPublishes(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft)

	if err := s.Publish(context.Background(), "x", []byte("{}")); !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}

	ft.connects <- nil
	if err := s.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}

	_, subs, _ := ft.snapshot()
	if len(subs) != 1 || subs[0] != "devices/u-1/control" {
		t.Fatalf("expected control subscription, got %v", subs)
	}
	if ft.lastOpts.ClientID != "dev-1" || ft.lastOpts.TLSConfig != nil {
		t.Errorf("unexpected connect options %+v", ft.lastOpts)
	}

	if err := s.Publish(ctx, s.Topics().Heartbeat, []byte(`{"sequence":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_, _, pubs := ft.snapshot()
	if len(pubs) != 1 || pubs[0].topic != "devices/u-1/heartbeat" {
		t.Errorf("expected one heartbeat publish, got %v", pubs)
	}
}

func TestSession_DeliversOnlyControlMessages(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft)

	got := make(chan string, 4)
	s.SetHandler(func(topic string, payload []byte) {
		got <- string(payload)
	})

	ft.connects <- nil
	if err := s.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	ft.events <- Event{Kind: EventMessage, Topic: "devices/u-1/other", Payload: []byte("ignored")}
	ft.events <- Event{Kind: EventMessage, Topic: "devices/u-1/control", Payload: []byte("first")}
	ft.events <- Event{Kind: EventMessage, Topic: "devices/u-1/control", Payload: []byte("second")}

	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-got:
			if msg != want {
				t.Errorf("expected %q, got %q", want, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSession_ResumesAfterConnectionLoss(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft)

	var mu sync.Mutex
	var history []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		history = append(history, st)
		mu.Unlock()
	})

	ft.connects <- nil
	if err := s.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	waitFor(t, "first connect", s.Connected)
	topics := s.Topics()

	ft.events <- Event{Kind: EventConnectionLost, Err: errors.New("broker went away")}

	// The reconnect attempt blocks until the test feeds it a result.
	waitFor(t, "reconnect attempt", func() bool {
		attempts, _, _ := ft.snapshot()
		return attempts == 2
	})
	if err := s.Publish(context.Background(), topics.Data, []byte("{}")); !errors.Is(err, core.ErrNotConnected) {
		t.Errorf("expected publish during outage to fail with ErrNotConnected, got %v", err)
	}

	ft.connects <- nil
	waitFor(t, "second connect", s.Connected)

	_, subs, pubs := ft.snapshot()
	if len(subs) != 2 || subs[1] != topics.Control {
		t.Errorf("expected control subscription replayed, got %v", subs)
	}
	if len(pubs) != 0 {
		t.Errorf("expected no publishes during outage, got %v", pubs)
	}
	if s.Topics() != topics {
		t.Errorf("expected topics stable across reconnect, got %+v", s.Topics())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	if fmt.Sprint(history) != fmt.Sprint(want) {
		t.Errorf("expected transitions %v, got %v", want, history)
	}
}

func TestSession_AuthFailureIsTerminal(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft)

	ft.connects <- fmt.Errorf("%w: bad user name or password", core.ErrAuthFailed)
	if err := s.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); !errors.Is(err, core.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if s.State() != StateError {
		t.Errorf("expected error state, got %s", s.State())
	}

	time.Sleep(50 * time.Millisecond)
	if attempts, _, _ := ft.snapshot(); attempts != 1 {
		t.Errorf("expected no retry after auth failure, got %d attempts", attempts)
	}
}

func TestSession_TransientFailureRetries(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft)

	ft.connects <- errors.New("connection refused")
	ft.connects <- nil
	if err := s.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "connect after retry", s.Connected)
	if attempts, _, _ := ft.snapshot(); attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestSession_StartTwiceFails(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(ft)
	ft.connects <- nil

	if err := s.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background(), testParams()); err == nil {
		t.Error("expected second start to fail")
	}
}
