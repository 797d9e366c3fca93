// Package session owns the broker connection: connect, subscribe to the
// control topic, publish telemetry and resume after transport loss.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/config"
	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// QoS is used for every subscription and publish.
const QoS byte = 1

// State of the session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Params binds a session to an assigned identity.
type Params struct {
	BrokerURL          string
	ClientID           string
	Username           string
	Password           string
	InsecureSkipVerify bool
	Topics             core.Topics
}

// ParamsFromAssigned derives connection parameters from a provisioning
// result. Broker-specific credentials win over the identity triple.
func ParamsFromAssigned(ac *core.AssignedConfig, insecureSkipVerify bool) Params {
	p := Params{
		BrokerURL:          ac.BrokerURL(),
		ClientID:           ac.DeviceID,
		Username:           ac.DeviceUUID,
		Password:           ac.DeviceSecret,
		InsecureSkipVerify: insecureSkipVerify,
		Topics:             ac.Topics.WithDefaults(ac.DeviceUUID),
	}
	if ac.MQTTUsername != "" {
		p.Username = ac.MQTTUsername
	}
	if ac.MQTTPassword != "" {
		p.Password = ac.MQTTPassword
	}
	return p
}

// Handler receives inbound control payloads in arrival order.
type Handler func(topic string, payload []byte)

type publishRequest struct {
	topic   string
	payload []byte
	result  chan error
}

// Session is the MQTT session state machine. The transport is touched only
// by the loop goroutine; producers reach it through a bounded queue.
type Session struct {
	transport Transport
	cfg       config.MQTTConfig
	logger    *logrus.Entry

	mu       sync.RWMutex
	state    State
	lastErr  error
	params   Params
	handler  Handler
	watchers []func(State)
	changed  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	queue chan *publishRequest
}

// New creates an idle session. Zero config values fall back to defaults.
func New(transport Transport, cfg config.MQTTConfig, logger *logrus.Logger) *Session {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 90 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}

	return &Session{
		transport: transport,
		cfg:       cfg,
		logger:    logger.WithField("component", "session"),
		changed:   make(chan struct{}),
		queue:     make(chan *publishRequest, cfg.QueueSize),
	}
}

// SetHandler installs the inbound control handler.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnStateChange registers fn to be called after every transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Start moves the session from Idle to Connecting and launches the loop.
func (s *Session) Start(ctx context.Context, p Params) error {
	if p.BrokerURL == "" || p.ClientID == "" {
		return fmt.Errorf("session requires broker url and client id")
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", s.state)
	}
	s.params = p
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.setState(StateConnecting, nil)
	go s.run(runCtx)
	return nil
}

// Stop ends the loop, disconnects and returns the session to Idle.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setState(StateIdle, nil)
	s.logger.Info("MQTT session stopped")
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether the session is in the Connected state.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Topics returns the topic set bound at Start. It does not change across
// reconnects.
func (s *Session) Topics() core.Topics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Topics
}

// WaitConnected blocks until the session is Connected, reaches Error, or ctx
// is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.RLock()
		state, changed, lastErr := s.state, s.changed, s.lastErr
		s.mu.RUnlock()

		switch state {
		case StateConnected:
			return nil
		case StateError:
			return lastErr
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish sends payload with QoS 1 and retain=false. It returns
// core.ErrNotConnected immediately when the session is not Connected.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.RLock()
	state, done := s.state, s.done
	s.mu.RUnlock()

	if state != StateConnected {
		return core.ErrNotConnected
	}

	req := &publishRequest{topic: topic, payload: payload, result: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-done:
		return core.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	if s.state == state && err == nil {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.lastErr = err
	close(s.changed)
	s.changed = make(chan struct{})
	watchers := append([]func(State){}, s.watchers...)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   state.String(),
	}).Debug("Session state changed")

	for _, fn := range watchers {
		fn(state)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.transport.Disconnect()

	for {
		err := s.connect(ctx)
		switch {
		case err == nil:
			s.setState(StateConnected, nil)
			lost := s.serve(ctx)
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(lost).Warn("Lost connection to MQTT broker")
			s.setState(StateDisconnected, lost)

		case errors.Is(err, core.ErrAuthFailed):
			s.logger.WithError(err).Error("Broker rejected credentials, waiting for new provisioning")
			s.setState(StateError, err)
			s.idle(ctx, nil)
			return

		default:
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("Failed to connect to MQTT broker")
			s.setState(StateDisconnected, err)
		}

		timer := time.NewTimer(s.cfg.ReconnectInterval)
		resume := s.idle(ctx, timer.C)
		timer.Stop()
		if !resume {
			return
		}

		s.logger.Info("Attempting to reconnect to MQTT broker...")
		s.setState(StateConnecting, nil)
	}
}

// connect performs one attempt: CONNACK followed by the control subscription.
func (s *Session) connect(ctx context.Context) error {
	s.mu.RLock()
	p := s.params
	s.mu.RUnlock()

	opts := ConnectOptions{
		BrokerURL:      p.BrokerURL,
		ClientID:       p.ClientID,
		Username:       p.Username,
		Password:       p.Password,
		KeepAlive:      s.cfg.KeepAlive,
		ConnectTimeout: s.cfg.ConnectTimeout,
	}
	if strings.HasPrefix(p.BrokerURL, "ssl://") {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: p.InsecureSkipVerify}
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.transport.Connect(cctx, opts); err != nil {
		return err
	}

	if err := s.transport.Subscribe(cctx, p.Topics.Control, QoS); err != nil {
		s.transport.Disconnect()
		return fmt.Errorf("failed to subscribe to %s: %w", p.Topics.Control, err)
	}

	s.logger.WithFields(logrus.Fields{
		"broker": p.BrokerURL,
		"topic":  p.Topics.Control,
	}).Info("Connected to MQTT broker and subscribed to control topic")
	return nil
}

// serve runs while connected and returns the reason the connection ended.
func (s *Session) serve(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: transport event stream closed", core.ErrLinkDown)
			}
			switch ev.Kind {
			case EventConnectionLost:
				if ev.Err == nil {
					return core.ErrLinkDown
				}
				return ev.Err
			case EventMessage:
				s.deliver(ev)
			}

		case req := <-s.queue:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
			err := s.transport.Publish(pctx, req.topic, QoS, req.payload)
			cancel()
			if err != nil {
				s.logger.WithError(err).WithField("topic", req.topic).Warn("Failed to publish message")
			}
			req.result <- err
		}
	}
}

// idle serves the queue while not connected, rejecting every publish. It
// returns true when wait fires and false when ctx is done.
func (s *Session) idle(ctx context.Context, wait <-chan time.Time) bool {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-wait:
			return true
		case req := <-s.queue:
			req.result <- core.ErrNotConnected
		case _, ok := <-events:
			// Stale events from a dead connection are dropped.
			if !ok {
				events = nil
			}
		}
	}
}

func (s *Session) deliver(ev Event) {
	s.mu.RLock()
	control, handler := s.params.Topics.Control, s.handler
	s.mu.RUnlock()

	if ev.Topic != control {
		s.logger.WithField("topic", ev.Topic).Debug("Ignoring message on unexpected topic")
		return
	}
	if handler == nil {
		s.logger.Warn("No handler registered for control messages")
		return
	}

	handler(ev.Topic, ev.Payload)
}
