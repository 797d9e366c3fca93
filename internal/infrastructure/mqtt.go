// internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/backstage/services/endpoint/internal/core"
	"example.com/backstage/services/endpoint/internal/session"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sirupsen/logrus"
)

// MQTTTransport is a session.Transport over paho. Automatic reconnect is
// disabled; the session decides when to dial again.
//
// Every Connect gets a new generation. Callbacks carry the generation of
// the client that raised them and are dropped unless it is the live one.
type MQTTTransport struct {
	logger *logrus.Entry
	events chan session.Event

	mu         sync.Mutex
	client     mqtt.Client
	generation uint64
	live       uint64
}

// NewMQTTTransport creates a transport whose event channel holds up to
// buffer undelivered events.
func NewMQTTTransport(buffer int, logger *logrus.Logger) *MQTTTransport {
	if buffer <= 0 {
		buffer = 32
	}
	return &MQTTTransport{
		logger: logger.WithField("component", "mqtt"),
		events: make(chan session.Event, buffer),
	}
}

// Events returns the channel carrying connection-lost and message events.
func (t *MQTTTransport) Events() <-chan session.Event {
	return t.events
}

// Connect dials the broker and waits for CONNACK.
func (t *MQTTTransport) Connect(ctx context.Context, cfg session.ConnectOptions) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}

	t.mu.Lock()
	t.generation++
	gen := t.generation
	previous := t.client
	t.client, t.live = nil, 0
	t.mu.Unlock()
	if previous != nil {
		previous.Disconnect(0)
	}
	t.drainEvents()

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.onConnectionLost(gen, err)
	})
	opts.SetDefaultPublishHandler(t.messageHandler(gen))

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		// A CONNACK arriving after we gave up must not leave a second
		// client holding this client id.
		client.Disconnect(0)
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", core.ErrAuthFailed, err)
		}
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		client.Disconnect(0)
		return errors.New("connect superseded by a newer attempt")
	}
	t.client = client
	t.live = gen
	t.mu.Unlock()

	t.logger.WithField("broker", cfg.BrokerURL).Info("Connected to MQTT broker")
	return nil
}

// Subscribe subscribes to topic; messages arrive on Events.
func (t *MQTTTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	client, gen, err := t.current()
	if err != nil {
		return err
	}

	if err := waitToken(ctx, client.Subscribe(topic, qos, t.messageHandler(gen))); err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	t.logger.WithField("topic", topic).Info("Subscribed to topic")
	return nil
}

// Publish sends a non-retained message and waits for the broker ack.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	client, _, err := t.current()
	if err != nil {
		return err
	}

	if err := waitToken(ctx, client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Disconnect closes the current connection, if any.
func (t *MQTTTransport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.live = 0
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		t.logger.Info("Disconnected from MQTT broker")
	}
}

func (t *MQTTTransport) current() (mqtt.Client, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, 0, core.ErrNotConnected
	}
	return t.client, t.live, nil
}

// drainEvents discards events left over from retired connections.
func (t *MQTTTransport) drainEvents() {
	for {
		select {
		case <-t.events:
		default:
			return
		}
	}
}

func (t *MQTTTransport) isLive(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen != 0 && gen == t.live
}

// onConnectionLost handles connection loss
func (t *MQTTTransport) onConnectionLost(gen uint64, err error) {
	if !t.isLive(gen) {
		t.logger.WithError(err).WithField("generation", gen).Debug("Ignoring connection loss of a retired client")
		return
	}
	t.logger.WithError(err).Warn("Lost connection to MQTT broker")
	select {
	case t.events <- session.Event{Kind: session.EventConnectionLost, Err: err}:
	default:
		t.logger.Error("Event queue full, connection loss not delivered")
	}
}

// messageHandler copies the payload out of paho's buffer before handing off.
func (t *MQTTTransport) messageHandler(gen uint64) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if !t.isLive(gen) {
			return
		}
		t.deliver(msg)
	}
}

func (t *MQTTTransport) deliver(msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	t.logger.WithFields(logrus.Fields{
		"topic":      msg.Topic(),
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	select {
	case t.events <- session.Event{Kind: session.EventMessage, Topic: msg.Topic(), Payload: payload}:
	default:
		t.logger.WithField("topic", msg.Topic()).Warn("Event queue full, dropping message")
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

var _ session.Transport = (*MQTTTransport)(nil)
