package session

import (
	"context"
	"crypto/tls"
	"time"
)

// EventKind classifies what a transport reports on its event channel.
type EventKind int

const (
	// EventConnectionLost means an established connection dropped.
	EventConnectionLost EventKind = iota
	// EventMessage carries an inbound PUBLISH.
	EventMessage
)

// Event is delivered by a Transport. Payload is owned by the receiver.
type Event struct {
	Kind    EventKind
	Err     error
	Topic   string
	Payload []byte
}

// ConnectOptions are the parameters of one connection attempt.
type ConnectOptions struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
}

// Transport is a single broker connection driven by the session loop.
//
// Connect blocks until CONNACK or failure; a rejected credential must be
// reported as an error wrapping core.ErrAuthFailed. Transports never
// reconnect on their own.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect()
	Events() <-chan Event
}
