package display

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher sends a JSON message to the fleet queue.
type Publisher interface {
	Publish(ctx context.Context, subject string, message interface{}) error
}

const forwardTimeout = 3 * time.Second

// forwardedEvent is the queued record: the event plus who emitted it.
type forwardedEvent struct {
	Event
	MACAddress string `json:"mac_address"`
	BootID     string `json:"boot_id"`
}

// ForwardSink forwards progress events to a fleet queue. Events are
// published in order from a single goroutine; when the buffer is full
// new events are dropped. Events shown after Close are ignored.
type ForwardSink struct {
	pub     Publisher
	subject string
	mac     string
	bootID  string
	events  chan forwardedEvent
	done    chan struct{}
	logger  *logrus.Entry

	mu     sync.Mutex
	closed bool
}

func NewForwardSink(pub Publisher, subject, mac, bootID string, logger *logrus.Logger) *ForwardSink {
	if subject == "" {
		subject = "endpoint.startup"
	}
	f := &ForwardSink{
		pub:     pub,
		subject: subject,
		mac:     mac,
		bootID:  bootID,
		events:  make(chan forwardedEvent, 32),
		done:    make(chan struct{}),
		logger:  logger.WithField("component", "display.forward"),
	}
	go f.run()
	return f
}

func (f *ForwardSink) Show(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- forwardedEvent{Event: ev, MACAddress: f.mac, BootID: f.bootID}:
	default:
		f.logger.WithField("stage", ev.Stage.String()).Warn("Progress forward buffer full, event dropped")
	}
}

// Close flushes queued events and stops the forwarder.
func (f *ForwardSink) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()
	<-f.done
}

func (f *ForwardSink) run() {
	defer close(f.done)
	for ev := range f.events {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		err := f.pub.Publish(ctx, f.subject, ev)
		cancel()
		if err != nil {
			f.logger.WithError(err).WithField("stage", ev.Stage.String()).Warn("Failed to forward progress event")
		}
	}
}
