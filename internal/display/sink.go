// Package display presents startup progress. The orchestrator emits events;
// sinks decide how they are shown.
package display

import (
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/sirupsen/logrus"
)

// Event is one progress update.
type Event struct {
	Stage    core.StartupStage `json:"stage"`
	Progress int               `json:"progress"`
	Message  string            `json:"message"`
	// Error is the failure kind when Stage is StageError.
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Sink receives progress events. Show must not block for long.
type Sink interface {
	Show(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Show(ev Event) { f(ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Show(ev Event) {
	for _, s := range m {
		s.Show(ev)
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *logrus.Entry
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "display")}
}

func (s *LogSink) Show(ev Event) {
	entry := s.logger.WithFields(logrus.Fields{
		"stage":    ev.Stage.String(),
		"progress": ev.Progress,
	})
	if ev.Error != "" {
		entry.WithField("error_kind", ev.Error).Error(ev.Message)
		return
	}
	entry.Info(ev.Message)
}

// Recorder keeps every event it is shown.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Show(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event.
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}
