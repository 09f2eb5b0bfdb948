// Package notify delivers ledger events to logs, message buses and
// websocket clients.
package notify

import (
	"errors"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/margin"
)

// ErrZMQUnavailable is returned by NewZMQPublisher in builds without cgo.
var ErrZMQUnavailable = errors.New("zmq requires cgo")

// Multi fans an event out to every sink in order.
type Multi []margin.EventSink

func (m Multi) Emit(ev margin.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []margin.Event
}

func (r *Recorder) Emit(ev margin.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []margin.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]margin.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topics returns the topic of each recorded event.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Topic()
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// LogSink writes each event at info level.
type LogSink struct {
	Logger log.Logger
}

// NewLogSink creates a LogSink on the "events" module logger.
func NewLogSink() *LogSink {
	return &LogSink{Logger: log.Root().New("module", "events")}
}

func (s *LogSink) Emit(ev margin.Event) {
	env, err := margin.NewEnvelope(0, ev)
	if err != nil {
		s.Logger.Warn("Unknown event", "error", err)
		return
	}
	kv := []interface{}{"owner", env.Owner, "id", env.PositionID}
	if env.Amount != "" {
		kv = append(kv, "amount", env.Amount)
	}
	if env.Fee != "" {
		kv = append(kv, "fee", env.Fee)
	}
	if env.Recipient != "" {
		kv = append(kv, "recipient", env.Recipient)
	}
	s.Logger.Info(env.Topic, kv...)
}
