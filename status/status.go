// Package status carries human-readable progress messages from rig
// procedures to interested sinks: logs, websocket clients, the journal.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-gasrig/logger"
)

// TimeLayout is the timestamp prefix of every reported message.
const TimeLayout = "2006-01-02 15:04:05"

// Sink receives status messages. Emit must not block for long.
type Sink interface {
	Emit(message string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(message string)

func (f SinkFunc) Emit(message string) { f(message) }

// Reporter timestamps messages and fans them out to its sinks in order.
// A nil *Reporter discards everything.
type Reporter struct {
	mu    sync.RWMutex
	sinks []Sink
	now   func() time.Time
}

var _ Sink = (*Reporter)(nil)

func NewReporter(sinks ...Sink) *Reporter {
	return &Reporter{sinks: sinks, now: time.Now}
}

// Add attaches s to the reporter.
func (r *Reporter) Add(s Sink) {
	if s == nil {
		return
	}

	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Emit reports message with the current time prepended.
func (r *Reporter) Emit(message string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	sinks := r.sinks
	now := r.now
	r.mu.RUnlock()

	line := now().Format(TimeLayout) + " " + message
	for _, s := range sinks {
		s.Emit(line)
	}
}

// Emitf formats and reports a message.
func (r *Reporter) Emitf(format string, args ...any) {
	if r == nil {
		return
	}
	r.Emit(fmt.Sprintf(format, args...))
}

// LogSink writes every message to l at info level.
func LogSink(l logger.Logger) Sink {
	return SinkFunc(func(message string) {
		l.Info("status", "message", message)
	})
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Emit(message string) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.messages...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
