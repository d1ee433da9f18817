// Package notify carries structured component events (checks, progress,
// failures) to an external listener. Pipeline components report through a
// Listener instead of exiting the process or panicking.
package notify

import (
	"fmt"
	"sync"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
)

// Severity grades an Event.
type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Event is a single notification.
type Event struct {
	Severity Severity
	Source   string
	Message  string
	Err      error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Severity, e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Severity, e.Source, e.Message)
}

// Listener receives events. Implementations must be safe for concurrent use
// when shared between jobs.
type Listener interface {
	OnNotify(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnNotify(e Event) { f(e) }

// Nop drops every event.
var Nop Listener = ListenerFunc(func(Event) {})

// Infof, Warnf and Errorf are shorthands for emitting to l.
func Infof(l Listener, source, format string, args ...any) {
	l.OnNotify(Event{Severity: Info, Source: source, Message: fmt.Sprintf(format, args...)})
}

func Warnf(l Listener, source, format string, args ...any) {
	l.OnNotify(Event{Severity: Warning, Source: source, Message: fmt.Sprintf(format, args...)})
}

func Errorf(l Listener, source string, err error, format string, args ...any) {
	l.OnNotify(Event{Severity: Error, Source: source, Message: fmt.Sprintf(format, args...), Err: err})
}

// Collector records every event it sees.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) OnNotify(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many events of severity s were recorded.
func (c *Collector) Count(s Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Severity == s {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error event was recorded.
func (c *Collector) HasErrors() bool { return c.Count(Error) > 0 }

// Log forwards events to a Logger.
func Log(l logger.Logger) Listener {
	return ListenerFunc(func(e Event) {
		switch e.Severity {
		case Error:
			if e.Err != nil {
				l.Errorf("%s: %s: %v", e.Source, e.Message, e.Err)
				return
			}
			l.Errorf("%s: %s", e.Source, e.Message)
		case Warning:
			l.Warnf("%s: %s", e.Source, e.Message)
		default:
			l.Infof("%s: %s", e.Source, e.Message)
		}
	})
}

// Tee fans events out to several listeners.
func Tee(ls ...Listener) Listener {
	return ListenerFunc(func(e Event) {
		for _, l := range ls {
			if l != nil {
				l.OnNotify(e)
			}
		}
	})
}
