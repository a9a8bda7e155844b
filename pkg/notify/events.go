// Package notify carries offload lifecycle events from the control plane to
// its registered listener and to diagnostic consumers.
package notify

import "time"

// EventType names an offload lifecycle transition.
type EventType string

const (
	// EventStarted: hardware forwarding began on the bound upstream.
	EventStarted EventType = "STARTED"

	// EventSupportAvailable: offload support appeared after having been
	// unavailable. Not tied to an upstream.
	EventSupportAvailable EventType = "SUPPORT_AVAILABLE"

	// EventStoppedError: forwarding halted because of an engine fault.
	EventStoppedError EventType = "STOPPED_ERROR"

	// EventStoppedUnsupported: forwarding halted because the engine can
	// no longer offload on this device.
	EventStoppedUnsupported EventType = "STOPPED_UNSUPPORTED"

	// EventStoppedLimitReached: forwarding halted because the byte quota
	// for the bound upstream was exhausted.
	EventStoppedLimitReached EventType = "STOPPED_LIMIT_REACHED"
)

// Event is one offload lifecycle notification.
type Event struct {
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	Upstream string    `json:"upstream,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Sink receives events. OnEvent must not call back into the controller;
// it runs on the delivery goroutine, outside the controller lock.
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) OnEvent(ev Event) { f(ev) }

type multiSink []Sink

func (m multiSink) OnEvent(ev Event) {
	for _, s := range m {
		s.OnEvent(ev)
	}
}

// MultiSink fans one event out to several sinks, in order.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}
