// File: api/events.go
// Package api defines the event taxonomy shared by the reactor and the
// redirect pump.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// EventType identifies the condition delivered to an event-source callback.
type EventType int

const (
	// EventNewConnection is delivered to listener sources when a peer is
	// waiting to be accepted.
	EventNewConnection EventType = iota + 1
	// EventConnectionClosed is delivered when the read side of a connection
	// reports end-of-file. It always follows the primary event for the same
	// dispatch entry.
	EventConnectionClosed
	// EventReadyForWrite is delivered once per write-interest arm when the
	// descriptor can accept bytes without blocking.
	EventReadyForWrite
	// EventDataAvailable is delivered once per read-interest arm when bytes
	// are readable without blocking.
	EventDataAvailable
	// EventTimerFired is delivered exactly once per timer enable.
	EventTimerFired
	// EventProcessExited carries the monitored process id in Event.Ident.
	EventProcessExited
	// EventSignalDelivered carries the signal number in Event.Ident.
	EventSignalDelivered
)

// EventConnected is delivered when an in-progress connect completes; it is
// write readiness under another name.
const EventConnected = EventReadyForWrite

func (t EventType) String() string {
	switch t {
	case EventNewConnection:
		return "new-connection"
	case EventConnectionClosed:
		return "connection-closed"
	case EventReadyForWrite:
		return "ready-for-write"
	case EventDataAvailable:
		return "data-available"
	case EventTimerFired:
		return "timer-fired"
	case EventProcessExited:
		return "process-exited"
	case EventSignalDelivered:
		return "signal-delivered"
	}
	return "unknown"
}

// RedirectEventType identifies conditions reported by a byte-relay pump.
type RedirectEventType int

const (
	// RedirectInputClosed reports that the input descriptor reached
	// end-of-file. The output side is left untouched.
	RedirectInputClosed RedirectEventType = iota + 1
	// RedirectInputError reports a non-retryable read failure; the pump halts.
	RedirectInputError
	// RedirectOutputError reports a non-retryable write failure; the pump halts.
	RedirectOutputError
	// RedirectDataReady reports that input bytes became available.
	RedirectDataReady
	// RedirectDataWritten reports that a full relay buffer drained to the
	// output descriptor.
	RedirectDataWritten
)

func (t RedirectEventType) String() string {
	switch t {
	case RedirectInputClosed:
		return "input-closed"
	case RedirectInputError:
		return "input-error"
	case RedirectOutputError:
		return "output-error"
	case RedirectDataReady:
		return "data-ready"
	case RedirectDataWritten:
		return "data-written"
	}
	return "unknown"
}
