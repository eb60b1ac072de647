package transport

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Signal is an asynchronous control request delivered to a transport's
// I/O worker.
type Signal uint8

const (
	// SignalPing wakes an idle-blocked worker so it re-evaluates
	// transport state; it carries no other meaning.
	SignalPing Signal = iota
	// SignalPause suspends encode/decode work without tearing down
	// sockets.
	SignalPause
	// SignalResume resumes a paused worker.
	SignalResume
	// SignalTerminate requests loop exit. It is the only signal
	// guaranteed to end the worker.
	SignalTerminate

	signalCount
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalPing:
		return "ping"
	case SignalPause:
		return "pause"
	case SignalResume:
		return "resume"
	case SignalTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// drainOrder fixes the delivery order when several kinds are pending;
// termination always wins.
var drainOrder = [signalCount]Signal{SignalTerminate, SignalPause, SignalResume, SignalPing}

// Mailbox is the per-transport signal channel: one pending slot per
// signal kind plus a wake channel the worker blocks on. Sending never
// blocks; a kind already pending is coalesced into the existing slot,
// which bounds memory but does not guarantee a delivery count.
type Mailbox struct {
	pending [signalCount]atomic.Bool
	wake    chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Send marks the signal pending and wakes the worker. Safe from any
// goroutine; repeated identical signals before consumption collapse to
// one.
func (m *Mailbox) Send(s Signal) {
	if s >= signalCount {
		return
	}
	if !m.pending[s].CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"function": "Mailbox.Send",
			"signal":   s.String(),
		}).Debug("Signal coalesced with pending instance")
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Drain consumes and returns all pending signals in delivery order.
func (m *Mailbox) Drain() []Signal {
	var out []Signal
	for _, s := range drainOrder {
		if m.pending[s].CompareAndSwap(true, false) {
			out = append(out, s)
		}
	}
	return out
}

// Pending reports whether the given signal kind is waiting for
// consumption.
func (m *Mailbox) Pending(s Signal) bool {
	return s < signalCount && m.pending[s].Load()
}

// Wake returns the channel a worker blocks on between iterations. The
// channel has capacity one; a receive may represent any number of
// coalesced Send calls.
func (m *Mailbox) Wake() <-chan struct{} {
	return m.wake
}
