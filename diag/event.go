// Package diag carries diagnostic events out of the session manager and the dispatch path.
//
// Producers publish Events on a Bus; the Bus fans them out to subscribers without ever
// blocking the producer. Sinks attached to a Bus forward events to the logger or to NATS.
package diag

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the source of an Event.
type Kind string

const (
	// KindSessionState reports a session state transition; Detail holds "from->to".
	KindSessionState Kind = "session.state"
	// KindExchange reports a completed command exchange.
	KindExchange Kind = "dispatch.exchange"
	// KindRetry reports a failed attempt that will be retried.
	KindRetry Kind = "dispatch.retry"
	// KindFailure reports a dispatch failure surfaced to the caller.
	KindFailure Kind = "dispatch.failure"
	// KindDiscovery reports an instrument found by discovery.
	KindDiscovery Kind = "discovery"
)

// Event is one diagnostic record.
type Event struct {
	ID        uuid.UUID     `json:"id"`
	Time      time.Time     `json:"time"`
	Kind      Kind          `json:"kind"`
	Address   string        `json:"address,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Command   string        `json:"command,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Class     string        `json:"class,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Failed reports whether the event carries a failure classification.
func (e Event) Failed() bool {
	return e.Class != "" || e.Kind == KindFailure
}

func (e *Event) stamp() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}
