package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a signal on the bus. The set of types is closed:
// components fire and subscribe to these constants only, which keeps
// dead-signal detection meaningful and handler wiring checkable.
type Type string

const (
	// TypeIncomingMessage is a user message entering the system.
	// Payload: text, chatId, userId, channel.
	TypeIncomingMessage Type = "INCOMING_MESSAGE"
	// TypeOutgoingMessage is an agent reply leaving the system. Exactly
	// one subscriber delivers it: the channel adapter named by the
	// payload, or the correlator holding the pending request.
	// Payload: text, chatId, channel.
	TypeOutgoingMessage Type = "OUTGOING_MESSAGE"
	// TypeThinkingStart is a typing indicator for channels that can
	// render one. Payload: chatId, channel.
	TypeThinkingStart Type = "THINKING_START"
	// TypeError reports a recoverable component failure.
	// Payload: error, origin, and optionally signalType when the error
	// was converted from a panicking handler.
	TypeError Type = "ERROR"

	// TypeHealthDegraded fires when the watchdog state drops to
	// DEGRADED. Payload: previous, detail.
	TypeHealthDegraded Type = "HEALTH_DEGRADED"
	// TypeHealthUnhealthy fires when the watchdog state drops to
	// UNHEALTHY. Payload: previous, detail.
	TypeHealthUnhealthy Type = "HEALTH_UNHEALTHY"
	// TypeHealthRecovered fires when the watchdog state returns to
	// HEALTHY. Payload: previous, detail.
	TypeHealthRecovered Type = "HEALTH_RECOVERED"

	// TypeNotification is an owner-facing note that is not a reply to
	// any message. Payload: title, message.
	TypeNotification Type = "NOTIFICATION"
	// TypeApprovalProposed announces a sleep-cycle proposal awaiting
	// the owner. Payload: title, path, summary.
	TypeApprovalProposed Type = "APPROVAL_PROPOSED"
)

// Types lists every signal type the bus carries.
var Types = []Type{
	TypeIncomingMessage,
	TypeOutgoingMessage,
	TypeThinkingStart,
	TypeError,
	TypeHealthDegraded,
	TypeHealthUnhealthy,
	TypeHealthRecovered,
	TypeNotification,
	TypeApprovalProposed,
}

// Signal is one record on the bus. Signals are immutable once dispatch
// begins: middleware may set TraceID, nothing else mutates after fire.
// The JSON form round-trips losslessly for the audit trail.
type Signal struct {
	// Type identifies the signal.
	Type Type `json:"type"`
	// Source names the component that fired the signal.
	Source string `json:"source"`
	// TraceID is a UUID shared across the incoming/outgoing pair of a
	// single user turn. Minted at fire time when absent.
	TraceID string `json:"traceId"`
	// Timestamp is the fire time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Payload holds signal-specific key/value pairs.
	Payload map[string]any `json:"payload,omitempty"`
}

// Str returns the payload value for key when it is a string, or "".
func (s Signal) Str(key string) string {
	v, _ := s.Payload[key].(string)
	return v
}

// fillDefaults mints a trace id and stamps the time on signals that
// were fired without them.
func fillDefaults(s *Signal, now time.Time) {
	if s.TraceID == "" {
		s.TraceID = uuid.NewString()
	}
	if s.Timestamp == 0 {
		s.Timestamp = now.UnixMilli()
	}
}
