package models

import "encoding/json"

// EventType names an event sent to or received from a client over the
// signaling socket. The wire envelope is {"type": ..., "data": {...}}.
type EventType string

// Server → client events.
const (
	EventQueueJoined        EventType = "queue-joined"
	EventMatchPrepared      EventType = "match-prepared"
	EventMatchCancelled     EventType = "match-cancelled"
	EventMatchFound         EventType = "match-found"
	EventPartnerReconnect   EventType = "partner-reconnecting"
	EventRejoinSuccess      EventType = "rejoin-success"
	EventRejoinFailed       EventType = "rejoin-failed"
	EventPartnerReconnected EventType = "partner-reconnected"
	EventCallEnded          EventType = "call-ended"
	EventIncomingCall       EventType = "incoming-call"
	EventCallDeclined       EventType = "call-declined"
	EventCallCancelled      EventType = "call-cancelled"
	EventPong               EventType = "pong"
	EventError              EventType = "error"
)

// Client → server events.
const (
	EventRequestMatch     EventType = "request-match"
	EventAcknowledgeMatch EventType = "acknowledge-match"
	EventLeaveQueue       EventType = "leave-queue"
	EventHeartbeat        EventType = "heartbeat-ping"
	EventEndCall          EventType = "end-call"
	EventRejoinCall       EventType = "rejoin-call"
	EventCancelReconnect  EventType = "cancel-reconnect"
	EventCallInitiate     EventType = "call-initiate"
	EventCallRespond      EventType = "call-respond"
	EventCallCancel       EventType = "call-cancel"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventCandidate        EventType = "candidate"
)

// Reason codes carried by call-ended, match-cancelled and rejoin-failed events.
const (
	ReasonSkip              = "skip"
	ReasonPartnerSkip       = "partner-skip"
	ReasonHangup            = "hangup"
	ReasonPartnerHangup     = "partner-hangup"
	ReasonPartnerDisconnect = "partner-disconnect"
	ReasonPartnerCancelled  = "partner-cancelled"
	ReasonSessionExpired    = "session-expired"
	ReasonStaleRejoin       = "stale-rejoin"
	ReasonHandshakeTimeout  = "handshake-timeout"
	ReasonHandshakeAborted  = "handshake-aborted"
)

// Envelope is the outbound wire frame.
type Envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// ClientFrame is the inbound wire frame; Data stays raw until the
// per-type handler decodes it.
type ClientFrame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
