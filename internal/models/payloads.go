package models

import "time"

// PublicProfile is the partner-facing slice of a user profile. All fields
// are opaque pass-through strings from the profile service; the geo fields
// come from the IP resolver at connect time.
type PublicProfile struct {
	IdentityID  string `json:"identityId"`
	Username    string `json:"username"`
	Avatar      string `json:"avatar,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryName string `json:"countryName,omitempty"`
}

// RequestMatchPayload is sent by a client entering the queue.
type RequestMatchPayload struct {
	Mode             string `json:"mode"`
	PreferredCountry string `json:"preferredCountry,omitempty"`
}

// QueueJoinedPayload acknowledges a queue join with the 1-based position.
type QueueJoinedPayload struct {
	Position int    `json:"position"`
	Mode     string `json:"mode"`
}

// MatchPreparedPayload tells a client a partner is lined up; media must not
// start until the match-found event arrives.
type MatchPreparedPayload struct {
	RoomID  string        `json:"roomId"`
	Partner PublicProfile `json:"partner"`
}

// MatchCancelledPayload reports a failed handshake.
type MatchCancelledPayload struct {
	Reason string `json:"reason"`
}

// MatchFoundPayload finalizes a match. Role is "offerer" or "answerer".
type MatchFoundPayload struct {
	RoomID     string        `json:"roomId"`
	Role       string        `json:"role"`
	Partner    PublicProfile `json:"partner"`
	Friendship string        `json:"friendship"`
}

// PartnerReconnectingPayload opens the grace window on the surviving side.
type PartnerReconnectingPayload struct {
	GraceSeconds int `json:"graceSeconds"`
}

// RejoinSuccessPayload restores a session after a transient disconnect.
type RejoinSuccessPayload struct {
	RoomID    string        `json:"roomId"`
	Role      string        `json:"role"`
	Partner   PublicProfile `json:"partner"`
	StartedAt time.Time     `json:"startedAt"`
}

// RejoinFailedPayload reports why a rejoin could not be honored.
type RejoinFailedPayload struct {
	Reason string `json:"reason"`
}

// PartnerReconnectedPayload tells the waiting side its peer is back.
type PartnerReconnectedPayload struct {
	PartnerConnID string `json:"partnerConnId"`
	Role          string `json:"role"`
}

// CallEndedPayload reports a terminated call.
type CallEndedPayload struct {
	By     string `json:"by,omitempty"`
	Reason string `json:"reason"`
}

// EndCallPayload is the client request to end a call. Target is optional;
// when absent the partner is resolved from the session tracker.
type EndCallPayload struct {
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CallInitiatePayload starts a direct call to a known identity.
type CallInitiatePayload struct {
	TargetIdentity string `json:"targetIdentity"`
	Mode           string `json:"mode"`
}

// IncomingCallPayload is delivered to the callee of a direct call.
type IncomingCallPayload struct {
	CallID string        `json:"callId"`
	Caller PublicProfile `json:"caller"`
	Mode   string        `json:"mode"`
}

// CallRespondPayload accepts or declines a direct call.
type CallRespondPayload struct {
	CallID string `json:"callId"`
	Accept bool   `json:"accept"`
}

// CallCancelPayload withdraws a direct call before it is answered.
type CallCancelPayload struct {
	CallID string `json:"callId"`
}

// SignalPayload relays offer/answer/candidate content between the two sides
// of a call. The SDP/candidate body is never inspected.
type SignalPayload struct {
	Kind string `json:"kind"`
	From string `json:"from,omitempty"`
	Body any    `json:"body"`
}

// Failure codes surfaced through error events.
const (
	ErrCodeStaleSession       = "stale-session"
	ErrCodePartnerUnavailable = "partner-unavailable"
	ErrCodeHandshakeInterrupt = "handshake-interrupted"
	ErrCodeBadPayload         = "bad-payload"
)

// ErrorPayload is the typed failure event body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
