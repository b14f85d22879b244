package hub

import (
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// Effect is a side effect produced by a state transition. Transitions only
// mutate the hub's in-memory state and return effects; the dispatcher
// performs them after the transition has committed. This keeps every
// outbound send, cache write and collaborator call off the critical path
// and guarantees no handler can observe a half-applied state.
type Effect interface {
	isEffect()
}

// SendEffect delivers one event to one connection.
type SendEffect struct {
	ConnID string
	Type   models.EventType
	Data   any
}

// MatchFoundEffect is a SendEffect that the dispatcher enriches with the
// friendship status between the two identities before delivery.
type MatchFoundEffect struct {
	ConnID          string
	SelfIdentity    string
	PartnerIdentity string
	Payload         models.MatchFoundPayload
}

// CachePutEffect mirrors a value to the external cache under a TTL.
type CachePutEffect struct {
	Key   string
	Value any
	TTL   time.Duration
}

// CacheDelEffect removes a mirrored value.
type CacheDelEffect struct {
	Key string
}

// HistoryEffect records a completed session, fire-and-forget.
type HistoryEffect struct {
	IdentityID string
	Partner    models.PublicProfile
	Duration   time.Duration
	Reason     string
}

func (SendEffect) isEffect()       {}
func (MatchFoundEffect) isEffect() {}
func (CachePutEffect) isEffect()   {}
func (CacheDelEffect) isEffect()   {}
func (HistoryEffect) isEffect()    {}

func send(connID string, t models.EventType, data any) Effect {
	return SendEffect{ConnID: connID, Type: t, Data: data}
}

func sendError(connID, code string) Effect {
	return SendEffect{ConnID: connID, Type: models.EventError, Data: models.ErrorPayload{Code: code}}
}
