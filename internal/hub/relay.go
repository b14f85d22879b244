package hub

import (
	"encoding/json"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// relay forwards an offer/answer/candidate frame to the sender's current
// partner. The body is opaque; nothing in it is inspected or validated.
// The partner's live connection is resolved through the registry so a
// frame sent right after the partner reconnected still lands.
func (h *Hub) relay(connID string, kind models.EventType, body json.RawMessage) []Effect {
	sess, ok := h.sessions[connID]
	if !ok {
		return []Effect{sendError(connID, models.ErrCodePartnerUnavailable)}
	}
	target, ok := h.reg.primary(sess.PartnerIdentity)
	if !ok {
		return []Effect{sendError(connID, models.ErrCodePartnerUnavailable)}
	}
	return []Effect{send(target, kind, models.SignalPayload{
		Kind: string(kind),
		From: connID,
		Body: body,
	})}
}
