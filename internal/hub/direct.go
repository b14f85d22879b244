package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// directCall is a ringing call initiated outside the queue. It exists only
// between initiate and respond/cancel; an accepted call becomes a regular
// session pair.
type directCall struct {
	ID             string
	CallerConn     string
	CallerIdentity string
	CalleeConn     string
	CalleeIdentity string
	Mode           string
	CreatedAt      time.Time
}

func (h *Hub) initiateCall(connID string, p models.CallInitiatePayload) []Effect {
	callerIdentity, ok := h.reg.identityOf(connID)
	if !ok {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	calleeConn, ok := h.reg.primary(p.TargetIdentity)
	if !ok {
		return []Effect{sendError(connID, models.ErrCodePartnerUnavailable)}
	}

	dc := &directCall{
		ID:             uuid.New().String(),
		CallerConn:     connID,
		CallerIdentity: callerIdentity,
		CalleeConn:     calleeConn,
		CalleeIdentity: p.TargetIdentity,
		Mode:           p.Mode,
		CreatedAt:      h.now(),
	}
	h.calls[dc.ID] = dc

	log.Info().Str("module", "hub.direct").Str("call", dc.ID).
		Str("caller", callerIdentity).Str("callee", p.TargetIdentity).Msg("direct call initiated")
	return []Effect{send(calleeConn, models.EventIncomingCall, models.IncomingCallPayload{
		CallID: dc.ID,
		Caller: h.reg.profile(callerIdentity),
		Mode:   dc.Mode,
	})}
}

func (h *Hub) respondCall(connID string, p models.CallRespondPayload) []Effect {
	dc, ok := h.calls[p.CallID]
	if !ok {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	identityID, _ := h.reg.identityOf(connID)
	if identityID != dc.CalleeIdentity {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	delete(h.calls, p.CallID)

	callerConn, callerLive := h.reg.primary(dc.CallerIdentity)
	if !p.Accept {
		if callerLive {
			return []Effect{send(callerConn, models.EventCallDeclined, models.CallCancelPayload{CallID: dc.ID})}
		}
		return nil
	}
	if !callerLive {
		return []Effect{sendError(connID, models.ErrCodePartnerUnavailable)}
	}

	// The initiating side committed to the call first, so it offers.
	now := h.now()
	roomID := roomIDFor(callerConn, connID, now)
	h.establishSession(callerConn, connID, dc.CallerIdentity, dc.CalleeIdentity, roomID, now, true)

	log.Info().Str("module", "hub.direct").Str("call", dc.ID).Str("room", roomID).Msg("direct call accepted")

	effs := h.matchSnapshotEffects(callerConn, connID, dc.CallerIdentity, dc.CalleeIdentity, roomID, now, true)
	return append(effs,
		MatchFoundEffect{
			ConnID: callerConn, SelfIdentity: dc.CallerIdentity, PartnerIdentity: dc.CalleeIdentity,
			Payload: models.MatchFoundPayload{RoomID: roomID, Role: roleOfferer, Partner: h.reg.profile(dc.CalleeIdentity)},
		},
		MatchFoundEffect{
			ConnID: connID, SelfIdentity: dc.CalleeIdentity, PartnerIdentity: dc.CallerIdentity,
			Payload: models.MatchFoundPayload{RoomID: roomID, Role: roleAnswerer, Partner: h.reg.profile(dc.CallerIdentity)},
		},
	)
}

func (h *Hub) cancelCall(connID string, p models.CallCancelPayload) []Effect {
	dc, ok := h.calls[p.CallID]
	if !ok {
		return nil
	}
	identityID, _ := h.reg.identityOf(connID)
	if identityID != dc.CallerIdentity {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	delete(h.calls, p.CallID)

	if calleeConn, ok := h.reg.primary(dc.CalleeIdentity); ok {
		return []Effect{send(calleeConn, models.EventCallCancelled, models.CallCancelPayload{CallID: dc.ID})}
	}
	return nil
}

// dropDirectCallsFor cleans up ringing calls when either participant's
// connection goes away.
func (h *Hub) dropDirectCallsFor(connID string) []Effect {
	var effs []Effect
	for id, dc := range h.calls {
		switch connID {
		case dc.CallerConn:
			delete(h.calls, id)
			if calleeConn, ok := h.reg.primary(dc.CalleeIdentity); ok {
				effs = append(effs, send(calleeConn, models.EventCallCancelled, models.CallCancelPayload{CallID: dc.ID}))
			}
		case dc.CalleeConn:
			delete(h.calls, id)
			if callerConn, ok := h.reg.primary(dc.CallerIdentity); ok {
				effs = append(effs, send(callerConn, models.EventCallDeclined, models.CallCancelPayload{CallID: dc.ID}))
			}
		}
	}
	return effs
}
