package hub

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

const (
	roleOfferer  = "offerer"
	roleAnswerer = "answerer"
)

// callSession is one side of an active call. Entries come in symmetric
// pairs keyed by connection id; the pair is only ever asymmetric during a
// reconnection grace window, when the disconnected side's entry is removed
// and the surviving side's entry deliberately retained.
type callSession struct {
	ConnID          string
	PartnerConn     string
	IdentityID      string
	PartnerIdentity string
	RoomID          string
	StartedAt       time.Time
	LastBeat        time.Time
	Offerer         bool
}

func role(offerer bool) string {
	if offerer {
		return roleOfferer
	}
	return roleAnswerer
}

// establishSession writes both symmetric entries. startedAt is preserved
// across reconnects so duration accounting spans the interruption.
func (h *Hub) establishSession(connA, connB, identA, identB, roomID string, startedAt time.Time, offererIsA bool) {
	now := h.now()
	h.sessions[connA] = &callSession{
		ConnID: connA, PartnerConn: connB,
		IdentityID: identA, PartnerIdentity: identB,
		RoomID: roomID, StartedAt: startedAt, LastBeat: now, Offerer: offererIsA,
	}
	h.sessions[connB] = &callSession{
		ConnID: connB, PartnerConn: connA,
		IdentityID: identB, PartnerIdentity: identA,
		RoomID: roomID, StartedAt: startedAt, LastBeat: now, Offerer: !offererIsA,
	}
}

// heartbeat refreshes the liveness timestamp for an in-call connection.
// Always answered with a pong so idle websockets stay open either way.
func (h *Hub) heartbeat(connID string) []Effect {
	if sess, ok := h.sessions[connID]; ok {
		sess.LastBeat = h.now()
	}
	return []Effect{send(connID, models.EventPong, nil)}
}

// sweepIdleSessions ends calls whose heartbeat went stale, unless either
// side currently holds a rejoin record: that means a legitimate reconnect
// is in progress and the sweep must not destroy it.
func (h *Hub) sweepIdleSessions(now time.Time) []Effect {
	if h.opts.HeartbeatIdle <= 0 {
		return nil
	}
	var stale []string
	for connID, sess := range h.sessions {
		if now.Sub(sess.LastBeat) < h.opts.HeartbeatIdle {
			continue
		}
		if _, ok := h.rejoins[sess.IdentityID]; ok {
			continue
		}
		if _, ok := h.rejoins[sess.PartnerIdentity]; ok {
			continue
		}
		stale = append(stale, connID)
	}

	var effs []Effect
	for _, connID := range stale {
		if _, ok := h.sessions[connID]; !ok {
			continue // partner entry already swept this pass
		}
		log.Info().Str("module", "hub.sessions").Str("conn", connID).Msg("heartbeat timeout")
		effs = append(effs, h.endCall(connID, "", models.ReasonPartnerDisconnect, "")...)
	}
	return effs
}

func (h *Hub) endCallCmd(connID string, p models.EndCallPayload) []Effect {
	reason := p.Reason
	if reason == "" {
		reason = models.ReasonHangup
	}
	identityID, _ := h.reg.identityOf(connID)
	return h.endCall(connID, p.Target, reason, identityID)
}

// partnerReason derives the partner-facing reason from the initiator's.
func partnerReason(reason string) string {
	switch reason {
	case models.ReasonSkip:
		return models.ReasonPartnerSkip
	case models.ReasonHangup:
		return models.ReasonPartnerHangup
	default:
		return reason
	}
}

// endCall terminates a call. Both symmetric entries are deleted before any
// effect is dispatched, so a racing caller always observes either a fully
// live or fully gone call. The partner's *current* connection is resolved
// through the registry because it may have changed since the session was
// written. The client-supplied explicit target is only ever an assertion
// about the caller's own partner; it never selects a victim.
func (h *Hub) endCall(connID, explicitTarget, reason, endedBy string) []Effect {
	sess, ok := h.sessions[connID]
	if !ok {
		return nil
	}
	if explicitTarget != "" && explicitTarget != sess.PartnerConn {
		// The target does not match the tracked partner: stale client
		// state, or a forged frame. Leave the call alone.
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	partnerConn := sess.PartnerConn
	partnerIdentity := sess.PartnerIdentity
	identityID := sess.IdentityID

	delete(h.sessions, connID)
	delete(h.sessions, partnerConn)

	// A terminated call also dissolves any reconnection state for the pair
	// and refreshes the pairing cooldown.
	var effs []Effect
	effs = append(effs, h.clearRejoinState(identityID)...)
	effs = append(effs, h.clearRejoinState(partnerIdentity)...)
	h.queue.setCooldown(identityID, partnerIdentity, h.now().Add(h.opts.CooldownTTL))

	duration := h.now().Sub(sess.StartedAt)
	log.Info().Str("module", "hub.sessions").Str("room", sess.RoomID).Str("reason", reason).
		Dur("duration", duration).Msg("call ended")

	effs = append(effs, send(connID, models.EventCallEnded, models.CallEndedPayload{By: endedBy, Reason: reason}))
	if current, ok := h.reg.primary(partnerIdentity); ok {
		effs = append(effs, send(current, models.EventCallEnded, models.CallEndedPayload{
			By: endedBy, Reason: partnerReason(reason),
		}))
	}

	return append(effs,
		HistoryEffect{IdentityID: identityID, Partner: h.reg.profile(partnerIdentity), Duration: duration, Reason: reason},
		HistoryEffect{IdentityID: partnerIdentity, Partner: h.reg.profile(identityID), Duration: duration, Reason: partnerReason(reason)},
	)
}
