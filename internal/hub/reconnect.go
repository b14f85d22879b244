package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/cache"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// rejoinRecord lets an identity resume its session from a new connection
// within the grace window. StartedAt is the *original* session start so
// duration accounting spans the interruption. PartnerConn is best-known
// and may be empty when the partner's new connection is not known yet.
type rejoinRecord struct {
	IdentityID      string    `json:"identityId"`
	PartnerConn     string    `json:"partnerConn,omitempty"`
	PartnerIdentity string    `json:"partnerIdentity"`
	RoomID          string    `json:"roomId"`
	StartedAt       time.Time `json:"startedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Offerer         bool      `json:"offerer"`
}

func rejoinKey(identityID string) string { return "rejoin:" + identityID }
func matchKey(identityID string) string  { return "match:" + identityID }

// LoadCachedRejoin reads the external cache tiers for an identity, in
// order: the disconnect-time snapshot, then the match-time snapshot kept
// for reconnects fast enough to race the first write. Callers run this
// off the actor goroutine and pass the result into RejoinCall; memory
// always wins over whatever is returned here.
func (h *Hub) LoadCachedRejoin(ctx context.Context, identityID string) []*rejoinRecord {
	var out []*rejoinRecord
	for _, key := range []string{rejoinKey(identityID), matchKey(identityID)} {
		b, err := h.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "hub.reconnect").Str("key", key).Msg("cache tier read failed")
			continue
		}
		var rec rejoinRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			log.Warn().Err(err).Str("module", "hub.reconnect").Str("key", key).Msg("bad cached record")
			continue
		}
		out = append(out, &rec)
	}
	return out
}

// matchSnapshotEffects mirrors freshly matched pair state so a node
// restart right after finalization can still honor an in-flight rejoin.
func (h *Hub) matchSnapshotEffects(connA, connB, identA, identB, roomID string, startedAt time.Time, offererIsA bool) []Effect {
	expires := startedAt.Add(h.opts.GraceWindow)
	return []Effect{
		CachePutEffect{Key: matchKey(identA), TTL: h.opts.GraceWindow, Value: rejoinRecord{
			IdentityID: identA, PartnerConn: connB, PartnerIdentity: identB,
			RoomID: roomID, StartedAt: startedAt, ExpiresAt: expires, Offerer: offererIsA,
		}},
		CachePutEffect{Key: matchKey(identB), TTL: h.opts.GraceWindow, Value: rejoinRecord{
			IdentityID: identB, PartnerConn: connA, PartnerIdentity: identA,
			RoomID: roomID, StartedAt: startedAt, ExpiresAt: expires, Offerer: !offererIsA,
		}},
	}
}

// beginGraceWindow converts a disconnect-in-call into rejoin state. Both
// records are written into memory before any cache effect is dispatched,
// so a reconnect attempt interleaving with this transition can never see
// half of it. The surviving side's session entry is deliberately retained;
// the idle sweep knows to leave it alone while a rejoin record is open.
func (h *Hub) beginGraceWindow(connID, identityID string, sess *callSession) []Effect {
	now := h.now()
	expires := now.Add(h.opts.GraceWindow)

	mine := &rejoinRecord{
		IdentityID:      identityID,
		PartnerConn:     sess.PartnerConn,
		PartnerIdentity: sess.PartnerIdentity,
		RoomID:          sess.RoomID,
		StartedAt:       sess.StartedAt,
		ExpiresAt:       expires,
		Offerer:         sess.Offerer,
	}
	if existing, ok := h.rejoins[identityID]; ok && existing.PartnerConn != "" {
		// The partner already reconnected and registered its new
		// connection with us; don't clobber it with the dead one.
		mine.PartnerConn = existing.PartnerConn
	}
	h.rejoins[identityID] = mine

	// Mirror a record for the partner too, unless a better one (with a
	// known partner connection) already exists there.
	if existing, ok := h.rejoins[sess.PartnerIdentity]; !ok || existing.PartnerConn == "" {
		h.rejoins[sess.PartnerIdentity] = &rejoinRecord{
			IdentityID:      sess.PartnerIdentity,
			PartnerConn:     "", // unknown until the disconnected side is back
			PartnerIdentity: identityID,
			RoomID:          sess.RoomID,
			StartedAt:       sess.StartedAt,
			ExpiresAt:       expires,
			Offerer:         !sess.Offerer,
		}
	}

	// Only the disconnected side's session entry goes away.
	delete(h.sessions, connID)

	log.Info().Str("module", "hub.reconnect").Str("identity", identityID).
		Str("room", sess.RoomID).Time("expires", expires).Msg("grace window opened")

	effs := []Effect{
		CachePutEffect{Key: rejoinKey(identityID), TTL: h.opts.GraceWindow, Value: *mine},
		CachePutEffect{Key: rejoinKey(sess.PartnerIdentity), TTL: h.opts.GraceWindow, Value: *h.rejoins[sess.PartnerIdentity]},
	}
	if partnerConn, ok := h.reg.primary(sess.PartnerIdentity); ok {
		effs = append(effs, send(partnerConn, models.EventPartnerReconnect, models.PartnerReconnectingPayload{
			GraceSeconds: int(h.opts.GraceWindow / time.Second),
		}))
	}
	return effs
}

// rejoinCall resumes a session for the identity behind connID. snapshots
// are prefetched cache tiers; memory is consulted first.
func (h *Hub) rejoinCall(connID string, snapshots []*rejoinRecord) []Effect {
	identityID, ok := h.reg.identityOf(connID)
	if !ok {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}

	rec := h.rejoins[identityID]
	if rec == nil {
		for _, s := range snapshots {
			if s != nil && s.IdentityID == identityID {
				rec = s
				break
			}
		}
	}
	now := h.now()
	if rec == nil || now.After(rec.ExpiresAt) {
		effs := h.clearRejoinState(identityID)
		return append(effs,
			send(connID, models.EventRejoinFailed, models.RejoinFailedPayload{Reason: models.ReasonSessionExpired}),
			send(connID, models.EventCallEnded, models.CallEndedPayload{Reason: models.ReasonSessionExpired}),
		)
	}

	partnerConn, partnerLive := h.reg.primary(rec.PartnerIdentity)
	if !partnerLive {
		return h.standBy(connID, identityID, rec)
	}

	if psess, ok := h.sessions[partnerConn]; ok {
		if psess.PartnerIdentity != identityID {
			// Stale record: the partner has moved on to someone else.
			effs := h.clearRejoinState(identityID)
			return append(effs, send(connID, models.EventRejoinFailed,
				models.RejoinFailedPayload{Reason: models.ReasonStaleRejoin}))
		}
		if psess.PartnerConn == connID {
			// The partner's own handler raced ahead and already bound this
			// connection back into the call; nothing left to emit.
			return h.clearRejoinState(identityID)
		}
		// The partner's entry still points at our old connection; replace
		// the pair below. Remove the leftover entry our old conn held.
		delete(h.sessions, psess.PartnerConn)
	}

	return h.completeRejoin(connID, identityID, partnerConn, rec, now)
}

// standBy parks a reconnecting side whose partner has not come back yet.
// The rendezvous entry lets the partner's own rejoin resolve us without
// polling; the partner's record learns our new connection id so that
// rejoin can reach us even after a restart.
func (h *Hub) standBy(connID, identityID string, rec *rejoinRecord) []Effect {
	h.rejoins[identityID] = rec
	h.waiting[rec.PartnerIdentity] = connID

	prec := h.rejoins[rec.PartnerIdentity]
	if prec == nil {
		prec = &rejoinRecord{
			IdentityID:      rec.PartnerIdentity,
			PartnerIdentity: identityID,
			RoomID:          rec.RoomID,
			StartedAt:       rec.StartedAt,
			ExpiresAt:       rec.ExpiresAt,
			Offerer:         !rec.Offerer,
		}
		h.rejoins[rec.PartnerIdentity] = prec
	}
	prec.PartnerConn = connID

	log.Info().Str("module", "hub.reconnect").Str("identity", identityID).
		Str("partner", rec.PartnerIdentity).Msg("waiting for partner rejoin")

	remaining := rec.ExpiresAt.Sub(h.now())
	return []Effect{
		CachePutEffect{Key: rejoinKey(rec.PartnerIdentity), TTL: h.opts.GraceWindow, Value: *prec},
		send(connID, models.EventPartnerReconnect, models.PartnerReconnectingPayload{
			GraceSeconds: int(remaining / time.Second),
		}),
	}
}

// completeRejoin establishes fresh symmetric sessions preserving the
// original start time and offerer assignment, clears both sides' rejoin
// and rendezvous state, then notifies both sides. If the partner was
// parked waiting on us, its pending rejoin completes here too.
func (h *Hub) completeRejoin(connID, identityID, partnerConn string, rec *rejoinRecord, now time.Time) []Effect {
	partnerWasWaiting := h.waiting[identityID] == partnerConn

	h.establishSession(connID, partnerConn, identityID, rec.PartnerIdentity, rec.RoomID, rec.StartedAt, rec.Offerer)

	effs := h.clearRejoinState(identityID)
	effs = append(effs, h.clearRejoinState(rec.PartnerIdentity)...)

	log.Info().Str("module", "hub.reconnect").Str("identity", identityID).
		Str("room", rec.RoomID).Msg("rejoin complete")

	effs = append(effs, send(connID, models.EventRejoinSuccess, models.RejoinSuccessPayload{
		RoomID:    rec.RoomID,
		Role:      role(rec.Offerer),
		Partner:   h.reg.profile(rec.PartnerIdentity),
		StartedAt: rec.StartedAt,
	}))

	if partnerWasWaiting {
		// Event-driven rendezvous: the partner rejoined first, found us
		// absent and parked. Our arrival completes its rejoin in place.
		effs = append(effs, send(partnerConn, models.EventRejoinSuccess, models.RejoinSuccessPayload{
			RoomID:    rec.RoomID,
			Role:      role(!rec.Offerer),
			Partner:   h.reg.profile(identityID),
			StartedAt: rec.StartedAt,
		}))
	} else {
		effs = append(effs, send(partnerConn, models.EventPartnerReconnected, models.PartnerReconnectedPayload{
			PartnerConnID: connID,
			Role:          role(!rec.Offerer),
		}))
	}
	return effs
}

// cancelReconnect gives up on a pending reconnection. The still-waiting
// partner learns the call is over; state clears on both sides.
func (h *Hub) cancelReconnect(connID string) []Effect {
	identityID, ok := h.reg.identityOf(connID)
	if !ok {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	rec := h.rejoins[identityID]
	if rec == nil {
		// Nothing pending on our side; maybe we are the surviving side of
		// a partner's grace window. Ending the retained session covers it.
		if sess, ok := h.sessions[connID]; ok {
			return h.endCall(connID, sess.PartnerConn, models.ReasonPartnerCancelled, identityID)
		}
		return nil
	}

	partnerIdentity := rec.PartnerIdentity
	duration := h.now().Sub(rec.StartedAt)
	effs := h.clearRejoinState(identityID)
	effs = append(effs, h.clearRejoinState(partnerIdentity)...)

	// Drop the retained session entries, whichever side held them. The
	// canceller may itself be the surviving side with a live entry.
	delete(h.sessions, connID)
	if rec.PartnerConn != "" {
		delete(h.sessions, rec.PartnerConn)
	}
	if partnerConn, ok := h.reg.primary(partnerIdentity); ok {
		delete(h.sessions, partnerConn)
		effs = append(effs, send(partnerConn, models.EventCallEnded, models.CallEndedPayload{
			By: identityID, Reason: models.ReasonPartnerCancelled,
		}))
	}

	effs = append(effs, send(connID, models.EventCallEnded, models.CallEndedPayload{Reason: models.ReasonHangup}))
	effs = append(effs,
		HistoryEffect{IdentityID: identityID, Partner: h.reg.profile(partnerIdentity), Duration: duration, Reason: models.ReasonHangup},
		HistoryEffect{IdentityID: partnerIdentity, Partner: h.reg.profile(identityID), Duration: duration, Reason: models.ReasonPartnerCancelled},
	)
	log.Info().Str("module", "hub.reconnect").Str("identity", identityID).Msg("reconnect cancelled")
	return effs
}

// clearRejoinState drops an identity's rejoin record, its rendezvous entry
// and the cache mirrors. Safe to call when nothing is pending.
func (h *Hub) clearRejoinState(identityID string) []Effect {
	_, had := h.rejoins[identityID]
	delete(h.rejoins, identityID)
	delete(h.waiting, identityID)
	if !had {
		return nil
	}
	return []Effect{
		CacheDelEffect{Key: rejoinKey(identityID)},
		CacheDelEffect{Key: matchKey(identityID)},
	}
}

// sweepRejoins expires stale rejoin records. A waiter parked on an expired
// identity is told the session is gone instead of timing out silently, and
// the surviving side's retained session is closed through the normal path.
func (h *Hub) sweepRejoins(now time.Time) []Effect {
	var expired []string
	for identityID, rec := range h.rejoins {
		if now.After(rec.ExpiresAt) {
			expired = append(expired, identityID)
		}
	}

	var effs []Effect
	for _, identityID := range expired {
		rec, ok := h.rejoins[identityID]
		if !ok {
			continue // cleared while processing its partner
		}
		log.Info().Str("module", "hub.reconnect").Str("identity", identityID).Msg("rejoin record expired")

		// A waiter may be parked under either side of the pair; tell each
		// one the session is gone before the state below disappears.
		for _, target := range []string{identityID, rec.PartnerIdentity} {
			if waiterConn, ok := h.waiting[target]; ok {
				effs = append(effs,
					send(waiterConn, models.EventRejoinFailed, models.RejoinFailedPayload{Reason: models.ReasonSessionExpired}),
					send(waiterConn, models.EventCallEnded, models.CallEndedPayload{Reason: models.ReasonSessionExpired}),
				)
			}
		}
		effs = append(effs, h.clearRejoinState(identityID)...)
		effs = append(effs, h.clearRejoinState(rec.PartnerIdentity)...)

		// Close any retained session still tied to the expired pair; the
		// surviving entry may sit on either side.
		for _, pair := range [][2]string{{identityID, rec.PartnerIdentity}, {rec.PartnerIdentity, identityID}} {
			if conn, ok := h.reg.primary(pair[0]); ok {
				if psess, ok := h.sessions[conn]; ok && psess.PartnerIdentity == pair[1] {
					effs = append(effs, h.endCall(conn, "", models.ReasonPartnerDisconnect, "")...)
				}
			}
		}
	}

	// Prune rendezvous entries whose target record no longer exists.
	for target, waiterConn := range h.waiting {
		if _, ok := h.rejoins[target]; !ok {
			log.Debug().Str("module", "hub.reconnect").Str("target", target).
				Str("waiter", waiterConn).Msg("pruned orphaned rendezvous entry")
			delete(h.waiting, target)
		}
	}
	return effs
}
