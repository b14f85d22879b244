package hub

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// pendingMatch is a prepare/acknowledge handshake in flight. Both entries
// have left the queue and sit in NEGOTIATING until each side confirms
// readiness or the timeout fires.
type pendingMatch struct {
	a, b   *queueEntry // a is the longer-waiting side and becomes the offerer
	roomID string
	acks   map[string]bool
	timer  *time.Timer
}

func (pm *pendingMatch) other(connID string) *queueEntry {
	if pm.a.ConnID == connID {
		return pm.b
	}
	return pm.a
}

// requestMatch puts a connection into the waiting queue. A duplicate
// request from the same identity replaces the stale entry; the join time
// resets because this is a genuine new join.
func (h *Hub) requestMatch(connID string, p models.RequestMatchPayload) []Effect {
	identityID, ok := h.reg.identityOf(connID)
	if !ok {
		return []Effect{sendError(connID, models.ErrCodeStaleSession)}
	}
	if _, negotiating := h.pending[connID]; negotiating {
		return nil
	}
	if _, inCall := h.sessions[connID]; inCall {
		return []Effect{sendError(connID, models.ErrCodeBadPayload)}
	}

	now := h.now()
	e := &queueEntry{
		ConnID:           connID,
		IdentityID:       identityID,
		Profile:          h.reg.profile(identityID),
		Mode:             p.Mode,
		PreferredCountry: p.PreferredCountry,
		State:            stateFinding,
	}
	h.queue.enqueue(e, true, now)
	if e.PreferredCountry != "" && h.opts.FallbackDelay > 0 {
		e.fallback = time.AfterFunc(h.opts.FallbackDelay, func() {
			h.do(func() { h.emit(h.clearPreference(connID)) })
		})
	}
	log.Info().Str("module", "hub.matcher").Str("conn", connID).Str("mode", p.Mode).
		Str("pref", p.PreferredCountry).Int("depth", h.queue.len()).Msg("queued")

	effs := []Effect{send(connID, models.EventQueueJoined, models.QueueJoinedPayload{
		Position: h.queue.positionOf(connID),
		Mode:     p.Mode,
	})}
	return append(effs, h.scan()...)
}

func (h *Hub) leaveQueue(connID string) []Effect {
	if pm, ok := h.pending[connID]; ok {
		// Leaving mid-handshake interrupts it for the partner too.
		return h.abortHandshake(pm, models.ReasonHandshakeAborted)
	}
	h.queue.dequeue(connID)
	return nil
}

// clearPreference widens a still-waiting participant's candidate pool to
// global after the fallback delay. The entry keeps its place in line.
func (h *Hub) clearPreference(connID string) []Effect {
	e := h.queue.byConn(connID)
	if e == nil || e.State != stateFinding || e.PreferredCountry == "" {
		return nil
	}
	log.Info().Str("module", "hub.matcher").Str("conn", connID).
		Str("pref", e.PreferredCountry).Msg("country preference fallback")
	e.PreferredCountry = ""
	e.fallback = nil
	return h.scan()
}

// scan runs one matching pass. A pass already in progress only records that
// another one is wanted; the trailing rescan coalesces bursts of requests.
func (h *Hub) scan() []Effect {
	if h.scanBusy {
		h.rescanWanted = true
		return nil
	}
	h.scanBusy = true
	effs := h.scanPass()
	h.scanBusy = false

	if h.rescanWanted {
		h.rescanWanted = false
		time.AfterFunc(50*time.Millisecond, func() {
			h.do(func() { h.emit(h.scan()) })
		})
	}
	return effs
}

// scanPass walks live, authoritative entries in FIFO order, probing each
// entry's country bucket before falling back to a full scan.
func (h *Hub) scanPass() []Effect {
	now := h.now()

	live := make([]*queueEntry, 0, h.queue.len())
	for _, e := range h.queue.master {
		if e.State != stateFinding {
			continue
		}
		primary, ok := h.reg.primary(e.IdentityID)
		if !ok || primary != e.ConnID {
			// Stale duplicate: the identity reconnected on another socket.
			continue
		}
		live = append(live, e)
	}

	var effs []Effect
	used := make(map[string]bool)
	for _, e := range live {
		if used[e.ConnID] {
			continue
		}
		partner := h.findPartner(e, live, used, now)
		if partner == nil {
			continue
		}
		used[e.ConnID] = true
		used[partner.ConnID] = true
		h.queue.remove(e)
		h.queue.remove(partner)
		effs = append(effs, h.beginHandshake(e, partner, now)...)
	}
	return effs
}

func (h *Hub) findPartner(e *queueEntry, live []*queueEntry, used map[string]bool, now time.Time) *queueEntry {
	// Bucket probe first: candidates sharing the wanted country, cheap.
	bucketKey := e.PreferredCountry
	if bucketKey == "" {
		bucketKey = e.Profile.Country
	}
	for _, c := range h.queue.buckets[bucketKey] {
		if used[c.ConnID] {
			continue
		}
		primary, ok := h.reg.primary(c.IdentityID)
		if !ok || primary != c.ConnID {
			continue
		}
		if h.queue.compatible(e, c, now) {
			return c
		}
	}
	// Full FIFO scan of the filtered list.
	for _, c := range live {
		if used[c.ConnID] || c == e {
			continue
		}
		if h.queue.compatible(e, c, now) {
			return c
		}
	}
	return nil
}

// roomIDFor derives a stable room name from the sorted connection pair and
// the pairing timestamp.
func roomIDFor(connA, connB string, at time.Time) string {
	lo, hi := connA, connB
	if hi < lo {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("room:%s:%s:%d", lo, hi, at.UnixMilli())
}

// beginHandshake moves a compatible pair into NEGOTIATING and asks both
// sides to confirm readiness. Cooldown is set at pairing time so a failed
// handshake still counts against immediate re-pairing.
func (h *Hub) beginHandshake(x, y *queueEntry, now time.Time) []Effect {
	a, b := x, y
	if b.JoinedAt.Before(a.JoinedAt) {
		a, b = b, a
	}
	a.State = stateNegotiating
	b.State = stateNegotiating
	for _, e := range []*queueEntry{a, b} {
		if e.fallback != nil {
			e.fallback.Stop()
			e.fallback = nil
		}
	}

	pm := &pendingMatch{
		a:      a,
		b:      b,
		roomID: roomIDFor(a.ConnID, b.ConnID, now),
		acks:   make(map[string]bool),
	}
	h.pending[a.ConnID] = pm
	h.pending[b.ConnID] = pm
	h.queue.setCooldown(a.IdentityID, b.IdentityID, now.Add(h.opts.CooldownTTL))

	if h.opts.HandshakeTimeout > 0 {
		roomID := pm.roomID
		connID := a.ConnID
		pm.timer = time.AfterFunc(h.opts.HandshakeTimeout, func() {
			h.do(func() { h.emit(h.handshakeTimeout(connID, roomID)) })
		})
	}

	log.Info().Str("module", "hub.matcher").Str("room", pm.roomID).
		Str("offerer", a.ConnID).Str("answerer", b.ConnID).Msg("handshake started")
	return []Effect{
		send(a.ConnID, models.EventMatchPrepared, models.MatchPreparedPayload{RoomID: pm.roomID, Partner: b.Profile}),
		send(b.ConnID, models.EventMatchPrepared, models.MatchPreparedPayload{RoomID: pm.roomID, Partner: a.Profile}),
	}
}

func (h *Hub) handshakeTimeout(connID, roomID string) []Effect {
	pm, ok := h.pending[connID]
	if !ok || pm.roomID != roomID {
		return nil
	}
	return h.abortHandshake(pm, models.ReasonHandshakeTimeout)
}

// acknowledgeMatch records one side's readiness; the second ack finalizes.
func (h *Hub) acknowledgeMatch(connID string) []Effect {
	pm, ok := h.pending[connID]
	if !ok {
		return []Effect{sendError(connID, models.ErrCodeHandshakeInterrupt)}
	}
	if pm.other(connID).State != stateNegotiating {
		// Partner was interrupted by a stop or skip mid-handshake.
		return h.abortHandshake(pm, models.ReasonHandshakeAborted)
	}
	pm.acks[connID] = true
	if !pm.acks[pm.a.ConnID] || !pm.acks[pm.b.ConnID] {
		return nil
	}
	return h.finalizeMatch(pm)
}

// finalizeMatch turns an acknowledged handshake into an active call:
// symmetric session entries, role assignment (longer-waiting side offers)
// and match-time cache snapshots for very fast reconnects.
func (h *Hub) finalizeMatch(pm *pendingMatch) []Effect {
	if pm.timer != nil {
		pm.timer.Stop()
	}
	a, b := pm.a, pm.b
	a.State = stateMatched
	b.State = stateMatched
	delete(h.pending, a.ConnID)
	delete(h.pending, b.ConnID)

	now := h.now()
	h.establishSession(a.ConnID, b.ConnID, a.IdentityID, b.IdentityID, pm.roomID, now, true)

	log.Info().Str("module", "hub.matcher").Str("room", pm.roomID).
		Str("a", a.IdentityID).Str("b", b.IdentityID).Msg("match finalized")

	effs := h.matchSnapshotEffects(a.ConnID, b.ConnID, a.IdentityID, b.IdentityID, pm.roomID, now, true)
	effs = append(effs,
		MatchFoundEffect{
			ConnID: a.ConnID, SelfIdentity: a.IdentityID, PartnerIdentity: b.IdentityID,
			Payload: models.MatchFoundPayload{RoomID: pm.roomID, Role: roleOfferer, Partner: b.Profile},
		},
		MatchFoundEffect{
			ConnID: b.ConnID, SelfIdentity: b.IdentityID, PartnerIdentity: a.IdentityID,
			Payload: models.MatchFoundPayload{RoomID: pm.roomID, Role: roleAnswerer, Partner: a.Profile},
		},
	)
	return effs
}

// abortHandshake reverts both sides to FINDING and puts still-live entries
// back in the queue with their original join times, so a failed handshake
// never costs seniority.
func (h *Hub) abortHandshake(pm *pendingMatch, reason string) []Effect {
	if pm.timer != nil {
		pm.timer.Stop()
	}
	delete(h.pending, pm.a.ConnID)
	delete(h.pending, pm.b.ConnID)

	now := h.now()
	var effs []Effect
	for _, e := range []*queueEntry{pm.a, pm.b} {
		e.State = stateFinding
		primary, ok := h.reg.primary(e.IdentityID)
		if !ok || primary != e.ConnID {
			continue
		}
		h.queue.enqueue(e, false, now)
		// The fallback timer was consumed entering the handshake; restore
		// whatever of the preference window is left.
		if e.PreferredCountry != "" && h.opts.FallbackDelay > 0 {
			remaining := e.JoinedAt.Add(h.opts.FallbackDelay).Sub(now)
			if remaining <= 0 {
				e.PreferredCountry = ""
			} else {
				connID := e.ConnID
				e.fallback = time.AfterFunc(remaining, func() {
					h.do(func() { h.emit(h.clearPreference(connID)) })
				})
			}
		}
		effs = append(effs, send(e.ConnID, models.EventMatchCancelled, models.MatchCancelledPayload{Reason: reason}))
	}
	log.Info().Str("module", "hub.matcher").Str("room", pm.roomID).Str("reason", reason).Msg("handshake aborted")
	return append(effs, h.scan()...)
}
