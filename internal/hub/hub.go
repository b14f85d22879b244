// Package hub owns every piece of realtime matchmaking state: the identity
// registry, the waiting queue, pending handshakes, active call sessions and
// reconnection records. All of it is mutated by a single goroutine draining
// a command channel, so no two transitions ever interleave. Transitions
// return effects (sends, cache writes, history records) that a separate
// dispatcher performs after the state change has committed.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/cache"
	"github.com/mossy-p/webrtc-matchmaking/internal/collab"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// Notifier delivers an event to a connection. Implemented by the websocket
// client set; a send to a gone connection is a silent no-op.
type Notifier interface {
	Send(connID string, env models.Envelope)
}

// Collaborators is the slice of the collab client the dispatcher needs.
type Collaborators interface {
	Friendship(ctx context.Context, a, b string) string
	RecordHistory(ctx context.Context, rec collab.HistoryRecord)
}

// Options carries the tunable windows and intervals.
type Options struct {
	ScanInterval     time.Duration
	FallbackDelay    time.Duration
	HandshakeTimeout time.Duration
	CooldownTTL      time.Duration
	HeartbeatIdle    time.Duration
	SweepInterval    time.Duration
	GraceWindow      time.Duration
}

type Hub struct {
	opts     Options
	notifier Notifier
	cache    cache.Cache
	collab   Collaborators

	now func() time.Time

	cmds    chan func()
	effects chan Effect

	// Actor-owned state. Never touched outside the run goroutine (or a
	// single-threaded test driving transitions directly).
	reg      *registry
	queue    *matchQueue
	pending  map[string]*pendingMatch
	sessions map[string]*callSession
	rejoins  map[string]*rejoinRecord
	waiting  map[string]string
	calls    map[string]*directCall

	scanBusy     bool
	rescanWanted bool
}

func New(opts Options, n Notifier, c cache.Cache, col Collaborators) *Hub {
	return &Hub{
		opts:     opts,
		notifier: n,
		cache:    c,
		collab:   col,
		now:      time.Now,
		cmds:     make(chan func(), 1024),
		effects:  make(chan Effect, 1024),
		reg:      newRegistry(),
		queue:    newMatchQueue(),
		pending:  make(map[string]*pendingMatch),
		sessions: make(map[string]*callSession),
		rejoins:  make(map[string]*rejoinRecord),
		waiting:  make(map[string]string),
		calls:    make(map[string]*directCall),
	}
}

// Run drains commands and periodic sweeps until ctx is cancelled. Commands
// and ticker arms share one select, so every mutation happens on this
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	go h.dispatch(ctx)

	scan := time.NewTicker(h.opts.ScanInterval)
	sweep := time.NewTicker(h.opts.SweepInterval)
	defer scan.Stop()
	defer sweep.Stop()

	log.Info().Str("module", "hub").Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "hub").Msg("hub stopped")
			return
		case cmd := <-h.cmds:
			cmd()
		case <-scan.C:
			h.emit(h.scan())
		case <-sweep.C:
			now := h.now()
			h.emit(h.sweepIdleSessions(now))
			h.emit(h.sweepRejoins(now))
		}
	}
}

func (h *Hub) do(f func()) {
	h.cmds <- f
}

func (h *Hub) emit(effs []Effect) {
	for _, e := range effs {
		h.effects <- e
	}
}

// dispatch performs effects in order, off the state-owning goroutine.
func (h *Hub) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.effects:
			h.applyEffect(ctx, e)
		}
	}
}

func (h *Hub) applyEffect(ctx context.Context, e Effect) {
	switch eff := e.(type) {
	case SendEffect:
		h.notifier.Send(eff.ConnID, models.Envelope{Type: eff.Type, Data: eff.Data})
	case MatchFoundEffect:
		payload := eff.Payload
		payload.Friendship = h.collab.Friendship(ctx, eff.SelfIdentity, eff.PartnerIdentity)
		h.notifier.Send(eff.ConnID, models.Envelope{Type: models.EventMatchFound, Data: payload})
	case CachePutEffect:
		b, err := json.Marshal(eff.Value)
		if err != nil {
			log.Error().Err(err).Str("module", "hub").Str("key", eff.Key).Msg("cache marshal failed")
			return
		}
		if err := h.cache.Set(ctx, eff.Key, b, eff.TTL); err != nil {
			log.Warn().Err(err).Str("module", "hub").Str("key", eff.Key).Msg("cache write failed")
		}
	case CacheDelEffect:
		if err := h.cache.Delete(ctx, eff.Key); err != nil {
			log.Warn().Err(err).Str("module", "hub").Str("key", eff.Key).Msg("cache delete failed")
		}
	case HistoryEffect:
		h.collab.RecordHistory(ctx, collab.HistoryRecord{
			IdentityID: eff.IdentityID,
			Partner:    eff.Partner,
			Duration:   eff.Duration,
			Reason:     eff.Reason,
		})
	}
}

// ---- public command surface; each posts one closure to the actor ----

// Connect binds a freshly upgraded connection to its resolved identity.
func (h *Hub) Connect(connID, identityID string, profile models.PublicProfile) {
	h.do(func() { h.emit(h.connect(connID, identityID, profile)) })
}

// Disconnect tears down a connection: queue removal, handshake abort, and
// the start of a reconnection grace window when a call was live.
func (h *Hub) Disconnect(connID string) {
	h.do(func() { h.emit(h.disconnect(connID)) })
}

func (h *Hub) RequestMatch(connID string, p models.RequestMatchPayload) {
	h.do(func() { h.emit(h.requestMatch(connID, p)) })
}

func (h *Hub) AcknowledgeMatch(connID string) {
	h.do(func() { h.emit(h.acknowledgeMatch(connID)) })
}

func (h *Hub) LeaveQueue(connID string) {
	h.do(func() { h.emit(h.leaveQueue(connID)) })
}

func (h *Hub) Heartbeat(connID string) {
	h.do(func() { h.emit(h.heartbeat(connID)) })
}

func (h *Hub) EndCall(connID string, p models.EndCallPayload) {
	h.do(func() { h.emit(h.endCallCmd(connID, p)) })
}

// RejoinCall resumes a session after a transient disconnect. snapshots are
// the cache tiers prefetched by the caller so the actor never blocks on a
// cache read; memory still wins when it has a record.
func (h *Hub) RejoinCall(connID string, snapshots []*rejoinRecord) {
	h.do(func() { h.emit(h.rejoinCall(connID, snapshots)) })
}

func (h *Hub) CancelReconnect(connID string) {
	h.do(func() { h.emit(h.cancelReconnect(connID)) })
}

func (h *Hub) InitiateCall(connID string, p models.CallInitiatePayload) {
	h.do(func() { h.emit(h.initiateCall(connID, p)) })
}

func (h *Hub) RespondCall(connID string, p models.CallRespondPayload) {
	h.do(func() { h.emit(h.respondCall(connID, p)) })
}

func (h *Hub) CancelCall(connID string, p models.CallCancelPayload) {
	h.do(func() { h.emit(h.cancelCall(connID, p)) })
}

// Relay forwards an offer/answer/candidate frame to the current partner.
func (h *Hub) Relay(connID string, kind models.EventType, body json.RawMessage) {
	h.do(func() { h.emit(h.relay(connID, kind, body)) })
}

// Stats is a synchronous snapshot for the admin endpoint.
type Stats struct {
	Online            int `json:"online"`
	QueueDepth        int `json:"queueDepth"`
	ActiveCalls       int `json:"activeCalls"`
	PendingHandshakes int `json:"pendingHandshakes"`
	PendingRejoins    int `json:"pendingRejoins"`
}

func (h *Hub) Snapshot() Stats {
	out := make(chan Stats, 1)
	h.do(func() {
		out <- Stats{
			Online:            h.reg.online(),
			QueueDepth:        h.queue.len(),
			ActiveCalls:       len(h.sessions) / 2,
			PendingHandshakes: len(h.pending) / 2,
			PendingRejoins:    len(h.rejoins),
		}
	})
	return <-out
}

// ---- connect / disconnect / presence ----

func (h *Hub) connect(connID, identityID string, profile models.PublicProfile) []Effect {
	h.reg.bind(connID, identityID, profile)
	log.Info().Str("module", "hub").Str("conn", connID).Str("identity", identityID).
		Int("online", h.reg.online()).Msg("connected")
	return nil
}

func (h *Hub) disconnect(connID string) []Effect {
	identityID, bound := h.reg.identityOf(connID)

	// Unbind first: every liveness check in the cleanup below must see
	// this connection as gone, or an aborted handshake would re-enqueue
	// the dead side.
	h.reg.unbind(connID)

	var effs []Effect
	h.queue.dequeue(connID)
	if pm, ok := h.pending[connID]; ok {
		effs = append(effs, h.abortHandshake(pm, models.ReasonHandshakeAborted)...)
	}
	effs = append(effs, h.dropDirectCallsFor(connID)...)

	// A live call transitions into a reconnection grace window.
	if sess, ok := h.sessions[connID]; ok && bound {
		effs = append(effs, h.beginGraceWindow(connID, identityID, sess)...)
	}

	// A dead connection can no longer be anyone's rendezvous target.
	for partner, waiter := range h.waiting {
		if waiter == connID {
			delete(h.waiting, partner)
		}
	}
	log.Info().Str("module", "hub").Str("conn", connID).Str("identity", identityID).
		Int("online", h.reg.online()).Msg("disconnected")
	return effs
}
