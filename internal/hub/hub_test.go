package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/cache"
	"github.com/mossy-p/webrtc-matchmaking/internal/collab"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// Tests drive the hub's transition methods directly on one goroutine, the
// same single-writer discipline the run loop provides in production, and
// assert on the effects each transition returns.

type sentEvent struct {
	ConnID string
	Env    models.Envelope
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (f *fakeNotifier) Send(connID string, env models.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{ConnID: connID, Env: env})
}

type fakeCollab struct {
	mu      sync.Mutex
	history []collab.HistoryRecord
}

func (f *fakeCollab) Friendship(context.Context, string, string) string { return "none" }

func (f *fakeCollab) RecordHistory(_ context.Context, rec collab.HistoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, rec)
}

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testOptions() Options {
	return Options{
		ScanInterval:     time.Second,
		FallbackDelay:    0, // timers are driven by hand in tests
		HandshakeTimeout: 0,
		CooldownTTL:      time.Minute,
		HeartbeatIdle:    45 * time.Second,
		SweepInterval:    10 * time.Second,
		GraceWindow:      30 * time.Second,
	}
}

func newTestHub(t *testing.T) (*Hub, *fakeNotifier, *fakeCollab, *testClock) {
	t.Helper()
	return newTestHubWith(t, testOptions())
}

func newTestHubWith(t *testing.T, opts Options) (*Hub, *fakeNotifier, *fakeCollab, *testClock) {
	t.Helper()
	n := &fakeNotifier{}
	col := &fakeCollab{}
	clk := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := New(opts, n, cache.NewMemory(), col)
	h.now = func() time.Time { return clk.now }
	return h, n, col, clk
}

// apply runs effects through the dispatcher synchronously so cache state
// and notifier output reflect a committed transition.
func (h *Hub) apply(effs []Effect) {
	for _, e := range effs {
		h.applyEffect(context.Background(), e)
	}
}

func sendsOf(effs []Effect, typ models.EventType) []SendEffect {
	var out []SendEffect
	for _, e := range effs {
		if s, ok := e.(SendEffect); ok && s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func sendTo(effs []Effect, connID string, typ models.EventType) (SendEffect, bool) {
	for _, s := range sendsOf(effs, typ) {
		if s.ConnID == connID {
			return s, true
		}
	}
	return SendEffect{}, false
}

func matchFoundsOf(effs []Effect) []MatchFoundEffect {
	var out []MatchFoundEffect
	for _, e := range effs {
		if m, ok := e.(MatchFoundEffect); ok {
			out = append(out, m)
		}
	}
	return out
}

// connectUser binds a connection with a minimal profile.
func connectUser(h *Hub, connID, identityID, country string) {
	h.apply(h.connect(connID, identityID, models.PublicProfile{
		IdentityID: identityID,
		Username:   "user-" + identityID,
		Country:    country,
	}))
}

// pairUp walks two connected users through queue, handshake and acks, and
// returns the finalize effects.
func pairUp(t *testing.T, h *Hub, connA, connB string) []Effect {
	t.Helper()
	h.apply(h.requestMatch(connA, models.RequestMatchPayload{Mode: "voice"}))
	h.apply(h.requestMatch(connB, models.RequestMatchPayload{Mode: "voice"}))
	if _, ok := h.pending[connA]; !ok {
		t.Fatalf("expected handshake between %s and %s", connA, connB)
	}
	h.apply(h.acknowledgeMatch(connA))
	effs := h.acknowledgeMatch(connB)
	h.apply(effs)
	if len(matchFoundsOf(effs)) != 2 {
		t.Fatalf("expected 2 match-found effects, got %d", len(matchFoundsOf(effs)))
	}
	return effs
}
