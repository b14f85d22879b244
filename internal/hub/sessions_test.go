package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

func TestHeartbeat(t *testing.T) {
	t.Run("refreshes liveness and pongs", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")

		clk.advance(30 * time.Second)
		effs := h.heartbeat("connA")
		_, ok := sendTo(effs, "connA", models.EventPong)
		require.True(t, ok)
		assert.Equal(t, clk.now, h.sessions["connA"].LastBeat)
	})

	t.Run("pongs even outside a call", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		effs := h.heartbeat("connA")
		_, ok := sendTo(effs, "connA", models.EventPong)
		assert.True(t, ok)
	})
}

func TestIdleSweep(t *testing.T) {
	t.Run("one stale side ends the call for both", func(t *testing.T) {
		h, _, col, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")

		// Only alice keeps beating.
		clk.advance(30 * time.Second)
		h.apply(h.heartbeat("connA"))
		clk.advance(20 * time.Second)

		effs := h.sweepIdleSessions(clk.now)
		h.apply(effs)

		assert.Empty(t, h.sessions)
		_, gotA := sendTo(effs, "connA", models.EventCallEnded)
		_, gotB := sendTo(effs, "connB", models.EventCallEnded)
		assert.True(t, gotA && gotB)

		col.mu.Lock()
		defer col.mu.Unlock()
		require.Len(t, col.history, 2)
	})

	t.Run("fresh sessions survive", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")

		clk.advance(30 * time.Second)
		require.Empty(t, h.sweepIdleSessions(clk.now))
		assert.Len(t, h.sessions, 2)
	})

	t.Run("open rejoin window shields the retained session", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")

		h.apply(h.disconnect("connB"))
		require.NotNil(t, h.rejoins["bob"])

		// Well past the heartbeat idle threshold.
		clk.advance(2 * time.Minute)
		require.Empty(t, h.sweepIdleSessions(clk.now))
		assert.NotNil(t, h.sessions["connA"], "session must outlive the sweep while a rejoin is open")
	})
}

func TestEndCall(t *testing.T) {
	t.Run("skip derives partner-skip and records duration", func(t *testing.T) {
		h, _, col, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")

		clk.advance(10 * time.Minute)
		effs := h.endCallCmd("connA", models.EndCallPayload{Reason: models.ReasonSkip})
		h.apply(effs)

		assert.Empty(t, h.sessions)
		mine, ok := sendTo(effs, "connA", models.EventCallEnded)
		require.True(t, ok)
		assert.Equal(t, models.ReasonSkip, mine.Data.(models.CallEndedPayload).Reason)
		theirs, ok := sendTo(effs, "connB", models.EventCallEnded)
		require.True(t, ok)
		assert.Equal(t, models.ReasonPartnerSkip, theirs.Data.(models.CallEndedPayload).Reason)
		assert.Equal(t, "alice", theirs.Data.(models.CallEndedPayload).By)

		col.mu.Lock()
		defer col.mu.Unlock()
		require.Len(t, col.history, 2)
		for _, rec := range col.history {
			assert.Equal(t, 10*time.Minute, rec.Duration)
		}
	})

	t.Run("empty reason defaults to hangup", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")

		effs := h.endCallCmd("connA", models.EndCallPayload{})
		theirs, ok := sendTo(effs, "connB", models.EventCallEnded)
		require.True(t, ok)
		assert.Equal(t, models.ReasonPartnerHangup, theirs.Data.(models.CallEndedPayload).Reason)
	})

	t.Run("partner notice follows the current primary connection", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB1", "bob", "US")
		pairUp(t, h, "connA", "connB1")

		// Bob opens a second socket; it becomes authoritative.
		connectUser(h, "connB2", "bob", "US")

		effs := h.endCallCmd("connA", models.EndCallPayload{Reason: models.ReasonHangup})
		_, ok := sendTo(effs, "connB2", models.EventCallEnded)
		assert.True(t, ok, "notice must reach bob's newest connection")
	})

	t.Run("no-op without a session", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		assert.Empty(t, h.endCallCmd("connA", models.EndCallPayload{Reason: models.ReasonHangup}))
	})

	t.Run("stranger cannot target someone else's call", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")
		connectUser(h, "connM", "mallory", "US")

		effs := h.endCallCmd("connM", models.EndCallPayload{Target: "connA", Reason: models.ReasonHangup})
		h.apply(effs)

		assert.NotNil(t, h.sessions["connA"])
		assert.NotNil(t, h.sessions["connB"])
	})

	t.Run("target not matching the tracked partner is rejected", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")
		connectUser(h, "connC", "carol", "DE")
		connectUser(h, "connD", "dave", "DE")
		pairUp(t, h, "connC", "connD")

		effs := h.endCallCmd("connC", models.EndCallPayload{Target: "connA", Reason: models.ReasonHangup})
		s, ok := sendTo(effs, "connC", models.EventError)
		require.True(t, ok)
		assert.Equal(t, models.ErrCodeStaleSession, s.Data.(models.ErrorPayload).Code)
		assert.Len(t, h.sessions, 4, "both calls must stay fully symmetric")
	})
}
