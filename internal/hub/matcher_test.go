package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

func TestQueueMatchFlow(t *testing.T) {
	t.Run("two compatible joiners handshake and finalize", func(t *testing.T) {
		h, n, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "DE")

		effs := h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice"})
		h.apply(effs)
		joined, ok := sendTo(effs, "connA", models.EventQueueJoined)
		require.True(t, ok, "joiner must be told their position")
		assert.Equal(t, 1, joined.Data.(models.QueueJoinedPayload).Position)

		clk.advance(time.Second)
		effs = h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"})
		h.apply(effs)

		// Both sides get match-prepared, neither a final match yet.
		require.Len(t, sendsOf(effs, models.EventMatchPrepared), 2)
		require.Empty(t, matchFoundsOf(effs))
		require.Equal(t, 0, h.queue.len(), "negotiating entries must leave the queue")

		h.apply(h.acknowledgeMatch("connA"))
		final := h.acknowledgeMatch("connB")
		h.apply(final)

		founds := matchFoundsOf(final)
		require.Len(t, founds, 2)
		roles := map[string]string{}
		for _, m := range founds {
			roles[m.ConnID] = m.Payload.Role
		}
		// The longer-waiting side offers.
		assert.Equal(t, roleOfferer, roles["connA"])
		assert.Equal(t, roleAnswerer, roles["connB"])

		require.NotNil(t, h.sessions["connA"])
		require.NotNil(t, h.sessions["connB"])
		assert.Equal(t, "connB", h.sessions["connA"].PartnerConn)

		// The notifier actually saw the enriched match-found frames.
		n.mu.Lock()
		defer n.mu.Unlock()
		var got int
		for _, s := range n.sent {
			if s.Env.Type == models.EventMatchFound {
				got++
			}
		}
		assert.Equal(t, 2, got)
	})

	t.Run("single ack does not finalize", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice"}))
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))

		effs := h.acknowledgeMatch("connA")
		require.Empty(t, matchFoundsOf(effs))
		require.Nil(t, h.sessions["connA"])
	})

	t.Run("recent partners are not re-paired", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		pairUp(t, h, "connA", "connB")
		h.apply(h.endCallCmd("connA", models.EndCallPayload{Reason: models.ReasonSkip}))

		// Both rejoin the queue immediately; the cooldown must hold.
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice"}))
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))
		assert.Empty(t, h.pending, "cooldown pair must not handshake")
		assert.Equal(t, 2, h.queue.len())

		// After expiry they may meet again.
		clk.advance(2 * time.Minute)
		h.apply(h.scan())
		assert.Len(t, h.pending, 2)
	})
}

func TestHandshakeFailure(t *testing.T) {
	t.Run("timeout restores both entries with original join times", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		connectUser(h, "connC", "carol", "US")

		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))
		joinA := h.queue.byConn("connA").JoinedAt

		clk.advance(time.Second)
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))
		joinB := h.queue.byConn("connB").JoinedAt

		// Carol joins between the two attempts.
		clk.advance(time.Second)
		h.apply(h.requestMatch("connC", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))

		// A and B widen to global and pair; Carol stays on her preference.
		h.apply(h.clearPreference("connA"))
		h.apply(h.clearPreference("connB"))
		pm, ok := h.pending["connA"]
		require.True(t, ok)
		require.Equal(t, "connB", pm.other("connA").ConnID)

		clk.advance(5 * time.Second)
		effs := h.handshakeTimeout("connA", pm.roomID)
		h.apply(effs)

		require.Len(t, sendsOf(effs, models.EventMatchCancelled), 2)
		require.Equal(t, joinA, h.queue.byConn("connA").JoinedAt, "joined_at must survive a failed handshake")
		require.Equal(t, joinB, h.queue.byConn("connB").JoinedAt)

		// Relative order against Carol is unchanged: A, B, C.
		assert.Equal(t, 1, h.queue.positionOf("connA"))
		assert.Equal(t, 2, h.queue.positionOf("connB"))
		assert.Equal(t, 3, h.queue.positionOf("connC"))
	})

	t.Run("leave mid-handshake aborts for the partner", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice"}))
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))
		require.NotEmpty(t, h.pending)

		effs := h.leaveQueue("connA")
		h.apply(effs)
		require.Empty(t, h.pending)
		_, ok := sendTo(effs, "connB", models.EventMatchCancelled)
		assert.True(t, ok, "partner must learn the handshake died")
	})

	t.Run("disconnect mid-handshake never re-enqueues the dead side", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice"}))
		clk.advance(time.Second)
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))
		require.NotEmpty(t, h.pending)

		effs := h.disconnect("connA")
		h.apply(effs)

		require.Empty(t, h.pending)
		assert.Nil(t, h.queue.byConn("connA"), "dead connection must not survive in the queue")
		assert.Equal(t, 1, h.queue.len())
		assert.Equal(t, 1, h.queue.positionOf("connB"))
		_, ok := sendTo(effs, "connB", models.EventMatchCancelled)
		assert.True(t, ok)
	})

	t.Run("late ack after abort is rejected", func(t *testing.T) {
		h, _, _, _ := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "US")
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice"}))
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))
		pm := h.pending["connA"]
		h.apply(h.abortHandshake(pm, models.ReasonHandshakeTimeout))

		effs := h.acknowledgeMatch("connB")
		s, ok := sendTo(effs, "connB", models.EventError)
		require.True(t, ok)
		assert.Equal(t, models.ErrCodeHandshakeInterrupt, s.Data.(models.ErrorPayload).Code)
	})
}

func TestCountryPreference(t *testing.T) {
	t.Run("preference holds until fallback then widens", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connC", "carol", "BR")

		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))
		clk.advance(time.Second)
		h.apply(h.requestMatch("connC", models.RequestMatchPayload{Mode: "voice"}))

		// No FR candidate exists; nothing pairs.
		require.Empty(t, h.pending)
		require.Equal(t, 2, h.queue.len())

		// Fallback fires: preference clears in place, pool goes global.
		clk.advance(15 * time.Second)
		h.apply(h.clearPreference("connA"))
		require.Len(t, h.pending, 2)
		assert.Equal(t, h.pending["connA"], h.pending["connC"])
	})

	t.Run("bucket probe finds same-country partner", func(t *testing.T) {
		h, _, _, clk := newTestHub(t)
		connectUser(h, "connA", "alice", "FR")
		connectUser(h, "connB", "bob", "US")
		connectUser(h, "connC", "carol", "FR")

		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))
		clk.advance(time.Second)
		h.apply(h.requestMatch("connC", models.RequestMatchPayload{Mode: "voice"}))
		// B and C pair on the global path first.
		require.Len(t, h.pending, 2)

		clk.advance(time.Second)
		connectUser(h, "connD", "dave", "FR")
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))
		h.apply(h.requestMatch("connD", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))
		pm, ok := h.pending["connA"]
		require.True(t, ok, "FR pair must form from the bucket")
		assert.Equal(t, "connD", pm.other("connA").ConnID)
	})
}

func TestFallbackAcrossHandshake(t *testing.T) {
	// A preference fallback timer is consumed entering a handshake; a
	// failed handshake must restore whatever widening the entry was owed.
	pairWithPreference := func(t *testing.T) (*Hub, *testClock, *pendingMatch, *queueEntry) {
		t.Helper()
		opts := testOptions()
		opts.FallbackDelay = 15 * time.Second
		h, _, _, clk := newTestHubWith(t, opts)
		connectUser(h, "connA", "alice", "US")
		connectUser(h, "connB", "bob", "FR")
		h.apply(h.requestMatch("connA", models.RequestMatchPayload{Mode: "voice", PreferredCountry: "FR"}))
		clk.advance(time.Second)
		h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))
		pm, ok := h.pending["connA"]
		require.True(t, ok)
		return h, clk, pm, pm.other("connB")
	}

	t.Run("timer stops when the handshake starts", func(t *testing.T) {
		_, _, _, entry := pairWithPreference(t)
		assert.Nil(t, entry.fallback)
	})

	t.Run("abort past the delay widens immediately", func(t *testing.T) {
		h, clk, pm, _ := pairWithPreference(t)
		clk.advance(20 * time.Second)
		h.apply(h.abortHandshake(pm, models.ReasonHandshakeTimeout))

		e := h.queue.byConn("connA")
		require.NotNil(t, e)
		assert.Empty(t, e.PreferredCountry, "elapsed fallback must clear the preference on re-entry")
	})

	t.Run("abort within the delay re-arms the timer", func(t *testing.T) {
		h, clk, pm, _ := pairWithPreference(t)
		clk.advance(5 * time.Second)
		h.apply(h.abortHandshake(pm, models.ReasonHandshakeTimeout))

		e := h.queue.byConn("connA")
		require.NotNil(t, e)
		assert.Equal(t, "FR", e.PreferredCountry)
		assert.NotNil(t, e.fallback, "remaining fallback window must be re-armed")
	})
}

func TestStaleDuplicateFiltering(t *testing.T) {
	// An entry whose identity reconnected on a new socket must never match.
	h, _, _, clk := newTestHub(t)
	connectUser(h, "connA1", "alice", "US")
	h.apply(h.requestMatch("connA1", models.RequestMatchPayload{Mode: "voice"}))

	// Alice reconnects; the new socket is now authoritative.
	connectUser(h, "connA2", "alice", "US")

	clk.advance(time.Second)
	connectUser(h, "connB", "bob", "US")
	h.apply(h.requestMatch("connB", models.RequestMatchPayload{Mode: "voice"}))

	require.Empty(t, h.pending, "stale entry must be skipped by the scan")

	// The new socket re-queues and matches normally.
	h.apply(h.requestMatch("connA2", models.RequestMatchPayload{Mode: "voice"}))
	require.Len(t, h.pending, 2)
}
