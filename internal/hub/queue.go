package hub

import (
	"sort"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

type entryState int

const (
	stateFinding entryState = iota
	stateNegotiating
	stateMatched
)

// queueEntry is one waiting connection. JoinedAt drives FIFO fairness and
// is only reset on a genuine new join, never when an entry is re-inserted
// after a failed handshake.
type queueEntry struct {
	ConnID           string
	IdentityID       string
	Profile          models.PublicProfile
	Mode             string
	JoinedAt         time.Time
	PreferredCountry string
	State            entryState

	fallback *time.Timer
}

type cooldownEntry struct {
	Partner string
	Expires time.Time
}

// matchQueue keeps the master waiting list and a country-indexed secondary
// index, both sorted by JoinedAt ascending, plus the pairing cooldown table.
type matchQueue struct {
	master    []*queueEntry
	buckets   map[string][]*queueEntry
	byConnID  map[string]*queueEntry
	cooldowns map[string]cooldownEntry
}

func newMatchQueue() *matchQueue {
	return &matchQueue{
		buckets:   make(map[string][]*queueEntry),
		byConnID:  make(map[string]*queueEntry),
		cooldowns: make(map[string]cooldownEntry),
	}
}

func insertSorted(list []*queueEntry, e *queueEntry) []*queueEntry {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].JoinedAt.After(e.JoinedAt)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func removeFrom(list []*queueEntry, e *queueEntry) []*queueEntry {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// enqueue inserts an entry, first removing any stale entry for the same
// identity from both structures. resetJoin stamps JoinedAt with now; a
// re-insertion after a failed handshake passes false and keeps the
// original join time so seniority survives.
func (q *matchQueue) enqueue(e *queueEntry, resetJoin bool, now time.Time) {
	if stale := q.removeByIdentity(e.IdentityID); stale != nil && stale.fallback != nil {
		stale.fallback.Stop()
	}
	if resetJoin || e.JoinedAt.IsZero() {
		e.JoinedAt = now
	}
	q.master = insertSorted(q.master, e)
	if c := e.Profile.Country; c != "" {
		q.buckets[c] = insertSorted(q.buckets[c], e)
	}
	q.byConnID[e.ConnID] = e
}

// dequeue removes the entry for a connection and stops its fallback timer.
func (q *matchQueue) dequeue(connID string) *queueEntry {
	e, ok := q.byConnID[connID]
	if !ok {
		return nil
	}
	q.remove(e)
	if e.fallback != nil {
		e.fallback.Stop()
		e.fallback = nil
	}
	return e
}

func (q *matchQueue) removeByIdentity(identityID string) *queueEntry {
	for _, e := range q.master {
		if e.IdentityID == identityID {
			q.remove(e)
			return e
		}
	}
	return nil
}

func (q *matchQueue) remove(e *queueEntry) {
	q.master = removeFrom(q.master, e)
	if c := e.Profile.Country; c != "" {
		q.buckets[c] = removeFrom(q.buckets[c], e)
		if len(q.buckets[c]) == 0 {
			delete(q.buckets, c)
		}
	}
	delete(q.byConnID, e.ConnID)
}

func (q *matchQueue) byConn(connID string) *queueEntry {
	return q.byConnID[connID]
}

// positionOf returns the 1-based rank in the master list, 0 if absent.
func (q *matchQueue) positionOf(connID string) int {
	for i, e := range q.master {
		if e.ConnID == connID {
			return i + 1
		}
	}
	return 0
}

func (q *matchQueue) len() int {
	return len(q.master)
}

// setCooldown records that two identities were just paired and must not be
// re-paired until the window expires. Stored for both sides; a later
// pairing overwrites a side's entry, which clears the old restriction.
func (q *matchQueue) setCooldown(a, b string, expires time.Time) {
	q.cooldowns[a] = cooldownEntry{Partner: b, Expires: expires}
	q.cooldowns[b] = cooldownEntry{Partner: a, Expires: expires}
}

func (q *matchQueue) onCooldown(a, b string, now time.Time) bool {
	if cd, ok := q.cooldowns[a]; ok && cd.Partner == b && now.Before(cd.Expires) {
		return true
	}
	if cd, ok := q.cooldowns[b]; ok && cd.Partner == a && now.Before(cd.Expires) {
		return true
	}
	return false
}

// compatible reports whether two entries may be paired: both still looking,
// distinct connection and identity, same mode, no live mutual cooldown, and
// every one-sided country preference satisfied by the other's country.
func (q *matchQueue) compatible(a, b *queueEntry, now time.Time) bool {
	if a.State != stateFinding || b.State != stateFinding {
		return false
	}
	if a.ConnID == b.ConnID || a.IdentityID == b.IdentityID {
		return false
	}
	if a.Mode != b.Mode {
		return false
	}
	if q.onCooldown(a.IdentityID, b.IdentityID, now) {
		return false
	}
	if a.PreferredCountry != "" && b.Profile.Country != a.PreferredCountry {
		return false
	}
	if b.PreferredCountry != "" && a.Profile.Country != b.PreferredCountry {
		return false
	}
	return true
}
