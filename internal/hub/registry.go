package hub

import (
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// registry is the bidirectional connection ↔ identity mapping. One identity
// may hold several live connections (a browser refresh overlaps the old
// socket); the most recently bound connection is the authoritative one.
// Only the hub goroutine touches it.
type registry struct {
	identityByConn  map[string]string
	connsByIdentity map[string][]string
	profiles        map[string]models.PublicProfile
}

func newRegistry() *registry {
	return &registry{
		identityByConn:  make(map[string]string),
		connsByIdentity: make(map[string][]string),
		profiles:        make(map[string]models.PublicProfile),
	}
}

// bind associates a connection with an identity and makes it the primary
// connection for that identity. Rebinding an already-bound connection to a
// new identity detaches it from the old one first.
func (r *registry) bind(connID, identityID string, profile models.PublicProfile) {
	if old, ok := r.identityByConn[connID]; ok && old != identityID {
		r.detach(connID, old)
	}
	r.identityByConn[connID] = identityID
	conns := r.connsByIdentity[identityID]
	for i, c := range conns {
		if c == connID {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	r.connsByIdentity[identityID] = append(conns, connID)
	r.profiles[identityID] = profile
	log.Debug().Str("module", "hub.registry").Str("conn", connID).Str("identity", identityID).Msg("bound connection")
}

// unbind removes a connection. The identity entry is dropped only when its
// last connection goes away; the profile is kept while any rejoin state may
// still need it and is overwritten on the next bind.
func (r *registry) unbind(connID string) (identityID string, last bool) {
	identityID, ok := r.identityByConn[connID]
	if !ok {
		return "", false
	}
	delete(r.identityByConn, connID)
	r.detach(connID, identityID)
	last = len(r.connsByIdentity[identityID]) == 0
	if last {
		delete(r.connsByIdentity, identityID)
	}
	return identityID, last
}

func (r *registry) detach(connID, identityID string) {
	conns := r.connsByIdentity[identityID]
	for i, c := range conns {
		if c == connID {
			r.connsByIdentity[identityID] = append(conns[:i], conns[i+1:]...)
			return
		}
	}
}

func (r *registry) identityOf(connID string) (string, bool) {
	id, ok := r.identityByConn[connID]
	return id, ok
}

// primary returns the authoritative connection for an identity.
func (r *registry) primary(identityID string) (string, bool) {
	conns := r.connsByIdentity[identityID]
	if len(conns) == 0 {
		return "", false
	}
	return conns[len(conns)-1], true
}

func (r *registry) profile(identityID string) models.PublicProfile {
	if p, ok := r.profiles[identityID]; ok {
		return p
	}
	return models.PublicProfile{IdentityID: identityID, Username: "Anonymous"}
}

// online is the live connection count, the whole of presence tracking.
func (r *registry) online() int {
	return len(r.identityByConn)
}
