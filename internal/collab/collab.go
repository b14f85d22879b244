// Package collab wraps the external collaborator services the matchmaking
// core depends on: user profiles, IP geolocation and call history. Every
// call degrades to a placeholder value on failure so a slow or dead
// collaborator can never block a realtime transition.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// Friendship status values mirrored from the friend service.
const (
	FriendshipNone            = "none"
	FriendshipFriends         = "friends"
	FriendshipPendingSent     = "pending_sent"
	FriendshipPendingReceived = "pending_received"
)

type Client struct {
	cfg  config.CollabConfig
	http *http.Client
}

func New(cfg config.CollabConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// Profile resolves the public profile for an identity. On any failure a
// placeholder profile carrying only the identity id is returned.
func (c *Client) Profile(ctx context.Context, identityID string) models.PublicProfile {
	fallback := models.PublicProfile{IdentityID: identityID, Username: "Anonymous"}
	if c.cfg.ProfileURL == "" {
		return fallback
	}

	var p models.PublicProfile
	u := fmt.Sprintf("%s/users/%s/public", c.cfg.ProfileURL, url.PathEscape(identityID))
	if err := c.getJSON(ctx, u, &p); err != nil {
		log.Warn().Err(err).Str("module", "collab").Str("identity", identityID).Msg("profile lookup failed")
		return fallback
	}
	p.IdentityID = identityID
	if p.Username == "" {
		p.Username = fallback.Username
	}
	return p
}

// IsRegistered reports whether an identity exists in the user store.
// Unreachable collaborator counts as registered so login races don't
// bounce legitimate users.
func (c *Client) IsRegistered(ctx context.Context, identityID string) bool {
	if c.cfg.ProfileURL == "" {
		return true
	}
	var out struct {
		Registered bool `json:"registered"`
	}
	u := fmt.Sprintf("%s/users/%s/exists", c.cfg.ProfileURL, url.PathEscape(identityID))
	if err := c.getJSON(ctx, u, &out); err != nil {
		log.Warn().Err(err).Str("module", "collab").Str("identity", identityID).Msg("registration check failed")
		return true
	}
	return out.Registered
}

// Friendship returns the relationship between two identities, FriendshipNone
// when the friend service is unreachable.
func (c *Client) Friendship(ctx context.Context, a, b string) string {
	if c.cfg.ProfileURL == "" {
		return FriendshipNone
	}
	var out struct {
		Status string `json:"status"`
	}
	u := fmt.Sprintf("%s/friends/status?a=%s&b=%s", c.cfg.ProfileURL, url.QueryEscape(a), url.QueryEscape(b))
	if err := c.getJSON(ctx, u, &out); err != nil {
		log.Warn().Err(err).Str("module", "collab").Msg("friendship lookup failed")
		return FriendshipNone
	}
	if out.Status == "" {
		return FriendshipNone
	}
	return out.Status
}

// Country resolves a remote address to a country code and display name.
// Empty strings mean "unknown" and are passed through as-is.
func (c *Client) Country(ctx context.Context, remoteAddr string) (code, name string) {
	if c.cfg.GeoURL == "" {
		return "", ""
	}
	var out struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	u := fmt.Sprintf("%s/lookup?ip=%s", c.cfg.GeoURL, url.QueryEscape(remoteAddr))
	if err := c.getJSON(ctx, u, &out); err != nil {
		log.Warn().Err(err).Str("module", "collab").Str("addr", remoteAddr).Msg("geo lookup failed")
		return "", ""
	}
	return out.Code, out.Name
}

// HistoryRecord is the fire-and-forget completed-session record.
type HistoryRecord struct {
	IdentityID string               `json:"identityId"`
	Partner    models.PublicProfile `json:"partner"`
	Duration   time.Duration        `json:"durationMs"`
	Reason     string               `json:"reason"`
}

// RecordHistory posts a completed session to the history service. Failures
// are logged and dropped.
func (c *Client) RecordHistory(ctx context.Context, rec HistoryRecord) {
	if c.cfg.HistoryURL == "" {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("history marshal failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HistoryURL+"/history", bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("history request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "collab").Str("identity", rec.IdentityID).Msg("history write failed")
		return
	}
	resp.Body.Close()
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
