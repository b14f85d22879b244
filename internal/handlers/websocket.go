package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/collab"
	"github.com/mossy-p/webrtc-matchmaking/internal/hub"
	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one WebSocket connection with its outbound buffer.
type Client struct {
	ID         string
	IdentityID string
	Conn       *websocket.Conn
	Send       chan []byte
}

// ClientSet maps connection ids to live clients. It implements
// hub.Notifier; sending to a gone connection is a no-op.
type ClientSet struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientSet() *ClientSet {
	return &ClientSet{clients: make(map[string]*Client)}
}

func (s *ClientSet) add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *ClientSet) remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, connID)
}

// Send implements hub.Notifier.
func (s *ClientSet) Send(connID string, env models.Envelope) {
	s.mu.RLock()
	c, ok := s.clients[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal outbound event")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("module", "ws").Str("conn", connID).Msg("send buffer full, dropping frame")
	}
}

// SocketHandler upgrades signaling connections and feeds the hub.
type SocketHandler struct {
	Hub       *hub.Hub
	Collab    *collab.Client
	Clients   *ClientSet
	JWTSecret string
}

// HandleSignaling authenticates the token, resolves the caller's profile
// and country, upgrades the connection and starts the pumps.
func (sh *SocketHandler) HandleSignaling(c *gin.Context) {
	token := c.Query("token")
	identityID, err := middleware.ParseIdentity(token, sh.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	ctx := c.Request.Context()
	if !sh.Collab.IsRegistered(ctx, identityID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Unknown user"})
		return
	}
	profile := sh.Collab.Profile(ctx, identityID)
	if code, name := sh.Collab.Country(ctx, c.ClientIP()); code != "" {
		profile.Country = code
		profile.CountryName = name
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		Conn:       conn,
		Send:       make(chan []byte, 256),
	}
	sh.Clients.add(client)
	sh.Hub.Connect(client.ID, identityID, profile)

	log.Info().Str("module", "ws").Str("conn", client.ID).Str("identity", identityID).Msg("signaling connection opened")

	go client.writePump()
	go sh.readPump(client)
}

func (sh *SocketHandler) readPump(c *Client) {
	defer func() {
		sh.Clients.remove(c.ID)
		sh.Hub.Disconnect(c.ID)
		c.Conn.Close()
		log.Info().Str("module", "ws").Str("conn", c.ID).Msg("signaling connection closed")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("websocket error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var frame models.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("bad frame")
			continue
		}
		sh.route(c, frame)
	}
}

func (sh *SocketHandler) route(c *Client, frame models.ClientFrame) {
	switch frame.Type {
	case models.EventRequestMatch:
		var p models.RequestMatchPayload
		if !decode(c, frame.Data, &p) {
			return
		}
		sh.Hub.RequestMatch(c.ID, p)
	case models.EventAcknowledgeMatch:
		sh.Hub.AcknowledgeMatch(c.ID)
	case models.EventLeaveQueue:
		sh.Hub.LeaveQueue(c.ID)
	case models.EventHeartbeat:
		sh.Hub.Heartbeat(c.ID)
	case models.EventEndCall:
		var p models.EndCallPayload
		if len(frame.Data) > 0 && !decode(c, frame.Data, &p) {
			return
		}
		sh.Hub.EndCall(c.ID, p)
	case models.EventRejoinCall:
		// Prefetch the cache tiers here so the hub never blocks on a
		// cache read; memory still wins when it holds a record.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		snaps := sh.Hub.LoadCachedRejoin(ctx, c.IdentityID)
		cancel()
		sh.Hub.RejoinCall(c.ID, snaps)
	case models.EventCancelReconnect:
		sh.Hub.CancelReconnect(c.ID)
	case models.EventCallInitiate:
		var p models.CallInitiatePayload
		if !decode(c, frame.Data, &p) {
			return
		}
		sh.Hub.InitiateCall(c.ID, p)
	case models.EventCallRespond:
		var p models.CallRespondPayload
		if !decode(c, frame.Data, &p) {
			return
		}
		sh.Hub.RespondCall(c.ID, p)
	case models.EventCallCancel:
		var p models.CallCancelPayload
		if !decode(c, frame.Data, &p) {
			return
		}
		sh.Hub.CancelCall(c.ID, p)
	case models.EventOffer, models.EventAnswer, models.EventCandidate:
		sh.Hub.Relay(c.ID, frame.Type, frame.Data)
	default:
		log.Warn().Str("module", "ws").Str("type", string(frame.Type)).Msg("unknown frame type")
	}
}

func decode(c *Client, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("bad payload")
		data, _ := json.Marshal(models.Envelope{
			Type: models.EventError,
			Data: models.ErrorPayload{Code: models.ErrCodeBadPayload},
		})
		select {
		case c.Send <- data:
		default:
		}
		return false
	}
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
