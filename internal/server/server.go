package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tapgoose/internal/bus"
	"tapgoose/internal/history"
	"tapgoose/internal/match"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 5120
	sendBuffer     = 64
	// Rate limit: max 100 messages per second per client
	rateLimitInterval = time.Second / 100
	requestTimeout    = 5 * time.Second
)

// Action names the server understands.
const (
	ActionCreateMatch  = "createMatch"
	ActionJoinMatch    = "matchUserJoin"
	ActionLeaveMatch   = "matchUserLeft"
	ActionTap          = "tapGoose"
	ActionMatchCreated = "matchCreated"
	ActionMatchStarted = "matchStarted"
	ActionMatchEnded   = "matchEnded"
	ActionUserJoined   = "matchUserJoined"
	ActionUserLeft     = "matchUserLeft"
	ActionTapSuccess   = "tapSuccess"
	ActionError        = "error"

	resultSuffix = "Result"
)

// Envelope wraps client/server messages in a consistent format.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// matchRef is the payload of join, leave and tap requests.
type matchRef struct {
	MatchID string `json:"matchId"`
}

// actionResult answers every inbound action.
type actionResult struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	MatchID string `json:"matchId,omitempty"`
	Score   *int64 `json:"score,omitempty"`
}

// errorPayload is sent when the server needs to report an issue to a client.
type errorPayload struct {
	Message string `json:"message"`
}

// Game is the match core the gateway drives.
type Game interface {
	CreateMatch(ctx context.Context, creator match.PlayerInfo, params match.Params) (string, error)
	AddPlayer(ctx context.Context, matchID string, player match.PlayerInfo) error
	RemovePlayer(ctx context.Context, matchID, playerID string) error
	Tap(ctx context.Context, matchID string, player match.PlayerInfo) (int64, error)
	AvailableMatches(ctx context.Context, playerID string) ([]match.View, error)
	ActiveMatch(ctx context.Context, playerID, matchID string) (match.View, error)
	PlayerMatchIDs(ctx context.Context, playerID string) ([]string, error)
}

// HistoryReader is the read side of finished matches.
type HistoryReader interface {
	ListForPlayer(ctx context.Context, playerID string) ([]history.Record, error)
	Get(ctx context.Context, matchID string) (history.Record, error)
}

// Config controls runtime behaviour for the gateway.
type Config struct {
	// AllowedOrigins optionally lists origins to accept; leave empty to allow all.
	AllowedOrigins []string
	// HandshakeTimeout controls how long an upgrade handshake may take before being aborted.
	HandshakeTimeout time.Duration
	// MaxConnectionsPerIP limits concurrent connections per remote IP when > 0.
	MaxConnectionsPerIP int
	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret string
}

// Server hosts the websocket gateway and the REST API of the game.
type Server struct {
	cfg               Config
	game              Game
	history           HistoryReader
	identity          *Identity
	hub               *Hub
	upgrader          websocket.Upgrader
	connectionLimiter *connectionLimiter
	api               *fiber.App
	log               *zap.Logger
}

// New constructs a Server with sensible defaults.
func New(cfg Config, game Game, hist HistoryReader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			return false
		},
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	upgrader.HandshakeTimeout = handshakeTimeout

	s := &Server{
		cfg:               cfg,
		game:              game,
		history:           hist,
		identity:          NewIdentity(cfg.JWTSecret),
		hub:               NewHub(),
		upgrader:          upgrader,
		connectionLimiter: newConnectionLimiter(cfg.MaxConnectionsPerIP),
		log:               log.Named("server"),
	}
	s.api = s.newAPI()
	return s
}

// Handler routes /ws to the gateway and everything under /tap-goose-game/ to
// the REST API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.Handle(apiPrefix+"/", adaptor.FiberApp(s.api))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Close disconnects every client.
func (s *Server) Close() {
	s.hub.closeAll()
}

// HandleWS authenticates the caller, upgrades the connection and starts the
// client pumps.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	peerIP := remoteAddr(r)
	player, err := s.identity.Verify(tokenFromRequest(r))
	if err != nil {
		s.log.Debug("unauthorized websocket attempt", zap.String("peer", peerIP), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	release, ok := s.connectionLimiter.acquire(peerIP)
	if !ok {
		s.log.Warn("rejecting websocket: connection limit reached", zap.String("peer", peerIP))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.log.Debug("websocket upgrade failed", zap.String("peer", peerIP), zap.Error(err))
		return
	}

	client := newClient(s, conn, player, peerIP, release)
	s.hub.register(client)
	s.joinExistingRooms(r.Context(), player.ID)
	s.log.Info("websocket connection established",
		zap.String("player_id", player.ID),
		zap.String("peer", peerIP),
	)
	client.start()
}

// joinExistingRooms restores room membership for a player reconnecting into
// matches they are already part of.
func (s *Server) joinExistingRooms(ctx context.Context, playerID string) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ids, err := s.game.PlayerMatchIDs(ctx, playerID)
	if err != nil {
		s.log.Warn("restoring rooms failed", zap.String("player_id", playerID), zap.Error(err))
		return
	}
	for _, id := range ids {
		s.hub.joinRoom(id, playerID)
	}
}

// HandleEvent relays a bus message to the local clients it concerns.
func (s *Server) HandleEvent(msg bus.Message) {
	switch msg.Channel {
	case bus.ChannelMatchCreated:
		s.relay(ActionMatchCreated, msg.Payload)
	case bus.ChannelMatchStarted:
		s.relay(ActionMatchStarted, msg.Payload)
	case bus.ChannelMatchEnded:
		s.relay(ActionMatchEnded, msg.Payload)
	case bus.ChannelUserJoined:
		ev, err := bus.Decode[match.PlayerJoinedEvent](msg)
		if err != nil {
			s.log.Warn("dropping event", zap.Error(err))
			return
		}
		s.hub.joinRoom(ev.MatchID, ev.MatchPlayerInfo.ID)
		s.relay(ActionUserJoined, msg.Payload)
	case bus.ChannelUserLeft:
		ev, err := bus.Decode[match.PlayerLeftEvent](msg)
		if err != nil {
			s.log.Warn("dropping event", zap.Error(err))
			return
		}
		s.relay(ActionUserLeft, msg.Payload)
		s.hub.leaveRoom(ev.MatchID, ev.PlayerID)
	case bus.ChannelTap:
		ev, err := bus.Decode[match.TapEvent](msg)
		if err != nil {
			s.log.Warn("dropping event", zap.Error(err))
			return
		}
		out, err := encodeEnvelope(ActionTapSuccess, msg.Payload)
		if err != nil {
			return
		}
		s.hub.sendToRoom(ev.MatchID, out)
	default:
		s.log.Debug("ignoring event on unknown channel", zap.String("channel", msg.Channel))
	}
}

func (s *Server) relay(action string, payload []byte) {
	out, err := encodeEnvelope(action, payload)
	if err != nil {
		s.log.Warn("failed to wrap event", zap.String("action", action), zap.Error(err))
		return
	}
	s.hub.broadcast(out)
}

func encodeEnvelope(action string, data []byte) ([]byte, error) {
	return json.Marshal(Envelope{Action: action, Data: json.RawMessage(data)})
}

// Client represents a connected player.
type Client struct {
	srv         *Server
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	peerIP      string
	releaseConn func()

	player    match.PlayerInfo
	lastMsgAt time.Time
}

func newClient(srv *Server, conn *websocket.Conn, player match.PlayerInfo, peerIP string, release func()) *Client {
	return &Client{
		srv:         srv,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
		peerIP:      peerIP,
		releaseConn: release,
		player:      player,
	}
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer c.close("client closed connection")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.log.Debug("unexpected close error", zap.String("player_id", c.player.ID), zap.Error(err))
			}
			return
		}

		now := time.Now()
		if now.Sub(c.lastMsgAt) < rateLimitInterval {
			c.sendError("rate limit exceeded")
			continue
		}
		c.lastMsgAt = now

		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.dispatch(envelope)
	}
}

func (c *Client) dispatch(envelope Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch envelope.Action {
	case ActionCreateMatch:
		c.reply(envelope.Action, c.handleCreateMatch(ctx, envelope.Data))
	case ActionJoinMatch:
		c.reply(envelope.Action, c.handleJoin(ctx, envelope.Data))
	case ActionLeaveMatch:
		c.reply(envelope.Action, c.handleLeave(ctx, envelope.Data))
	case ActionTap:
		c.reply(envelope.Action, c.handleTap(ctx, envelope.Data))
	default:
		c.sendError("unsupported action")
	}
}

func (c *Client) handleCreateMatch(ctx context.Context, raw json.RawMessage) actionResult {
	if !c.player.HasRole(match.RoleAdmin) {
		return actionResult{Error: "only admins can create matches"}
	}
	var params match.Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return actionResult{Error: "invalid createMatch payload"}
	}
	id, err := c.srv.game.CreateMatch(ctx, c.player, params)
	if err != nil && id == "" {
		return c.failure(ActionCreateMatch, "", err)
	}
	if err != nil {
		c.srv.log.Warn("match created but announcement failed", zap.String("match_id", id), zap.Error(err))
	}
	c.srv.hub.joinRoom(id, c.player.ID)
	return actionResult{OK: true, MatchID: id}
}

func (c *Client) handleJoin(ctx context.Context, raw json.RawMessage) actionResult {
	ref, ok := decodeRef(raw)
	if !ok {
		return actionResult{Error: "matchId is required"}
	}
	err := c.srv.game.AddPlayer(ctx, ref.MatchID, c.player)
	if err != nil && !errors.Is(err, match.ErrAlreadyMember) {
		return c.failure(ActionJoinMatch, ref.MatchID, err)
	}
	c.srv.hub.joinRoom(ref.MatchID, c.player.ID)
	return actionResult{OK: true, MatchID: ref.MatchID}
}

func (c *Client) handleLeave(ctx context.Context, raw json.RawMessage) actionResult {
	ref, ok := decodeRef(raw)
	if !ok {
		return actionResult{Error: "matchId is required"}
	}
	if err := c.srv.game.RemovePlayer(ctx, ref.MatchID, c.player.ID); err != nil {
		return c.failure(ActionLeaveMatch, ref.MatchID, err)
	}
	c.srv.hub.leaveRoom(ref.MatchID, c.player.ID)
	return actionResult{OK: true, MatchID: ref.MatchID}
}

func (c *Client) handleTap(ctx context.Context, raw json.RawMessage) actionResult {
	ref, ok := decodeRef(raw)
	if !ok {
		return actionResult{Error: "matchId is required"}
	}
	score, err := c.srv.game.Tap(ctx, ref.MatchID, c.player)
	if err != nil {
		return c.failure(ActionTap, ref.MatchID, err)
	}
	return actionResult{OK: true, MatchID: ref.MatchID, Score: &score}
}

// failure turns err into a reply, hiding internal errors from the client.
func (c *Client) failure(action, matchID string, err error) actionResult {
	if match.IsUserFacing(err) {
		c.srv.log.Debug("action rejected",
			zap.String("action", action),
			zap.String("match_id", matchID),
			zap.String("player_id", c.player.ID),
			zap.Error(err),
		)
		return actionResult{Error: err.Error(), MatchID: matchID}
	}
	c.srv.log.Error("action failed",
		zap.String("action", action),
		zap.String("match_id", matchID),
		zap.String("player_id", c.player.ID),
		zap.Error(err),
	)
	return actionResult{Error: "internal error", MatchID: matchID}
}

func decodeRef(raw json.RawMessage) (matchRef, bool) {
	var ref matchRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.MatchID == "" {
		return matchRef{}, false
	}
	return ref, true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close("writePump exit")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// enqueue hands msg to the write pump without blocking the caller; a client
// whose buffer is full misses the message.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		c.srv.log.Warn("dropping message due to slow consumer", zap.String("player_id", c.player.ID))
	}
}

func (c *Client) sendEnvelope(action string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.srv.log.Error("failed to marshal payload", zap.String("action", action), zap.Error(err))
		return
	}
	out, err := encodeEnvelope(action, body)
	if err != nil {
		c.srv.log.Error("failed to wrap payload", zap.String("action", action), zap.Error(err))
		return
	}
	c.enqueue(out)
}

func (c *Client) reply(action string, result actionResult) {
	c.sendEnvelope(action+resultSuffix, result)
}

func (c *Client) sendError(message string) {
	c.sendEnvelope(ActionError, errorPayload{Message: message})
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			c.srv.log.Debug("closing websocket",
				zap.String("player_id", c.player.ID),
				zap.String("peer", c.peerIP),
				zap.String("reason", reason),
			)
		}
		close(c.closed)
		c.srv.hub.unregister(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.releaseConn != nil {
			c.releaseConn()
			c.releaseConn = nil
		}
	})
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
