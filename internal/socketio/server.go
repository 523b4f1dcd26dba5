package socketio

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"uchat-directory/internal/auth"
	"uchat-directory/internal/hub"
	"uchat-directory/internal/model"
	"uchat-directory/internal/store"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval time.Duration = 25 * time.Second
	pingTimeout  time.Duration = 20 * time.Second
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Hub         *hub.Hub
	Logger      log.Logger
}

// Server serves the conversation directory feed over Socket.IO. Every
// authenticated connection joins its user's hub room; any change to a user's
// conversations is pushed there as a full "conversation" batch.
type Server struct {
	store       *store.Store
	tokenConfig auth.TokenConfig
	hub         *hub.Hub
	logger      log.Logger

	upgrader websocket.Upgrader

	mu            sync.RWMutex
	connsBySocket map[*websocket.Conn]*conn
}

func NewServer(deps Deps) *Server {
	h := deps.Hub
	if h == nil {
		h = hub.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		store:       deps.Store,
		tokenConfig: deps.TokenConfig,
		hub:         h,
		logger:      log.With(logger, "component", "socketio"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connsBySocket: make(map[*websocket.Conn]*conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	s.registerConn(c)
	defer s.unregisterConn(c)

	open := engineHandshake{
		SID:          c.sid,
		Upgrades:     []string{},
		PingInterval: int(pingInterval / time.Millisecond),
		PingTimeout:  int(pingTimeout / time.Millisecond),
		MaxPayload:   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// ConnectionCount reports the live sockets, authenticated or not.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connsBySocket)
}

func (s *Server) registerConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connsBySocket[c.ws] = c
}

func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	delete(s.connsBySocket, c.ws)
	s.mu.Unlock()

	s.hub.Unregister(c.member)
	c.close()
}

// PushConversations sends userID's current conversation batch to every one of
// its connections.
func (s *Server) PushConversations(userID string) int {
	payload, err := buildSocketEventPacket("/", nil, model.EventConversations, s.store.ConversationsFor(userID))
	if err != nil {
		level.Error(s.logger).Log("msg", "encode batch failed", "user", userID, "err", err)
		return 0
	}
	return s.hub.Broadcast(userID, []byte(string(engineMessage)+payload))
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
		return
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
		return
	case engineClose:
		c.close()
		return
	default:
		return
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
		return
	case socketEvent:
		s.handleEvent(c, payload)
		return
	case socketDisconnect:
		c.close()
		return
	default:
		return
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		s.refuse(c, ns, "Missing auth")
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		s.refuse(c, ns, "Invalid auth")
		return
	}
	if authObj.Token == "" {
		s.refuse(c, ns, "Missing token")
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.UserID == "" {
		s.refuse(c, ns, "Invalid authentication token")
		return
	}
	if _, ok := s.store.GetAccount(claims.UserID); !ok {
		s.refuse(c, ns, "User not found")
		return
	}

	c.userID = claims.UserID
	c.namespace = ns
	c.member = &hub.Connection{UserID: c.userID, Writer: c}
	c.connected.Store(true)
	s.hub.Register(c.member)

	ack, err := buildSocketConnectPacket(ns, map[string]string{"sid": c.sid})
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + ack)
	level.Debug(s.logger).Log("msg", "socket connected", "sid", c.sid, "user", c.userID)
}

func (s *Server) refuse(c *conn, namespace, reason string) {
	level.Info(s.logger).Log("msg", "socket refused", "sid", c.sid, "reason", reason)
	if packet, err := buildSocketConnectErrorPacket(namespace, reason); err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}
	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case model.EventRegister:
		var userID string
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &userID) != nil || userID == "" {
			return
		}
		if userID != c.userID {
			level.Warn(s.logger).Log("msg", "register for another user ignored", "sid", c.sid, "user", c.userID, "asked", userID)
			_ = c.writeSocketError("Cannot subscribe to another user")
			return
		}
		packet, err := buildSocketEventPacket(c.namespace, nil, model.EventConversations, s.store.ConversationsFor(c.userID))
		if err != nil {
			return
		}
		_ = c.writeText(string(engineMessage) + packet)
		return

	case model.EventSeen:
		var otherID string
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &otherID) != nil || otherID == "" {
			return
		}
		if s.store.MarkSeen(c.userID, otherID) == 0 {
			return
		}
		s.PushConversations(c.userID)
		if otherID != c.userID {
			s.PushConversations(otherID)
		}
		return

	default:
		return
	}
}

type conn struct {
	ws *websocket.Conn

	sid       string
	namespace string

	connected atomic.Bool
	userID    string
	member    *hub.Connection

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		namespace:  "/",
		nextPingAt: time.Now().Add(pingInterval),
	}
}

// Write and Close make conn a hub.Writer.
func (c *conn) Write(message []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.writeText(string(message))
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) writeSocketError(msg string) error {
	packet, err := buildSocketEventPacket(c.namespace, nil, model.EventError, map[string]string{"message": msg})
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}
