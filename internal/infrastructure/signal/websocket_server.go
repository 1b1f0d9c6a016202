package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error codes sent back to a peer in MessageError payloads.
const (
	CodeInvalidMessage  = "invalid-message"
	CodeUnknownType     = "unknown-type"
	CodePeerUnavailable = "peer-unavailable"
	CodeRateLimited     = "rate-limited"
)

const presenceTimeout = 2 * time.Second

var ErrPeerNotConnected = errors.New("peer not connected")

// Forwarder hands a message to other relay instances when the target peer
// is not connected here.
type Forwarder interface {
	Forward(ctx context.Context, msg domain.SignalMessage) error
}

// Presence publishes which peers are connected to this instance.
type Presence interface {
	RegisterPeer(ctx context.Context, peerID domain.PeerID) error
	UnregisterPeer(ctx context.Context, peerID domain.PeerID) error
}

// Metrics observes relay traffic.
type Metrics interface {
	RelayConnectionsChanged(delta int)
	RelayMessage(msgType domain.MessageType, outcome string)
}

type ServerConfig struct {
	PingInterval         time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	SendBuffer           int
	MaxMessageSize       int64
	MessagesPerSecond    float64
	Burst                int
	MaxConnections       int
	// 0 disables the accept limiter
	ConnectionsPerMinute int
	AllowedOrigins       []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// WebSocketServer relays call signaling between connected peers. It never
// inspects SDP or candidates; it only stamps the sender and routes by To.
type WebSocketServer struct {
	config   ServerConfig
	auth     services.AuthService
	upgrader websocket.Upgrader
	accepts  *rate.Limiter

	connections map[domain.PeerID]*client
	mu          sync.RWMutex

	forwarder Forwarder
	presence  Presence
	metrics   Metrics
	logger    *zap.SugaredLogger
}

// NewWebSocketServer creates a relay. A nil auth accepts the peer_id query
// parameter without verification.
func NewWebSocketServer(config ServerConfig, auth services.AuthService, logger *zap.SugaredLogger) *WebSocketServer {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	s := &WebSocketServer{
		config:      config,
		auth:        auth,
		connections: make(map[domain.PeerID]*client),
		logger:      logger.With("component", "signal_relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if n := config.ConnectionsPerMinute; n > 0 {
		s.accepts = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return s
}

// SetForwarder enables cross-instance delivery.
func (s *WebSocketServer) SetForwarder(f Forwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarder = f
}

func (s *WebSocketServer) SetPresence(p Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = p
}

func (s *WebSocketServer) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.accepts != nil && !s.accepts.Allow() {
		s.logger.Warnw("connection rate exceeded", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	peerID, err := s.authenticate(r)
	if err != nil {
		s.logger.Infow("rejecting websocket connection", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	// a reconnecting peer replaces its slot instead of taking a new one
	if limit := s.config.MaxConnections; limit > 0 && !s.IsPeerConnected(peerID) && s.ConnectionCount() >= limit {
		s.logger.Warnw("connection limit reached", "peer_id", peerID, "limit", limit)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s, conn, peerID)

	// a reconnecting peer replaces its old connection
	s.mu.Lock()
	existing, isReconnect := s.connections[peerID]
	s.connections[peerID] = c
	metrics := s.metrics
	presence := s.presence
	s.mu.Unlock()

	if presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := presence.RegisterPeer(ctx, peerID); err != nil {
			s.logger.Warnw("failed to publish presence", "peer_id", peerID, "error", err)
		}
		cancel()
	}

	if isReconnect {
		existing.close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
	} else if metrics != nil {
		metrics.RelayConnectionsChanged(1)
	}
	s.logger.Infow("peer connected via WebSocket", "peer_id", peerID, "reconnect", isReconnect)

	go c.writePump()
	c.readPump()

	s.unregister(c)
}

func (s *WebSocketServer) authenticate(r *http.Request) (domain.PeerID, error) {
	if s.auth == nil {
		peerID := r.URL.Query().Get("peer_id")
		if err := validation.ValidatePeerID(peerID); err != nil {
			return "", err
		}
		return domain.PeerID(peerID), nil
	}

	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return "", services.ErrUnauthorized
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.PeerID, nil
}

func (s *WebSocketServer) unregister(c *client) {
	c.close()

	s.mu.Lock()
	current, ok := s.connections[c.peerID]
	removed := ok && current == c
	if removed {
		delete(s.connections, c.peerID)
	}
	metrics := s.metrics
	presence := s.presence
	s.mu.Unlock()

	if removed {
		if metrics != nil {
			metrics.RelayConnectionsChanged(-1)
		}
		if presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			if err := presence.UnregisterPeer(ctx, c.peerID); err != nil {
				s.logger.Warnw("failed to clear presence", "peer_id", c.peerID, "error", err)
			}
			cancel()
		}
		s.logger.Infow("peer disconnected", "peer_id", c.peerID)
	}
}

// handleMessage validates and routes one frame read from c.
func (s *WebSocketServer) handleMessage(c *client, data []byte) {
	var msg domain.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(c, msg, CodeInvalidMessage, "message is not valid JSON")
		return
	}
	if !msg.Type.Valid() {
		s.reply(c, msg, CodeUnknownType, "unknown message type: "+string(msg.Type))
		s.observe(msg.Type, "rejected")
		return
	}
	if err := validation.ValidateCallID(string(msg.CallID)); err != nil {
		s.reply(c, msg, CodeInvalidMessage, err.Error())
		s.observe(msg.Type, "rejected")
		return
	}
	if err := validation.ValidatePeerID(string(msg.To)); err != nil {
		s.reply(c, msg, CodeInvalidMessage, "invalid target: "+err.Error())
		s.observe(msg.Type, "rejected")
		return
	}

	// the relay is the only authority on who sent a message
	msg.From = c.peerID

	if err := s.route(context.Background(), msg); err != nil {
		s.logger.Debugw("failed to route message",
			"from_peer", msg.From,
			"to_peer", msg.To,
			"type", msg.Type,
			"error", err,
		)
		s.reply(c, msg, CodePeerUnavailable, "peer "+string(msg.To)+" is not connected")
		s.observe(msg.Type, "undeliverable")
		return
	}

	s.logger.Debugw("routed message",
		"from_peer", msg.From,
		"to_peer", msg.To,
		"type", msg.Type,
		"call_id", msg.CallID,
	)
	s.observe(msg.Type, "routed")
}

func (s *WebSocketServer) route(ctx context.Context, msg domain.SignalMessage) error {
	if s.Deliver(msg) {
		return nil
	}

	s.mu.RLock()
	forwarder := s.forwarder
	s.mu.RUnlock()
	if forwarder == nil {
		return ErrPeerNotConnected
	}
	return forwarder.Forward(ctx, msg)
}

// Deliver writes msg to its target if the target is connected to this
// instance. It reports whether the message was queued.
func (s *WebSocketServer) Deliver(msg domain.SignalMessage) bool {
	s.mu.RLock()
	c, ok := s.connections[msg.To]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (s *WebSocketServer) reply(c *client, req domain.SignalMessage, code, message string) {
	msg, err := domain.NewSignalMessage(domain.MessageError, req.CallID, "", c.peerID,
		domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (s *WebSocketServer) observe(msgType domain.MessageType, outcome string) {
	s.mu.RLock()
	metrics := s.metrics
	s.mu.RUnlock()
	if metrics != nil {
		metrics.RelayMessage(msgType, outcome)
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close drops every connection.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.connections))
	for _, c := range s.connections {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// client is one peer connection. Only writePump writes to conn.
type client struct {
	server  *WebSocketServer
	conn    *websocket.Conn
	peerID  domain.PeerID
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(s *WebSocketServer, conn *websocket.Conn, peerID domain.PeerID) *client {
	c := &client{
		server: s,
		conn:   conn,
		peerID: peerID,
		send:   make(chan []byte, s.config.SendBuffer),
		done:   make(chan struct{}),
	}
	if s.config.MessagesPerSecond > 0 {
		burst := s.config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), burst)
	}
	return c
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		// a peer that cannot keep up is dropped rather than stalling the sender
		c.server.logger.Warnw("send buffer full, dropping peer", "peer_id", c.peerID)
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump() {
	cfg := c.server.config
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Infow("error reading message from peer", "peer_id", c.peerID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			c.server.reply(c, domain.SignalMessage{}, CodeRateLimited, "message rate limit exceeded")
			c.server.observe("", "rate_limited")
			continue
		}
		c.server.handleMessage(c, data)
	}
}

func (c *client) writePump() {
	cfg := c.server.config
	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Infow("error writing to peer", "peer_id", c.peerID, "error", err)
				c.close()
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.server.logger.Infow("error sending ping", "peer_id", c.peerID, "error", err)
				c.close()
				return
			}
		}
	}
}
