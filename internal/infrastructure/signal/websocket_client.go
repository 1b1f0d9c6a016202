package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/circuitbreaker"
	"rillcall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrUnauthorizedPeer = errors.New("relay rejected peer credentials")

type ClientConfig struct {
	URL          string
	PeerID       domain.PeerID
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	InboxSize    int
	Retry        retry.Config
	Breaker      circuitbreaker.Config
}

func DefaultClientConfig() ClientConfig {
	r := retry.DefaultConfig()
	r.MaxAttempts = 10
	r.InitialDelay = 500 * time.Millisecond
	r.MaxDelay = 30 * time.Second
	return ClientConfig{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		InboxSize:    256,
		Retry:        r,
		Breaker:      circuitbreaker.DefaultConfig(),
	}
}

// Client is the call node's connection to the relay. It redials with
// backoff after the connection drops and dispatches inbound messages to
// handlers one at a time, in arrival order.
type Client struct {
	config  ClientConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[domain.MessageType]map[uint64]func(domain.SignalMessage)
	nextID     uint64
	onStatus   []func(connected bool)

	inbox     chan domain.SignalMessage
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ ports.SignalingChannel = (*Client)(nil)

func NewClient(config ClientConfig, logger *zap.SugaredLogger) *Client {
	if config.InboxSize <= 0 {
		config.InboxSize = 256
	}
	c := &Client{
		config:   config,
		breaker:  circuitbreaker.New(config.Breaker),
		logger:   logger.With("component", "signal_client"),
		handlers: make(map[domain.MessageType]map[uint64]func(domain.SignalMessage)),
		inbox:    make(chan domain.SignalMessage, config.InboxSize),
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Infow("relay circuit breaker state changed", "from", from, "to", to)
	})
	return c
}

// Start dials the relay and keeps the connection alive until ctx ends or
// Close is called. The first dial is synchronous.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		cancel()
		return err
	}
	c.setConn(conn)

	c.wg.Add(2)
	go c.dispatch(ctx)
	go c.run(ctx, conn)
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if conn := c.currentConn(); conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
		c.wg.Wait()
	})
	return nil
}

// Send writes msg once. A message sent while the relay is unreachable is
// lost, the caller's state machine owns recovery.
func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := c.currentConn()
	if conn == nil {
		return domain.ErrSignalingUnavailable
	}
	if msg.From == "" {
		msg.From = c.config.PeerID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	return nil
}

func (c *Client) OnMessage(msgType domain.MessageType, handler func(domain.SignalMessage)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextID++
	id := c.nextID
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[uint64]func(domain.SignalMessage))
	}
	c.handlers[msgType][id] = handler

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers[msgType], id)
	}
}

// OnStatusChange registers a listener for relay connectivity.
func (c *Client) OnStatusChange(fn func(connected bool)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.readLoop(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warnw("relay connection lost, reconnecting")
		for {
			var err error
			conn, err = c.dialWithRetry(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Errorw("failed to reconnect to relay", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(max(c.config.Retry.MaxDelay, time.Second)):
			}
		}
		c.setConn(conn)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Infow("error reading from relay", "error", err)
			}
			conn.Close()
			return
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("dropping malformed relay message", "error", err)
			continue
		}
		if msg.Type == domain.MessageError {
			var payload domain.ErrorPayload
			if err := msg.DecodePayload(&payload); err == nil {
				c.logger.Warnw("relay rejected message",
					"call_id", msg.CallID,
					"code", payload.Code,
					"message", payload.Message,
				)
			}
		}

		select {
		case c.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			c.handlersMu.RLock()
			ids := make([]uint64, 0, len(c.handlers[msg.Type]))
			for id := range c.handlers[msg.Type] {
				ids = append(ids, id)
			}
			handlers := make([]func(domain.SignalMessage), 0, len(ids))
			slices.Sort(ids)
			for _, id := range ids {
				handlers = append(handlers, c.handlers[msg.Type][id])
			}
			c.handlersMu.RUnlock()

			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	cfg := c.config.Retry
	cfg.NonRetryableErrors = append(cfg.NonRetryableErrors, ErrUnauthorizedPeer)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		stats := c.breaker.GetStats()
		c.logger.Infow("relay dial failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"breaker_state", stats.State,
			"breaker_failures", stats.FailureCount,
			"error", err,
		)
	}

	return retry.RetryWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		return circuitbreaker.ExecuteWithResult(ctx, c.breaker, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	} else {
		q := target.Query()
		q.Set("peer_id", string(c.config.PeerID))
		target.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("relay refused credentials: %w", errors.Join(err, ErrUnauthorizedPeer))
		}
		return nil, err
	}

	c.logger.Infow("connected to relay", "url", c.config.URL, "peer_id", c.config.PeerID)
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	changed := (c.conn == nil) != (conn == nil)
	c.conn = conn
	c.connMu.Unlock()

	if !changed {
		return
	}
	c.handlersMu.RLock()
	listeners := append([]func(bool){}, c.onStatus...)
	c.handlersMu.RUnlock()
	for _, fn := range listeners {
		fn(conn != nil)
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}
