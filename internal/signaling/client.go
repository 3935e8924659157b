package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ascapdx/callcore/internal/config"
)

const (
	defaultSendQueue    = 64
	defaultReadTimeout  = 90 * time.Second
	defaultClientFrames = 1 << 20
)

type ClientConfig struct {
	// URL is the relay's websocket endpoint, e.g. wss://relay.example.com/signal.
	URL string
	// User is the local handle announced on every connect.
	User string
	// Token is presented as a bearer credential. Optional for relays running
	// without auth.
	Token string
	// Origin, when set, is sent as the Origin header.
	Origin string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// ReadTimeout bounds how long the connection may stay silent. The relay
	// pings well inside it.
	ReadTimeout time.Duration
	SendQueue   int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Handler receives the raw payload of an event.
type Handler func(data json.RawMessage)

// Client is a reconnecting signaling channel. Send never blocks; handlers run
// on the read goroutine and must not block.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu        sync.Mutex
	handlers  map[string][]Handler
	onConnect []func()

	out       chan []byte
	connected atomic.Bool
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("signaling url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid signaling url %q", cfg.URL)
	}
	if cfg.User == "" {
		return nil, errors.New("signaling user is required")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = config.DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(config.DefaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: make(map[string][]Handler),
		out:      make(chan []byte, cfg.SendQueue),
	}, nil
}

// On subscribes h to event. Handlers may be added at any time.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// OnConnect runs fn after every successful (re)connect and register.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Send queues event for delivery. It reports whether the event was queued;
// events are dropped while disconnected or when the queue is full.
func (c *Client) Send(event string, payload any) bool {
	if !c.connected.Load() {
		c.log.Debug("signaling not connected, dropping", "event", event)
		return false
	}
	frame, err := Encode(event, payload)
	if err != nil {
		c.log.Warn("signaling encode failed", "event", event, "err", err)
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.log.Debug("signaling send queue full, dropping", "event", event)
		return false
	}
}

// WaitSent blocks until every queued event has been handed to the
// connection, the connection drops, or ctx ends.
func (c *Client) WaitSent(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for len(c.out) > 0 && c.connected.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Run keeps the connection up until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		registered, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			backoff = c.cfg.ReconnectMin
		}
		c.log.Warn("signaling disconnected", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

func (c *Client) dialURL() string {
	if c.cfg.Token == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) runOnce(ctx context.Context) (registered bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.dialURL(), header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(defaultClientFrames)

	register, err := Encode(EventRegister, Register{User: c.cfg.User})
	if err != nil {
		return false, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, register); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}

	// Frames queued for a previous connection are stale.
	c.drainQueue()
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("signaling connected", "url", c.cfg.URL, "user", c.cfg.User)

	c.mu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(conn, done)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(wsWriteWait))
			_ = conn.Close()
		case <-done:
		}
	}()

	err = c.readLoop(conn)
	close(done)
	_ = conn.Close()
	wg.Wait()
	return true, err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			c.log.Debug("signaling frame ignored", "err", err)
			continue
		}
		if env.Event == EventError {
			var e ErrorMessage
			_ = json.Unmarshal(env.Data, &e)
			c.log.Warn("signaling relay error", "code", e.Code, "message", e.Message)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.log.Debug("signaling event without handler", "event", env.Event)
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) drainQueue() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}
