package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ascapdx/callcore/internal/auth"
	"github.com/ascapdx/callcore/internal/config"
	"github.com/ascapdx/callcore/internal/metrics"
)

const wsWriteWait = 1 * time.Second

type ServerConfig struct {
	// Verifier authenticates upgrades. Nil trusts the handle sent in register.
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	RegisterTimeout      time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// CheckOrigin defaults to accepting every origin; the HTTP layer enforces
	// the allow-list in front of the relay.
	CheckOrigin func(r *http.Request) bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = config.DefaultSignalingIdleTimeout
	}
	if out.PingInterval <= 0 || out.PingInterval >= out.IdleTimeout {
		out.PingInterval = out.IdleTimeout / 3
	}
	if out.RegisterTimeout <= 0 {
		out.RegisterTimeout = config.DefaultSignalingRegisterTimeout
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if out.MaxMessagesPerSecond <= 0 {
		out.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = func(*http.Request) bool { return true }
	}
	return out
}

// Server is the signaling relay: a presence registry of connected handles and
// a router that forwards call events to the addressed handle.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	presence map[string]map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		presence: make(map[string]map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", s)
}

// Online reports whether handle has at least one registered connection.
func (s *Server) Online(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presence[handle]) > 0
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*wsSession
	for _, conns := range s.presence {
		for wss := range conns {
			all = append(all, wss)
		}
	}
	s.presence = make(map[string]map[*wsSession]struct{})
	s.mu.Unlock()

	for _, wss := range all {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		wss.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity auth.Identity
	if s.cfg.Verifier != nil {
		cred, err := auth.CredentialFromRequest(r)
		if err == nil {
			identity, err = s.cfg.Verifier.Verify(cred)
		}
		if err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			s.log.Debug("signaling auth failed", "remote_addr", r.RemoteAddr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.cfg.Metrics.Inc(metrics.ConnectionsAccepted)

	wss := &wsSession{
		srv:      s,
		conn:     conn,
		identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond),
		log:      s.log.With("remote_addr", r.RemoteAddr),
		done:     make(chan struct{}),
	}
	wss.run()
}

func (s *Server) add(handle string, wss *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	conns := s.presence[handle]
	if conns == nil {
		conns = make(map[*wsSession]struct{})
		s.presence[handle] = conns
	}
	conns[wss] = struct{}{}
	return true
}

func (s *Server) remove(handle string, wss *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.presence[handle]
	delete(conns, wss)
	if len(conns) == 0 {
		delete(s.presence, handle)
	}
}

func (s *Server) targets(handle string, except *wsSession) []*wsSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsSession, 0, len(s.presence[handle]))
	for wss := range s.presence[handle] {
		if wss != except {
			out = append(out, wss)
		}
	}
	return out
}

type wsSession struct {
	srv      *Server
	conn     *websocket.Conn
	identity auth.Identity
	limiter  *rate.Limiter
	log      *slog.Logger

	handle string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (wss *wsSession) run() {
	defer wss.Close()

	cfg := wss.srv.cfg
	wss.conn.SetReadLimit(cfg.MaxMessageBytes)

	if !wss.awaitRegister() {
		return
	}
	defer wss.srv.remove(wss.handle, wss)

	_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	go wss.pingLoop(cfg.PingInterval)

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				wss.srv.cfg.Metrics.Inc(metrics.IdleTimeout)
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Rate limit after reading so unread bytes don't turn the close into a
		// TCP reset the client never sees.
		if !wss.limiter.Allow() {
			wss.srv.cfg.Metrics.Inc(metrics.RateLimited)
			wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			wss.srv.cfg.Metrics.Inc(metrics.BadMessage)
			wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			wss.srv.cfg.Metrics.Inc(metrics.BadMessage)
			wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}
		switch {
		case env.Event == EventRegister:
			// Re-announcing presence on the same connection is harmless.
			continue
		case env.Event == EventBusy || env.Event == EventUserUnavailable:
			// Relay-originated notices; clients do not get to forge them.
			wss.srv.cfg.Metrics.Inc(metrics.RouteDropped)
			continue
		case IsCallEvent(env.Event):
			if err := wss.route(env); err != nil {
				wss.srv.cfg.Metrics.Inc(metrics.BadMessage)
				wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
				return
			}
		default:
			wss.srv.cfg.Metrics.Inc(metrics.BadMessage)
			wss.fail("bad_message", "unexpected event "+env.Event, websocket.ClosePolicyViolation)
			return
		}
	}
}

func (wss *wsSession) awaitRegister() bool {
	cfg := wss.srv.cfg
	_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.RegisterTimeout))

	msgType, data, err := wss.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			cfg.Metrics.Inc(metrics.RegisterTimeout)
			wss.closeWith(websocket.ClosePolicyViolation, "register timeout")
		}
		return false
	}
	if msgType != websocket.TextMessage {
		wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
		return false
	}
	env, err := ParseEnvelope(data)
	if err != nil || env.Event != EventRegister {
		wss.fail("unexpected_message", "register required", websocket.ClosePolicyViolation)
		return false
	}
	var reg Register
	if err := Decode(env.Data, &reg); err != nil {
		wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
		return false
	}

	handle := reg.User
	if cfg.Verifier != nil && handle != wss.identity.Handle {
		cfg.Metrics.Inc(metrics.AuthFailure)
		wss.fail("unauthorized", "register handle does not match token", websocket.ClosePolicyViolation)
		return false
	}
	wss.handle = handle
	wss.log = wss.log.With("user", handle)
	if !wss.srv.add(handle, wss) {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		return false
	}
	cfg.Metrics.Inc(metrics.Registered)
	wss.log.Debug("signaling client registered")
	return true
}

// route forwards a call event to every connection of its target handle with
// from rewritten to the sender's registered handle.
func (wss *wsSession) route(env Envelope) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil || fields == nil {
		return errors.New("signaling: data must be an object")
	}
	from, _ := json.Marshal(wss.handle)
	fields["from"] = from
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	payload, err := payloadFor(env.Event)
	if err != nil {
		return err
	}
	if err := Decode(data, payload); err != nil {
		return err
	}
	var rp routedPayload
	_ = json.Unmarshal(data, &rp)

	frame, err := json.Marshal(Envelope{Event: env.Event, Data: data})
	if err != nil {
		return err
	}

	targets := wss.srv.targets(rp.To, wss)
	if len(targets) == 0 {
		if env.Event == EventCallOffer {
			wss.srv.cfg.Metrics.Inc(metrics.OfferUnavailable)
			notice, err := Encode(EventUserUnavailable, UserUnavailable{To: rp.To})
			if err == nil {
				_ = wss.send(notice)
			}
			return nil
		}
		wss.srv.cfg.Metrics.Inc(metrics.RouteDropped)
		wss.log.Debug("signaling target offline, dropping", "event", env.Event, "to", rp.To)
		return nil
	}
	for _, t := range targets {
		if err := t.send(frame); err != nil {
			t.log.Debug("signaling forward failed", "event", env.Event, "err", err)
			continue
		}
		wss.srv.cfg.Metrics.Inc(metrics.Relayed)
	}
	return nil
}

func (wss *wsSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) send(frame []byte) error {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, frame)
}

func (wss *wsSession) fail(code, message string, closeCode int) {
	if frame, err := Encode(EventError, ErrorMessage{Code: code, Message: message}); err == nil {
		_ = wss.send(frame)
	}
	wss.closeWith(closeCode, code)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		_ = wss.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
