package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/media"
)

var (
	ErrAlreadyOpen = errors.New("peer connection already open")
	ErrNotOpen     = errors.New("no open peer connection")
)

// Handlers receive peer connection events. Every callback carries the session
// it was registered for so callers can discard events from a call that has
// already moved on.
type Handlers struct {
	LocalCandidate  func(session, peer string, c webrtc.ICECandidateInit)
	RemoteTrack     func(session string, track *webrtc.TrackRemote)
	ConnectionState func(session string, state webrtc.PeerConnectionState)
}

// Established reports whether state means media is flowing.
func Established(state webrtc.PeerConnectionState) bool {
	return state == webrtc.PeerConnectionStateConnected
}

// Teardown reports whether state should end the call.
func Teardown(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return true
	default:
		return false
	}
}

type OpenConfig struct {
	Session    string
	Peer       string
	Kind       media.Kind
	ICEServers []webrtc.ICEServer
}

// conn is one peer connection and its negotiation state.
type conn struct {
	pc      *webrtc.PeerConnection
	session string
	peer    string
	kind    media.Kind

	closed atomic.Bool

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[media.TrackKind]*webrtc.RTPSender
}

// Manager owns at most one peer connection at a time.
type Manager struct {
	api      *webrtc.API
	handlers Handlers
	log      *slog.Logger

	mu  sync.Mutex
	cur *conn
}

func NewManager(api *webrtc.API, handlers Handlers, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{api: api, handlers: handlers, log: logger}
}

func (m *Manager) Open(ctx context.Context, cfg OpenConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return ErrAlreadyOpen
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	c := &conn{
		pc:      pc,
		session: cfg.Session,
		peer:    cfg.Peer,
		kind:    cfg.Kind,
		senders: make(map[media.TrackKind]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering; candidates are trickled so there is
		// nothing to send for it.
		if cand == nil || c.closed.Load() || m.handlers.LocalCandidate == nil {
			return
		}
		m.handlers.LocalCandidate(c.session, c.peer, cand.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.closed.Load() || m.handlers.RemoteTrack == nil {
			return
		}
		m.handlers.RemoteTrack(c.session, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if c.closed.Load() {
			return
		}
		m.log.Debug("peer connection state", "session", c.session, "peer", c.peer, "state", state.String())
		if m.handlers.ConnectionState != nil {
			m.handlers.ConnectionState(c.session, state)
		}
	})

	m.cur = c
	return nil
}

func (m *Manager) current() (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, ErrNotOpen
	}
	return m.cur, nil
}

// IsOpen reports whether a peer connection currently exists.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// Session returns the session of the open connection, or "".
func (m *Manager) Session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.session
}

// AddLocalTracks attaches every track of capture. Voice calls put Opus first
// in the audio codec preferences and cap the encoder for speech.
func (m *Manager) AddLocalTracks(capture *media.Capture) error {
	c, err := m.current()
	if err != nil {
		return err
	}

	for _, kind := range capture.Kind().Tracks() {
		track := capture.Track(kind)
		if track == nil {
			return fmt.Errorf("add %s track: %w", kind, media.ErrNotAcquired)
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		go drainRTCP(sender)

		c.mu.Lock()
		c.senders[kind] = sender
		c.mu.Unlock()

		if kind != media.TrackAudio || capture.Kind() != media.KindVoice {
			continue
		}
		if tr := transceiverFor(c.pc, sender); tr != nil {
			if err := tr.SetCodecPreferences(preferCodec(audioCodecs, webrtc.MimeTypeOpus)); err != nil {
				m.log.Warn("set codec preferences failed", "session", c.session, "err", err)
			}
		}
		if err := capture.Tune(media.TrackAudio, media.VoiceSenderTuning); err != nil {
			m.log.Warn("voice sender tuning failed", "session", c.session, "err", err)
		}
	}
	return nil
}

func transceiverFor(pc *webrtc.PeerConnection, sender *webrtc.RTPSender) *webrtc.RTPTransceiver {
	for _, tr := range pc.GetTransceivers() {
		if tr.Sender() == sender {
			return tr
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors such as NACK keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ReplaceTrack swaps the outgoing track for kind without renegotiating.
func (m *Manager) ReplaceTrack(kind media.TrackKind, track webrtc.TrackLocal) error {
	c, err := m.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	sender := c.senders[kind]
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no %s sender", kind)
	}
	return sender.ReplaceTrack(track)
}

// CreateOffer sets and returns the local offer. Candidates trickle through
// Handlers.LocalCandidate.
func (m *Manager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c, err := m.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (m *Manager) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	c, err := m.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies desc and then any candidates that arrived
// before it.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c, err := m.current()
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			m.log.Debug("buffered candidate rejected", "session", c.session, "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies cand, or holds it until a remote description
// exists.
func (m *Manager) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	c, err := m.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// PendingCandidates is the number of remote candidates waiting for a remote
// description.
func (m *Manager) PendingCandidates() int {
	c, err := m.current()
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close detaches handlers and closes the connection. Safe to call when
// nothing is open.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.cur
	m.cur = nil
	m.mu.Unlock()

	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
