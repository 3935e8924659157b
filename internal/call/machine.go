package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/handoff"
	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/metrics"
	"github.com/ascapdx/callcore/internal/signaling"
	"github.com/ascapdx/callcore/internal/webrtcpeer"
)

var (
	ErrSelfCall       = errors.New("call: cannot call yourself")
	ErrCallInProgress = errors.New("call: already in a call flow")
	ErrNoIncomingCall = errors.New("call: no incoming call")
	ErrInvalidPeer    = errors.New("call: peer handle required")
	ErrNoHandoff      = errors.New("call: no handoff store configured")
)

const (
	DefaultRingTimeout = 30 * time.Second
	tickInterval       = time.Second
	handoffTimeout     = 2 * time.Second
)

// Signaler sends one event to the relay without waiting for delivery.
type Signaler interface {
	Send(event string, payload any) bool
}

// Registrar subscribes to inbound signaling events.
type Registrar interface {
	On(event string, h signaling.Handler)
}

type MediaSource interface {
	Acquire(ctx context.Context, kind media.Kind, profile string) (*media.Capture, error)
	Release()
	SetProfile(ctx context.Context, name string) error
	SetTrackEnabled(kind media.TrackKind, enabled bool) error
	Acquired() bool
	SetTrackReplacer(r media.TrackReplacer)
}

type PeerConnector interface {
	media.TrackReplacer
	Open(ctx context.Context, cfg webrtcpeer.OpenConfig) error
	AddLocalTracks(capture *media.Capture) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	Session() string
	Close() error
}

type Config struct {
	// Self is the local user handle.
	Self string

	RingTimeout time.Duration

	// Profile is the capture profile used for new calls.
	Profile string

	ICEServers []webrtc.ICEServer

	Signaler Signaler
	Media    MediaSource

	// NewPeer builds the peer connection manager. It is called once, with the
	// handlers that feed peer events back into the machine.
	NewPeer func(h webrtcpeer.Handlers) PeerConnector

	Tones    Tones
	Observer Observer
	Handoff  *handoff.Handoff
	Clock    Clock

	// Async runs slow steps off the event loop. Defaults to a new goroutine.
	Async func(fn func())

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Machine coordinates a single call. All state is owned by its Loop.
type Machine struct {
	self        string
	ringTimeout time.Duration
	iceServers  []webrtc.ICEServer

	sig     Signaler
	media   MediaSource
	peer    PeerConnector
	tones   Tones
	obs     Observer
	handoff *handoff.Handoff
	clock   Clock
	async   func(fn func())
	metrics *metrics.Metrics
	log     *slog.Logger
	loop    *Loop

	// Loop-owned from here on.
	sess       Session
	sessCtx    context.Context
	sessCancel context.CancelFunc
	profile    string
	offer      *signaling.CallOffer
	peerOpen   bool
	remoteICE  []webrtc.ICECandidateInit
	localICE   []webrtc.ICECandidateInit
	answered   bool
	ringTimer  Timer
	tickTimer  Timer
}

func New(cfg Config) (*Machine, error) {
	if strings.TrimSpace(cfg.Self) == "" {
		return nil, errors.New("call: self handle required")
	}
	if cfg.Signaler == nil || cfg.Media == nil || cfg.NewPeer == nil {
		return nil, errors.New("call: signaler, media and peer factory are required")
	}
	profile := cfg.Profile
	if profile == "" {
		profile = media.ProfileStandard
	}
	if _, err := media.LookupProfile(profile); err != nil {
		return nil, err
	}

	m := &Machine{
		self:        cfg.Self,
		ringTimeout: cfg.RingTimeout,
		iceServers:  cfg.ICEServers,
		sig:         cfg.Signaler,
		media:       cfg.Media,
		tones:       cfg.Tones,
		obs:         cfg.Observer,
		handoff:     cfg.Handoff,
		clock:       cfg.Clock,
		async:       cfg.Async,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		loop:        NewLoop(),
		sess:        idleSession(),
		profile:     profile,
	}
	if m.ringTimeout <= 0 {
		m.ringTimeout = DefaultRingTimeout
	}
	if m.tones == nil {
		m.tones = nopTones{}
	}
	if m.obs == nil {
		m.obs = NopObserver{}
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	if m.async == nil {
		m.async = func(fn func()) { go fn() }
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.peer = cfg.NewPeer(webrtcpeer.Handlers{
		LocalCandidate:  m.onLocalCandidate,
		RemoteTrack:     m.onRemoteTrack,
		ConnectionState: m.onConnectionState,
	})
	return m, nil
}

// Run processes events until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	return m.loop.Run(ctx)
}

// Flush waits until the machine has no queued work.
func (m *Machine) Flush(ctx context.Context) error {
	return m.loop.Flush(ctx)
}

// Bind subscribes the machine to every call event of r.
func (m *Machine) Bind(r Registrar) {
	for _, ev := range []string{
		signaling.EventCallOffer,
		signaling.EventCallAnswer,
		signaling.EventCallReject,
		signaling.EventICECandidate,
		signaling.EventHangup,
		signaling.EventUserUnavailable,
		signaling.EventBusy,
	} {
		ev := ev
		r.On(ev, func(data json.RawMessage) { m.HandleEvent(ev, data) })
	}
}

// HandleEvent decodes an inbound signaling event and queues it.
func (m *Machine) HandleEvent(name string, data json.RawMessage) {
	e, err := decodeEvent(name, data)
	if err != nil {
		m.log.Debug("dropping malformed signaling event", "event", name, "err", err)
		return
	}
	m.post(e)
}

func decodeEvent(name string, data json.RawMessage) (*event, error) {
	switch name {
	case signaling.EventCallOffer:
		var p signaling.CallOffer
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		return &event{kind: evRemoteOffer, peer: p.From, offer: &p}, nil
	case signaling.EventCallAnswer:
		var p signaling.CallAnswer
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		desc, err := p.Answer.ToPion()
		if err != nil {
			return nil, err
		}
		return &event{kind: evRemoteAnswer, peer: p.From, sdp: desc}, nil
	case signaling.EventCallReject:
		var p signaling.CallReject
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		reason := p.Reason
		if reason == "" {
			reason = signaling.ReasonRejected
		}
		return &event{kind: evRemoteReject, peer: p.From, reason: reason}, nil
	case signaling.EventICECandidate:
		var p signaling.ICECandidate
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		return &event{kind: evRemoteCandidate, peer: p.From, candidate: p.Candidate.ToPion()}, nil
	case signaling.EventHangup:
		var p signaling.Hangup
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		return &event{kind: evRemoteHangup, peer: p.From, reason: p.Reason}, nil
	case signaling.EventUserUnavailable:
		var p signaling.UserUnavailable
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		return &event{kind: evUnavailable, peer: p.To, reason: signaling.ReasonOffline}, nil
	case signaling.EventBusy:
		var p signaling.Busy
		if err := signaling.Decode(data, &p); err != nil {
			return nil, err
		}
		return &event{kind: evBusy, peer: p.To, reason: signaling.ReasonBusy}, nil
	default:
		return nil, fmt.Errorf("%w %q", signaling.ErrUnknownEvent, name)
	}
}

func (m *Machine) post(e *event) {
	if !m.loop.Post(func() { _ = m.dispatch(e) }) {
		m.log.Debug("event loop stopped, dropping event", "event", e.kind.String())
	}
}

// do runs e on the loop and waits for its result.
func (m *Machine) do(ctx context.Context, e *event) error {
	reply := make(chan error, 1)
	if !m.loop.Post(func() { reply <- m.dispatch(e) }) {
		return ErrLoopStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) StartCall(ctx context.Context, peer string, kind media.Kind) error {
	if kind == "" {
		kind = media.KindVoice
	}
	return m.do(ctx, &event{kind: evStartCall, peer: strings.TrimSpace(peer), callKind: kind})
}

func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, &event{kind: evAccept})
}

// Reject declines the ringing call. An empty reason means rejected.
func (m *Machine) Reject(ctx context.Context, reason string) error {
	if reason == "" {
		reason = signaling.ReasonRejected
	}
	return m.do(ctx, &event{kind: evReject, reason: reason})
}

// Hangup ends whatever call is active. It is a no-op when idle.
func (m *Machine) Hangup(ctx context.Context) error {
	return m.do(ctx, &event{kind: evHangup})
}

// Unload tells the peer this agent is going away and tears down. The hangup
// is queued on the signaling channel, not awaited.
func (m *Machine) Unload(ctx context.Context) error {
	return m.do(ctx, &event{kind: evUnload, reason: signaling.ReasonOffline})
}

// Handoff moves the ringing offer into the handoff store so another agent
// process can resume it, and returns this machine to idle without notifying
// the caller.
func (m *Machine) Handoff(ctx context.Context, autoAnswer bool) error {
	done := make(chan error, 1)
	if err := m.do(ctx, &event{kind: evHandoff, autoAnswer: autoAnswer, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumePending takes a pending offer from the handoff store and rings with
// it, accepting right away when it was handed off with autoAnswer. It
// reports whether an offer was resumed.
func (m *Machine) ResumePending(ctx context.Context) (bool, error) {
	if m.handoff == nil {
		return false, ErrNoHandoff
	}
	p, err := m.handoff.Take(ctx)
	switch {
	case errors.Is(err, handoff.ErrNoPendingOffer):
		return false, nil
	case errors.Is(err, handoff.ErrExpired):
		m.log.Info("ignoring expired pending offer", "err", err)
		return false, nil
	case err != nil:
		return false, err
	}

	offer := &signaling.CallOffer{From: p.From, To: m.self, Offer: p.Offer, CallType: p.CallType}
	if err := m.do(ctx, &event{kind: evRemoteOffer, peer: p.From, offer: offer, resumed: true}); err != nil {
		return false, err
	}
	if !p.AutoAnswer {
		return true, nil
	}
	return true, m.Accept(ctx)
}

// SetMuted disables or re-enables the outgoing audio track.
func (m *Machine) SetMuted(ctx context.Context, muted bool) error {
	return m.do(ctx, &event{kind: evSetTrack, track: media.TrackAudio, enabled: !muted})
}

// SetCamera turns the outgoing video track off or on.
func (m *Machine) SetCamera(ctx context.Context, on bool) error {
	return m.do(ctx, &event{kind: evSetTrack, track: media.TrackVideo, enabled: on})
}

// SetProfile selects the capture profile for this and future calls. A live
// capture is switched off the event loop.
func (m *Machine) SetProfile(ctx context.Context, name string) error {
	p, err := media.LookupProfile(name)
	if err != nil {
		return err
	}
	var live bool
	err = m.do(ctx, &event{kind: evSetProfile, profile: p.Name, result: func(v bool) { live = v }})
	if err != nil || !live {
		return err
	}
	return m.media.SetProfile(ctx, p.Name)
}

// Snapshot returns a copy of the current session.
func (m *Machine) Snapshot(ctx context.Context) (Session, error) {
	var s Session
	err := m.do(ctx, &event{kind: evSnapshot, snapshot: &s})
	return s, err
}

// Peer connection callbacks. They arrive on pion goroutines.

func (m *Machine) onLocalCandidate(session, _ string, c webrtc.ICECandidateInit) {
	m.post(&event{kind: evLocalCandidate, session: session, candidate: c})
}

func (m *Machine) onRemoteTrack(session string, track *webrtc.TrackRemote) {
	m.post(&event{kind: evRemoteTrack, session: session, remote: track})
}

func (m *Machine) onConnectionState(session string, state webrtc.PeerConnectionState) {
	switch {
	case webrtcpeer.Established(state):
		m.post(&event{kind: evPeerConnected, session: session})
	case webrtcpeer.Teardown(state):
		m.post(&event{kind: evPeerFailed, session: session, reason: signaling.ReasonError})
	}
}
