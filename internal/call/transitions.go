package call

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/handoff"
	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/metrics"
	"github.com/ascapdx/callcore/internal/signaling"
	"github.com/ascapdx/callcore/internal/webrtcpeer"
)

type eventKind int

const (
	// Operator commands.
	evStartCall eventKind = iota
	evAccept
	evReject
	evHangup
	evUnload
	evHandoff
	evSetTrack
	evSetProfile
	evSnapshot

	// Signaling.
	evRemoteOffer
	evRemoteAnswer
	evRemoteReject
	evRemoteHangup
	evRemoteCandidate
	evBusy
	evUnavailable

	// Timers, peer connection and async continuations.
	evRingTimeout
	evDurationTick
	evLocalCandidate
	evRemoteTrack
	evPeerConnected
	evPeerFailed
	evNegotiated
	evHandedOff
)

var eventNames = map[eventKind]string{
	evStartCall:       "start-call",
	evAccept:          "accept",
	evReject:          "reject",
	evHangup:          "hangup",
	evUnload:          "unload",
	evHandoff:         "handoff",
	evSetTrack:        "set-track",
	evSetProfile:      "set-profile",
	evSnapshot:        "snapshot",
	evRemoteOffer:     "remote-offer",
	evRemoteAnswer:    "remote-answer",
	evRemoteReject:    "remote-reject",
	evRemoteHangup:    "remote-hangup",
	evRemoteCandidate: "remote-candidate",
	evBusy:            "busy",
	evUnavailable:     "user-unavailable",
	evRingTimeout:     "ring-timeout",
	evDurationTick:    "duration-tick",
	evLocalCandidate:  "local-candidate",
	evRemoteTrack:     "remote-track",
	evPeerConnected:   "peer-connected",
	evPeerFailed:      "peer-failed",
	evNegotiated:      "negotiated",
	evHandedOff:       "handed-off",
}

func (k eventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type failureStage int

const (
	stageNone failureStage = iota
	stageMedia
	stageNegotiation
)

type event struct {
	kind eventKind

	// session is set on events that belong to one call: timers, peer
	// callbacks and async continuations.
	session string
	// peer is the remote handle the event came from or refers to.
	peer string

	callKind   media.Kind
	reason     string
	offer      *signaling.CallOffer
	sdp        webrtc.SessionDescription
	candidate  webrtc.ICECandidateInit
	remote     *webrtc.TrackRemote
	autoAnswer bool
	resumed    bool

	track   media.TrackKind
	enabled bool
	profile string

	err   error
	stage failureStage

	result   func(live bool)
	snapshot *Session
	done     chan<- error
}

// errIgnore drops an event without reporting an error to the caller.
var errIgnore = errors.New("ignored")

// transition is one row of the table: the event is accepted in the from
// states, filtered by guard, handled by action and then moved to next. An
// empty next keeps the state, as does an action that already changed it.
// Events arriving in any other state go to otherwise, or are dropped.
type transition struct {
	from      []State
	guard     func(m *Machine, e *event) error
	action    func(m *Machine, e *event) error
	next      State
	otherwise func(m *Machine, e *event) error
}

var (
	anyState    []State
	activeState = []State{StateRingingOutgoing, StateRingingIncoming, StateConnecting, StateInCall}
)

var transitions map[eventKind]transition

func init() {
	transitions = map[eventKind]transition{
		evStartCall: {
			from:      []State{StateIdle},
			guard:     (*Machine).guardStartCall,
			action:    (*Machine).startOutgoing,
			next:      StateRingingOutgoing,
			otherwise: (*Machine).rejectStartCall,
		},
		evRemoteOffer: {
			from:      []State{StateIdle},
			guard:     (*Machine).guardNotSelf,
			action:    (*Machine).ringIncoming,
			next:      StateRingingIncoming,
			otherwise: (*Machine).autoRejectBusy,
		},
		evAccept: {
			from:      []State{StateRingingIncoming},
			action:    (*Machine).acceptIncoming,
			next:      StateConnecting,
			otherwise: errNoIncoming,
		},
		evReject: {
			from:      []State{StateRingingIncoming},
			action:    (*Machine).rejectIncoming,
			otherwise: errNoIncoming,
		},
		evHandoff: {
			from:      []State{StateRingingIncoming},
			action:    (*Machine).handOff,
			otherwise: errNoIncoming,
		},
		evRemoteAnswer: {
			from:   []State{StateRingingOutgoing},
			guard:  (*Machine).guardFromPeer,
			action: (*Machine).applyAnswer,
			next:   StateConnecting,
		},
		evPeerConnected: {
			from:   []State{StateRingingOutgoing, StateConnecting},
			guard:  (*Machine).guardSession,
			action: (*Machine).established,
			next:   StateInCall,
		},
		evRingTimeout: {
			from:   []State{StateRingingOutgoing},
			guard:  (*Machine).guardSession,
			action: (*Machine).ringTimedOut,
		},
		evRemoteHangup: {
			from:   activeState,
			guard:  (*Machine).guardFromPeer,
			action: (*Machine).remoteEnded,
		},
		evRemoteReject: {
			from:   activeState,
			guard:  (*Machine).guardFromPeer,
			action: (*Machine).remoteEnded,
		},
		evBusy: {
			from:   []State{StateRingingOutgoing, StateConnecting},
			guard:  (*Machine).guardFromPeer,
			action: (*Machine).remoteEnded,
		},
		evUnavailable: {
			from:   []State{StateRingingOutgoing},
			guard:  (*Machine).guardFromPeer,
			action: (*Machine).remoteEnded,
		},
		evPeerFailed: {
			from:   []State{StateRingingOutgoing, StateConnecting, StateInCall},
			guard:  (*Machine).guardSession,
			action: (*Machine).connectionLost,
		},
		evHangup: {
			from:   activeState,
			action: (*Machine).localHangup,
		},
		evUnload: {
			from:   activeState,
			action: (*Machine).unload,
		},
		evRemoteCandidate: {
			from:   activeState,
			guard:  (*Machine).guardFromPeer,
			action: (*Machine).remoteCandidate,
		},
		evLocalCandidate: {
			from:   activeState,
			guard:  (*Machine).guardSession,
			action: (*Machine).localCandidate,
		},
		evRemoteTrack: {
			from:   []State{StateRingingOutgoing, StateConnecting, StateInCall},
			guard:  (*Machine).guardSession,
			action: (*Machine).remoteTrack,
		},
		evDurationTick: {
			from:   []State{StateInCall},
			guard:  (*Machine).guardSession,
			action: (*Machine).durationTick,
		},
		evNegotiated: {
			from:      []State{StateRingingOutgoing, StateConnecting},
			action:    (*Machine).negotiated,
			otherwise: (*Machine).discardNegotiation,
		},
		evHandedOff: {
			from:   anyState,
			action: (*Machine).handedOff,
		},
		evSetTrack: {
			from:   anyState,
			action: (*Machine).setTrack,
		},
		evSetProfile: {
			from:   anyState,
			action: (*Machine).setProfile,
		},
		evSnapshot: {
			from: anyState,
			action: func(m *Machine, e *event) error {
				*e.snapshot = m.sess
				return nil
			},
		},
	}
}

// dispatch runs on the loop.
func (m *Machine) dispatch(e *event) error {
	t, ok := transitions[e.kind]
	if !ok {
		return fmt.Errorf("call: no transition for %s", e.kind)
	}
	prev := m.sess.State
	if t.from != nil && !slices.Contains(t.from, prev) {
		if t.otherwise == nil {
			m.log.Debug("event ignored in state", "event", e.kind.String(), "state", prev)
			return nil
		}
		return t.otherwise(m, e)
	}
	if t.guard != nil {
		if err := t.guard(m, e); err != nil {
			if errors.Is(err, errIgnore) {
				m.log.Debug("event ignored by guard", "event", e.kind.String(), "state", prev, "peer", e.peer)
				return nil
			}
			return err
		}
	}
	if err := t.action(m, e); err != nil {
		return err
	}
	if t.next != "" && m.sess.State == prev {
		m.setState(t.next)
	}
	return nil
}

func (m *Machine) setState(s State) {
	if m.sess.State == s {
		return
	}
	m.log.Debug("call state", "session", m.sess.ID, "peer", m.sess.Peer, "from", m.sess.State, "to", s)
	m.sess.State = s
	m.obs.OnStateChange(m.sess)
}

// Guards.

func (m *Machine) guardStartCall(e *event) error {
	if e.peer == "" {
		return ErrInvalidPeer
	}
	if e.peer == m.self {
		return ErrSelfCall
	}
	if _, err := media.ParseKind(string(e.callKind)); err != nil {
		return err
	}
	return nil
}

func (m *Machine) guardNotSelf(e *event) error {
	if e.peer == m.self {
		return errIgnore
	}
	return nil
}

func (m *Machine) guardFromPeer(e *event) error {
	if e.peer != m.sess.Peer {
		return errIgnore
	}
	return nil
}

func (m *Machine) guardSession(e *event) error {
	if e.session == "" || e.session != m.sess.ID {
		return errIgnore
	}
	return nil
}

func errNoIncoming(*Machine, *event) error { return ErrNoIncomingCall }

// Actions.

func (m *Machine) rejectStartCall(*event) error {
	m.obs.OnStatus(StatusAlreadyInCall)
	return ErrCallInProgress
}

func (m *Machine) newSession(peer string, dir Direction, kind media.Kind) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	m.sessCtx = ctx
	m.sess = Session{
		ID:        uuid.NewString(),
		Peer:      peer,
		Direction: dir,
		Kind:      kind,
		State:     StateIdle,
	}
	m.sessCancel = cancel
	return ctx
}

func (m *Machine) startOutgoing(e *event) error {
	ctx := m.newSession(e.peer, DirectionOutgoing, e.callKind)
	m.metrics.Inc(metrics.CallsStarted)
	m.log.Info("starting call", "session", m.sess.ID, "peer", e.peer, "kind", e.callKind)

	id := m.sess.ID
	m.ringTimer = m.clock.AfterFunc(m.ringTimeout, func() {
		m.post(&event{kind: evRingTimeout, session: id})
	})
	m.tones.Play(ToneOutgoing)
	m.obs.OnStatus(fmt.Sprintf("Calling %s...", e.peer))
	m.negotiate(ctx, nil)
	return nil
}

func (m *Machine) ringIncoming(e *event) error {
	m.newSession(e.peer, DirectionIncoming, e.offer.CallType)
	m.offer = e.offer
	m.metrics.Inc(metrics.CallsIncoming)
	m.log.Info("incoming call", "session", m.sess.ID, "peer", e.peer, "kind", e.offer.CallType, "resumed", e.resumed)

	m.tones.Play(ToneIncoming)
	m.obs.OnIncomingCall(e.peer, e.offer.CallType)
	m.obs.OnStatus(fmt.Sprintf("Incoming %s call from %s", e.offer.CallType, e.peer))
	return nil
}

// autoRejectBusy answers an offer that arrives while a call is active. A
// redelivered copy of the offer currently ringing is dropped instead.
func (m *Machine) autoRejectBusy(e *event) error {
	if m.offer != nil && e.offer != nil && e.peer == m.offer.From && e.offer.Offer == m.offer.Offer {
		return nil
	}
	if e.peer == m.self {
		return nil
	}
	m.metrics.Inc(metrics.CallsBusy)
	m.log.Info("rejecting offer while busy", "peer", e.peer, "state", m.sess.State)
	m.send(signaling.EventCallReject, signaling.CallReject{From: m.self, To: e.peer, Reason: signaling.ReasonBusy})
	return nil
}

func (m *Machine) acceptIncoming(*event) error {
	desc, err := m.offer.Offer.ToPion()
	if err != nil {
		m.failNegotiation(err)
		return nil
	}
	m.tones.Stop()
	m.obs.OnStatus(fmt.Sprintf("Connecting to %s...", m.sess.Peer))

	m.negotiate(m.sessCtx, &desc)
	return nil
}

func (m *Machine) rejectIncoming(e *event) error {
	m.send(signaling.EventCallReject, signaling.CallReject{From: m.self, To: m.sess.Peer, Reason: e.reason})
	m.teardown(e.reason, false, StatusCallEnded)
	return nil
}

// handOff writes the ringing offer to the handoff store off the loop. The
// call keeps ringing until the write is confirmed by evHandedOff.
func (m *Machine) handOff(e *event) error {
	if m.handoff == nil {
		return ErrNoHandoff
	}
	p := handoff.PendingOffer{
		From:       m.offer.From,
		Offer:      m.offer.Offer,
		CallType:   m.offer.CallType,
		AutoAnswer: e.autoAnswer,
		CreatedAt:  m.clock.Now(),
	}
	sess := m.sess.ID
	store := m.handoff
	m.async(func() {
		// The store may be remote; keep the write bounded.
		ctx, cancel := context.WithTimeout(context.Background(), handoffTimeout)
		defer cancel()
		res := &event{kind: evHandedOff, session: sess, peer: p.From, autoAnswer: p.AutoAnswer, done: e.done}
		if err := store.Put(ctx, p); err != nil {
			res.err = fmt.Errorf("hand off offer: %w", err)
		}
		m.post(res)
	})
	return nil
}

func (m *Machine) handedOff(e *event) error {
	reply := func(err error) {
		if e.done != nil {
			e.done <- err
		}
	}
	if e.err != nil {
		m.log.Warn("hand off failed, still ringing", "peer", e.peer, "err", e.err)
		reply(e.err)
		return nil
	}
	if e.session != m.sess.ID || m.sess.State != StateRingingIncoming {
		// The call was answered or ended while the offer was being written.
		// Nobody should resume it.
		sess := e.session
		store := m.handoff
		m.async(func() {
			ctx, cancel := context.WithTimeout(context.Background(), handoffTimeout)
			defer cancel()
			if err := store.Clear(ctx); err != nil {
				m.log.Warn("clear superseded pending offer", "session", sess, "err", err)
			}
		})
		reply(ErrNoIncomingCall)
		return nil
	}
	m.log.Info("handed off incoming call", "peer", e.peer, "auto_answer", e.autoAnswer)
	m.teardown("", false, "Call handed off")
	reply(nil)
	return nil
}

func (m *Machine) applyAnswer(e *event) error {
	m.stopRinging()
	if !m.peerOpen {
		m.failNegotiation(webrtcpeer.ErrNotOpen)
		return nil
	}
	if err := m.peer.SetRemoteDescription(e.sdp); err != nil {
		m.failNegotiation(err)
		return nil
	}
	m.obs.OnStatus(fmt.Sprintf("Connecting to %s...", m.sess.Peer))
	return nil
}

func (m *Machine) established(*event) error {
	m.stopRinging()
	now := m.clock.Now()
	m.sess.StartedAt = &now
	m.metrics.Inc(metrics.CallsConnected)
	m.log.Info("call connected", "session", m.sess.ID, "peer", m.sess.Peer)
	m.scheduleTick()
	m.obs.OnStatus(fmt.Sprintf("In call with %s", m.sess.Peer))
	return nil
}

func (m *Machine) scheduleTick() {
	id := m.sess.ID
	m.tickTimer = m.clock.AfterFunc(tickInterval, func() {
		m.post(&event{kind: evDurationTick, session: id})
	})
}

func (m *Machine) durationTick(*event) error {
	if m.sess.StartedAt != nil {
		m.obs.OnDuration(m.clock.Now().Sub(*m.sess.StartedAt))
	}
	m.scheduleTick()
	return nil
}

func (m *Machine) ringTimedOut(*event) error {
	m.log.Info("ring timeout", "session", m.sess.ID, "peer", m.sess.Peer)
	m.send(signaling.EventHangup, signaling.Hangup{From: m.self, To: m.sess.Peer, Reason: signaling.ReasonNoAnswer})
	m.teardown(signaling.ReasonNoAnswer, true, "")
	return nil
}

func (m *Machine) remoteEnded(e *event) error {
	m.log.Info("call ended by peer", "session", m.sess.ID, "peer", m.sess.Peer, "reason", e.reason, "event", e.kind.String())
	m.teardown(e.reason, true, "")
	return nil
}

func (m *Machine) connectionLost(*event) error {
	m.log.Warn("peer connection lost", "session", m.sess.ID, "peer", m.sess.Peer, "state", m.sess.State)
	m.send(signaling.EventHangup, signaling.Hangup{From: m.self, To: m.sess.Peer, Reason: signaling.ReasonError})
	m.teardown(signaling.ReasonError, true, "")
	return nil
}

func (m *Machine) localHangup(*event) error {
	if m.sess.State == StateRingingIncoming {
		m.send(signaling.EventCallReject, signaling.CallReject{From: m.self, To: m.sess.Peer, Reason: signaling.ReasonRejected})
	} else {
		m.send(signaling.EventHangup, signaling.Hangup{From: m.self, To: m.sess.Peer})
	}
	m.teardown("", false, StatusCallEnded)
	return nil
}

func (m *Machine) unload(e *event) error {
	m.send(signaling.EventHangup, signaling.Hangup{From: m.self, To: m.sess.Peer, Reason: e.reason})
	m.teardown(e.reason, true, StatusCallEnded)
	return nil
}

// remoteCandidate hands the candidate to the peer connection, or keeps it
// until the connection for this session exists.
func (m *Machine) remoteCandidate(e *event) error {
	if !m.peerOpen {
		m.remoteICE = append(m.remoteICE, e.candidate)
		return nil
	}
	if err := m.peer.AddRemoteCandidate(e.candidate); err != nil {
		m.log.Debug("remote candidate rejected", "session", m.sess.ID, "err", err)
	}
	return nil
}

// localCandidate trickles a local candidate once the offer or answer it
// belongs to has been sent.
func (m *Machine) localCandidate(e *event) error {
	if !m.answered {
		m.localICE = append(m.localICE, e.candidate)
		return nil
	}
	m.send(signaling.EventICECandidate, signaling.ICECandidate{
		From:      m.self,
		To:        m.sess.Peer,
		Candidate: signaling.CandidateFromPion(e.candidate),
	})
	return nil
}

func (m *Machine) remoteTrack(e *event) error {
	if e.remote != nil {
		m.obs.OnRemoteTrack(e.remote)
	}
	return nil
}

func (m *Machine) setTrack(e *event) error {
	return m.media.SetTrackEnabled(e.track, e.enabled)
}

func (m *Machine) setProfile(e *event) error {
	m.profile = e.profile
	if e.result != nil {
		e.result(m.sess.Active() && m.media.Acquired())
	}
	return nil
}

// negotiate acquires media, opens the peer connection and produces the local
// description off the loop. With remote set it answers that offer, otherwise
// it creates an offer. The result comes back as evNegotiated.
func (m *Machine) negotiate(ctx context.Context, remote *webrtc.SessionDescription) {
	sess := m.sess
	profile := m.profile
	iceServers := m.iceServers

	m.async(func() {
		res := &event{kind: evNegotiated, session: sess.ID, peer: sess.Peer}
		defer m.post(res)

		capture, err := m.media.Acquire(ctx, sess.Kind, profile)
		if err != nil {
			res.err, res.stage = err, stageMedia
			return
		}
		if err := m.peer.Open(ctx, webrtcpeer.OpenConfig{
			Session:    sess.ID,
			Peer:       sess.Peer,
			Kind:       sess.Kind,
			ICEServers: iceServers,
		}); err != nil {
			res.err, res.stage = err, stageNegotiation
			return
		}
		if err := m.peer.AddLocalTracks(capture); err != nil {
			res.err, res.stage = err, stageNegotiation
			return
		}

		var desc webrtc.SessionDescription
		if remote != nil {
			if err = m.peer.SetRemoteDescription(*remote); err == nil {
				desc, err = m.peer.CreateAnswer(ctx)
			}
		} else {
			desc, err = m.peer.CreateOffer(ctx)
		}
		if err != nil {
			res.err, res.stage = err, stageNegotiation
			return
		}
		res.sdp = desc
	})
}

func (m *Machine) negotiated(e *event) error {
	if e.session != m.sess.ID {
		return m.discardNegotiation(e)
	}
	if e.err != nil {
		if e.stage == stageMedia {
			m.failMedia(e.err)
		} else {
			m.failNegotiation(e.err)
		}
		return nil
	}

	m.peerOpen = true
	m.media.SetTrackReplacer(m.peer)

	var ok bool
	sdp := signaling.SessionDescriptionFromPion(e.sdp)
	if m.sess.Direction == DirectionOutgoing {
		ok = m.send(signaling.EventCallOffer, signaling.CallOffer{From: m.self, To: m.sess.Peer, Offer: sdp, CallType: m.sess.Kind})
	} else {
		ok = m.send(signaling.EventCallAnswer, signaling.CallAnswer{From: m.self, To: m.sess.Peer, Answer: sdp})
	}
	if !ok {
		m.failNegotiation(errors.New("signaling channel unavailable"))
		return nil
	}
	m.answered = true

	for _, c := range m.remoteICE {
		if err := m.peer.AddRemoteCandidate(c); err != nil {
			m.log.Debug("buffered remote candidate rejected", "session", m.sess.ID, "err", err)
		}
	}
	m.remoteICE = nil
	local := m.localICE
	m.localICE = nil
	for _, c := range local {
		m.send(signaling.EventICECandidate, signaling.ICECandidate{
			From:      m.self,
			To:        m.sess.Peer,
			Candidate: signaling.CandidateFromPion(c),
		})
	}
	return nil
}

// discardNegotiation cleans up after a negotiation whose call already ended.
// The peer connection or capture it produced may have been created after the
// teardown that should have released them.
func (m *Machine) discardNegotiation(e *event) error {
	if e.session != m.sess.ID || !m.sess.Active() {
		if m.peer.Session() == e.session {
			_ = m.peer.Close()
		}
		if !m.sess.Active() {
			m.media.Release()
		}
	}
	return nil
}

func (m *Machine) failMedia(err error) {
	m.log.Warn("media unavailable", "session", m.sess.ID, "peer", m.sess.Peer, "err", err)
	if m.sess.Direction == DirectionIncoming {
		m.send(signaling.EventCallReject, signaling.CallReject{From: m.self, To: m.sess.Peer, Reason: signaling.ReasonError})
	}
	m.teardown(signaling.ReasonError, true, fmt.Sprintf("Could not access microphone or camera: %v", err))
}

func (m *Machine) failNegotiation(err error) {
	m.log.Warn("call negotiation failed", "session", m.sess.ID, "peer", m.sess.Peer, "err", err)
	if m.sess.Direction == DirectionIncoming && !m.answered {
		m.send(signaling.EventCallReject, signaling.CallReject{From: m.self, To: m.sess.Peer, Reason: signaling.ReasonError})
	} else {
		m.send(signaling.EventHangup, signaling.Hangup{From: m.self, To: m.sess.Peer, Reason: signaling.ReasonError})
	}
	m.teardown(signaling.ReasonError, true, "")
}

func (m *Machine) send(event string, payload any) bool {
	if !m.sig.Send(event, payload) {
		m.log.Debug("signaling send dropped", "event", event)
		return false
	}
	return true
}

func (m *Machine) stopRinging() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.tones.Stop()
}

// teardown returns to idle from any state. It releases everything the
// session held and is a no-op on resources already released. When report is
// set the end reason is surfaced to the observer. An empty status means the
// line for reason.
func (m *Machine) teardown(reason string, report bool, status string) {
	m.stopRinging()
	if m.tickTimer != nil {
		m.tickTimer.Stop()
		m.tickTimer = nil
	}
	if m.sessCancel != nil {
		m.sessCancel()
		m.sessCancel = nil
		m.sessCtx = nil
	}
	if err := m.peer.Close(); err != nil {
		m.log.Debug("close peer connection", "err", err)
	}
	m.media.Release()
	m.peerOpen = false
	m.answered = false
	m.remoteICE = nil
	m.localICE = nil
	m.offer = nil

	if !m.sess.Active() {
		return
	}
	ended := m.sess
	m.metrics.Inc(metrics.CallsEnded)
	m.metrics.Inc(metrics.EndReason(reason))
	m.log.Info("call ended", "session", ended.ID, "peer", ended.Peer, "reason", reason, "state", ended.State)

	m.sess = idleSession()
	m.obs.OnStateChange(m.sess)
	if report {
		m.obs.OnCallEnded(ended.Peer, reason)
	}
	if status == "" {
		status = StatusFor(reason)
	}
	m.obs.OnStatus(status)
}
