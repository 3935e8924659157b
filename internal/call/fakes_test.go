package call

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/webrtcpeer"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeSignaler struct {
	mu      sync.Mutex
	sent    []sentEvent
	offline bool
}

func (s *fakeSignaler) Send(event string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return false
	}
	s.sent = append(s.sent, sentEvent{event: event, payload: payload})
	return true
}

func (s *fakeSignaler) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...)
}

func (s *fakeSignaler) named(event string) []any {
	var out []any
	for _, e := range s.events() {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type fakePeer struct {
	handlers webrtcpeer.Handlers

	mu         sync.Mutex
	session    string
	opened     []webrtcpeer.OpenConfig
	closes     int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	replaced   []media.TrackKind

	createErr error
	remoteErr error
	// emitCandidate fires a local candidate while the description is being
	// created, before it is returned.
	emitCandidate bool
}

var errFakeCreate = errors.New("fake create failed")

func (p *fakePeer) Open(_ context.Context, cfg webrtcpeer.OpenConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != "" {
		return webrtcpeer.ErrAlreadyOpen
	}
	p.session = cfg.Session
	p.opened = append(p.opened, cfg)
	return nil
}

func (p *fakePeer) AddLocalTracks(capture *media.Capture) error {
	if capture == nil {
		return media.ErrNotAcquired
	}
	return nil
}

func (p *fakePeer) create(ctx context.Context, t webrtc.SDPType) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	session, err, emit := p.session, p.createErr, p.emitCandidate
	p.mu.Unlock()
	if session == "" {
		return webrtc.SessionDescription{}, webrtcpeer.ErrNotOpen
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if emit {
		p.handlers.LocalCandidate(session, "", webrtc.ICECandidateInit{Candidate: "candidate:local"})
	}
	return webrtc.SessionDescription{Type: t, SDP: "v=0 " + t.String()}, ctx.Err()
}

func (p *fakePeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.create(ctx, webrtc.SDPTypeOffer)
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.create(ctx, webrtc.SDPTypeAnswer)
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == "" {
		return webrtcpeer.ErrNotOpen
	}
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == "" {
		return webrtcpeer.ErrNotOpen
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) ReplaceTrack(kind media.TrackKind, _ webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaced = append(p.replaced, kind)
	return nil
}

func (p *fakePeer) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != "" {
		p.closes++
	}
	p.session = ""
	return nil
}

func (p *fakePeer) snapshot() (opened int, closes int, remote []webrtc.SessionDescription, candidates []webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened), p.closes, append([]webrtc.SessionDescription(nil), p.remote...), append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// state delivers a connection state the way webrtcpeer.Manager would.
func (p *fakePeer) state(s webrtc.PeerConnectionState) {
	p.handlers.ConnectionState(p.Session(), s)
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in deadline order. Timers
// scheduled by those callbacks fire too if they fall inside the window.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type endRecord struct {
	peer   string
	reason string
}

type recordingObserver struct {
	mu        sync.Mutex
	states    []State
	statuses  []string
	incoming  []string
	durations []time.Duration
	ended     []endRecord
}

func (o *recordingObserver) OnStateChange(s Session) {
	o.mu.Lock()
	o.states = append(o.states, s.State)
	o.mu.Unlock()
}

func (o *recordingObserver) OnStatus(text string) {
	o.mu.Lock()
	o.statuses = append(o.statuses, text)
	o.mu.Unlock()
}

func (o *recordingObserver) OnIncomingCall(peer string, kind media.Kind) {
	o.mu.Lock()
	o.incoming = append(o.incoming, peer+"/"+string(kind))
	o.mu.Unlock()
}

func (o *recordingObserver) OnRemoteTrack(*webrtc.TrackRemote) {}

func (o *recordingObserver) OnDuration(d time.Duration) {
	o.mu.Lock()
	o.durations = append(o.durations, d)
	o.mu.Unlock()
}

func (o *recordingObserver) OnCallEnded(peer, reason string) {
	o.mu.Lock()
	o.ended = append(o.ended, endRecord{peer: peer, reason: reason})
	o.mu.Unlock()
}

func (o *recordingObserver) lastStatus() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.statuses) == 0 {
		return ""
	}
	return o.statuses[len(o.statuses)-1]
}

func (o *recordingObserver) endings() []endRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]endRecord(nil), o.ended...)
}

type fakeTones struct {
	mu      sync.Mutex
	playing Tone
	plays   []Tone
}

func (f *fakeTones) Play(t Tone) {
	f.mu.Lock()
	f.playing = t
	f.plays = append(f.plays, t)
	f.mu.Unlock()
}

func (f *fakeTones) Stop() {
	f.mu.Lock()
	f.playing = ""
	f.mu.Unlock()
}

func (f *fakeTones) current() Tone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
