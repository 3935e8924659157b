package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrNotAcquired = errors.New("media not acquired")

// TrackReplacer swaps the outgoing track of a live sender.
type TrackReplacer interface {
	ReplaceTrack(kind TrackKind, track webrtc.TrackLocal) error
}

func codecFor(kind TrackKind) webrtc.RTPCodecCapability {
	if kind == TrackVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// pump copies samples from a source into its local track. Samples read while
// disabled are dropped so the track stays negotiated but silent.
type pump struct {
	kind    TrackKind
	track   *webrtc.TrackLocalStaticSample
	source  Source
	enabled atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func startPump(log *slog.Logger, kind TrackKind, track *webrtc.TrackLocalStaticSample, source Source, enabled bool) *pump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{
		kind:   kind,
		track:  track,
		source: source,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.enabled.Store(enabled)
	go p.run(ctx, log)
	return p
}

func (p *pump) run(ctx context.Context, log *slog.Logger) {
	defer close(p.done)
	for {
		sample, err := p.source.ReadSample(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				log.Warn("capture source failed", "track", p.kind, "err", err)
			}
			return
		}
		if !p.enabled.Load() {
			p.dropped.Add(1)
			continue
		}
		if err := p.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug("write sample failed", "track", p.kind, "err", err)
			continue
		}
		p.forwarded.Add(1)
	}
}

func (p *pump) stop() {
	p.cancel()
	_ = p.source.Close()
	<-p.done
}

// Capture is the live capture handle returned by Acquire. Its tracks change
// when SetProfile has to reopen the device.
type Capture struct {
	m       *Manager
	kind    Kind
	profile string
}

func (c *Capture) Kind() Kind { return c.kind }

func (c *Capture) Profile() string {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.profile
}

// Track returns the current local track for kind, or nil if the capture does
// not carry it or has been released.
func (c *Capture) Track(kind TrackKind) *webrtc.TrackLocalStaticSample {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.capture != c {
		return nil
	}
	if p, ok := c.m.pumps[kind]; ok {
		return p.track
	}
	return nil
}

// Tune applies sender tuning to the source feeding kind.
func (c *Capture) Tune(kind TrackKind, t SenderTuning) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.capture != c {
		return ErrNotAcquired
	}
	p, ok := c.m.pumps[kind]
	if !ok {
		return fmt.Errorf("capture has no %s track", kind)
	}
	if err := p.source.Tune(t); err != nil {
		return err
	}
	c.m.tuning[kind] = t
	return nil
}

// Manager owns at most one Capture at a time.
type Manager struct {
	device Device
	log    *slog.Logger

	mu       sync.Mutex
	capture  *Capture
	pumps    map[TrackKind]*pump
	tuning   map[TrackKind]SenderTuning
	replacer TrackReplacer
}

func NewManager(device Device, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		device: device,
		log:    logger,
		pumps:  make(map[TrackKind]*pump),
		tuning: make(map[TrackKind]SenderTuning),
	}
}

// Acquire opens the device for kind under the named profile. While a capture
// is held it is returned unchanged.
func (m *Manager) Acquire(ctx context.Context, kind Kind, profileName string) (*Capture, error) {
	profile, err := LookupProfile(profileName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture != nil {
		return m.capture, nil
	}

	streamID := uuid.NewString()
	constraints := profile.Constraints()
	pumps := make(map[TrackKind]*pump, 2)
	fail := func(err error) (*Capture, error) {
		for _, p := range pumps {
			p.stop()
		}
		return nil, err
	}
	for _, tk := range kind.Tracks() {
		source, err := m.device.Open(ctx, tk, constraints)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrDeviceUnavailable, err))
		}
		track, err := webrtc.NewTrackLocalStaticSample(codecFor(tk), string(tk), streamID)
		if err != nil {
			_ = source.Close()
			return fail(fmt.Errorf("create %s track: %w", tk, err))
		}
		pumps[tk] = startPump(m.log, tk, track, source, true)
	}

	m.pumps = pumps
	m.tuning = make(map[TrackKind]SenderTuning)
	m.capture = &Capture{m: m, kind: kind, profile: profile.Name}
	m.log.Debug("media acquired", "kind", kind, "profile", profile.Name, "stream_id", streamID)
	return m.capture, nil
}

// SetTrackReplacer registers where hot-swapped tracks are sent. Release
// clears it.
func (m *Manager) SetTrackReplacer(r TrackReplacer) {
	m.mu.Lock()
	m.replacer = r
	m.mu.Unlock()
}

// SetProfile switches the live capture to another profile. Each source first
// tries to apply the constraints in place; a source that rejects them is
// reopened and its new track replaces the old one on the sender.
func (m *Manager) SetProfile(ctx context.Context, name string) error {
	profile, err := LookupProfile(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil {
		return ErrNotAcquired
	}

	constraints := profile.Constraints()
	for _, tk := range m.capture.kind.Tracks() {
		old := m.pumps[tk]
		if err := old.source.Apply(constraints); err == nil {
			continue
		} else if !errors.Is(err, ErrConstraintsRejected) {
			m.log.Debug("apply constraints failed, reopening", "track", tk, "err", err)
		}

		source, err := m.device.Open(ctx, tk, constraints)
		if err != nil {
			return fmt.Errorf("reopen %s: %w", tk, err)
		}
		if t, ok := m.tuning[tk]; ok {
			if err := source.Tune(t); err != nil {
				m.log.Debug("re-tune reopened source failed", "track", tk, "err", err)
			}
		}
		track, err := webrtc.NewTrackLocalStaticSample(codecFor(tk), old.track.ID(), old.track.StreamID())
		if err != nil {
			_ = source.Close()
			return fmt.Errorf("create %s track: %w", tk, err)
		}
		if m.replacer != nil {
			if err := m.replacer.ReplaceTrack(tk, track); err != nil {
				_ = source.Close()
				return fmt.Errorf("replace %s track: %w", tk, err)
			}
		}
		m.pumps[tk] = startPump(m.log, tk, track, source, old.enabled.Load())
		old.stop()
		m.log.Debug("capture reopened", "track", tk, "profile", profile.Name)
	}
	m.capture.profile = profile.Name
	return nil
}

// SetTrackEnabled mutes (audio) or turns the camera off (video) without
// removing the track.
func (m *Manager) SetTrackEnabled(kind TrackKind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil {
		return ErrNotAcquired
	}
	p, ok := m.pumps[kind]
	if !ok {
		return fmt.Errorf("capture has no %s track", kind)
	}
	p.enabled.Store(enabled)
	return nil
}

func (m *Manager) TrackEnabled(kind TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pumps[kind]
	return ok && p.enabled.Load()
}

// Acquired reports whether a capture is held.
func (m *Manager) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture != nil
}

// Release stops every source and discards the capture. It is safe to call at
// any time, any number of times.
func (m *Manager) Release() {
	m.mu.Lock()
	pumps := m.pumps
	had := m.capture != nil
	m.pumps = make(map[TrackKind]*pump)
	m.capture = nil
	m.replacer = nil
	m.mu.Unlock()

	for _, p := range pumps {
		p.stop()
	}
	if had {
		m.log.Debug("media released")
	}
}
