package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	// ErrConstraintsRejected is returned by Source.Apply when the device cannot
	// switch in place; callers fall back to reopening it.
	ErrConstraintsRejected = errors.New("constraints rejected by device")
	ErrDeviceUnavailable   = errors.New("capture device unavailable")
)

// Source yields encoded samples for one track.
type Source interface {
	// ReadSample blocks until the next sample. It returns io.EOF once closed.
	ReadSample(ctx context.Context) (pionmedia.Sample, error)
	Apply(c Constraints) error
	Tune(t SenderTuning) error
	Close() error
}

// Device opens capture sources. A real deployment wraps a microphone and
// camera; headless agents use SyntheticDevice.
type Device interface {
	Open(ctx context.Context, track TrackKind, c Constraints) (Source, error)
}

// opusSilenceFrame is a 20ms Opus CELT frame that decodes to silence.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

const syntheticAudioFrame = 20 * time.Millisecond

// SyntheticDevice produces Opus silence for audio and no video frames. The
// exported knobs let tests exercise the failure paths.
type SyntheticDevice struct {
	// OpenErr fails every Open.
	OpenErr error
	// RejectApply makes Apply fail with ErrConstraintsRejected.
	RejectApply bool

	opens atomic.Int32
}

func (d *SyntheticDevice) Open(ctx context.Context, track TrackKind, c Constraints) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OpenErr != nil {
		return nil, fmt.Errorf("open %s: %w", track, d.OpenErr)
	}
	d.opens.Add(1)
	s := &syntheticSource{
		track:       track,
		constraints: c,
		rejectApply: d.RejectApply,
		closed:      make(chan struct{}),
	}
	if track == TrackAudio {
		s.ticker = time.NewTicker(syntheticAudioFrame)
	}
	return s, nil
}

// Opens reports how many sources were opened.
func (d *SyntheticDevice) Opens() int { return int(d.opens.Load()) }

type syntheticSource struct {
	track       TrackKind
	rejectApply bool
	ticker      *time.Ticker

	mu          sync.Mutex
	constraints Constraints
	tuning      SenderTuning

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *syntheticSource) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	if s.ticker == nil {
		select {
		case <-ctx.Done():
			return pionmedia.Sample{}, ctx.Err()
		case <-s.closed:
			return pionmedia.Sample{}, io.EOF
		}
	}
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.closed:
		return pionmedia.Sample{}, io.EOF
	case <-s.ticker.C:
		return pionmedia.Sample{Data: append([]byte(nil), opusSilenceFrame...), Duration: syntheticAudioFrame}, nil
	}
}

func (s *syntheticSource) Apply(c Constraints) error {
	if s.rejectApply {
		return ErrConstraintsRejected
	}
	s.mu.Lock()
	s.constraints = c
	s.mu.Unlock()
	return nil
}

func (s *syntheticSource) Tune(t SenderTuning) error {
	s.mu.Lock()
	s.tuning = t
	s.mu.Unlock()
	return nil
}

func (s *syntheticSource) Close() error {
	s.closeOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.closed)
	})
	return nil
}

func (s *syntheticSource) currentConstraints() Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

func (s *syntheticSource) currentTuning() SenderTuning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuning
}
