package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/call"
	"github.com/ascapdx/callcore/internal/media"
)

// lineWriter serializes whole lines from the event loop and the console.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format+"\n", args...)
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// consoleObserver prints machine output for the operator.
type consoleObserver struct {
	out   *lineWriter
	log   *slog.Logger
	// ended, when set, runs after every call end on the event loop and must
	// not block.
	ended func()

	duration atomic.Int64
}

var _ call.Observer = (*consoleObserver)(nil)

func newConsoleObserver(out *lineWriter, logger *slog.Logger) *consoleObserver {
	return &consoleObserver{out: out, log: logger}
}

func (o *consoleObserver) OnStateChange(s call.Session) {
	if s.State == call.StateIdle {
		o.duration.Store(0)
		o.out.Printf("[state] idle")
		return
	}
	o.out.Printf("[state] %s %s %s call with %s", s.State, s.Direction, s.Kind, s.Peer)
}

func (o *consoleObserver) OnStatus(text string) {
	o.out.Printf("[status] %s", text)
}

func (o *consoleObserver) OnIncomingCall(peer string, kind media.Kind) {
	o.out.Printf("[incoming] %s call from %s (accept / reject)", kind, peer)
}

// OnRemoteTrack drains the track. Nothing renders it, but unread RTP would
// back up the receiver.
func (o *consoleObserver) OnRemoteTrack(track *webrtc.TrackRemote) {
	o.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (o *consoleObserver) OnDuration(d time.Duration) {
	o.duration.Store(int64(d))
}

func (o *consoleObserver) OnCallEnded(peer, reason string) {
	if reason == "" {
		reason = "hangup"
	}
	o.out.Printf("[ended] call with %s (%s)", peer, reason)
	if o.ended != nil {
		o.ended()
	}
}

func (o *consoleObserver) Duration() time.Duration {
	return time.Duration(o.duration.Load())
}

const bellInterval = 2 * time.Second

// bellTones rings the terminal bell every interval until Stop or the next
// Play.
type bellTones struct {
	out      *lineWriter
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ call.Tones = (*bellTones)(nil)

func newBellTones(out *lineWriter, interval time.Duration) *bellTones {
	if interval <= 0 {
		interval = bellInterval
	}
	return &bellTones{out: out, interval: interval}
}

func (b *bellTones) Play(call.Tone) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()

	stop, done := make(chan struct{}), make(chan struct{})
	b.stop, b.done = stop, done
	go func() {
		defer close(done)
		t := time.NewTicker(b.interval)
		defer t.Stop()
		for {
			_, _ = b.out.Write([]byte("\a"))
			select {
			case <-stop:
				return
			case <-t.C:
			}
		}
	}()
}

func (b *bellTones) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

// stopLocked waits for the ringing goroutine so no bell follows Stop.
func (b *bellTones) stopLocked() {
	if b.stop == nil {
		return
	}
	close(b.stop)
	<-b.done
	b.stop, b.done = nil, nil
}
