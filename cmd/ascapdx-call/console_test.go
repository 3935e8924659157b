package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ascapdx/callcore/internal/call"
	"github.com/ascapdx/callcore/internal/media"
)

type fakeController struct {
	calls   []string
	session call.Session
	err     error
}

func (f *fakeController) record(name string, args ...any) error {
	f.calls = append(f.calls, strings.TrimSpace(strings.Join(append([]string{name}, toStrings(args)...), " ")))
	return f.err
}

func toStrings(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		case bool:
			if v {
				out = append(out, "true")
			} else {
				out = append(out, "false")
			}
		case media.Kind:
			out = append(out, string(v))
		}
	}
	return out
}

func (f *fakeController) StartCall(_ context.Context, peer string, kind media.Kind) error {
	return f.record("call", peer, kind)
}
func (f *fakeController) Accept(context.Context) error { return f.record("accept") }
func (f *fakeController) Reject(_ context.Context, reason string) error {
	return f.record("reject", reason)
}
func (f *fakeController) Hangup(context.Context) error { return f.record("hangup") }
func (f *fakeController) Handoff(_ context.Context, auto bool) error {
	return f.record("handoff", auto)
}
func (f *fakeController) SetMuted(_ context.Context, muted bool) error {
	return f.record("mute", muted)
}
func (f *fakeController) SetCamera(_ context.Context, on bool) error {
	return f.record("camera", on)
}
func (f *fakeController) SetProfile(_ context.Context, name string) error {
	return f.record("profile", name)
}
func (f *fakeController) Snapshot(context.Context) (call.Session, error) {
	return f.session, f.err
}

func newTestConsole(ctl controller) (*console, *bytes.Buffer) {
	var buf bytes.Buffer
	return &console{
		ctl:         ctl,
		out:         &lineWriter{w: &buf},
		defaultKind: media.KindVoice,
		duration:    func() time.Duration { return 65*time.Second + 300*time.Millisecond },
	}, &buf
}

func TestConsoleCommands(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"call bob", "call bob voice"},
		{"call bob video", "call bob video"},
		{"CALL bob Voice", "call bob voice"},
		{"accept", "accept"},
		{"reject", "reject"},
		{"reject not now", "reject not-now"},
		{"hangup", "hangup"},
		{"mute", "mute true"},
		{"mute off", "mute false"},
		{"unmute", "mute false"},
		{"camera off", "camera false"},
		{"camera on", "camera true"},
		{"profile best", "profile best"},
		{"handoff", "handoff false"},
		{"handoff auto", "handoff true"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			ctl := &fakeController{}
			c, _ := newTestConsole(ctl)
			quit, err := c.exec(context.Background(), tc.line)
			if err != nil || quit {
				t.Fatalf("exec(%q)=(%v, %v)", tc.line, quit, err)
			}
			if len(ctl.calls) != 1 || ctl.calls[0] != tc.want {
				t.Fatalf("calls=%q, want [%q]", ctl.calls, tc.want)
			}
		})
	}
}

func TestConsoleUsageErrors(t *testing.T) {
	for _, line := range []string{"call", "call a b c", "mute maybe", "profile", "handoff later"} {
		ctl := &fakeController{}
		c, _ := newTestConsole(ctl)
		if _, err := c.exec(context.Background(), line); !errors.Is(err, errUsage) {
			t.Fatalf("exec(%q) err=%v, want errUsage", line, err)
		}
		if len(ctl.calls) != 0 {
			t.Fatalf("exec(%q) reached controller: %q", line, ctl.calls)
		}
	}

	c, _ := newTestConsole(&fakeController{})
	if _, err := c.exec(context.Background(), "call bob hologram"); err == nil {
		t.Fatalf("expected error for bad call type")
	}
	if _, err := c.exec(context.Background(), "dance"); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if quit, err := c.exec(context.Background(), "   "); quit || err != nil {
		t.Fatalf("blank line=(%v, %v)", quit, err)
	}
}

func TestConsoleStatus(t *testing.T) {
	ctl := &fakeController{}
	c, buf := newTestConsole(ctl)

	if _, err := c.exec(context.Background(), "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "idle" {
		t.Fatalf("status=%q, want idle", got)
	}

	buf.Reset()
	ctl.session = call.Session{Peer: "bob", Direction: call.DirectionOutgoing, State: call.StateInCall, Kind: media.KindVideo}
	if _, err := c.exec(context.Background(), "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got, want := strings.TrimSpace(buf.String()), "in-call outgoing video call with bob (1m5s)"; got != want {
		t.Fatalf("status=%q, want %q", got, want)
	}
}

func TestConsoleRunPrintsErrorsAndQuits(t *testing.T) {
	ctl := &fakeController{err: call.ErrNoIncomingCall}
	c, buf := newTestConsole(ctl)

	err := c.run(context.Background(), strings.NewReader("accept\nquit\nhangup\n"))
	if !errors.Is(err, errQuit) {
		t.Fatalf("run err=%v, want errQuit", err)
	}
	if !strings.Contains(buf.String(), "error: "+call.ErrNoIncomingCall.Error()) {
		t.Fatalf("output=%q, want the accept error", buf.String())
	}
	if len(ctl.calls) != 1 {
		t.Fatalf("calls=%q, want only accept", ctl.calls)
	}
}

func TestConsoleRunWaitsAtEOF(t *testing.T) {
	c, _ := newTestConsole(&fakeController{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx, strings.NewReader("")) }()

	select {
	case err := <-done:
		t.Fatalf("run returned at EOF: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run err=%v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestConsoleHistory(t *testing.T) {
	c, buf := newTestConsole(&fakeController{})
	if _, err := c.exec(context.Background(), "history"); err == nil {
		t.Fatalf("expected error without a history backend")
	}

	h := newHistoryHarness(t)
	if err := h.view.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c.history = h.view
	if _, err := c.exec(context.Background(), "history"); err != nil {
		t.Fatalf("history: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "carol") || !strings.Contains(out, "bobby") {
		t.Fatalf("output=%q, want cached records", out)
	}
}
