package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ascapdx/callcore/internal/call"
	"github.com/ascapdx/callcore/internal/history"
	"github.com/ascapdx/callcore/internal/kvstore"
)

func bells(w *lineWriter, buf *bytes.Buffer) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Count(buf.String(), "\a")
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBellTonesRepeatUntilStop(t *testing.T) {
	var buf bytes.Buffer
	w := &lineWriter{w: &buf}
	tones := newBellTones(w, 10*time.Millisecond)

	tones.Play(call.ToneOutgoing)
	waitUntil(t, func() bool { return bells(w, &buf) >= 3 })

	tones.Stop()
	n := bells(w, &buf)
	time.Sleep(50 * time.Millisecond)
	if got := bells(w, &buf); got != n {
		t.Fatalf("bells after Stop=%d, want %d", got, n)
	}

	// Play replaces a running tone; Stop twice is fine.
	tones.Play(call.ToneIncoming)
	tones.Play(call.ToneOutgoing)
	tones.Stop()
	tones.Stop()
}

func TestCallEndRefreshesHistory(t *testing.T) {
	var gets atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) > 1 {
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, historyBody)
	}))
	defer ts.Close()
	defer close(release)

	backend, err := history.NewClient(history.ClientConfig{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var buf bytes.Buffer
	w := &lineWriter{w: &buf}
	live := &liveHistory{
		ctx:  context.Background(),
		view: history.NewView(history.ViewConfig{User: "alice", Backend: backend, Store: kvstore.NewMemory(), Logger: logger}),
		out:  w,
		log:  logger,
	}
	obs := newConsoleObserver(w, logger)
	obs.ended = live.refresh

	live.badge()
	if got := gets.Load(); got != 1 {
		t.Fatalf("gets after badge=%d, want 1", got)
	}
	w.mu.Lock()
	printed := buf.String()
	w.mu.Unlock()
	if !strings.Contains(printed, "1 missed call") {
		t.Fatalf("badge output=%q", printed)
	}

	// The backend stalls the refresh; the event loop must not wait for it.
	returned := make(chan struct{})
	go func() {
		obs.OnCallEnded("bob", "")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("OnCallEnded blocked on the history refresh")
	}
	waitUntil(t, func() bool { return gets.Load() == 2 })

	release <- struct{}{}
	waitUntil(t, func() bool { return len(live.view.Visible()) == 3 })
}
