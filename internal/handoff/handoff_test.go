package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ascapdx/callcore/internal/kvstore"
	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/signaling"
)

var testOffer = signaling.SessionDescription{Type: "offer", SDP: "v=0\r\n"}

// writeRaw stores a record the way another process would, bypassing Put's
// timestamping.
func writeRaw(t *testing.T, store kvstore.Store, p PendingOffer) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Set(context.Background(), Key, string(raw), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestTakeIgnoresStaleOffer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := kvstore.NewMemory()
	h := NewWithClock(store, func() time.Time { return now })

	writeRaw(t, store, PendingOffer{
		From:      "alice",
		Offer:     testOffer,
		CallType:  media.KindVideo,
		CreatedAt: now.Add(-150 * time.Second),
	})

	if _, err := h.Take(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("Take err=%v, want %v", err, ErrExpired)
	}
	if _, err := store.Get(context.Background(), Key); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("stale offer left in store (err=%v)", err)
	}
}

func TestTakeAcceptsFreshOfferOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := kvstore.NewMemory()
	h := NewWithClock(store, func() time.Time { return now })

	writeRaw(t, store, PendingOffer{
		From:       "alice",
		Offer:      testOffer,
		CallType:   media.KindVideo,
		AutoAnswer: true,
		CreatedAt:  now.Add(-60 * time.Second),
	})

	got, err := h.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got.From != "alice" || got.CallType != media.KindVideo || !got.AutoAnswer || got.Offer != testOffer {
		t.Fatalf("Take=%+v", got)
	}
	if _, err := h.Take(context.Background()); !errors.Is(err, ErrNoPendingOffer) {
		t.Fatalf("second Take err=%v, want %v", err, ErrNoPendingOffer)
	}
}

func TestPutStampsCreatedAtAndDefaultsCallType(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewWithClock(kvstore.NewMemory(), func() time.Time { return now })

	if err := h.Put(context.Background(), PendingOffer{From: "bob", Offer: testOffer}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := h.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt=%v, want %v", got.CreatedAt, now)
	}
	if got.CallType != media.KindVoice {
		t.Fatalf("CallType=%q, want voice", got.CallType)
	}
}

func TestPutRejectsInvalidOffer(t *testing.T) {
	h := New(kvstore.NewMemory())
	cases := []PendingOffer{
		{Offer: testOffer},
		{From: "bob", Offer: signaling.SessionDescription{Type: "answer", SDP: "v=0"}},
		{From: "bob", Offer: signaling.SessionDescription{Type: "offer"}},
		{From: "bob", Offer: testOffer, CallType: "screen"},
	}
	for i, p := range cases {
		if err := h.Put(context.Background(), p); !errors.Is(err, errInvalidOffer) {
			t.Fatalf("case %d: Put err=%v, want %v", i, err, errInvalidOffer)
		}
	}
}

func TestTakeRejectsCorruptRecord(t *testing.T) {
	store := kvstore.NewMemory()
	h := New(store)
	if err := store.Set(context.Background(), Key, "{not json", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := h.Take(context.Background()); !errors.Is(err, errInvalidOffer) {
		t.Fatalf("Take err=%v, want %v", err, errInvalidOffer)
	}
}

func TestTakeRejectsStoredAnswer(t *testing.T) {
	store := kvstore.NewMemory()
	h := New(store)
	raw := `{"from":"bob","offer":{"type":"answer","sdp":"v=0"},"callType":"voice","createdAt":"` +
		time.Now().UTC().Format(time.RFC3339Nano) + `"}`
	if err := store.Set(context.Background(), Key, raw, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := h.Take(context.Background()); !errors.Is(err, errInvalidOffer) {
		t.Fatalf("Take err=%v, want %v", err, errInvalidOffer)
	}
	if store.Len() != 0 {
		t.Fatalf("store len=%d, want the record consumed", store.Len())
	}
}

func TestConcurrentTakeDeliversOnce(t *testing.T) {
	h := New(kvstore.NewMemory())
	if err := h.Put(context.Background(), PendingOffer{From: "alice", Offer: testOffer}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Take(context.Background()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d, want 1", wins)
	}
}

func TestClear(t *testing.T) {
	h := New(kvstore.NewMemory())
	if err := h.Put(context.Background(), PendingOffer{From: "alice", Offer: testOffer}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := h.Take(context.Background()); !errors.Is(err, ErrNoPendingOffer) {
		t.Fatalf("Take after Clear err=%v, want %v", err, ErrNoPendingOffer)
	}
}
