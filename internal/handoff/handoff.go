// Package handoff carries an incoming call offer from one agent process to the
// next, for example across a restart between ringing and accepting.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ascapdx/callcore/internal/kvstore"
	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/signaling"
)

const (
	Key    = "ascapdx:pending-call-offer"
	MaxAge = 120 * time.Second
)

var (
	ErrNoPendingOffer = errors.New("handoff: no pending offer")
	ErrExpired        = errors.New("handoff: pending offer expired")
	errInvalidOffer   = errors.New("handoff: invalid pending offer")
)

type PendingOffer struct {
	From       string                       `json:"from"`
	Offer      signaling.SessionDescription `json:"offer"`
	CallType   media.Kind                   `json:"callType"`
	AutoAnswer bool                         `json:"autoAnswer"`
	CreatedAt  time.Time                    `json:"createdAt"`
}

func (p PendingOffer) validate() error {
	if strings.TrimSpace(p.From) == "" {
		return fmt.Errorf("%w: missing from", errInvalidOffer)
	}
	if err := p.Offer.Validate("offer"); err != nil {
		return fmt.Errorf("%w: %v", errInvalidOffer, err)
	}
	if _, err := media.ParseKind(string(p.CallType)); err != nil {
		return fmt.Errorf("%w: %v", errInvalidOffer, err)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing createdAt", errInvalidOffer)
	}
	return nil
}

// Handoff stores at most one pending offer under Key.
type Handoff struct {
	store kvstore.Store
	now   func() time.Time
}

func New(store kvstore.Store) *Handoff {
	return NewWithClock(store, time.Now)
}

func NewWithClock(store kvstore.Store, now func() time.Time) *Handoff {
	if now == nil {
		now = time.Now
	}
	return &Handoff{store: store, now: now}
}

// Put replaces any pending offer. A zero CreatedAt is stamped with the
// current time.
func (h *Handoff) Put(ctx context.Context, p PendingOffer) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = h.now()
	}
	if p.CallType == "" {
		p.CallType = media.KindVoice
	}
	if err := p.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending offer: %w", err)
	}
	return h.store.Set(ctx, Key, string(raw), MaxAge)
}

// Take removes and returns the pending offer. Offers older than MaxAge are
// removed too but reported as ErrExpired.
func (h *Handoff) Take(ctx context.Context) (PendingOffer, error) {
	raw, err := h.store.Take(ctx, Key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return PendingOffer{}, ErrNoPendingOffer
	}
	if err != nil {
		return PendingOffer{}, fmt.Errorf("take pending offer: %w", err)
	}

	var p PendingOffer
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return PendingOffer{}, fmt.Errorf("%w: %v", errInvalidOffer, err)
	}
	if p.CallType == "" {
		p.CallType = media.KindVoice
	}
	if err := p.validate(); err != nil {
		return PendingOffer{}, err
	}
	if age := h.now().Sub(p.CreatedAt); age > MaxAge {
		return PendingOffer{}, fmt.Errorf("%w (age %s)", ErrExpired, age.Truncate(time.Second))
	}
	return p, nil
}

// Clear drops any pending offer without reading it.
func (h *Handoff) Clear(ctx context.Context) error {
	return h.store.Delete(ctx, Key)
}
