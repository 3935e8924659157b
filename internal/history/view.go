package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ascapdx/callcore/internal/kvstore"
)

var ErrClearCancelled = errors.New("history: clear cancelled")

const watermarkKeyPrefix = "call-history:seen:"

// WatermarkKey is where the time the user last viewed their history is
// kept.
func WatermarkKey(user string) string { return watermarkKeyPrefix + user }

// Backend is the REST collaborator. *Client implements it.
type Backend interface {
	List(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
}

// Confirm asks the user a yes/no question.
type Confirm func(prompt string) bool

type ViewConfig struct {
	// User scopes the seen watermark.
	User    string
	Backend Backend
	Store   kvstore.Store
	Now     func() time.Time
	Logger  *slog.Logger
}

// View caches the last loaded records and the current filter and search.
type View struct {
	user    string
	backend Backend
	store   kvstore.Store
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	records []Record
	status  Status
	query   string
}

func NewView(cfg ViewConfig) *View {
	v := &View{
		user:    cfg.User,
		backend: cfg.Backend,
		store:   cfg.Store,
		now:     cfg.Now,
		log:     cfg.Logger,
		status:  StatusAll,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v
}

// Load replaces the cache with the backend's records and marks everything up
// to now as seen. A failed fetch keeps the previous cache.
func (v *View) Load(ctx context.Context) error {
	records, err := v.backend.List(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.records = records
	v.mu.Unlock()

	if err := v.markSeen(ctx, v.now()); err != nil {
		// The records are loaded; only the badge count is stale.
		v.log.Warn("failed to record history watermark", "user", v.user, "err", err)
	}
	v.log.Debug("call history loaded", "user", v.user, "records", len(records))
	return nil
}

// SetFilter selects the status shown by Visible and ExportCSV.
func (v *View) SetFilter(raw string) error {
	s, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.status = s
	v.mu.Unlock()
	return nil
}

// SetSearch narrows Visible and ExportCSV to records matching text.
func (v *View) SetSearch(text string) {
	v.mu.Lock()
	v.query = text
	v.mu.Unlock()
}

// Visible returns the cached records after the current filter and search.
func (v *View) Visible() []Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Search(Filter(v.records, v.status), v.query)
}

// ExportCSV writes the visible records.
func (v *View) ExportCSV(w io.Writer) error {
	return WriteCSV(w, v.Visible())
}

// Clear deletes the whole history after confirm agrees. The cache is only
// emptied once the backend has accepted the delete.
func (v *View) Clear(ctx context.Context, confirm Confirm) error {
	if confirm == nil || !confirm("Clear all call history? This cannot be undone.") {
		return ErrClearCancelled
	}
	if err := v.backend.Clear(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.records = nil
	v.mu.Unlock()
	v.log.Info("call history cleared", "user", v.user)
	return nil
}

// UnseenMissed fetches the records and counts missed calls created after the
// seen watermark. It leaves the cache and the watermark alone.
func (v *View) UnseenMissed(ctx context.Context) (int, error) {
	seen, err := v.watermark(ctx)
	if err != nil {
		return 0, err
	}
	records, err := v.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.Status == StatusMissed && r.CreatedAt.After(seen) {
			n++
		}
	}
	return n, nil
}

func (v *View) markSeen(ctx context.Context, at time.Time) error {
	if v.store == nil {
		return nil
	}
	return v.store.Set(ctx, WatermarkKey(v.user), at.UTC().Format(time.RFC3339Nano), 0)
}

// watermark returns the zero time when the user never loaded their history.
func (v *View) watermark(ctx context.Context) (time.Time, error) {
	if v.store == nil {
		return time.Time{}, nil
	}
	raw, err := v.store.Get(ctx, WatermarkKey(v.user))
	if errors.Is(err, kvstore.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: corrupt watermark %q: %w", raw, err)
	}
	return t, nil
}
