// Package usage keeps an in-memory ledger of per-request token spend.
//
// The orchestrator books one Record per finished agent request. The
// ledger answers "what did this user or model consume recently"
// without touching the database, and feeds every record into the
// prometheus token counters when a meter is attached. Retention is
// bounded both by age and by record count so a long-lived process
// cannot grow without limit.
package usage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Usage is the token count for one completion exchange.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Add folds other into u. A nil other is a no-op.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// HeaderValue renders the spend for the X-Request-Usage debug header.
func (u *Usage) HeaderValue() string {
	return fmt.Sprintf("input=%d output=%d total=%d", u.InputTokens, u.OutputTokens, u.Total())
}

// Record is one booked request.
type Record struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Usage     Usage     `json:"usage"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenMeter receives token counts as records are booked. Satisfied by
// observability.Metrics.
type TokenMeter interface {
	RecordTokens(provider, model string, promptTokens, completionTokens int64)
}

// TrackerConfig bounds the ledger.
type TrackerConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultTrackerConfig keeps one day of records, capped at 10k entries.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MaxAge: 24 * time.Hour, MaxCount: 10000}
}

// Tracker aggregates booked records per model and per user. All methods
// are safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	ledger  []Record
	byModel map[string]*Usage
	byUser  map[uuid.UUID]*Usage

	retention time.Duration
	capacity  int
	meter     TokenMeter
}

// NewTracker builds a tracker with the given bounds. Non-positive
// bounds fall back to the defaults. A nil meter disables the
// prometheus feed.
func NewTracker(cfg TrackerConfig, meter TokenMeter) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = def.MaxCount
	}
	return &Tracker{
		byModel:   make(map[string]*Usage),
		byUser:    make(map[uuid.UUID]*Usage),
		retention: cfg.MaxAge,
		capacity:  cfg.MaxCount,
		meter:     meter,
	}
}

func modelKey(provider, model string) string {
	return provider + "/" + model
}

// Record books r, evicting expired ledger entries as a side effect. The
// meter is fed outside the lock.
func (t *Tracker) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	t.mu.Lock()
	t.ledger = append(t.ledger, r)

	key := modelKey(r.Provider, r.Model)
	total := t.byModel[key]
	if total == nil {
		total = &Usage{}
		t.byModel[key] = total
	}
	total.Add(&r.Usage)

	if r.UserID != uuid.Nil {
		per := t.byUser[r.UserID]
		if per == nil {
			per = &Usage{}
			t.byUser[r.UserID] = per
		}
		per.Add(&r.Usage)
	}

	t.evict(time.Now())
	t.mu.Unlock()

	if t.meter != nil {
		t.meter.RecordTokens(r.Provider, r.Model, r.Usage.InputTokens, r.Usage.OutputTokens)
	}
}

// evict drops ledger entries older than the retention horizon, then
// enforces the count cap. Entries arrive in timestamp order, so the age
// cut is a binary search. Aggregated totals are not unwound; they cover
// the lifetime of the process.
func (t *Tracker) evict(now time.Time) {
	horizon := now.Add(-t.retention)
	cut := sort.Search(len(t.ledger), func(i int) bool {
		return t.ledger[i].Timestamp.After(horizon)
	})
	if over := len(t.ledger) - t.capacity; over > cut {
		cut = over
	}
	if cut > 0 {
		t.ledger = append(t.ledger[:0], t.ledger[cut:]...)
	}
}

// ModelTotals returns the aggregated spend for one provider and model,
// or nil when nothing was booked for it.
func (t *Tracker) ModelTotals(provider, model string) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneTotal(t.byModel[modelKey(provider, model)])
}

// UserTotals returns the aggregated spend for one user, or nil.
func (t *Tracker) UserTotals(id uuid.UUID) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneTotal(t.byUser[id])
}

func cloneTotal(u *Usage) *Usage {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Recent returns up to limit of the newest ledger entries, oldest
// first. A non-positive limit returns the whole ledger.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.ledger) {
		limit = len(t.ledger)
	}
	out := make([]Record, limit)
	copy(out, t.ledger[len(t.ledger)-limit:])
	return out
}

// Snapshot returns a copy of the per-model totals keyed by
// "provider/model".
func (t *Tracker) Snapshot() map[string]*Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*Usage, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = cloneTotal(v)
	}
	return out
}
