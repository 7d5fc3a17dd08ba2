// Package quota enforces tier-aware daily usage limits on agent chat.
//
// A user's standing is computed from their own messages recorded today
// (UTC), so the count survives restarts and is shared across replicas that
// point at the same conversation store.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/observability"
)

// DefaultLimitName is the limit enforced on agent chat requests.
const DefaultLimitName = "daily_chat"

// DefaultTier is the tier applied when none is configured or resolvable.
const DefaultTier = "free_tier"

// CodeDailyLimitExceeded is the machine-readable code carried by breach
// payloads.
const CodeDailyLimitExceeded = "daily_limit_exceeded"

// MessageCounter counts a user's own messages created at or after a point
// in time. Satisfied by conversations.Store.
type MessageCounter interface {
	CountUserMessagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// LimitStatus is the outcome of a quota check. It is returned whether or
// not the user is over their limit; IsWithinLimit distinguishes the two.
type LimitStatus struct {
	Tier       string    `json:"tier"`
	LimitName  string    `json:"limit_name"`
	LimitValue int       `json:"limit_value"`
	UsedToday  int       `json:"used_today"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
}

// IsWithinLimit reports whether the user may issue another request today.
func (s *LimitStatus) IsWithinLimit() bool {
	return s.UsedToday < s.LimitValue
}

// ErrorDetail is the structured payload rendered on a 402 response.
type ErrorDetail struct {
	Code      string    `json:"code"`
	Tier      string    `json:"tier"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	LimitName string    `json:"limit_name"`
	ResetAt   time.Time `json:"reset_at"`
	Message   string    `json:"message"`
}

// ErrorDetail builds the breach payload for this status.
func (s *LimitStatus) ErrorDetail() *ErrorDetail {
	readable := strings.ReplaceAll(s.LimitName, "_", " ")
	return &ErrorDetail{
		Code:      CodeDailyLimitExceeded,
		Tier:      s.Tier,
		Limit:     s.LimitValue,
		Used:      s.UsedToday,
		Remaining: s.Remaining,
		LimitName: s.LimitName,
		ResetAt:   s.ResetAt,
		Message:   capitalize(readable) + " limit reached. Upgrade your plan or wait until reset.",
	}
}

// QuotaExceededError reports a daily limit breach. It carries the full
// limit snapshot so transports can render the structured payload.
type QuotaExceededError struct {
	Status *LimitStatus
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: used %d of %d (tier %s)",
		e.Status.LimitName, e.Status.UsedToday, e.Status.LimitValue, e.Status.Tier)
}

// GetQuotaExceeded extracts a QuotaExceededError from an error chain.
func GetQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// Enforcer checks users against the configured tier limits. The tier table
// is swappable at runtime so config reloads take effect without a restart.
type Enforcer struct {
	counter MessageCounter
	log     *observability.Logger

	mu          sync.RWMutex
	defaultTier string
	tiers       map[string]map[string]int
}

// NewEnforcer creates an enforcer backed by the given message counter.
func NewEnforcer(counter MessageCounter, defaultTier string, tiers map[string]map[string]int, logger *observability.Logger) *Enforcer {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	e := &Enforcer{
		counter: counter,
		log:     logger.WithFields("component", "quota"),
	}
	e.UpdateTiers(defaultTier, tiers)
	return e
}

// UpdateTiers replaces the tier table. Called on config hot reload.
func (e *Enforcer) UpdateTiers(defaultTier string, tiers map[string]map[string]int) {
	if defaultTier == "" {
		defaultTier = DefaultTier
	}

	copied := make(map[string]map[string]int, len(tiers))
	for tier, limits := range tiers {
		inner := make(map[string]int, len(limits))
		for name, value := range limits {
			inner[name] = value
		}
		copied[strings.ToLower(tier)] = inner
	}

	e.mu.Lock()
	e.defaultTier = strings.ToLower(defaultTier)
	e.tiers = copied
	e.mu.Unlock()
}

// Check computes the user's standing against their daily limit. A breach is
// always logged; with enforce set it is also returned as a
// QuotaExceededError, otherwise the over-limit status is handed back for
// the caller to surface.
func (e *Enforcer) Check(ctx context.Context, userID uuid.UUID, tier string, enforce bool) (*LimitStatus, error) {
	tierKey, limitValue, err := e.resolveLimit(ctx, tier, DefaultLimitName)
	if err != nil {
		return nil, err
	}

	startOfToday := startOfDay(time.Now())
	used, err := e.counter.CountUserMessagesSince(ctx, userID, startOfToday)
	if err != nil {
		return nil, fmt.Errorf("failed to count today's messages: %w", err)
	}

	remaining := limitValue - used
	if remaining < 0 {
		remaining = 0
	}

	status := &LimitStatus{
		Tier:       tierKey,
		LimitName:  DefaultLimitName,
		LimitValue: limitValue,
		UsedToday:  used,
		Remaining:  remaining,
		ResetAt:    startOfToday.Add(24 * time.Hour),
	}

	if !status.IsWithinLimit() {
		e.log.Warn(ctx, "user exceeded daily limit",
			"user_id", userID.String(),
			"limit_name", status.LimitName,
			"used", used,
			"limit", limitValue,
			"tier", tierKey,
		)
		if enforce {
			return nil, &QuotaExceededError{Status: status}
		}
		return status, nil
	}

	e.log.Debug(ctx, "user within daily limit",
		"user_id", userID.String(),
		"used", used,
		"limit", limitValue,
		"remaining", remaining,
		"tier", tierKey,
	)
	return status, nil
}

// resolveLimit maps the raw tier name onto a configured tier key and looks
// up that tier's ceiling for limitName.
func (e *Enforcer) resolveLimit(ctx context.Context, raw, limitName string) (string, int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tierKey := e.normalizeTier(ctx, raw)
	limits, ok := e.tiers[tierKey]
	if !ok {
		return tierKey, 0, fmt.Errorf("tier %q is not configured", tierKey)
	}
	value, ok := limits[limitName]
	if !ok {
		return tierKey, 0, fmt.Errorf("limit %q not configured for tier %q", limitName, tierKey)
	}
	return tierKey, value, nil
}

// normalizeTier resolves loose tier names against the configured table:
// exact match, then with a "_tier" suffix added, then with it stripped.
// Unknown tiers fall back to the default. Caller holds at least a read
// lock.
func (e *Enforcer) normalizeTier(ctx context.Context, raw string) string {
	if raw == "" {
		return e.defaultTier
	}

	normalized := strings.ToLower(raw)
	if _, ok := e.tiers[normalized]; ok {
		return normalized
	}
	if suffixed := normalized + "_tier"; hasTier(e.tiers, suffixed) {
		return suffixed
	}
	if trimmed := strings.TrimSuffix(normalized, "_tier"); hasTier(e.tiers, trimmed) {
		return trimmed
	}

	e.log.Warn(ctx, "unknown subscription tier, falling back to default",
		"tier", raw,
		"default", e.defaultTier,
	)
	return e.defaultTier
}

func hasTier(tiers map[string]map[string]int, key string) bool {
	_, ok := tiers[key]
	return ok
}

// startOfDay returns UTC midnight of the instant's day.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
