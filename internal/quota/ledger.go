// Package quota tracks per-sender usage and guarantees the persisted counter
// advances exactly once per interaction.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whatsapp-companion/internal/domain"
	"whatsapp-companion/internal/metrics"
	"whatsapp-companion/internal/repository"
)

const (
	// DefaultFreeLimit is the number of interactions a free sender may start.
	DefaultFreeLimit = 15
	// DefaultRetention is how long a lock entry survives before Sweep drops it.
	DefaultRetention = 24 * time.Hour
	// DefaultSweepInterval is the cadence used by RunSweeper.
	DefaultSweepInterval = time.Hour
)

var (
	// ErrLockMissing means Commit found no snapshot for the interaction.
	ErrLockMissing = errors.New("quota: no lock entry for interaction")
	// ErrSenderMismatch means the interaction was locked for another sender.
	ErrSenderMismatch = errors.New("quota: lock entry belongs to another sender")
	// ErrAlreadyCommitted means the interaction was already counted.
	ErrAlreadyCommitted = errors.New("quota: interaction already committed")
)

// Store is the persisted side of the ledger.
type Store interface {
	EnsureUser(ctx context.Context, senderID string) (domain.UserRecord, error)
	GetUser(ctx context.Context, senderID string) (domain.UserRecord, bool, error)
	SetMessageCount(ctx context.Context, senderID string, count int) error
}

// Eligibility is the outcome of CheckEligibility.
type Eligibility struct {
	CanSend       bool
	IsFreeTier    bool
	Count         int
	IsWarningTurn bool
	IsLastFree    bool
}

type lockEntry struct {
	senderID     string
	observedAt   time.Time
	initialCount int
	committed    bool
}

// Ledger owns the in-memory lock table keyed by interaction ID.
type Ledger struct {
	store     Store
	limit     int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type Option func(*Ledger)

// WithFreeLimit sets the free-tier limit. Values below 1 are ignored.
func WithFreeLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.limit = n
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("quota: store must not be nil")
	}
	l := &Ledger{
		store:     store,
		limit:     DefaultFreeLimit,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default().With("component", "quota"),
		locks:     make(map[string]*lockEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit reports the configured free-tier limit.
func (l *Ledger) Limit() int {
	return l.limit
}

// CheckEligibility decides whether senderID may start another interaction.
// Senders with an active paid subscription are never limited.
func (l *Ledger) CheckEligibility(ctx context.Context, senderID string) (Eligibility, error) {
	user, err := l.store.EnsureUser(ctx, senderID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("quota: CheckEligibility: %w", err)
	}
	count := user.MessagesCount
	if user.HasActiveSubscription(l.now()) {
		return Eligibility{CanSend: true, Count: count}, nil
	}
	return Eligibility{
		CanSend:       count < l.limit,
		IsFreeTier:    true,
		Count:         count,
		IsWarningTurn: count == l.limit-2,
		IsLastFree:    count == l.limit-1,
	}, nil
}

// BeginLock records the counter value observed before any external work for
// the interaction. Calling it again for the same interaction returns the
// original snapshot, or ErrAlreadyCommitted once the interaction was counted.
func (l *Ledger) BeginLock(ctx context.Context, interactionID, senderID string) (int, error) {
	if interactionID == "" {
		return 0, errors.New("quota: BeginLock: interaction id must not be empty")
	}
	l.mu.Lock()
	if e, ok := l.locks[interactionID]; ok {
		defer l.mu.Unlock()
		return existingSnapshot(interactionID, senderID, e)
	}
	l.mu.Unlock()

	user, err := l.store.EnsureUser(ctx, senderID)
	if err != nil {
		return 0, fmt.Errorf("quota: BeginLock: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[interactionID]; ok {
		return existingSnapshot(interactionID, senderID, e)
	}
	l.locks[interactionID] = &lockEntry{
		senderID:     senderID,
		observedAt:   l.now(),
		initialCount: user.MessagesCount,
	}
	return user.MessagesCount, nil
}

// existingSnapshot must be called with l.mu held.
func existingSnapshot(interactionID, senderID string, e *lockEntry) (int, error) {
	if e.senderID != senderID {
		return 0, fmt.Errorf("quota: BeginLock %s: %w", interactionID, ErrSenderMismatch)
	}
	if e.committed {
		return e.initialCount, fmt.Errorf("quota: BeginLock %s: %w", interactionID, ErrAlreadyCommitted)
	}
	return e.initialCount, nil
}

// Commit advances the persisted counter to the locked snapshot plus one.
// Repeated commits of the same interaction are no-ops. A write that the store
// refuses to apply, or a read-back that disagrees, is reported as an
// integrity alert rather than an error.
func (l *Ledger) Commit(ctx context.Context, interactionID, senderID string) error {
	l.mu.Lock()
	e, ok := l.locks[interactionID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("quota: Commit %s: %w", interactionID, ErrLockMissing)
	}
	if e.senderID != senderID {
		l.mu.Unlock()
		return fmt.Errorf("quota: Commit %s: %w", interactionID, ErrSenderMismatch)
	}
	if e.committed {
		l.mu.Unlock()
		return nil
	}
	e.committed = true
	target := e.initialCount + 1
	l.mu.Unlock()

	log := l.logger.With("sender", senderID, "interaction_id", interactionID)

	err := l.store.SetMessageCount(ctx, senderID, target)
	switch {
	case errors.Is(err, repository.ErrCountNotAdvanced):
		metrics.QuotaIntegrityAlerts.WithLabelValues(metrics.IntegrityNotAdvanced).Inc()
		log.Error("usage counter already at or past target", "alert", "quota_integrity", "expected", target)
		return nil
	case err != nil:
		l.mu.Lock()
		e.committed = false
		l.mu.Unlock()
		return fmt.Errorf("quota: Commit: %w", err)
	}

	user, found, err := l.store.GetUser(ctx, senderID)
	switch {
	case err != nil || !found:
		metrics.QuotaIntegrityAlerts.WithLabelValues(metrics.IntegrityVerify).Inc()
		log.Error("usage counter read-back failed", "alert", "quota_integrity", "found", found, "err", err)
	case user.MessagesCount != target:
		metrics.QuotaIntegrityAlerts.WithLabelValues(metrics.IntegrityMismatch).Inc()
		log.Error("usage counter mismatch after commit", "alert", "quota_integrity",
			"expected", target, "actual", user.MessagesCount)
	default:
		log.Info("usage counter advanced", "from", e.initialCount, "to", target)
	}
	return nil
}

// Sweep drops lock entries older than the retention window and returns how
// many were removed.
func (l *Ledger) Sweep(now time.Time) int {
	cutoff := now.Add(-l.retention)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.locks {
		if e.observedAt.Before(cutoff) {
			delete(l.locks, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked lock entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				l.logger.Debug("swept expired quota locks", "removed", n)
			}
		}
	}
}
