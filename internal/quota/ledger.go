// Package quota tracks per-account usage counters against plan limits and
// converts byte deltas reported by the session sampler into persisted debits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamgate/internal/models"
)

// ErrQuotaNotFound indicates no quota row exists for the account. Accounts
// are provisioned with their quota, so this is a hard failure rather than a
// lazily created default.
var ErrQuotaNotFound = errors.New("quota not found")

// Store persists quota state. Implementations must tolerate concurrent calls
// for different accounts; the ledger serializes calls per account.
type Store interface {
	LoadQuota(ctx context.Context, accountID string) (models.QuotaState, error)
	SaveQuota(ctx context.Context, state models.QuotaState) error
}

// Result reports the outcome of a debit. The debit is always recorded, even
// when it pushes usage past the limit: the bytes already moved over the
// network, so the ledger reflects reality and flags Exceeded instead of
// silently dropping usage.
type Result struct {
	Kind      string
	Allowed   bool
	Exceeded  bool
	Used      models.ByteCount
	Limit     models.ByteCount
	Remaining models.ByteCount
}

// Ledger owns quota state for all accounts. Debits for a single account are
// strictly serialized so the streaming and viewing samplers cannot race each
// other into a lost update.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

// Option customises ledger construction.
type Option func(*Ledger)

// WithClock overrides the ledger clock, primarily for reset-boundary tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a logger for rollover and persistence diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger constructs a ledger over the provided store.
func NewLedger(store Store, opts ...Option) *Ledger {
	ledger := &Ledger{
		store:    store,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		accounts: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger
}

func (l *Ledger) accountLock(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.accounts[accountID]
	if !ok {
		lock = &sync.Mutex{}
		l.accounts[accountID] = lock
	}
	return lock
}

// nextMonthStart returns the first instant of the month following now, the
// boundary every usage window resets on.
func nextMonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// rollover lazily zeroes usage windows whose reset boundary has passed.
// Returns true when the state changed and needs persisting.
func (l *Ledger) rollover(state *models.QuotaState, now time.Time) bool {
	changed := false
	reset := nextMonthStart(now)
	if state.Streaming.ResetAt.IsZero() || !now.Before(state.Streaming.ResetAt) {
		state.Streaming.Used = 0
		state.Streaming.ResetAt = reset
		changed = true
	}
	if state.Viewing.ResetAt.IsZero() || !now.Before(state.Viewing.ResetAt) {
		state.Viewing.Used = 0
		state.Viewing.ResetAt = reset
		changed = true
	}
	return changed
}

// load fetches the account state and applies any pending reset rollover,
// persisting the rollover so a crash cannot replay stale usage. Callers must
// hold the account lock.
func (l *Ledger) load(ctx context.Context, accountID string) (models.QuotaState, error) {
	state, err := l.store.LoadQuota(ctx, accountID)
	if err != nil {
		return models.QuotaState{}, err
	}
	if l.rollover(&state, l.now()) {
		state.UpdatedAt = l.now()
		if err := l.store.SaveQuota(ctx, state); err != nil {
			return models.QuotaState{}, fmt.Errorf("persist quota rollover: %w", err)
		}
		l.logger.Info("quota window rolled over", "account_id", accountID, "reset_at", state.Streaming.ResetAt)
	}
	return state, nil
}

// Status returns the current quota state with reset boundaries applied.
func (l *Ledger) Status(ctx context.Context, accountID string) (models.QuotaState, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return l.load(ctx, accountID)
}

// Snapshot returns the formatted real-time payload for quota subscribers.
func (l *Ledger) Snapshot(ctx context.Context, accountID string) (models.QuotaSnapshot, error) {
	state, err := l.Status(ctx, accountID)
	if err != nil {
		return models.QuotaSnapshot{}, err
	}
	return models.NewQuotaSnapshot(state), nil
}

// DebitStreaming records delta bytes of ingest usage for the account.
func (l *Ledger) DebitStreaming(ctx context.Context, accountID string, delta models.ByteCount) (Result, error) {
	return l.debitWindow(ctx, accountID, models.QuotaKindStreaming, delta)
}

// DebitViewing records delta bytes of delivered playback usage for the
// account. The caller batches all viewers of a session into one delta.
func (l *Ledger) DebitViewing(ctx context.Context, accountID string, delta models.ByteCount) (Result, error) {
	return l.debitWindow(ctx, accountID, models.QuotaKindViewing, delta)
}

func (l *Ledger) debitWindow(ctx context.Context, accountID, kind string, delta models.ByteCount) (Result, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	state, err := l.load(ctx, accountID)
	if err != nil {
		return Result{}, err
	}

	var window *models.UsageWindow
	var limit models.ByteCount
	switch kind {
	case models.QuotaKindStreaming:
		window = &state.Streaming
		limit = state.Streaming.Limit
	case models.QuotaKindViewing:
		window = &state.Viewing
		limit = state.ViewingLimit()
	default:
		return Result{}, fmt.Errorf("unknown quota kind %q", kind)
	}

	if delta == 0 {
		return newResult(kind, window.Used, limit), nil
	}

	window.Used += delta
	state.UpdatedAt = l.now()
	if err := l.store.SaveQuota(ctx, state); err != nil {
		return Result{}, fmt.Errorf("persist %s debit: %w", kind, err)
	}
	return newResult(kind, window.Used, limit), nil
}

// CheckRecording reports whether size additional bytes of recording storage
// would fit without debiting anything.
func (l *Ledger) CheckRecording(ctx context.Context, accountID string, size models.ByteCount) (bool, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	state, err := l.load(ctx, accountID)
	if err != nil {
		return false, err
	}
	if state.Recording.Limit == 0 || size == 0 {
		return true, nil
	}
	return state.Recording.Used+size <= state.Recording.Limit, nil
}

// DebitRecording records size bytes of recording storage. The artifact is
// already on disk when this runs, so the debit is unconditional.
func (l *Ledger) DebitRecording(ctx context.Context, accountID string, size models.ByteCount) (Result, error) {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	state, err := l.load(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	if size > 0 {
		state.Recording.Used += size
		state.UpdatedAt = l.now()
		if err := l.store.SaveQuota(ctx, state); err != nil {
			return Result{}, fmt.Errorf("persist recording debit: %w", err)
		}
	}
	return newResult(models.QuotaKindRecording, state.Recording.Used, state.Recording.Limit), nil
}

// CreditRecording releases size bytes of recording storage after a recording
// is deleted. Recording usage has no reset window, so eviction is the only
// way it decreases.
func (l *Ledger) CreditRecording(ctx context.Context, accountID string, size models.ByteCount) error {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	state, err := l.load(ctx, accountID)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if size > state.Recording.Used {
		state.Recording.Used = 0
	} else {
		state.Recording.Used -= size
	}
	state.UpdatedAt = l.now()
	if err := l.store.SaveQuota(ctx, state); err != nil {
		return fmt.Errorf("persist recording credit: %w", err)
	}
	return nil
}

func newResult(kind string, used, limit models.ByteCount) Result {
	exceeded := limit > 0 && used > limit
	remaining := models.ByteCount(0)
	if limit > used {
		remaining = limit - used
	}
	return Result{
		Kind:      kind,
		Allowed:   !exceeded,
		Exceeded:  exceeded,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
	}
}
