package session

import (
	"context"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/quota"
)

// AccountDirectory resolves ingest credentials to accounts.
type AccountDirectory interface {
	FindAccountByCredential(ctx context.Context, credential string) (models.Account, bool, error)
}

// QuotaLedger is the slice of the quota ledger the registry depends on.
type QuotaLedger interface {
	Status(ctx context.Context, accountID string) (models.QuotaState, error)
	DebitStreaming(ctx context.Context, accountID string, delta models.ByteCount) (quota.Result, error)
	DebitViewing(ctx context.Context, accountID string, delta models.ByteCount) (quota.Result, error)
}

// RecordStore persists the durable rows backing live sessions.
type RecordStore interface {
	CreateSessionRecord(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error)
	UpdateSessionRecord(ctx context.Context, id string, update models.SessionRecordUpdate) error
}

// StartNotice describes a session that just went live.
type StartNotice struct {
	Account   models.Account
	StreamKey string
	Path      string
	StartedAt time.Time
}

// StopNotice describes a session that just ended, with its terminal status
// and settled byte totals.
type StopNotice struct {
	Account   models.Account
	StreamKey string
	Path      string
	Status    string
	Duration  time.Duration
	BytesIn   models.ByteCount
	BytesOut  models.ByteCount
}

// Alert describes a quota breach. Action is "rejected" when an admission was
// refused and "terminated" when running work was cut off.
type Alert struct {
	Account models.Account
	Kind    string
	Action  string
	Used    models.ByteCount
	Limit   models.ByteCount
}

// SideEffects receives lifecycle side effects from the registry. StreamStopped
// may block briefly while collaborators shut down; every other method must
// return promptly.
type SideEffects interface {
	StreamStarted(ctx context.Context, notice StartNotice)
	StreamStopped(ctx context.Context, notice StopNotice)
	QuotaAlert(ctx context.Context, alert Alert)
	PublishQuota(ctx context.Context, accountID string)
}

// NoopSideEffects discards all side effects.
type NoopSideEffects struct{}

func (NoopSideEffects) StreamStarted(context.Context, StartNotice) {}

func (NoopSideEffects) StreamStopped(context.Context, StopNotice) {}

func (NoopSideEffects) QuotaAlert(context.Context, Alert) {}

func (NoopSideEffects) PublishQuota(context.Context, string) {}
