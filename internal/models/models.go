package models

import (
	"strings"
	"time"
)

// Session lifecycle statuses. A session leaves "live" exactly once; the
// terminal statuses are never overwritten by later events.
const (
	SessionStatusPending              = "pending"
	SessionStatusLive                 = "live"
	SessionStatusStopped              = "stopped"
	SessionStatusQuotaExceeded        = "quota_exceeded"
	SessionStatusViewingQuotaExceeded = "viewing_quota_exceeded"
)

// IsTerminalSessionStatus reports whether the status ends a session.
func IsTerminalSessionStatus(status string) bool {
	switch status {
	case SessionStatusStopped, SessionStatusQuotaExceeded, SessionStatusViewingQuotaExceeded:
		return true
	}
	return false
}

// Usage kinds tracked by the quota ledger.
const (
	QuotaKindRecording = "recording"
	QuotaKindStreaming = "streaming"
	QuotaKindViewing   = "viewing"
)

type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasPlan reports whether the account is on the provided plan, ignoring case.
func (a Account) HasPlan(plan string) bool {
	return strings.EqualFold(a.Plan, plan)
}

// UsageMeter tracks cumulative usage against a fixed limit. A zero limit
// means unlimited.
type UsageMeter struct {
	Used  ByteCount `json:"used"`
	Limit ByteCount `json:"limit"`
}

// UsageWindow tracks usage that resets on a month-aligned boundary. ResetAt
// is rolled forward lazily on first access past the boundary.
type UsageWindow struct {
	Used    ByteCount `json:"used"`
	Limit   ByteCount `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// QuotaState holds the three usage trackers for one account. When
// ViewingLimitSet is false the viewing tracker inherits the streaming limit
// instead of duplicating it.
type QuotaState struct {
	AccountID       string      `json:"accountId"`
	Recording       UsageMeter  `json:"recording"`
	Streaming       UsageWindow `json:"streaming"`
	Viewing         UsageWindow `json:"viewing"`
	ViewingLimitSet bool        `json:"viewingLimitSet"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// ViewingLimit resolves the effective viewing limit, applying streaming-limit
// inheritance when no explicit viewing limit is configured.
func (q QuotaState) ViewingLimit() ByteCount {
	if q.ViewingLimitSet {
		return q.Viewing.Limit
	}
	return q.Streaming.Limit
}

// StreamingExhausted reports whether the streaming allowance is used up. A
// zero limit means unlimited.
func (q QuotaState) StreamingExhausted() bool {
	return q.Streaming.Limit > 0 && q.Streaming.Used >= q.Streaming.Limit
}

// ViewingExhausted reports whether the effective viewing allowance is used up.
func (q QuotaState) ViewingExhausted() bool {
	limit := q.ViewingLimit()
	return limit > 0 && q.Viewing.Used >= limit
}

// SessionRecord is the durable row persisted for one ingest session.
type SessionRecord struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	StreamKey string     `json:"streamKey"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	BytesIn   ByteCount  `json:"bytesIn"`
	BytesOut  ByteCount  `json:"bytesOut"`
}

// SessionRecordUpdate carries the mutable fields of a session record. Nil
// fields are left untouched by the store.
type SessionRecordUpdate struct {
	Status   *string
	EndedAt  *time.Time
	BytesIn  *ByteCount
	BytesOut *ByteCount
}

// Recording describes an archived stream recording uploaded by the recorder
// collaborator.
type Recording struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	StreamKey       string    `json:"streamKey"`
	Filename        string    `json:"filename"`
	Location        string    `json:"location,omitempty"`
	SizeBytes       ByteCount `json:"sizeBytes"`
	DurationSeconds int       `json:"durationSeconds"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	CreatedAt       time.Time `json:"createdAt"`
}
