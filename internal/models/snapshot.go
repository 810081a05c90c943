package models

import "time"

// QuotaBucket is the dashboard-facing view of a single usage tracker. Byte
// fields serialize as decimal strings; the GB fields are pre-formatted so
// clients never repeat the float conversion.
type QuotaBucket struct {
	Used        ByteCount  `json:"used"`
	Limit       ByteCount  `json:"limit"`
	UsedGB      string     `json:"usedGB"`
	LimitGB     string     `json:"limitGB"`
	PercentUsed float64    `json:"percentUsed"`
	ResetAt     *time.Time `json:"resetAt,omitempty"`
}

// QuotaSnapshot is the real-time payload pushed to quota subscribers and
// served by the quota status endpoint.
type QuotaSnapshot struct {
	AccountID string      `json:"accountId"`
	Recording QuotaBucket `json:"recording"`
	Streaming QuotaBucket `json:"streaming"`
	Viewing   QuotaBucket `json:"viewing"`
}

func newQuotaBucket(used, limit ByteCount, resetAt *time.Time) QuotaBucket {
	return QuotaBucket{
		Used:        used,
		Limit:       limit,
		UsedGB:      used.GBString(),
		LimitGB:     limit.GBString(),
		PercentUsed: used.PercentOf(limit),
		ResetAt:     resetAt,
	}
}

// NewQuotaSnapshot formats the ledger state for subscribers, resolving the
// viewing-limit inheritance so consumers always see an effective limit.
func NewQuotaSnapshot(state QuotaState) QuotaSnapshot {
	streamingReset := state.Streaming.ResetAt
	viewingReset := state.Viewing.ResetAt
	var streamingResetPtr, viewingResetPtr *time.Time
	if !streamingReset.IsZero() {
		streamingResetPtr = &streamingReset
	}
	if !viewingReset.IsZero() {
		viewingResetPtr = &viewingReset
	}
	return QuotaSnapshot{
		AccountID: state.AccountID,
		Recording: newQuotaBucket(state.Recording.Used, state.Recording.Limit, nil),
		Streaming: newQuotaBucket(state.Streaming.Used, state.Streaming.Limit, streamingResetPtr),
		Viewing:   newQuotaBucket(state.Viewing.Used, state.ViewingLimit(), viewingResetPtr),
	}
}
