// Package notify delivers operator notifications for session lifecycle and
// quota events to a configured webhook endpoint.
package notify

import (
	"context"
	"fmt"
	"time"

	"streamgate/internal/models"
)

// Event kinds delivered to the operator webhook.
const (
	KindStreamStarted    = "stream.started"
	KindStreamStopped    = "stream.stopped"
	KindQuotaAlert       = "quota.alert"
	KindRecordingSaved   = "recording.saved"
	KindRecordingDeleted = "recording.deleted"
	KindError            = "error"
)

// Event is one operator notification. Message is pre-rendered for humans;
// the structured fields are for machine consumers.
type Event struct {
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	AccountID string    `json:"accountId,omitempty"`
	StreamKey string    `json:"streamKey,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers events. Implementations must tolerate being called
// concurrently.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// Noop discards all events.
type Noop struct{}

func (Noop) Send(context.Context, Event) error { return nil }

// StreamStarted builds the notification for a session going live.
func StreamStarted(account models.Account, streamKey string, at time.Time) Event {
	return Event{
		Kind:      KindStreamStarted,
		Title:     "Stream started",
		Message:   fmt.Sprintf("%s is now live", displayName(account)),
		AccountID: account.ID,
		StreamKey: streamKey,
		At:        at,
	}
}

// StreamStopped builds the notification for a session ending, including its
// terminal status and settled byte totals.
func StreamStopped(account models.Account, streamKey, status string, duration time.Duration, bytesIn, bytesOut models.ByteCount, at time.Time) Event {
	return Event{
		Kind:  KindStreamStopped,
		Title: "Stream stopped",
		Message: fmt.Sprintf("%s stopped after %s (%s, ingested %s, delivered %s)",
			displayName(account),
			duration.Round(time.Second),
			status,
			models.FormatBytes(bytesIn),
			models.FormatBytes(bytesOut)),
		AccountID: account.ID,
		StreamKey: streamKey,
		At:        at,
	}
}

// QuotaAlert builds the notification for a quota breach. Action is "rejected"
// or "terminated" depending on whether work was refused or cut off.
func QuotaAlert(account models.Account, kind, action string, used, limit models.ByteCount, at time.Time) Event {
	return Event{
		Kind:  KindQuotaAlert,
		Title: "Quota exceeded",
		Message: fmt.Sprintf("%s %s quota exhausted, %s: %s of %s used",
			displayName(account),
			kind,
			action,
			models.FormatBytes(used),
			models.FormatBytes(limit)),
		AccountID: account.ID,
		At:        at,
	}
}

// RecordingSaved builds the notification for a settled recording.
func RecordingSaved(recording models.Recording, at time.Time) Event {
	return Event{
		Kind:      KindRecordingSaved,
		Title:     "Recording saved",
		Message:   fmt.Sprintf("recording %s saved (%s)", recording.Filename, models.FormatBytes(recording.SizeBytes)),
		AccountID: recording.AccountID,
		StreamKey: recording.StreamKey,
		At:        at,
	}
}

// RecordingDeleted builds the notification for a recording evicted to make
// room under the recording allowance.
func RecordingDeleted(recording models.Recording, at time.Time) Event {
	return Event{
		Kind:      KindRecordingDeleted,
		Title:     "Recording deleted",
		Message:   fmt.Sprintf("recording %s deleted to free %s", recording.Filename, models.FormatBytes(recording.SizeBytes)),
		AccountID: recording.AccountID,
		StreamKey: recording.StreamKey,
		At:        at,
	}
}

// OperationalError builds the notification for a collaborator failure the
// operator should look at.
func OperationalError(scope string, err error, at time.Time) Event {
	return Event{
		Kind:    KindError,
		Title:   "Operational error",
		Message: fmt.Sprintf("%s: %v", scope, err),
		At:      at,
	}
}

func displayName(account models.Account) string {
	if account.Username != "" {
		return account.Username
	}
	if account.ID != "" {
		return account.ID
	}
	return "unknown account"
}
