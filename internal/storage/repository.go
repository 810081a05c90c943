// Package storage persists accounts, stream credentials, quota state, session
// records and recording metadata. Two implementations exist: a JSON file store
// for single-node deployments and a Postgres-backed repository for everything
// else.
package storage

import (
	"context"
	"errors"

	"streamgate/internal/models"
)

var (
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateUsername indicates the username is already taken.
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrInvalidCredentials indicates a stream key failed verification.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionRecordNotFound indicates the session record does not exist.
	ErrSessionRecordNotFound = errors.New("session record not found")
)

// CreateAccountParams describes a new account and its initial quota limits.
// A zero limit means unlimited. ViewingLimit nil leaves the viewing window
// inheriting the streaming limit.
type CreateAccountParams struct {
	Username       string
	Email          string
	Plan           string
	RecordingLimit models.ByteCount
	StreamingLimit models.ByteCount
	ViewingLimit   *models.ByteCount
}

// QuotaLimits carries limit overrides for an existing account. Nil fields are
// left untouched; setting ViewingLimit breaks the streaming-limit
// inheritance.
type QuotaLimits struct {
	Recording *models.ByteCount
	Streaming *models.ByteCount
	Viewing   *models.ByteCount
}

// Repository is the persistence surface shared by the JSON and Postgres
// stores. CreateAccount and RotateStreamKey return the plaintext stream key
// exactly once; only a derived hash is ever stored.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, string, error)
	GetAccount(ctx context.Context, id string) (models.Account, bool, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	RotateStreamKey(ctx context.Context, accountID string) (string, error)
	FindAccountByCredential(ctx context.Context, credential string) (models.Account, bool, error)

	LoadQuota(ctx context.Context, accountID string) (models.QuotaState, error)
	SaveQuota(ctx context.Context, state models.QuotaState) error
	UpdateQuotaLimits(ctx context.Context, accountID string, limits QuotaLimits) (models.QuotaState, error)

	CreateSessionRecord(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error)
	UpdateSessionRecord(ctx context.Context, id string, update models.SessionRecordUpdate) error
	ListSessionRecords(ctx context.Context, accountID string, limit int) ([]models.SessionRecord, error)

	CreateRecording(ctx context.Context, recording models.Recording) (models.Recording, error)
	ListRecordings(ctx context.Context, accountID string) ([]models.Recording, error)
	DeleteOldestRecording(ctx context.Context, accountID string) (models.Recording, bool, error)
}
