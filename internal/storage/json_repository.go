package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/quota"
)

// credentialRecord stores one stream key at rest. The map key in the dataset
// is the lookup digest; the plaintext key never lands on disk.
type credentialRecord struct {
	AccountID string    `json:"accountId"`
	KeyHash   string    `json:"keyHash"`
	CreatedAt time.Time `json:"createdAt"`
}

type dataset struct {
	Accounts       map[string]models.Account       `json:"accounts"`
	Credentials    map[string]credentialRecord     `json:"credentials"`
	Quotas         map[string]models.QuotaState    `json:"quotas"`
	SessionRecords map[string]models.SessionRecord `json:"sessionRecords"`
	Recordings     map[string]models.Recording     `json:"recordings"`
}

func newDataset() dataset {
	return dataset{
		Accounts:       make(map[string]models.Account),
		Credentials:    make(map[string]credentialRecord),
		Quotas:         make(map[string]models.QuotaState),
		SessionRecords: make(map[string]models.SessionRecord),
		Recordings:     make(map[string]models.Recording),
	}
}

// Storage is the JSON file backend. Every mutation clones the dataset,
// applies the change and persists before swapping the in-memory copy, so a
// failed write never leaves partial state behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON store and returns it behind the Repository
// interface.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.Account)
	}
	if s.data.Credentials == nil {
		s.data.Credentials = make(map[string]credentialRecord)
	}
	if s.data.Quotas == nil {
		s.data.Quotas = make(map[string]models.QuotaState)
	}
	if s.data.SessionRecords == nil {
		s.data.SessionRecords = make(map[string]models.SessionRecord)
	}
	if s.data.Recordings == nil {
		s.data.Recordings = make(map[string]models.Recording)
	}
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, account := range src.Accounts {
		clone.Accounts[id] = account
	}
	for digest, cred := range src.Credentials {
		clone.Credentials[digest] = cred
	}
	for id, state := range src.Quotas {
		clone.Quotas[id] = state
	}
	for id, record := range src.SessionRecords {
		cloned := record
		if record.EndedAt != nil {
			ended := *record.EndedAt
			cloned.EndedAt = &ended
		}
		clone.SessionRecords[id] = cloned
	}
	for id, recording := range src.Recordings {
		clone.Recordings[id] = recording
	}
	return clone
}

func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, string, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return models.Account{}, "", errors.New("username is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Account{}, "", err
	}
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Account{}, "", err
	}
	keyHash, err := hashStreamKey(streamKey)
	if err != nil {
		return models.Account{}, "", fmt.Errorf("hash stream key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Accounts {
		if strings.EqualFold(existing.Username, username) {
			return models.Account{}, "", ErrDuplicateUsername
		}
	}

	now := s.now()
	account := models.Account{
		ID:        id,
		Username:  username,
		Email:     strings.TrimSpace(params.Email),
		Plan:      strings.TrimSpace(params.Plan),
		CreatedAt: now,
	}
	state := newQuotaState(id, params, now)

	updated := cloneDataset(s.data)
	updated.Accounts[id] = account
	updated.Credentials[lookupDigest(streamKey)] = credentialRecord{
		AccountID: id,
		KeyHash:   keyHash,
		CreatedAt: now,
	}
	updated.Quotas[id] = state

	if err := s.persistDataset(updated); err != nil {
		return models.Account{}, "", err
	}
	s.data = updated

	return account, streamKey, nil
}

func newQuotaState(accountID string, params CreateAccountParams, now time.Time) models.QuotaState {
	state := models.QuotaState{
		AccountID: accountID,
		Recording: models.UsageMeter{Limit: params.RecordingLimit},
		Streaming: models.UsageWindow{Limit: params.StreamingLimit},
		UpdatedAt: now,
	}
	if params.ViewingLimit != nil {
		state.Viewing.Limit = *params.ViewingLimit
		state.ViewingLimitSet = true
	}
	return state
}

func (s *Storage) GetAccount(ctx context.Context, id string) (models.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.data.Accounts[id]
	return account, ok, nil
}

func (s *Storage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]models.Account, 0, len(s.data.Accounts))
	for _, account := range s.data.Accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts, nil
}

// RotateStreamKey replaces the stream key for an account. The previous key
// stops authenticating immediately.
func (s *Storage) RotateStreamKey(ctx context.Context, accountID string) (string, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return "", err
	}
	keyHash, err := hashStreamKey(streamKey)
	if err != nil {
		return "", fmt.Errorf("hash stream key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Accounts[accountID]; !ok {
		return "", ErrAccountNotFound
	}

	updated := cloneDataset(s.data)
	for digest, cred := range updated.Credentials {
		if cred.AccountID == accountID {
			delete(updated.Credentials, digest)
		}
	}
	updated.Credentials[lookupDigest(streamKey)] = credentialRecord{
		AccountID: accountID,
		KeyHash:   keyHash,
		CreatedAt: s.now(),
	}

	if err := s.persistDataset(updated); err != nil {
		return "", err
	}
	s.data = updated

	return streamKey, nil
}

func (s *Storage) FindAccountByCredential(ctx context.Context, credential string) (models.Account, bool, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return models.Account{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.data.Credentials[lookupDigest(credential)]
	if !ok {
		return models.Account{}, false, nil
	}
	if err := verifyStreamKey(cred.KeyHash, credential); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.Account{}, false, nil
		}
		return models.Account{}, false, err
	}
	account, ok := s.data.Accounts[cred.AccountID]
	if !ok {
		return models.Account{}, false, nil
	}
	return account, true, nil
}

func (s *Storage) LoadQuota(ctx context.Context, accountID string) (models.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.data.Quotas[accountID]
	if !ok {
		return models.QuotaState{}, quota.ErrQuotaNotFound
	}
	return state, nil
}

func (s *Storage) SaveQuota(ctx context.Context, state models.QuotaState) error {
	if strings.TrimSpace(state.AccountID) == "" {
		return errors.New("quota state requires an account id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	updated.Quotas[state.AccountID] = state

	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func (s *Storage) UpdateQuotaLimits(ctx context.Context, accountID string, limits QuotaLimits) (models.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.data.Quotas[accountID]
	if !ok {
		return models.QuotaState{}, quota.ErrQuotaNotFound
	}
	if limits.Recording != nil {
		state.Recording.Limit = *limits.Recording
	}
	if limits.Streaming != nil {
		state.Streaming.Limit = *limits.Streaming
	}
	if limits.Viewing != nil {
		state.Viewing.Limit = *limits.Viewing
		state.ViewingLimitSet = true
	}
	state.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Quotas[accountID] = state

	if err := s.persistDataset(updated); err != nil {
		return models.QuotaState{}, err
	}
	s.data = updated
	return state, nil
}

func (s *Storage) CreateSessionRecord(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	if record.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.SessionRecord{}, err
		}
		record.ID = id
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Accounts[record.AccountID]; !ok {
		return models.SessionRecord{}, ErrAccountNotFound
	}

	updated := cloneDataset(s.data)
	updated.SessionRecords[record.ID] = record

	if err := s.persistDataset(updated); err != nil {
		return models.SessionRecord{}, err
	}
	s.data = updated
	return record, nil
}

func (s *Storage) UpdateSessionRecord(ctx context.Context, id string, update models.SessionRecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.SessionRecords[id]
	if !ok {
		return ErrSessionRecordNotFound
	}
	if update.Status != nil {
		record.Status = *update.Status
	}
	if update.EndedAt != nil {
		ended := *update.EndedAt
		record.EndedAt = &ended
	}
	if update.BytesIn != nil {
		record.BytesIn = *update.BytesIn
	}
	if update.BytesOut != nil {
		record.BytesOut = *update.BytesOut
	}

	updated := cloneDataset(s.data)
	updated.SessionRecords[id] = record

	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func (s *Storage) ListSessionRecords(ctx context.Context, accountID string, limit int) ([]models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.SessionRecord, 0, len(s.data.SessionRecords))
	for _, record := range s.data.SessionRecords {
		if accountID != "" && record.AccountID != accountID {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Storage) CreateRecording(ctx context.Context, recording models.Recording) (models.Recording, error) {
	if recording.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Recording{}, err
		}
		recording.ID = id
	}
	if recording.CreatedAt.IsZero() {
		recording.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Accounts[recording.AccountID]; !ok {
		return models.Recording{}, ErrAccountNotFound
	}

	updated := cloneDataset(s.data)
	updated.Recordings[recording.ID] = recording

	if err := s.persistDataset(updated); err != nil {
		return models.Recording{}, err
	}
	s.data = updated
	return recording, nil
}

func (s *Storage) ListRecordings(ctx context.Context, accountID string) ([]models.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recordings := make([]models.Recording, 0, len(s.data.Recordings))
	for _, recording := range s.data.Recordings {
		if accountID != "" && recording.AccountID != accountID {
			continue
		}
		recordings = append(recordings, recording)
	}
	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].CreatedAt.Equal(recordings[j].CreatedAt) {
			return recordings[i].ID < recordings[j].ID
		}
		return recordings[i].CreatedAt.After(recordings[j].CreatedAt)
	})
	return recordings, nil
}

// DeleteOldestRecording removes the account's oldest recording so the
// eviction loop can reclaim storage quota. The second return is false when
// the account has no recordings left.
func (s *Storage) DeleteOldestRecording(ctx context.Context, accountID string) (models.Recording, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest models.Recording
	found := false
	for _, recording := range s.data.Recordings {
		if recording.AccountID != accountID {
			continue
		}
		if !found || recording.CreatedAt.Before(oldest.CreatedAt) ||
			(recording.CreatedAt.Equal(oldest.CreatedAt) && recording.ID < oldest.ID) {
			oldest = recording
			found = true
		}
	}
	if !found {
		return models.Recording{}, false, nil
	}

	updated := cloneDataset(s.data)
	delete(updated.Recordings, oldest.ID)

	if err := s.persistDataset(updated); err != nil {
		return models.Recording{}, false, err
	}
	s.data = updated
	return oldest, true, nil
}

var _ Repository = (*Storage)(nil)
