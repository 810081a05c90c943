package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/quota"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func mustCreateAccount(t *testing.T, store *Storage, username string) (models.Account, string) {
	t.Helper()
	account, streamKey, err := store.CreateAccount(context.Background(), CreateAccountParams{
		Username:       username,
		Plan:           "starter",
		RecordingLimit: 1 << 30,
		StreamingLimit: 10 << 30,
	})
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}
	return account, streamKey
}

func TestCreateAccountProvisionsQuota(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, streamKey := mustCreateAccount(t, store, "alice")
	if account.ID == "" {
		t.Fatal("expected account ID to be set")
	}
	if streamKey == "" {
		t.Fatal("expected a plaintext stream key")
	}

	state, err := store.LoadQuota(ctx, account.ID)
	if err != nil {
		t.Fatalf("LoadQuota returned error: %v", err)
	}
	if state.Streaming.Limit != 10<<30 {
		t.Fatalf("expected streaming limit %d, got %d", uint64(10<<30), state.Streaming.Limit)
	}
	if state.ViewingLimitSet {
		t.Fatal("expected viewing limit to inherit from streaming")
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts returned error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Username != "alice" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestCreateAccountRejectsDuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	mustCreateAccount(t, store, "alice")

	_, _, err := store.CreateAccount(context.Background(), CreateAccountParams{Username: "ALICE"})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
}

func TestFindAccountByCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, streamKey := mustCreateAccount(t, store, "alice")

	found, ok, err := store.FindAccountByCredential(ctx, streamKey)
	if err != nil {
		t.Fatalf("FindAccountByCredential returned error: %v", err)
	}
	if !ok || found.ID != account.ID {
		t.Fatalf("expected account %s, got ok=%v account=%+v", account.ID, ok, found)
	}

	if _, ok, err := store.FindAccountByCredential(ctx, "WRONGKEY"); err != nil || ok {
		t.Fatalf("expected miss for unknown key, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.FindAccountByCredential(ctx, ""); err != nil || ok {
		t.Fatalf("expected miss for empty credential, got ok=%v err=%v", ok, err)
	}
}

func TestRotateStreamKeyInvalidatesOldKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, oldKey := mustCreateAccount(t, store, "alice")

	newKey, err := store.RotateStreamKey(ctx, account.ID)
	if err != nil {
		t.Fatalf("RotateStreamKey returned error: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("expected a fresh stream key")
	}

	if _, ok, _ := store.FindAccountByCredential(ctx, oldKey); ok {
		t.Fatal("expected old key to stop authenticating")
	}
	if _, ok, _ := store.FindAccountByCredential(ctx, newKey); !ok {
		t.Fatal("expected new key to authenticate")
	}

	if _, err := store.RotateStreamKey(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLoadQuotaMissingAccount(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadQuota(context.Background(), "missing")
	if !errors.Is(err, quota.ErrQuotaNotFound) {
		t.Fatalf("expected ErrQuotaNotFound, got %v", err)
	}
}

func TestUpdateQuotaLimitsSetsViewingOverride(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, _ := mustCreateAccount(t, store, "alice")

	viewing := models.ByteCount(2 << 30)
	state, err := store.UpdateQuotaLimits(ctx, account.ID, QuotaLimits{Viewing: &viewing})
	if err != nil {
		t.Fatalf("UpdateQuotaLimits returned error: %v", err)
	}
	if !state.ViewingLimitSet || state.Viewing.Limit != viewing {
		t.Fatalf("expected explicit viewing limit %d, got %+v", viewing, state)
	}
	if state.Streaming.Limit != 10<<30 {
		t.Fatalf("expected streaming limit untouched, got %d", state.Streaming.Limit)
	}
}

func TestSessionRecordLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, _ := mustCreateAccount(t, store, "alice")

	first, err := store.CreateSessionRecord(ctx, models.SessionRecord{
		AccountID: account.ID,
		StreamKey: "key-1",
		Status:    models.SessionStatusLive,
		StartedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateSessionRecord returned error: %v", err)
	}
	second, err := store.CreateSessionRecord(ctx, models.SessionRecord{
		AccountID: account.ID,
		StreamKey: "key-1",
		Status:    models.SessionStatusLive,
		StartedAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateSessionRecord returned error: %v", err)
	}

	status := models.SessionStatusStopped
	ended := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)
	bytesIn := models.ByteCount(512 << 20)
	if err := store.UpdateSessionRecord(ctx, first.ID, models.SessionRecordUpdate{
		Status:  &status,
		EndedAt: &ended,
		BytesIn: &bytesIn,
	}); err != nil {
		t.Fatalf("UpdateSessionRecord returned error: %v", err)
	}

	records, err := store.ListSessionRecords(ctx, account.ID, 0)
	if err != nil {
		t.Fatalf("ListSessionRecords returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != second.ID {
		t.Fatalf("expected newest record first, got %s", records[0].ID)
	}
	if records[1].Status != models.SessionStatusStopped || records[1].BytesIn != bytesIn {
		t.Fatalf("unexpected updated record: %+v", records[1])
	}
	if records[1].EndedAt == nil || !records[1].EndedAt.Equal(ended) {
		t.Fatalf("expected ended at %v, got %v", ended, records[1].EndedAt)
	}

	limited, err := store.ListSessionRecords(ctx, account.ID, 1)
	if err != nil {
		t.Fatalf("ListSessionRecords returned error: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Fatalf("expected only the newest record, got %+v", limited)
	}

	if err := store.UpdateSessionRecord(ctx, "missing", models.SessionRecordUpdate{Status: &status}); !errors.Is(err, ErrSessionRecordNotFound) {
		t.Fatalf("expected ErrSessionRecordNotFound, got %v", err)
	}
}

func TestDeleteOldestRecording(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, _ := mustCreateAccount(t, store, "alice")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.CreateRecording(ctx, models.Recording{
			AccountID: account.ID,
			Filename:  "rec.mp4",
			SizeBytes: models.ByteCount(100 << 20),
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			EndedAt:   base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateRecording returned error: %v", err)
		}
	}

	oldest, ok, err := store.DeleteOldestRecording(ctx, account.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteOldestRecording returned ok=%v err=%v", ok, err)
	}
	if !oldest.CreatedAt.Equal(base) {
		t.Fatalf("expected oldest recording from %v, got %v", base, oldest.CreatedAt)
	}

	remaining, err := store.ListRecordings(ctx, account.ID)
	if err != nil {
		t.Fatalf("ListRecordings returned error: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 recordings left, got %d", len(remaining))
	}

	if _, ok, err := store.DeleteOldestRecording(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no recording for unknown account, got ok=%v err=%v", ok, err)
	}
}

func TestPersistFailureLeavesDataUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, _ := mustCreateAccount(t, store, "alice")

	persistErr := errors.New("disk full")
	store.persistOverride = func(dataset) error { return persistErr }

	state := models.QuotaState{AccountID: account.ID, Streaming: models.UsageWindow{Used: 1 << 30}}
	if err := store.SaveQuota(ctx, state); !errors.Is(err, persistErr) {
		t.Fatalf("expected persist error, got %v", err)
	}

	loaded, err := store.LoadQuota(ctx, account.ID)
	if err != nil {
		t.Fatalf("LoadQuota returned error: %v", err)
	}
	if loaded.Streaming.Used != 0 {
		t.Fatalf("expected streaming usage untouched, got %d", loaded.Streaming.Used)
	}
}

func TestReopenLoadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	account, streamKey := mustCreateAccount(t, store, "alice")

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	found, ok, err := reopened.FindAccountByCredential(ctx, streamKey)
	if err != nil || !ok {
		t.Fatalf("expected credential to survive reopen, got ok=%v err=%v", ok, err)
	}
	if found.ID != account.ID {
		t.Fatalf("expected account %s, got %s", account.ID, found.ID)
	}
	if _, err := reopened.LoadQuota(ctx, account.ID); err != nil {
		t.Fatalf("expected quota to survive reopen, got %v", err)
	}
}
