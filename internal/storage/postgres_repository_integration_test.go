//go:build postgres

package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/quota"
)

func postgresTestRepository(t *testing.T) Repository {
	t.Helper()
	dsn := os.Getenv("STREAMGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMGATE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	repo, err := NewPostgresRepository(ctx, dsn,
		WithPostgresPoolLimits(4, 1),
		WithPostgresApplicationName("streamgate-test"))
	if err != nil {
		t.Fatalf("NewPostgresRepository error: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = repo.Close(closeCtx)
	})
	return repo
}

func TestPostgresAccountAndQuotaRoundTrip(t *testing.T) {
	repo := postgresTestRepository(t)
	ctx := context.Background()

	account, streamKey, err := repo.CreateAccount(ctx, CreateAccountParams{
		Username:       "pg-roundtrip-" + time.Now().UTC().Format("150405.000000000"),
		Plan:           "starter",
		StreamingLimit: 5 << 30,
	})
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}

	found, ok, err := repo.FindAccountByCredential(ctx, streamKey)
	if err != nil || !ok || found.ID != account.ID {
		t.Fatalf("credential lookup failed: ok=%v err=%v account=%+v", ok, err, found)
	}

	state, err := repo.LoadQuota(ctx, account.ID)
	if err != nil {
		t.Fatalf("LoadQuota returned error: %v", err)
	}
	state.Streaming.Used = 1 << 30
	state.Streaming.ResetAt = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	state.UpdatedAt = time.Now().UTC()
	if err := repo.SaveQuota(ctx, state); err != nil {
		t.Fatalf("SaveQuota returned error: %v", err)
	}
	reloaded, err := repo.LoadQuota(ctx, account.ID)
	if err != nil {
		t.Fatalf("LoadQuota after save returned error: %v", err)
	}
	if reloaded.Streaming.Used != 1<<30 || !reloaded.Streaming.ResetAt.Equal(state.Streaming.ResetAt) {
		t.Fatalf("unexpected reloaded quota: %+v", reloaded)
	}

	if _, err := repo.LoadQuota(ctx, "missing-account"); !errors.Is(err, quota.ErrQuotaNotFound) {
		t.Fatalf("expected ErrQuotaNotFound, got %v", err)
	}
}

func TestPostgresSessionRecordsAndRecordings(t *testing.T) {
	repo := postgresTestRepository(t)
	ctx := context.Background()

	account, _, err := repo.CreateAccount(ctx, CreateAccountParams{
		Username: "pg-records-" + time.Now().UTC().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}

	record, err := repo.CreateSessionRecord(ctx, models.SessionRecord{
		AccountID: account.ID,
		StreamKey: "key-1",
		Status:    models.SessionStatusLive,
	})
	if err != nil {
		t.Fatalf("CreateSessionRecord returned error: %v", err)
	}
	status := models.SessionStatusStopped
	bytesIn := models.ByteCount(256 << 20)
	ended := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.UpdateSessionRecord(ctx, record.ID, models.SessionRecordUpdate{
		Status: &status, EndedAt: &ended, BytesIn: &bytesIn,
	}); err != nil {
		t.Fatalf("UpdateSessionRecord returned error: %v", err)
	}
	records, err := repo.ListSessionRecords(ctx, account.ID, 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("ListSessionRecords returned %d records, err=%v", len(records), err)
	}
	if records[0].Status != status || records[0].BytesIn != bytesIn {
		t.Fatalf("unexpected record: %+v", records[0])
	}

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 2; i++ {
		_, err := repo.CreateRecording(ctx, models.Recording{
			AccountID: account.ID,
			Filename:  "rec.mp4",
			SizeBytes: 100 << 20,
			StartedAt: base,
			EndedAt:   base.Add(30 * time.Minute),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateRecording returned error: %v", err)
		}
	}
	oldest, ok, err := repo.DeleteOldestRecording(ctx, account.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteOldestRecording returned ok=%v err=%v", ok, err)
	}
	if !oldest.CreatedAt.Equal(base) {
		t.Fatalf("expected oldest recording from %v, got %v", base, oldest.CreatedAt)
	}
}
