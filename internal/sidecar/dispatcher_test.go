package sidecar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/notify"
	"streamgate/internal/quota"
	"streamgate/internal/realtime"
	"streamgate/internal/session"
)

type fakeRecorder struct {
	mu       sync.Mutex
	started  []RecordingJob
	stopped  []string
	result   RecordingResult
	startErr error
	stopErr  error
	block    bool
}

func (f *fakeRecorder) StartRecording(_ context.Context, job RecordingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job)
	return f.startErr
}

func (f *fakeRecorder) StopRecording(ctx context.Context, streamKey string) (RecordingResult, error) {
	if f.block {
		<-ctx.Done()
		return RecordingResult{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, streamKey)
	if f.stopErr != nil {
		return RecordingResult{}, f.stopErr
	}
	return f.result, nil
}

type fakeRestreamer struct {
	mu      sync.Mutex
	started []RestreamJob
	stopped []string
}

func (f *fakeRestreamer) StartRestream(_ context.Context, job RestreamJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job)
	return nil
}

func (f *fakeRestreamer) StopRestream(_ context.Context, streamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, streamKey)
	return nil
}

func (f *fakeRestreamer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

type fakeSettlementLedger struct {
	mu       sync.Mutex
	used     models.ByteCount
	limit    models.ByteCount
	debits   []models.ByteCount
	credits  []models.ByteCount
	checkErr error
}

func (f *fakeSettlementLedger) Snapshot(_ context.Context, accountID string) (models.QuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.NewQuotaSnapshot(models.QuotaState{
		AccountID: accountID,
		Recording: models.UsageMeter{Used: f.used, Limit: f.limit},
	}), nil
}

func (f *fakeSettlementLedger) CheckRecording(_ context.Context, _ string, size models.ByteCount) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return false, f.checkErr
	}
	if f.limit == 0 {
		return true, nil
	}
	return f.used+size <= f.limit, nil
}

func (f *fakeSettlementLedger) DebitRecording(_ context.Context, _ string, size models.ByteCount) (quota.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, size)
	f.used += size
	return quota.Result{Kind: models.QuotaKindRecording, Allowed: true, Used: f.used, Limit: f.limit}, nil
}

func (f *fakeSettlementLedger) CreditRecording(_ context.Context, _ string, size models.ByteCount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits = append(f.credits, size)
	if size > f.used {
		f.used = 0
	} else {
		f.used -= size
	}
	return nil
}

type fakeLibrary struct {
	mu        sync.Mutex
	stored    []models.Recording
	evictable []models.Recording
	createErr error
}

func (f *fakeLibrary) CreateRecording(_ context.Context, recording models.Recording) (models.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return models.Recording{}, f.createErr
	}
	recording.ID = "rec-1"
	f.stored = append(f.stored, recording)
	return recording, nil
}

func (f *fakeLibrary) DeleteOldestRecording(_ context.Context, _ string) (models.Recording, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.evictable) == 0 {
		return models.Recording{}, false, nil
	}
	oldest := f.evictable[0]
	f.evictable = f.evictable[1:]
	return oldest, true, nil
}

type recordingNotifier struct {
	events chan notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan notify.Event, 16)}
}

func (n *recordingNotifier) Send(_ context.Context, event notify.Event) error {
	n.events <- event
	return nil
}

func (n *recordingNotifier) next(t *testing.T) notify.Event {
	t.Helper()
	select {
	case event := <-n.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return notify.Event{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamStartedLaunchesCollaborators(t *testing.T) {
	recorder := &fakeRecorder{}
	restreamer := &fakeRestreamer{}
	notifier := newRecordingNotifier()
	dispatcher := New(Config{
		Recorder:   recorder,
		Restreamer: restreamer,
		Notifier:   notifier,
		Logger:     testLogger(),
	})
	defer dispatcher.Close()

	dispatcher.StreamStarted(context.Background(), session.StartNotice{
		Account:   models.Account{ID: "acct-1", Username: "alice"},
		StreamKey: "key-1",
		Path:      "/live/key-1",
	})

	event := notifier.next(t)
	if event.Kind != notify.KindStreamStarted {
		t.Fatalf("expected stream.started, got %q", event.Kind)
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.started) != 1 || recorder.started[0].StreamKey != "key-1" {
		t.Fatalf("expected one recorder job for key-1, got %+v", recorder.started)
	}
}

func TestStreamStartedReportsCollaboratorFailure(t *testing.T) {
	recorder := &fakeRecorder{startErr: errors.New("recorder offline")}
	notifier := newRecordingNotifier()
	dispatcher := New(Config{
		Recorder: recorder,
		Notifier: notifier,
		Logger:   testLogger(),
	})
	defer dispatcher.Close()

	dispatcher.StreamStarted(context.Background(), session.StartNotice{
		Account:   models.Account{ID: "acct-1"},
		StreamKey: "key-1",
	})

	if event := notifier.next(t); event.Kind != notify.KindError {
		t.Fatalf("expected error notification first, got %q", event.Kind)
	}
	if event := notifier.next(t); event.Kind != notify.KindStreamStarted {
		t.Fatalf("expected stream.started after the error, got %q", event.Kind)
	}
}

func TestStreamStoppedSettlesRecording(t *testing.T) {
	recorder := &fakeRecorder{result: RecordingResult{
		Filename:        "key-1.mp4",
		SizeBytes:       500 << 20,
		DurationSeconds: 90,
	}}
	ledger := &fakeSettlementLedger{limit: 1 << 30}
	library := &fakeLibrary{}
	notifier := newRecordingNotifier()
	dispatcher := New(Config{
		Recorder: recorder,
		Ledger:   ledger,
		Library:  library,
		Notifier: notifier,
		Logger:   testLogger(),
	})
	defer dispatcher.Close()

	dispatcher.StreamStopped(context.Background(), session.StopNotice{
		Account:   models.Account{ID: "acct-1"},
		StreamKey: "key-1",
		Status:    models.SessionStatusStopped,
		Duration:  90 * time.Second,
	})

	if event := notifier.next(t); event.Kind != notify.KindRecordingSaved {
		t.Fatalf("expected recording.saved, got %q", event.Kind)
	}
	if event := notifier.next(t); event.Kind != notify.KindStreamStopped {
		t.Fatalf("expected stream.stopped, got %q", event.Kind)
	}
	if len(ledger.debits) != 1 || ledger.debits[0] != 500<<20 {
		t.Fatalf("expected one 500MB debit, got %v", ledger.debits)
	}
	if len(library.stored) != 1 || library.stored[0].Filename != "key-1.mp4" {
		t.Fatalf("expected the recording to be stored, got %+v", library.stored)
	}
}

func TestRecordingEvictionMakesRoom(t *testing.T) {
	recorder := &fakeRecorder{result: RecordingResult{Filename: "key-1.mp4", SizeBytes: 600 << 20}}
	ledger := &fakeSettlementLedger{used: 700 << 20, limit: 1 << 30}
	library := &fakeLibrary{evictable: []models.Recording{
		{ID: "old-1", AccountID: "acct-1", Filename: "old.mp4", SizeBytes: 400 << 20},
	}}
	notifier := newRecordingNotifier()
	dispatcher := New(Config{
		Recorder: recorder,
		Ledger:   ledger,
		Library:  library,
		Notifier: notifier,
		Logger:   testLogger(),
	})
	defer dispatcher.Close()

	dispatcher.StreamStopped(context.Background(), session.StopNotice{
		Account:   models.Account{ID: "acct-1"},
		StreamKey: "key-1",
		Status:    models.SessionStatusStopped,
	})

	if event := notifier.next(t); event.Kind != notify.KindRecordingDeleted {
		t.Fatalf("expected recording.deleted, got %q", event.Kind)
	}
	if event := notifier.next(t); event.Kind != notify.KindRecordingSaved {
		t.Fatalf("expected recording.saved, got %q", event.Kind)
	}
	if len(ledger.credits) != 1 || ledger.credits[0] != 400<<20 {
		t.Fatalf("expected the evicted size to be credited, got %v", ledger.credits)
	}
	// 700MB - 400MB evicted + 600MB saved.
	if ledger.used != 900<<20 {
		t.Fatalf("expected 900MB recorded usage, got %d", ledger.used)
	}
}

func TestRecordingDroppedWhenNothingToEvict(t *testing.T) {
	recorder := &fakeRecorder{result: RecordingResult{Filename: "key-1.mp4", SizeBytes: 2 << 30}}
	ledger := &fakeSettlementLedger{limit: 1 << 30}
	library := &fakeLibrary{}
	notifier := newRecordingNotifier()
	dispatcher := New(Config{
		Recorder: recorder,
		Ledger:   ledger,
		Library:  library,
		Notifier: notifier,
		Logger:   testLogger(),
	})
	defer dispatcher.Close()

	dispatcher.StreamStopped(context.Background(), session.StopNotice{
		Account:   models.Account{ID: "acct-1"},
		StreamKey: "key-1",
		Status:    models.SessionStatusStopped,
	})

	if event := notifier.next(t); event.Kind != notify.KindError {
		t.Fatalf("expected an error notification, got %q", event.Kind)
	}
	if event := notifier.next(t); event.Kind != notify.KindStreamStopped {
		t.Fatalf("expected stream.stopped, got %q", event.Kind)
	}
	if len(ledger.debits) != 0 || len(library.stored) != 0 {
		t.Fatal("expected the oversized recording to be dropped")
	}
}

func TestStreamStoppedBoundsCollaboratorWait(t *testing.T) {
	recorder := &fakeRecorder{block: true}
	restreamer := &fakeRestreamer{}
	notifier := newRecordingNotifier()
	dispatcher := New(Config{
		Recorder:    recorder,
		Restreamer:  restreamer,
		Notifier:    notifier,
		Logger:      testLogger(),
		StopTimeout: 50 * time.Millisecond,
	})
	defer dispatcher.Close()

	start := time.Now()
	dispatcher.StreamStopped(context.Background(), session.StopNotice{
		Account:   models.Account{ID: "acct-1"},
		StreamKey: "key-1",
		Status:    models.SessionStatusStopped,
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("teardown was not bounded, took %s", elapsed)
	}
	if restreamer.stopCount() != 1 {
		t.Fatal("expected the restreamer stop to proceed despite the stuck recorder")
	}
}

func TestPublishQuotaBroadcastsSnapshot(t *testing.T) {
	ledger := &fakeSettlementLedger{used: 512 << 20, limit: 1 << 30}
	bus := realtime.NewMemoryBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	dispatcher := New(Config{
		Ledger: ledger,
		Bus:    bus,
		Logger: testLogger(),
	})
	defer dispatcher.Close()

	dispatcher.PublishQuota(context.Background(), "acct-1")

	select {
	case update := <-sub.Updates():
		if update.AccountID != "acct-1" || update.Snapshot.Recording.Used != 512<<20 {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a quota update")
	}
}

func TestQuotaAlertNotifies(t *testing.T) {
	notifier := newRecordingNotifier()
	dispatcher := New(Config{Notifier: notifier, Logger: testLogger()})
	defer dispatcher.Close()

	dispatcher.QuotaAlert(context.Background(), session.Alert{
		Account: models.Account{ID: "acct-1", Username: "alice"},
		Kind:    models.QuotaKindStreaming,
		Action:  "terminated",
		Used:    110 << 20,
		Limit:   100 << 20,
	})

	if event := notifier.next(t); event.Kind != notify.KindQuotaAlert {
		t.Fatalf("expected quota.alert, got %q", event.Kind)
	}
}
