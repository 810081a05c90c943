package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamgate/internal/models"
	"streamgate/internal/notify"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/quota"
	"streamgate/internal/realtime"
	"streamgate/internal/session"
)

// DefaultStopTimeout bounds how long a session teardown waits for
// collaborators to shut down.
const DefaultStopTimeout = 10 * time.Second

// maxEvictions caps how many old recordings one settlement may delete to
// make room.
const maxEvictions = 32

// SettlementLedger is the slice of the quota ledger the dispatcher uses for
// recording settlement and snapshot publication.
type SettlementLedger interface {
	Snapshot(ctx context.Context, accountID string) (models.QuotaSnapshot, error)
	CheckRecording(ctx context.Context, accountID string, size models.ByteCount) (bool, error)
	DebitRecording(ctx context.Context, accountID string, size models.ByteCount) (quota.Result, error)
	CreditRecording(ctx context.Context, accountID string, size models.ByteCount) error
}

// RecordingLibrary stores recording metadata and supports oldest-first
// eviction.
type RecordingLibrary interface {
	CreateRecording(ctx context.Context, recording models.Recording) (models.Recording, error)
	DeleteOldestRecording(ctx context.Context, accountID string) (models.Recording, bool, error)
}

// Config wires the dispatcher's collaborators. Everything is optional;
// missing collaborators degrade to no-ops.
type Config struct {
	Recorder    Recorder
	Restreamer  Restreamer
	Ledger      SettlementLedger
	Library     RecordingLibrary
	Notifier    notify.Notifier
	Bus         realtime.Bus
	Logger      *slog.Logger
	StopTimeout time.Duration
	Clock       func() time.Time
}

// Dispatcher fans session side effects out to collaborator services. Starts
// are fire-and-forget so lifecycle transitions never wait on a slow
// collaborator; stops are awaited with a bounded timeout so recordings can
// settle before the teardown returns.
type Dispatcher struct {
	recorder    Recorder
	restreamer  Restreamer
	ledger      SettlementLedger
	library     RecordingLibrary
	notifier    notify.Notifier
	bus         realtime.Bus
	logger      *slog.Logger
	stopTimeout time.Duration
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Dispatcher from the provided configuration.
func New(cfg Config) *Dispatcher {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	restreamer := cfg.Restreamer
	if restreamer == nil {
		restreamer = NoopRestreamer{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		recorder:    recorder,
		restreamer:  restreamer,
		ledger:      cfg.Ledger,
		library:     cfg.Library,
		notifier:    notifier,
		bus:         cfg.Bus,
		logger:      logger,
		stopTimeout: stopTimeout,
		now:         clock,
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
}

// Close cancels outstanding fire-and-forget work and waits for it to drain.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// StreamStarted kicks off the recorder and restreamer for a new live session
// and announces it. The caller is never blocked.
func (d *Dispatcher) StreamStarted(_ context.Context, notice session.StartNotice) {
	d.launch(func(ctx context.Context) {
		metrics.ObserveCollaboratorCall("start_recorder")
		if err := d.recorder.StartRecording(ctx, RecordingJob{
			StreamKey: notice.StreamKey,
			Path:      notice.Path,
			AccountID: notice.Account.ID,
		}); err != nil {
			metrics.ObserveCollaboratorFailure("start_recorder")
			d.logger.Error("start recorder", "stream_key", notice.StreamKey, "error", err)
			d.send(ctx, notify.OperationalError("start recorder", err, d.now()))
		}

		metrics.ObserveCollaboratorCall("start_restreamer")
		if err := d.restreamer.StartRestream(ctx, RestreamJob{
			StreamKey: notice.StreamKey,
			Path:      notice.Path,
			AccountID: notice.Account.ID,
		}); err != nil {
			metrics.ObserveCollaboratorFailure("start_restreamer")
			d.logger.Error("start restreamer", "stream_key", notice.StreamKey, "error", err)
			d.send(ctx, notify.OperationalError("start restreamer", err, d.now()))
		}

		d.send(ctx, notify.StreamStarted(notice.Account, notice.StreamKey, notice.StartedAt))
	})
}

// StreamStopped shuts the collaborators down in parallel, waiting at most
// StopTimeout, then settles the captured recording against the recording
// allowance and announces the end of the session.
func (d *Dispatcher) StreamStopped(_ context.Context, notice session.StopNotice) {
	stopCtx, cancel := context.WithTimeout(d.baseCtx, d.stopTimeout)
	defer cancel()

	var result RecordingResult
	var captured bool
	g, gctx := errgroup.WithContext(stopCtx)
	g.Go(func() error {
		metrics.ObserveCollaboratorCall("stop_recorder")
		res, err := d.recorder.StopRecording(gctx, notice.StreamKey)
		if err != nil {
			metrics.ObserveCollaboratorFailure("stop_recorder")
			d.logger.Error("stop recorder", "stream_key", notice.StreamKey, "error", err)
			d.send(gctx, notify.OperationalError("stop recorder", err, d.now()))
			return nil
		}
		result = res
		captured = true
		return nil
	})
	g.Go(func() error {
		metrics.ObserveCollaboratorCall("stop_restreamer")
		if err := d.restreamer.StopRestream(gctx, notice.StreamKey); err != nil {
			metrics.ObserveCollaboratorFailure("stop_restreamer")
			d.logger.Error("stop restreamer", "stream_key", notice.StreamKey, "error", err)
			d.send(gctx, notify.OperationalError("stop restreamer", err, d.now()))
		}
		return nil
	})
	_ = g.Wait()

	if captured && result.SizeBytes > 0 {
		d.settleRecording(d.baseCtx, notice, result)
	}
	d.send(d.baseCtx, notify.StreamStopped(
		notice.Account,
		notice.StreamKey,
		notice.Status,
		notice.Duration,
		notice.BytesIn,
		notice.BytesOut,
		d.now()))
}

// QuotaAlert announces a quota breach without blocking the caller.
func (d *Dispatcher) QuotaAlert(_ context.Context, alert session.Alert) {
	d.launch(func(ctx context.Context) {
		d.send(ctx, notify.QuotaAlert(alert.Account, alert.Kind, alert.Action, alert.Used, alert.Limit, d.now()))
	})
}

// PublishQuota pushes a fresh quota snapshot to realtime subscribers without
// blocking the caller.
func (d *Dispatcher) PublishQuota(_ context.Context, accountID string) {
	if d.bus == nil || d.ledger == nil {
		return
	}
	d.launch(func(ctx context.Context) {
		snapshot, err := d.ledger.Snapshot(ctx, accountID)
		if err != nil {
			d.logger.Error("snapshot quota", "account_id", accountID, "error", err)
			return
		}
		if err := d.bus.Publish(ctx, realtime.Update{
			AccountID: accountID,
			Snapshot:  snapshot,
			At:        d.now(),
		}); err != nil {
			d.logger.Error("publish quota snapshot", "account_id", accountID, "error", err)
		}
	})
}

// settleRecording charges the captured file against the recording allowance,
// evicting the oldest recordings until it fits. When no amount of eviction
// frees enough room the file is dropped and the operator told.
func (d *Dispatcher) settleRecording(ctx context.Context, notice session.StopNotice, result RecordingResult) {
	if d.ledger == nil || d.library == nil {
		return
	}
	accountID := notice.Account.ID
	size := result.SizeBytes

	fits, err := d.ledger.CheckRecording(ctx, accountID, size)
	if err != nil {
		d.logger.Error("check recording allowance", "account_id", accountID, "error", err)
		return
	}
	for attempts := 0; !fits && attempts < maxEvictions; attempts++ {
		evicted, found, err := d.library.DeleteOldestRecording(ctx, accountID)
		if err != nil {
			d.logger.Error("evict recording", "account_id", accountID, "error", err)
			return
		}
		if !found {
			break
		}
		if err := d.ledger.CreditRecording(ctx, accountID, evicted.SizeBytes); err != nil {
			d.logger.Error("credit evicted recording", "account_id", accountID, "error", err)
		}
		d.send(ctx, notify.RecordingDeleted(evicted, d.now()))
		fits, err = d.ledger.CheckRecording(ctx, accountID, size)
		if err != nil {
			d.logger.Error("check recording allowance", "account_id", accountID, "error", err)
			return
		}
	}
	if !fits {
		d.logger.Warn("recording dropped, allowance exhausted", "account_id", accountID, "size", uint64(size))
		d.send(ctx, notify.OperationalError("recording settlement",
			fmt.Errorf("no room for %s recording", models.FormatBytes(size)), d.now()))
		return
	}

	if _, err := d.ledger.DebitRecording(ctx, accountID, size); err != nil {
		d.logger.Error("debit recording", "account_id", accountID, "error", err)
		return
	}
	metrics.ObserveQuotaDebit(models.QuotaKindRecording, false)

	ended := d.now()
	recording, err := d.library.CreateRecording(ctx, models.Recording{
		AccountID:       accountID,
		StreamKey:       notice.StreamKey,
		Filename:        result.Filename,
		Location:        result.Location,
		SizeBytes:       size,
		DurationSeconds: result.DurationSeconds,
		StartedAt:       ended.Add(-notice.Duration),
		EndedAt:         ended,
	})
	if err != nil {
		d.logger.Error("persist recording", "account_id", accountID, "error", err)
		if creditErr := d.ledger.CreditRecording(ctx, accountID, size); creditErr != nil {
			d.logger.Error("credit failed recording", "account_id", accountID, "error", creditErr)
		}
		d.send(ctx, notify.OperationalError("persist recording", err, d.now()))
		return
	}
	d.send(ctx, notify.RecordingSaved(recording, d.now()))
}

func (d *Dispatcher) launch(fn func(context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.baseCtx)
	}()
}

func (d *Dispatcher) send(ctx context.Context, event notify.Event) {
	if err := d.notifier.Send(ctx, event); err != nil {
		d.logger.Error("deliver notification", "kind", event.Kind, "error", err)
	}
}
