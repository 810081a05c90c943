package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamgate/internal/engine"
	"streamgate/internal/models"
	"streamgate/internal/quota"
)

const mb = models.ByteCount(1 << 20)

type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	err      error
	calls    int
}

func (f *fakeDirectory) FindAccountByCredential(_ context.Context, credential string) (models.Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.Account{}, false, f.err
	}
	account, ok := f.accounts[credential]
	return account, ok, nil
}

type fakeLedger struct {
	mu              sync.Mutex
	state           models.QuotaState
	statusErr       error
	debitErr        error
	statusCalls     int
	streamingDebits []models.ByteCount
	viewingDebits   []models.ByteCount
}

func (f *fakeLedger) Status(context.Context, string) (models.QuotaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return models.QuotaState{}, f.statusErr
	}
	return f.state, nil
}

func (f *fakeLedger) DebitStreaming(_ context.Context, _ string, delta models.ByteCount) (quota.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return quota.Result{}, f.debitErr
	}
	f.streamingDebits = append(f.streamingDebits, delta)
	f.state.Streaming.Used += delta
	limit := f.state.Streaming.Limit
	exceeded := limit > 0 && f.state.Streaming.Used > limit
	return quota.Result{
		Kind:     models.QuotaKindStreaming,
		Allowed:  !exceeded,
		Exceeded: exceeded,
		Used:     f.state.Streaming.Used,
		Limit:    limit,
	}, nil
}

func (f *fakeLedger) DebitViewing(_ context.Context, _ string, delta models.ByteCount) (quota.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return quota.Result{}, f.debitErr
	}
	f.viewingDebits = append(f.viewingDebits, delta)
	f.state.Viewing.Used += delta
	limit := f.state.ViewingLimit()
	exceeded := limit > 0 && f.state.Viewing.Used > limit
	return quota.Result{
		Kind:     models.QuotaKindViewing,
		Allowed:  !exceeded,
		Exceeded: exceeded,
		Used:     f.state.Viewing.Used,
		Limit:    limit,
	}, nil
}

func (f *fakeLedger) streamingTotal() models.ByteCount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Streaming.Used
}

func (f *fakeLedger) viewingCalls() []models.ByteCount {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ByteCount, len(f.viewingDebits))
	copy(out, f.viewingDebits)
	return out
}

type fakeRecords struct {
	mu        sync.Mutex
	nextID    int
	created   []models.SessionRecord
	updates   map[string][]models.SessionRecordUpdate
	createErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{updates: make(map[string][]models.SessionRecordUpdate)}
}

func (f *fakeRecords) CreateSessionRecord(_ context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return models.SessionRecord{}, f.createErr
	}
	f.nextID++
	record.ID = fmt.Sprintf("rec-%d", f.nextID)
	f.created = append(f.created, record)
	return record, nil
}

func (f *fakeRecords) UpdateSessionRecord(_ context.Context, id string, update models.SessionRecordUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], update)
	return nil
}

func (f *fakeRecords) lastStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	updates := f.updates[id]
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].Status != nil {
			return *updates[i].Status
		}
	}
	return ""
}

type fakeEffects struct {
	mu        sync.Mutex
	starts    []StartNotice
	stops     []StopNotice
	alerts    []Alert
	published []string
}

func (f *fakeEffects) StreamStarted(_ context.Context, notice StartNotice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, notice)
}

func (f *fakeEffects) StreamStopped(_ context.Context, notice StopNotice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, notice)
}

func (f *fakeEffects) QuotaAlert(_ context.Context, alert Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

func (f *fakeEffects) PublishQuota(_ context.Context, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, accountID)
}

func (f *fakeEffects) alertList() []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Alert, len(f.alerts))
	copy(out, f.alerts)
	return out
}

type fakeConn struct {
	mu         sync.Mutex
	id         string
	in         uint64
	out        uint64
	inErr      error
	terminated bool
}

func (c *fakeConn) ID() string {
	return c.id
}

func (c *fakeConn) BytesIn(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in, c.inErr
}

func (c *fakeConn) BytesOut(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out, nil
}

func (c *fakeConn) Terminate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	return nil
}

func (c *fakeConn) setIn(v uint64) {
	c.mu.Lock()
	c.in = v
	c.mu.Unlock()
}

func (c *fakeConn) setOut(v uint64) {
	c.mu.Lock()
	c.out = v
	c.mu.Unlock()
}

func (c *fakeConn) wasTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

type fakeController struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeController() *fakeController {
	return &fakeController{conns: make(map[string]*fakeConn)}
}

func (f *fakeController) conn(id string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	if !ok {
		c = &fakeConn{id: id}
		f.conns[id] = c
	}
	return c
}

func (f *fakeController) Handle(id string) engine.Session {
	return f.conn(id)
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	m.c <- time.Now()
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

type testHarness struct {
	registry  *Registry
	directory *fakeDirectory
	ledger    *fakeLedger
	records   *fakeRecords
	effects   *fakeEffects
	engine    *fakeController
	ticker    *manualTicker
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		directory: &fakeDirectory{accounts: map[string]models.Account{
			"key-1": {ID: "acct-1", Username: "alice"},
		}},
		ledger:  &fakeLedger{state: models.QuotaState{AccountID: "acct-1"}},
		records: newFakeRecords(),
		effects: &fakeEffects{},
		engine:  newFakeController(),
		ticker:  newManualTicker(),
	}
	h.registry = NewRegistry(Config{
		Engine:         h.engine,
		Ledger:         h.ledger,
		Accounts:       h.directory,
		Records:        h.records,
		Effects:        h.effects,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SampleInterval: time.Minute,
		TickerFactory:  func(time.Duration) Ticker { return h.ticker },
	})
	t.Cleanup(func() { h.registry.Close(context.Background()) })
	return h
}

func (h *testHarness) goLive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.registry.HandlePublishRequested(ctx, "key-1", "/live/key-1"); err != nil {
		t.Fatalf("publish requested: %v", err)
	}
	if err := h.registry.HandlePublishStarted(ctx, "key-1", "/live/key-1", "pub-1"); err != nil {
		t.Fatalf("publish started: %v", err)
	}
}

func TestPublishRequestedUnknownCredential(t *testing.T) {
	h := newTestHarness(t)

	err := h.registry.HandlePublishRequested(context.Background(), "missing", "/live/missing")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if len(h.registry.Active()) != 0 {
		t.Fatal("expected no session entry after rejected admission")
	}
	if len(h.records.created) != 0 {
		t.Fatal("expected no persisted record after rejected admission")
	}
}

func TestPublishRequestedStreamingExhausted(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming = models.UsageWindow{Used: 100 * mb, Limit: 100 * mb}

	err := h.registry.HandlePublishRequested(context.Background(), "key-1", "/live/key-1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	alerts := h.effects.alertList()
	if len(alerts) != 1 || alerts[0].Action != "rejected" || alerts[0].Kind != models.QuotaKindStreaming {
		t.Fatalf("expected one rejected streaming alert, got %+v", alerts)
	}
	if len(h.registry.Active()) != 0 {
		t.Fatal("expected no session entry after rejected admission")
	}
}

func TestPublishLifecycleSettlesStreamingUsage(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming.Limit = 1000 * mb
	h.goLive(t)

	conn := h.engine.conn("pub-1")
	conn.setIn(uint64(60 * mb))
	h.ticker.Tick()
	waitFor(t, "first streaming debit", func() bool {
		return h.ledger.streamingTotal() == 60*mb
	})

	// Re-reading an unchanged counter must not debit again.
	h.ticker.Tick()
	h.ticker.Tick()
	conn.setIn(uint64(90 * mb))
	h.ticker.Tick()
	waitFor(t, "second streaming debit", func() bool {
		return h.ledger.streamingTotal() == 90*mb
	})

	if err := h.registry.HandlePublishStopped(context.Background(), "key-1"); err != nil {
		t.Fatalf("publish stopped: %v", err)
	}
	if got := h.records.lastStatus("rec-1"); got != models.SessionStatusStopped {
		t.Fatalf("expected stopped status, got %q", got)
	}
	if len(h.registry.Active()) != 0 {
		t.Fatal("expected entry removed after teardown")
	}
}

func TestStreamingBreachRecordsDebitAndTerminates(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming = models.UsageWindow{Used: 60 * mb, Limit: 100 * mb}
	h.goLive(t)

	conn := h.engine.conn("pub-1")
	conn.setIn(uint64(50 * mb))
	h.ticker.Tick()
	waitFor(t, "ingest termination", conn.wasTerminated)

	// The over-limit delta is still recorded in full.
	if got := h.ledger.streamingTotal(); got != 110*mb {
		t.Fatalf("expected 110MB recorded, got %d", got)
	}
	alerts := h.effects.alertList()
	if len(alerts) != 1 || alerts[0].Action != "terminated" {
		t.Fatalf("expected one terminated alert, got %+v", alerts)
	}

	// The later stop event must not overwrite the breach status.
	if err := h.registry.HandlePublishStopped(context.Background(), "key-1"); err != nil {
		t.Fatalf("publish stopped: %v", err)
	}
	if got := h.records.lastStatus("rec-1"); got != models.SessionStatusQuotaExceeded {
		t.Fatalf("expected quota_exceeded status, got %q", got)
	}
}

func TestPublishStartedBeforeRequested(t *testing.T) {
	h := newTestHarness(t)

	err := h.registry.HandlePublishStarted(context.Background(), "key-1", "/live/key-1", "pub-1")
	if err != nil {
		t.Fatalf("publish started: %v", err)
	}
	active := h.registry.Active()
	if len(active) != 1 {
		t.Fatalf("expected one session, got %d", len(active))
	}
	if active[0].Status != models.SessionStatusLive || active[0].AccountID != "acct-1" {
		t.Fatalf("expected live session for acct-1, got %+v", active[0])
	}
}

func TestConcurrentPublishEventsProduceOneSession(t *testing.T) {
	h := newTestHarness(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.registry.HandlePublishRequested(context.Background(), "key-1", "/live/key-1")
	}()
	go func() {
		defer wg.Done()
		_ = h.registry.HandlePublishStarted(context.Background(), "key-1", "/live/key-1", "pub-1")
	}()
	wg.Wait()

	active := h.registry.Active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(active))
	}
	if len(h.records.created) != 1 {
		t.Fatalf("expected exactly one persisted record, got %d", len(h.records.created))
	}
}

func TestViewerDeltasBatchIntoSingleDebit(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming.Limit = 1000 * mb
	h.goLive(t)
	ctx := context.Background()

	if err := h.registry.HandlePlayRequested(ctx, "key-1"); err != nil {
		t.Fatalf("play requested: %v", err)
	}
	if err := h.registry.HandlePlayStarted(ctx, "key-1", "view-1"); err != nil {
		t.Fatalf("play started: %v", err)
	}
	if err := h.registry.HandlePlayStarted(ctx, "key-1", "view-2"); err != nil {
		t.Fatalf("play started: %v", err)
	}

	h.engine.conn("view-1").setOut(uint64(5 * mb))
	h.engine.conn("view-2").setOut(uint64(3 * mb))
	h.ticker.Tick()
	waitFor(t, "batched viewing debit", func() bool {
		return len(h.ledger.viewingCalls()) == 1
	})
	if calls := h.ledger.viewingCalls(); calls[0] != 8*mb {
		t.Fatalf("expected one 8MB viewing debit, got %v", calls)
	}
}

func TestViewingBreachIsStickyAndKeepsIngest(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming.Limit = 1000 * mb
	h.ledger.state.Viewing = models.UsageWindow{Used: 0, Limit: 4 * mb}
	h.ledger.state.ViewingLimitSet = true
	h.goLive(t)
	ctx := context.Background()

	if err := h.registry.HandlePlayStarted(ctx, "key-1", "view-1"); err != nil {
		t.Fatalf("play started: %v", err)
	}
	h.engine.conn("view-1").setOut(uint64(6 * mb))
	h.ticker.Tick()
	waitFor(t, "viewer termination", h.engine.conn("view-1").wasTerminated)

	if got := h.records.lastStatus("rec-1"); got != models.SessionStatusViewingQuotaExceeded {
		t.Fatalf("expected viewing_quota_exceeded status, got %q", got)
	}

	// Later playback attempts are refused without another ledger read.
	before := h.ledger.statusCalls
	if err := h.registry.HandlePlayRequested(ctx, "key-1"); !errors.Is(err, ErrViewingQuotaExceeded) {
		t.Fatalf("expected ErrViewingQuotaExceeded, got %v", err)
	}
	if h.ledger.statusCalls != before {
		t.Fatal("expected sticky rejection to skip the ledger read")
	}

	// The ingest keeps running and keeps settling streaming usage.
	if h.engine.conn("pub-1").wasTerminated() {
		t.Fatal("expected ingest to survive the viewing breach")
	}
	h.engine.conn("pub-1").setIn(uint64(20 * mb))
	h.ticker.Tick()
	waitFor(t, "streaming debit after viewing breach", func() bool {
		return h.ledger.streamingTotal() == 20*mb
	})
}

func TestPlayRequestedBreachMarksSessionAndRecord(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming.Limit = 1000 * mb
	h.ledger.state.Viewing = models.UsageWindow{Used: 10 * mb, Limit: 10 * mb}
	h.ledger.state.ViewingLimitSet = true
	h.goLive(t)
	ctx := context.Background()

	if err := h.registry.HandlePlayRequested(ctx, "key-1"); !errors.Is(err, ErrViewingQuotaExceeded) {
		t.Fatalf("expected ErrViewingQuotaExceeded, got %v", err)
	}
	if got := h.records.lastStatus("rec-1"); got != models.SessionStatusViewingQuotaExceeded {
		t.Fatalf("expected viewing_quota_exceeded status, got %q", got)
	}
	alerts := h.effects.alertList()
	if len(alerts) != 1 || alerts[0].Kind != models.QuotaKindViewing || alerts[0].Action != "rejected" {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}

	// The breach status is terminal and survives the teardown.
	if err := h.registry.HandlePublishStopped(ctx, "key-1"); err != nil {
		t.Fatalf("publish stopped: %v", err)
	}
	if got := h.records.lastStatus("rec-1"); got != models.SessionStatusViewingQuotaExceeded {
		t.Fatalf("expected terminal viewing_quota_exceeded status, got %q", got)
	}
}

func TestPlayRequestedBreachSticksToPlaceholder(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Viewing = models.UsageWindow{Used: 10 * mb, Limit: 10 * mb}
	h.ledger.state.ViewingLimitSet = true
	ctx := context.Background()

	if err := h.registry.HandlePlayRequested(ctx, "key-1"); !errors.Is(err, ErrViewingQuotaExceeded) {
		t.Fatalf("expected ErrViewingQuotaExceeded, got %v", err)
	}

	// No ingest ever existed, yet the rejection is sticky: the second
	// attempt never reaches the ledger.
	before := h.ledger.statusCalls
	if err := h.registry.HandlePlayRequested(ctx, "key-1"); !errors.Is(err, ErrViewingQuotaExceeded) {
		t.Fatalf("expected ErrViewingQuotaExceeded, got %v", err)
	}
	if h.ledger.statusCalls != before {
		t.Fatal("expected sticky rejection to skip the ledger read")
	}
}

func TestPlayStoppedSettlesFinalDelta(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming.Limit = 1000 * mb
	h.goLive(t)
	ctx := context.Background()

	if err := h.registry.HandlePlayStarted(ctx, "key-1", "view-1"); err != nil {
		t.Fatalf("play started: %v", err)
	}
	h.engine.conn("view-1").setOut(uint64(4 * mb))
	if err := h.registry.HandlePlayStopped(ctx, "key-1", "view-1"); err != nil {
		t.Fatalf("play stopped: %v", err)
	}
	if calls := h.ledger.viewingCalls(); len(calls) != 1 || calls[0] != 4*mb {
		t.Fatalf("expected a single 4MB debit, got %v", calls)
	}
}

func TestPlaceholderRemovedWithLastViewer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if err := h.registry.HandlePlayStarted(ctx, "key-1", "view-1"); err != nil {
		t.Fatalf("play started: %v", err)
	}
	active := h.registry.Active()
	if len(active) != 1 || active[0].Status != models.SessionStatusPending {
		t.Fatalf("expected one pending placeholder, got %+v", active)
	}
	if err := h.registry.HandlePlayStopped(ctx, "key-1", "view-1"); err != nil {
		t.Fatalf("play stopped: %v", err)
	}
	if len(h.registry.Active()) != 0 {
		t.Fatal("expected placeholder removed with its last viewer")
	}
}

func TestPlayRequestedUnknownStream(t *testing.T) {
	h := newTestHarness(t)

	err := h.registry.HandlePlayRequested(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPersistFailureAtConfirmationRejects(t *testing.T) {
	h := newTestHarness(t)
	h.records.createErr = errors.New("database offline")

	err := h.registry.HandlePublishStarted(context.Background(), "key-1", "/live/key-1", "pub-1")
	if err == nil {
		t.Fatal("expected confirmation to fail")
	}
	if !h.engine.conn("pub-1").wasTerminated() {
		t.Fatal("expected the orphaned connection to be terminated")
	}
	if len(h.registry.Active()) != 0 {
		t.Fatal("expected no session entry after failed confirmation")
	}
}

func TestTeardownStopsSampler(t *testing.T) {
	h := newTestHarness(t)
	h.goLive(t)

	if err := h.registry.HandlePublishStopped(context.Background(), "key-1"); err != nil {
		t.Fatalf("publish stopped: %v", err)
	}
	select {
	case <-h.ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected sampler ticker to stop on teardown")
	}
}

func TestFinalSettlementOnTeardown(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.state.Streaming.Limit = 1000 * mb
	h.goLive(t)

	h.engine.conn("pub-1").setIn(uint64(25 * mb))
	if err := h.registry.HandlePublishStopped(context.Background(), "key-1"); err != nil {
		t.Fatalf("publish stopped: %v", err)
	}
	if got := h.ledger.streamingTotal(); got != 25*mb {
		t.Fatalf("expected final settlement of 25MB, got %d", got)
	}
	h.effects.mu.Lock()
	defer h.effects.mu.Unlock()
	if len(h.effects.stops) != 1 || h.effects.stops[0].BytesIn != 25*mb {
		t.Fatalf("expected stop notice with settled bytes, got %+v", h.effects.stops)
	}
}
