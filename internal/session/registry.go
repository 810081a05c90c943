package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"streamgate/internal/engine"
	"streamgate/internal/models"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/quota"
)

// DefaultSampleInterval is the usage sampling cadence applied when the
// configuration does not override it.
const DefaultSampleInterval = 10 * time.Second

// Config wires the registry's collaborators. Engine, Effects, Logger, Clock,
// and TickerFactory fall back to safe defaults when nil; Ledger, Accounts,
// and Records are required.
type Config struct {
	Engine         engine.Controller
	Ledger         QuotaLedger
	Accounts       AccountDirectory
	Records        RecordStore
	Effects        SideEffects
	Logger         *slog.Logger
	SampleInterval time.Duration
	Clock          func() time.Time
	TickerFactory  TickerFactory
}

// Registry owns the in-memory session table. Every transition for one stream
// key runs under that key's lock, so events arriving out of order observe a
// consistent entry.
type Registry struct {
	engine     engine.Controller
	ledger     QuotaLedger
	accounts   AccountDirectory
	records    RecordStore
	effects    SideEffects
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time
	newTicker  TickerFactory
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*liveSession
	locks    map[string]*sync.Mutex
	stops    map[string]func()
}

// liveSession is the mutable in-memory entry for one stream key. All fields
// are guarded by the key's lock.
type liveSession struct {
	credential string
	app        string
	path       string
	account    models.Account
	resolved   bool
	handle     engine.Session
	recordID   string
	status     string
	startedAt  time.Time
	bytesIn    models.ByteCount
	bytesOut   models.ByteCount
	viewers    map[string]*viewer

	// viewingBlocked is set the first time the viewing allowance runs out
	// and stays set for the life of the session, so later playback attempts
	// are refused without another ledger read.
	viewingBlocked bool
}

type viewer struct {
	id      string
	handle  engine.Session
	lastOut models.ByteCount
}

// Info is a read-only summary of one active session.
type Info struct {
	StreamKey string           `json:"streamKey"`
	AccountID string           `json:"accountId"`
	Username  string           `json:"username"`
	Status    string           `json:"status"`
	StartedAt time.Time        `json:"startedAt"`
	BytesIn   models.ByteCount `json:"bytesIn"`
	BytesOut  models.ByteCount `json:"bytesOut"`
	Viewers   int              `json:"viewers"`
}

// NewRegistry constructs a Registry from the provided configuration.
func NewRegistry(cfg Config) *Registry {
	controller := cfg.Engine
	if controller == nil {
		controller = engine.NoopController{}
	}
	effects := cfg.Effects
	if effects == nil {
		effects = NoopSideEffects{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	factory := cfg.TickerFactory
	if factory == nil {
		factory = newTimeTicker
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Registry{
		engine:     controller,
		ledger:     cfg.Ledger,
		accounts:   cfg.Accounts,
		records:    cfg.Records,
		effects:    effects,
		logger:     logger,
		interval:   interval,
		now:        clock,
		newTicker:  factory,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   make(map[string]*liveSession),
		locks:      make(map[string]*sync.Mutex),
		stops:      make(map[string]func()),
	}
}

// HandlePublishRequested admits or rejects an ingest attempt before the
// engine accepts media. A successful admission leaves a pending entry behind
// so the confirmation can merge into it.
func (r *Registry) HandlePublishRequested(ctx context.Context, credential, path string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrCredentialRequired
	}
	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	account, ok, err := r.accounts.FindAccountByCredential(ctx, credential)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return ErrAuthenticationFailed
	}
	state, err := r.ledger.Status(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("read quota: %w", err)
	}
	if state.StreamingExhausted() {
		r.effects.QuotaAlert(ctx, Alert{
			Account: account,
			Kind:    models.QuotaKindStreaming,
			Action:  "rejected",
			Used:    state.Streaming.Used,
			Limit:   state.Streaming.Limit,
		})
		return ErrQuotaExceeded
	}

	entry := r.ensureEntry(credential)
	app, _ := ParseStreamPath(path)
	if app != "" {
		entry.app = app
	}
	entry.path = normalizeStreamPath(entry.app, credential)
	entry.account = account
	entry.resolved = true
	r.logger.Info("ingest admitted", "stream_key", credential, "account_id", account.ID)
	return nil
}

// HandlePublishStarted confirms an admitted ingest and transitions the entry
// to live: the engine handle is attached, the durable row is created, the
// usage sampler is armed, and collaborators are kicked off. A confirmation
// arriving before its admission creates the entry on the spot and resolves
// the account then.
func (r *Registry) HandlePublishStarted(ctx context.Context, credential, path, handleID string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrCredentialRequired
	}
	// A stale sampler from a previous confirmation must not run while we
	// swap it out, and stopping one cannot happen under the key lock.
	r.stopSampler(credential)

	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	entry := r.ensureEntry(credential)
	if app, _ := ParseStreamPath(path); app != "" && entry.app == "" {
		entry.app = app
	}
	entry.path = normalizeStreamPath(entry.app, credential)

	if !entry.resolved {
		account, ok, err := r.accounts.FindAccountByCredential(ctx, credential)
		if err != nil || !ok {
			r.removeEntry(credential)
			r.terminateHandle(ctx, handleID)
			if err != nil {
				return fmt.Errorf("resolve credential: %w", err)
			}
			return ErrAuthenticationFailed
		}
		entry.account = account
		entry.resolved = true
	}

	entry.handle = r.engine.Handle(handleID)
	entry.status = models.SessionStatusLive
	entry.startedAt = r.now()
	entry.bytesIn = 0

	record, err := r.records.CreateSessionRecord(ctx, models.SessionRecord{
		AccountID: entry.account.ID,
		StreamKey: credential,
		Status:    models.SessionStatusLive,
		StartedAt: entry.startedAt,
	})
	if err != nil {
		r.removeEntry(credential)
		r.terminateHandle(ctx, handleID)
		return fmt.Errorf("persist session: %w", err)
	}
	entry.recordID = record.ID

	metrics.SessionStarted()
	r.armSampler(credential)
	r.effects.StreamStarted(ctx, StartNotice{
		Account:   entry.account,
		StreamKey: credential,
		Path:      entry.path,
		StartedAt: entry.startedAt,
	})
	r.effects.PublishQuota(ctx, entry.account.ID)
	r.logger.Info("session live", "stream_key", credential, "account_id", entry.account.ID, "session_id", record.ID)
	return nil
}

// HandlePublishStopped tears a session down: the sampler is stopped, final
// byte deltas are settled, the durable row receives its terminal status, and
// collaborators are shut down. An earlier quota breach status survives the
// teardown untouched.
func (r *Registry) HandlePublishStopped(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrCredentialRequired
	}
	// Stop the sampler before taking the key lock: an in-flight tick holds
	// the lock and stopping waits for the tick to finish.
	r.stopSampler(credential)

	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	entry := r.lookup(credential)
	if entry == nil {
		return ErrSessionNotFound
	}
	r.finalize(ctx, entry)
	r.removeEntry(credential)
	return nil
}

// HandlePlayRequested admits or rejects a playback attempt. Once the viewing
// allowance has run out for a session the rejection is sticky: later attempts
// are refused without another ledger read.
func (r *Registry) HandlePlayRequested(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrCredentialRequired
	}
	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	entry := r.lookup(credential)
	if entry != nil {
		if entry.viewingBlocked {
			return ErrViewingQuotaExceeded
		}
		if entry.status == models.SessionStatusQuotaExceeded {
			return ErrQuotaExceeded
		}
	}

	account, ok := r.resolveForEntry(ctx, entry, credential)
	if !ok {
		return ErrSessionNotFound
	}
	if entry == nil {
		entry = r.ensureEntry(credential)
		entry.account = account
		entry.resolved = true
	}
	state, err := r.ledger.Status(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("read quota: %w", err)
	}
	if state.ViewingExhausted() {
		entry.viewingBlocked = true
		if !models.IsTerminalSessionStatus(entry.status) {
			entry.status = models.SessionStatusViewingQuotaExceeded
		}
		r.effects.QuotaAlert(ctx, Alert{
			Account: account,
			Kind:    models.QuotaKindViewing,
			Action:  "rejected",
			Used:    state.Viewing.Used,
			Limit:   state.ViewingLimit(),
		})
		r.persistStatus(ctx, entry)
		r.logger.Warn("viewing quota exceeded", "stream_key", credential, "account_id", account.ID)
		return ErrViewingQuotaExceeded
	}
	return nil
}

// HandlePlayStarted attaches a confirmed viewer to the session, recording the
// connection's current counter as the settlement baseline. A viewer confirmed
// before any ingest event creates a placeholder entry; placeholders carry
// viewers but never start collaborators.
func (r *Registry) HandlePlayStarted(ctx context.Context, credential, viewerID string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrCredentialRequired
	}
	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	entry := r.lookup(credential)
	if entry == nil {
		account, ok := r.resolveForEntry(ctx, nil, credential)
		if !ok {
			r.terminateHandle(ctx, viewerID)
			return ErrSessionNotFound
		}
		entry = r.ensureEntry(credential)
		entry.account = account
		entry.resolved = true
	}
	if entry.viewingBlocked {
		r.terminateHandle(ctx, viewerID)
		return ErrViewingQuotaExceeded
	}

	handle := r.engine.Handle(viewerID)
	baseline := models.ByteCount(0)
	if current, err := handle.BytesOut(ctx); err == nil {
		baseline = models.ByteCount(current)
	} else {
		r.logger.Warn("read viewer counters", "stream_key", credential, "viewer_id", viewerID, "error", err)
	}
	entry.viewers[viewerID] = &viewer{id: viewerID, handle: handle, lastOut: baseline}
	metrics.ViewerJoined()
	r.logger.Info("viewer attached", "stream_key", credential, "viewer_id", viewerID)
	return nil
}

// HandlePlayStopped detaches a viewer and settles its outstanding delivery
// delta in one debit. Viewers already closed by a quota breach are ignored.
func (r *Registry) HandlePlayStopped(ctx context.Context, credential, viewerID string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrCredentialRequired
	}
	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	entry := r.lookup(credential)
	if entry == nil {
		return ErrSessionNotFound
	}
	v, ok := entry.viewers[viewerID]
	if !ok {
		return nil
	}
	delete(entry.viewers, viewerID)
	metrics.ViewerLeft()

	if !entry.viewingBlocked {
		r.settleViewer(ctx, entry, v)
		if entry.resolved {
			r.effects.PublishQuota(ctx, entry.account.ID)
		}
	}

	// Placeholder entries exist only to carry viewers; the last one leaving
	// removes the entry.
	if entry.handle == nil && len(entry.viewers) == 0 {
		r.removeEntry(credential)
	}
	return nil
}

// Active returns a stable-ordered summary of every tracked session.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	credentials := make([]string, 0, len(r.sessions))
	for credential := range r.sessions {
		credentials = append(credentials, credential)
	}
	r.mu.Unlock()
	sort.Strings(credentials)

	infos := make([]Info, 0, len(credentials))
	for _, credential := range credentials {
		lock := r.credentialLock(credential)
		lock.Lock()
		entry := r.lookup(credential)
		if entry != nil {
			infos = append(infos, Info{
				StreamKey: entry.credential,
				AccountID: entry.account.ID,
				Username:  entry.account.Username,
				Status:    entry.status,
				StartedAt: entry.startedAt,
				BytesIn:   entry.bytesIn,
				BytesOut:  entry.bytesOut,
				Viewers:   len(entry.viewers),
			})
		}
		lock.Unlock()
	}
	return infos
}

// Close tears down every tracked session and stops all samplers. It is called
// once during shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	credentials := make([]string, 0, len(r.sessions))
	for credential := range r.sessions {
		credentials = append(credentials, credential)
	}
	r.mu.Unlock()

	for _, credential := range credentials {
		if err := r.HandlePublishStopped(ctx, credential); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Error("close session", "stream_key", credential, "error", err)
		}
	}
	r.rootCancel()
}

func (r *Registry) finalize(ctx context.Context, entry *liveSession) {
	wasLive := entry.handle != nil
	if wasLive && entry.status != models.SessionStatusQuotaExceeded {
		r.settleStreaming(ctx, entry, true)
	}
	if wasLive && !entry.viewingBlocked && len(entry.viewers) > 0 {
		r.settleViewing(ctx, entry)
	}
	if remaining := len(entry.viewers); remaining > 0 {
		metrics.ViewersClosed(remaining)
		entry.viewers = make(map[string]*viewer)
	}
	if !models.IsTerminalSessionStatus(entry.status) {
		entry.status = models.SessionStatusStopped
	}
	ended := r.now()
	r.persistFinal(ctx, entry, ended)

	if wasLive {
		metrics.SessionEnded(entry.status)
		r.effects.StreamStopped(ctx, StopNotice{
			Account:   entry.account,
			StreamKey: entry.credential,
			Path:      entry.path,
			Status:    entry.status,
			Duration:  ended.Sub(entry.startedAt),
			BytesIn:   entry.bytesIn,
			BytesOut:  entry.bytesOut,
		})
		r.logger.Info("session ended",
			"stream_key", entry.credential,
			"status", entry.status,
			"bytes_in", uint64(entry.bytesIn),
			"bytes_out", uint64(entry.bytesOut))
	}
	if entry.resolved {
		r.effects.PublishQuota(ctx, entry.account.ID)
	}
}

// settleStreaming reads the publisher counter, debits the positive delta, and
// terminates the session when the debit crosses the streaming limit. The
// counter baseline only advances after a successful debit so a failed write
// is retried with the same delta on the next pass.
func (r *Registry) settleStreaming(ctx context.Context, entry *liveSession, final bool) {
	current, err := entry.handle.BytesIn(ctx)
	if err != nil {
		r.logger.Warn("read ingest counters", "stream_key", entry.credential, "error", err)
		return
	}
	counter := models.ByteCount(current)
	if counter <= entry.bytesIn {
		entry.bytesIn = counter
		return
	}
	delta := counter - entry.bytesIn
	result, err := r.ledger.DebitStreaming(ctx, entry.account.ID, delta)
	if err != nil {
		r.logger.Error("debit streaming usage", "stream_key", entry.credential, "error", err)
		return
	}
	entry.bytesIn = counter
	metrics.ObserveQuotaDebit(models.QuotaKindStreaming, result.Exceeded)
	if !result.Exceeded {
		return
	}

	entry.status = models.SessionStatusQuotaExceeded
	r.effects.QuotaAlert(ctx, Alert{
		Account: entry.account,
		Kind:    models.QuotaKindStreaming,
		Action:  "terminated",
		Used:    result.Used,
		Limit:   result.Limit,
	})
	r.closeViewers(ctx, entry)
	if !final {
		if err := entry.handle.Terminate(ctx); err != nil {
			r.logger.Error("terminate ingest", "stream_key", entry.credential, "error", err)
		}
		r.persistStatus(ctx, entry)
	}
	r.logger.Warn("streaming quota exceeded", "stream_key", entry.credential, "account_id", entry.account.ID)
}

// settleViewing reads every viewer counter and debits the summed delta in a
// single ledger write. Crossing the viewing limit closes all viewers and
// blocks future playback for the session; the ingest keeps running.
func (r *Registry) settleViewing(ctx context.Context, entry *liveSession) {
	type pendingViewer struct {
		v       *viewer
		counter models.ByteCount
	}
	var pending []pendingViewer
	var total models.ByteCount
	for _, v := range entry.viewers {
		current, err := v.handle.BytesOut(ctx)
		if err != nil {
			r.logger.Warn("read viewer counters", "stream_key", entry.credential, "viewer_id", v.id, "error", err)
			continue
		}
		counter := models.ByteCount(current)
		if counter > v.lastOut {
			pending = append(pending, pendingViewer{v: v, counter: counter})
			total += counter - v.lastOut
		}
	}
	if total == 0 {
		return
	}
	result, err := r.ledger.DebitViewing(ctx, entry.account.ID, total)
	if err != nil {
		r.logger.Error("debit viewing usage", "stream_key", entry.credential, "error", err)
		return
	}
	for _, p := range pending {
		p.v.lastOut = p.counter
	}
	entry.bytesOut += total
	metrics.ObserveQuotaDebit(models.QuotaKindViewing, result.Exceeded)
	if result.Exceeded {
		r.blockViewing(ctx, entry, result)
	}
}

// settleViewer debits one departing viewer's outstanding delta.
func (r *Registry) settleViewer(ctx context.Context, entry *liveSession, v *viewer) {
	current, err := v.handle.BytesOut(ctx)
	if err != nil {
		r.logger.Warn("read viewer counters", "stream_key", entry.credential, "viewer_id", v.id, "error", err)
		return
	}
	counter := models.ByteCount(current)
	if counter <= v.lastOut {
		return
	}
	delta := counter - v.lastOut
	result, err := r.ledger.DebitViewing(ctx, entry.account.ID, delta)
	if err != nil {
		r.logger.Error("debit viewing usage", "stream_key", entry.credential, "error", err)
		return
	}
	entry.bytesOut += delta
	metrics.ObserveQuotaDebit(models.QuotaKindViewing, result.Exceeded)
	if result.Exceeded {
		r.blockViewing(ctx, entry, result)
	}
}

func (r *Registry) blockViewing(ctx context.Context, entry *liveSession, result quota.Result) {
	entry.viewingBlocked = true
	if !models.IsTerminalSessionStatus(entry.status) {
		entry.status = models.SessionStatusViewingQuotaExceeded
	}
	r.effects.QuotaAlert(ctx, Alert{
		Account: entry.account,
		Kind:    models.QuotaKindViewing,
		Action:  "terminated",
		Used:    result.Used,
		Limit:   result.Limit,
	})
	r.closeViewers(ctx, entry)
	r.persistStatus(ctx, entry)
	r.logger.Warn("viewing quota exceeded", "stream_key", entry.credential, "account_id", entry.account.ID)
}

func (r *Registry) closeViewers(ctx context.Context, entry *liveSession) {
	for _, v := range entry.viewers {
		if err := v.handle.Terminate(ctx); err != nil {
			r.logger.Error("terminate viewer", "stream_key", entry.credential, "viewer_id", v.id, "error", err)
		}
	}
	if count := len(entry.viewers); count > 0 {
		metrics.ViewersClosed(count)
	}
	entry.viewers = make(map[string]*viewer)
}

func (r *Registry) persistStatus(ctx context.Context, entry *liveSession) {
	if entry.recordID == "" {
		return
	}
	status := entry.status
	bytesIn := entry.bytesIn
	bytesOut := entry.bytesOut
	update := models.SessionRecordUpdate{Status: &status, BytesIn: &bytesIn, BytesOut: &bytesOut}
	if err := r.records.UpdateSessionRecord(ctx, entry.recordID, update); err != nil {
		r.logger.Error("persist session status", "stream_key", entry.credential, "error", err)
	}
}

func (r *Registry) persistFinal(ctx context.Context, entry *liveSession, ended time.Time) {
	if entry.recordID == "" {
		return
	}
	status := entry.status
	bytesIn := entry.bytesIn
	bytesOut := entry.bytesOut
	update := models.SessionRecordUpdate{
		Status:   &status,
		EndedAt:  &ended,
		BytesIn:  &bytesIn,
		BytesOut: &bytesOut,
	}
	if err := r.records.UpdateSessionRecord(ctx, entry.recordID, update); err != nil {
		r.logger.Error("persist session end", "stream_key", entry.credential, "error", err)
	}
}

// resolveForEntry reuses the entry's resolved account when available and
// falls back to a directory lookup otherwise.
func (r *Registry) resolveForEntry(ctx context.Context, entry *liveSession, credential string) (models.Account, bool) {
	if entry != nil && entry.resolved {
		return entry.account, true
	}
	account, ok, err := r.accounts.FindAccountByCredential(ctx, credential)
	if err != nil {
		r.logger.Error("resolve credential", "stream_key", credential, "error", err)
		return models.Account{}, false
	}
	if !ok {
		return models.Account{}, false
	}
	if entry != nil {
		entry.account = account
		entry.resolved = true
	}
	return account, ok
}

func (r *Registry) terminateHandle(ctx context.Context, handleID string) {
	if handleID == "" {
		return
	}
	if err := r.engine.Handle(handleID).Terminate(ctx); err != nil {
		r.logger.Error("terminate connection", "handle_id", handleID, "error", err)
	}
}

// credentialLock returns the mutex serializing transitions for one stream
// key. Locks are never removed so concurrent holders always agree on the
// mutex identity.
func (r *Registry) credentialLock(credential string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[credential]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[credential] = lock
	}
	return lock
}

func (r *Registry) lookup(credential string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[credential]
}

func (r *Registry) ensureEntry(credential string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[credential]
	if !ok {
		entry = &liveSession{
			credential: credential,
			path:       normalizeStreamPath("", credential),
			status:     models.SessionStatusPending,
			viewers:    make(map[string]*viewer),
		}
		r.sessions[credential] = entry
	}
	return entry
}

func (r *Registry) removeEntry(credential string) {
	r.mu.Lock()
	delete(r.sessions, credential)
	r.mu.Unlock()
}
