package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// QuotaLabel identifies a quota debit counter by usage kind and outcome
// ("ok" or "exceeded").
type QuotaLabel struct {
	Kind    string
	Outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, viewer activity, quota debits, and
// collaborator calls. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for active session and viewer tracking.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	sessionEvents       map[string]uint64
	quotaDebits         map[QuotaLabel]uint64
	collaboratorCalls   map[string]uint64
	collaboratorFailure map[string]uint64
	notifications       map[string]uint64
	samplerTicks        atomic.Uint64
	activeSessions      atomic.Int64
	activeViewers       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		sessionEvents:       make(map[string]uint64),
		quotaDebits:         make(map[QuotaLabel]uint64),
		collaboratorCalls:   make(map[string]uint64),
		collaboratorFailure: make(map[string]uint64),
		notifications:       make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a session going live and increments the active
// session gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionEnded records the terminal status of a session and decrements the
// active session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionEnded(status string) {
	r.incrementSessionEvent(normalizeName(status))
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ViewerJoined increments the active viewer gauge.
func (r *Recorder) ViewerJoined() {
	r.activeViewers.Add(1)
}

// ViewerLeft decrements the active viewer gauge without letting it go
// negative when join and leave events race.
func (r *Recorder) ViewerLeft() {
	r.decrementGauge(&r.activeViewers)
}

// ViewersClosed decrements the active viewer gauge by the provided count when
// a batch of viewers is detached at once.
func (r *Recorder) ViewersClosed(count int) {
	for i := 0; i < count; i++ {
		r.decrementGauge(&r.activeViewers)
	}
}

// SamplerTick records one completed usage sampling pass.
func (r *Recorder) SamplerTick() {
	r.samplerTicks.Add(1)
}

// ObserveQuotaDebit records a quota debit keyed by usage kind and whether the
// debit pushed usage past the configured limit.
func (r *Recorder) ObserveQuotaDebit(kind string, exceeded bool) {
	outcome := "ok"
	if exceeded {
		outcome = "exceeded"
	}
	label := QuotaLabel{Kind: normalizeName(kind), Outcome: outcome}
	r.mu.Lock()
	r.quotaDebits[label]++
	r.mu.Unlock()
}

// ObserveCollaboratorCall records an outbound call to a collaborator service
// keyed by operation name (e.g., "start_recorder", "stop_restreamer").
func (r *Recorder) ObserveCollaboratorCall(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.collaboratorCalls[op]++
	r.mu.Unlock()
}

// ObserveCollaboratorFailure records a failed collaborator call keyed by
// operation name. The caller should also record the call separately.
func (r *Recorder) ObserveCollaboratorFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.collaboratorFailure[op]++
	r.mu.Unlock()
}

// ObserveNotification records a delivered operator notification by kind.
func (r *Recorder) ObserveNotification(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.notifications[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveViewers exposes the current gauge of attached viewers.
func (r *Recorder) ActiveViewers() int64 {
	return r.activeViewers.Load()
}

// SamplerTicks exposes the total number of sampling passes recorded.
func (r *Recorder) SamplerTicks() uint64 {
	return r.samplerTicks.Load()
}

// QuotaDebitCounts returns a copy of the quota debit counters for testing and
// reporting purposes.
func (r *Recorder) QuotaDebitCounts() map[QuotaLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[QuotaLabel]uint64, len(r.quotaDebits))
	for k, v := range r.quotaDebits {
		out[k] = v
	}
	return out
}

// CollaboratorCounts returns copies of collaborator call and failure counters.
func (r *Recorder) CollaboratorCounts() (calls map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	calls = make(map[string]uint64, len(r.collaboratorCalls))
	for k, v := range r.collaboratorCalls {
		calls[k] = v
	}
	failures = make(map[string]uint64, len(r.collaboratorFailure))
	for k, v := range r.collaboratorFailure {
		failures[k] = v
	}
	return calls, failures
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.quotaDebits = make(map[QuotaLabel]uint64)
	r.collaboratorCalls = make(map[string]uint64)
	r.collaboratorFailure = make(map[string]uint64)
	r.notifications = make(map[string]uint64)
	r.samplerTicks.Store(0)
	r.activeSessions.Store(0)
	r.activeViewers.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	quotaLabels := r.sortedQuotaLabels()
	collaboratorOps := r.sortedCollaboratorOperations()
	notificationKinds := sortedKeys(r.notifications)

	fmt.Fprintln(w, "# HELP streamgate_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamgate_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamgate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streamgate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamgate_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamgate_session_events_total counter")
	for _, event := range sessionEvents {
		value := r.sessionEvents[event]
		fmt.Fprintf(w, "streamgate_session_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP streamgate_active_sessions Current number of live ingest sessions")
	fmt.Fprintln(w, "# TYPE streamgate_active_sessions gauge")
	fmt.Fprintf(w, "streamgate_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamgate_active_viewers Current number of attached viewers")
	fmt.Fprintln(w, "# TYPE streamgate_active_viewers gauge")
	fmt.Fprintf(w, "streamgate_active_viewers %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP streamgate_sampler_ticks_total Usage sampling passes completed")
	fmt.Fprintln(w, "# TYPE streamgate_sampler_ticks_total counter")
	fmt.Fprintf(w, "streamgate_sampler_ticks_total %d\n", r.samplerTicks.Load())

	fmt.Fprintln(w, "# HELP streamgate_quota_debits_total Quota debits by usage kind and outcome")
	fmt.Fprintln(w, "# TYPE streamgate_quota_debits_total counter")
	for _, label := range quotaLabels {
		count := r.quotaDebits[label]
		fmt.Fprintf(w, "streamgate_quota_debits_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.Kind, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_collaborator_calls_total Collaborator service calls by operation")
	fmt.Fprintln(w, "# TYPE streamgate_collaborator_calls_total counter")
	for _, op := range collaboratorOps {
		count := r.collaboratorCalls[op]
		fmt.Fprintf(w, "streamgate_collaborator_calls_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_collaborator_failures_total Collaborator service call failures by operation")
	fmt.Fprintln(w, "# TYPE streamgate_collaborator_failures_total counter")
	for _, op := range collaboratorOps {
		count := r.collaboratorFailure[op]
		fmt.Fprintf(w, "streamgate_collaborator_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP streamgate_notifications_total Operator notifications delivered by kind")
	fmt.Fprintln(w, "# TYPE streamgate_notifications_total counter")
	for _, kind := range notificationKinds {
		count := r.notifications[kind]
		fmt.Fprintf(w, "streamgate_notifications_total{kind=\"%s\"} %d\n", kind, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedQuotaLabels() []QuotaLabel {
	labels := make([]QuotaLabel, 0, len(r.quotaDebits))
	for label := range r.quotaDebits {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedCollaboratorOperations() []string {
	seen := make(map[string]struct{}, len(r.collaboratorCalls)+len(r.collaboratorFailure))
	for op := range r.collaboratorCalls {
		seen[op] = struct{}{}
	}
	for op := range r.collaboratorFailure {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SessionStarted increments counters on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionEnded records a terminal session status on the default recorder.
func SessionEnded(status string) {
	defaultRecorder.SessionEnded(status)
}

// ViewerJoined increments the viewer gauge on the default recorder.
func ViewerJoined() {
	defaultRecorder.ViewerJoined()
}

// ViewerLeft decrements the viewer gauge on the default recorder.
func ViewerLeft() {
	defaultRecorder.ViewerLeft()
}

// ViewersClosed decrements the viewer gauge by count on the default recorder.
func ViewersClosed(count int) {
	defaultRecorder.ViewersClosed(count)
}

// SamplerTick records a sampling pass on the default recorder.
func SamplerTick() {
	defaultRecorder.SamplerTick()
}

// ObserveQuotaDebit records a quota debit on the default recorder.
func ObserveQuotaDebit(kind string, exceeded bool) {
	defaultRecorder.ObserveQuotaDebit(kind, exceeded)
}

// ObserveCollaboratorCall records a collaborator call on the default recorder.
func ObserveCollaboratorCall(operation string) {
	defaultRecorder.ObserveCollaboratorCall(operation)
}

// ObserveCollaboratorFailure records a failed collaborator call on the default recorder.
func ObserveCollaboratorFailure(operation string) {
	defaultRecorder.ObserveCollaboratorFailure(operation)
}

// ObserveNotification records a delivered notification on the default recorder.
func ObserveNotification(kind string) {
	defaultRecorder.ObserveNotification(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
