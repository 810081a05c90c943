package session

import (
	"context"
	"sync"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability/metrics"
)

// Ticker abstracts time.Ticker so tests can drive sampling passes manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds the Ticker driving one session's sampling loop.
type TickerFactory func(time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// armSampler starts the per-session sampling worker. The returned stop
// function cancels the worker and waits for it to exit; it is stored so
// teardown can invoke it before taking the key lock.
func (r *Registry) armSampler(credential string) {
	if r.interval <= 0 {
		return
	}
	workerCtx, cancel := context.WithCancel(r.rootCtx)
	ticker := r.newTicker(r.interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if r.sample(workerCtx, credential) {
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	r.mu.Lock()
	r.stops[credential] = stop
	r.mu.Unlock()
}

// stopSampler cancels the session's sampling worker and waits for an
// in-flight pass to finish. It must be called without holding the key lock.
func (r *Registry) stopSampler(credential string) {
	r.mu.Lock()
	stop := r.stops[credential]
	delete(r.stops, credential)
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// sample runs one settlement pass for the session and reports whether the
// worker should exit. The whole pass runs under the key lock, so a pass and a
// lifecycle transition never interleave.
func (r *Registry) sample(ctx context.Context, credential string) bool {
	lock := r.credentialLock(credential)
	lock.Lock()
	defer lock.Unlock()

	entry := r.lookup(credential)
	if entry == nil {
		return true
	}
	if entry.handle == nil {
		return false
	}
	if entry.status == models.SessionStatusQuotaExceeded || entry.status == models.SessionStatusStopped {
		return true
	}

	metrics.SamplerTick()
	// A viewing breach does not end the ingest, so streaming settlement
	// keeps running until the session stops or crosses its own limit.
	r.settleStreaming(ctx, entry, false)
	if entry.status == models.SessionStatusQuotaExceeded {
		return true
	}
	if !entry.viewingBlocked && len(entry.viewers) > 0 {
		r.settleViewing(ctx, entry)
	}
	if entry.resolved {
		r.effects.PublishQuota(ctx, entry.account.ID)
	}
	return false
}
