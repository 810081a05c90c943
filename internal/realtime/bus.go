// Package realtime fans quota snapshots out to dashboard consumers. The
// in-memory bus serves single-process deployments and tests; the Redis bus
// bridges processes.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamgate/internal/models"
)

// Update is one quota snapshot broadcast after a settlement pass or a
// lifecycle transition.
type Update struct {
	AccountID string               `json:"accountId"`
	Snapshot  models.QuotaSnapshot `json:"snapshot"`
	At        time.Time            `json:"at"`
}

// Bus fan-outs quota updates to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, update Update) error
	Subscribe() Subscription
}

// Subscription represents an active update stream.
type Subscription interface {
	Updates() <-chan Update
	Close()
}

// NewMemoryBus initialises an in-memory fan-out bus suitable for tests and
// single-process deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, update Update) error {
	if update.AccountID == "" {
		return errors.New("account id is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- update:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking: a stale snapshot is superseded
			// by the next one anyway.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Update, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan Update
}

func (s *memorySubscription) Updates() <-chan Update {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
