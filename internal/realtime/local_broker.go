package realtime

import (
	"context"
	"sync"

	"bakeplan/api/internal/plansync"
)

// LocalBroker fans records out in-process. It serves single-instance
// deployments that run without Redis.
type LocalBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan plansync.Event
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[int]chan plansync.Event)}
}

// Publish never blocks; a subscriber whose buffer is full misses the record
// and catches up on the next one.
func (b *LocalBroker) Publish(_ context.Context, rec plansync.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[rec.ID] {
		select {
		case ch <- plansync.Event{Record: rec.Clone()}:
		default:
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, planID string) (<-chan plansync.Event, func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan plansync.Event, 16)
	if b.subs[planID] == nil {
		b.subs[planID] = make(map[int]chan plansync.Event)
	}
	b.subs[planID][id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs[planID], id)
			if len(b.subs[planID]) == 0 {
				delete(b.subs, planID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()
	return ch, unsubscribe, nil
}

// Subscribers reports how many streams are open for planID.
func (b *LocalBroker) Subscribers(planID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[planID])
}
