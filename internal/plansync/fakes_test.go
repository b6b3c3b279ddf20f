package plansync

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeStore struct {
	mu           sync.Mutex
	records      map[string]Record
	updates      []ChangeSet
	updateErr    error
	getErr       error
	subscribes   int
	unsubscribes int
	streams      []chan Event
	tick         time.Time

	// With gate set, each Update announces itself on started (when set) and
	// then blocks until the test sends on gate.
	gate        chan struct{}
	started     chan struct{}
	inFlight    int
	maxInFlight int
}

func newFakeStore(records ...Record) *fakeStore {
	fs := &fakeStore{
		records: make(map[string]Record),
		tick:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, rec := range records {
		fs.records[rec.ID] = rec.Clone()
	}
	return fs
}

func (f *fakeStore) Get(_ context.Context, planID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Record{}, f.getErr
	}
	rec, ok := f.records[planID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeStore) Update(_ context.Context, planID string, changes ChangeSet) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.updates = append(f.updates, changes)
	if f.updateErr != nil {
		return f.updateErr
	}
	rec := f.records[planID]
	rec.Fields = changes.Apply(rec.Fields)
	f.tick = f.tick.Add(time.Second)
	rec.LastEdited = f.tick
	f.records[planID] = rec
	return nil
}

func (f *fakeStore) Subscribe(_ context.Context, _ string) (<-chan Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	ch := make(chan Event, 16)
	f.streams = append(f.streams, ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.unsubscribes++
			f.mu.Unlock()
			close(ch)
		})
	}, nil
}

func (f *fakeStore) Updates() []ChangeSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChangeSet, len(f.updates))
	copy(out, f.updates)
	return out
}

func (f *fakeStore) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Put replaces a stored record as another client's write would.
func (f *fakeStore) Put(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec.Clone()
}

func (f *fakeStore) Record(planID string) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[planID].Clone()
}

type rendered struct {
	key   string
	value Value
}

type fakeRenderer struct {
	mu      sync.Mutex
	focused string
	renders []rendered
}

func (r *fakeRenderer) Render(key string, value Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, rendered{key: key, value: value})
}

func (r *fakeRenderer) FocusedField() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

func (r *fakeRenderer) Focus(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focused = key
}

func (r *fakeRenderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = nil
}

func (r *fakeRenderer) Rendered() map[string]Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Value)
	for _, item := range r.renders {
		out[item.key] = item.value
	}
	return out
}

func (r *fakeRenderer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
