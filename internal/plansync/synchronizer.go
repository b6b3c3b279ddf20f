// Package plansync keeps an in-memory plan consistent with a remote document
// store. Local edits are staged, diffed against the last known remote state and
// written either immediately or after a quiet period; remote snapshots are
// pushed to the UI without clobbering fields the user is still editing.
package plansync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a deferred flush writes.
const DefaultDebounce = time.Second

// RemoteStore is the system of record for plans.
type RemoteStore interface {
	// Get returns ErrNotFound (possibly wrapped) when the plan does not exist.
	Get(ctx context.Context, planID string) (Record, error)
	// Update applies changes and stamps a fresh lastEdited.
	Update(ctx context.Context, planID string, changes ChangeSet) error
	// Subscribe streams every change to the plan, including the caller's own
	// writes, until unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, planID string) (<-chan Event, func(), error)
}

// Renderer is the UI side of the synchronizer.
type Renderer interface {
	// Render pushes a field value into the UI. A null Value clears the field.
	Render(key string, value Value)
	// FocusedField names the field currently being edited, or "".
	FocusedField() string
}

// BatchRenderer is an optional Renderer extension. When implemented, each
// remote snapshot is delivered in one call instead of one Render per field;
// null values clear their field.
type BatchRenderer interface {
	RenderFields(fields map[string]Value)
}

type Options struct {
	Debounce     time.Duration
	WriteTimeout time.Duration
	Clock        Clock
	Logger       *log.Logger
	// OrderedField reports whether list values of key compare in order.
	// Lists are compared as multisets when nil.
	OrderedField func(key string) bool
}

type Synchronizer struct {
	remote       RemoteStore
	renderer     Renderer
	debounce     time.Duration
	writeTimeout time.Duration
	clock        Clock
	logger       *log.Logger
	ordered      func(string) bool

	mu          sync.Mutex
	attached    bool
	gen         uint64
	planID      string
	remoteRec   Record
	staged      ChangeSet
	timer       Timer
	timerSeq    uint64
	unsubscribe func()
	cancel      context.CancelFunc

	// writeMu serializes writes for the attached plan.
	writeMu sync.Mutex
	errs    chan error
}

func New(remote RemoteStore, renderer Renderer, opts Options) *Synchronizer {
	if renderer == nil {
		renderer = nopRenderer{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.OrderedField == nil {
		opts.OrderedField = func(string) bool { return false }
	}
	return &Synchronizer{
		remote:       remote,
		renderer:     renderer,
		debounce:     opts.Debounce,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger,
		ordered:      opts.OrderedField,
		errs:         make(chan error, 16),
	}
}

// Errors delivers failures that have no caller to return to: debounced
// writes and subscription errors. Deliveries are dropped when the buffer is
// full.
func (s *Synchronizer) Errors() <-chan error {
	return s.errs
}

// Attach starts tracking planID, replacing any previously attached plan.
func (s *Synchronizer) Attach(ctx context.Context, planID string) error {
	s.Detach()

	rec, err := s.remote.Get(ctx, planID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("attach plan %s: %w", planID, ErrNotFound)
		}
		return fmt.Errorf("fetch plan %s: %w", planID, err)
	}
	if rec.ID == "" {
		rec.ID = planID
	}

	subCtx, cancel := context.WithCancel(context.Background())
	events, unsubscribe, err := s.remote.Subscribe(subCtx, planID)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe plan %s: %w", planID, err)
	}

	focused := s.renderer.FocusedField()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.attached = true
	s.planID = planID
	s.remoteRec = rec.Clone()
	s.staged = make(ChangeSet)
	s.unsubscribe = unsubscribe
	s.cancel = cancel
	pushes := s.pushesLocked(Record{}, s.remoteRec, focused)
	s.mu.Unlock()

	s.render(pushes)
	go s.listen(gen, planID, events)
	return nil
}

// Detach stops tracking the current plan. Staged changes that were not
// flushed are dropped, and no write starts after Detach returns: a write that
// already passed its attach check is waited for and its result discarded.
func (s *Synchronizer) Detach() {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.attached = false
	s.stopTimerLocked()
	planID := s.planID
	pending := len(s.staged)
	unsubscribe, cancel := s.unsubscribe, s.cancel
	s.unsubscribe, s.cancel = nil, nil
	s.planID = ""
	s.remoteRec = Record{}
	s.staged = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	// Writes check attachment while holding writeMu, so once it is free no
	// Update can be sent for this generation.
	s.writeMu.Lock()
	s.writeMu.Unlock()
	if pending > 0 {
		s.logger.Printf("plansync: detached %s with %d unsaved change(s)", planID, pending)
	}
}

// PlanID returns the attached plan, or "".
func (s *Synchronizer) PlanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planID
}

// Remote returns a copy of the last known remote record.
func (s *Synchronizer) Remote() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteRec.Clone()
}

// Pending returns a copy of the staged changes.
func (s *Synchronizer) Pending() ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(ChangeSet, len(s.staged))
	for key, change := range s.staged {
		out[key] = change
	}
	return out
}

// RecordLocalChange stages a new value for key. A null value stages a delete.
// Changes recorded while detached are ignored.
func (s *Synchronizer) RecordLocalChange(key string, value Value) {
	if value.IsNull() {
		s.RecordLocalDelete(key)
		return
	}
	s.stage(key, Set(value))
}

// RecordLocalDelete stages removal of key.
func (s *Synchronizer) RecordLocalDelete(key string) {
	s.stage(key, Delete())
}

func (s *Synchronizer) stage(key string, change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return
	}
	s.staged[key] = change
}

// Flush writes staged changes that differ from the last known remote state.
// With immediate set the write happens before Flush returns and any pending
// deferred write is cancelled; otherwise the write is (re)scheduled after the
// debounce window.
func (s *Synchronizer) Flush(ctx context.Context, immediate bool) error {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return ErrDetached
	}
	gen := s.gen
	diff := Diff(s.staged, s.remoteRec.Fields, s.ordered)
	if len(diff) == 0 {
		s.staged = make(ChangeSet)
		s.stopTimerLocked()
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	if !immediate {
		s.timerSeq++
		seq := s.timerSeq
		s.timer = s.clock.AfterFunc(s.debounce, func() { s.fire(gen, seq) })
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.write(ctx, gen)
}

func (s *Synchronizer) fire(gen, seq uint64) {
	s.mu.Lock()
	if !s.attached || s.gen != gen || s.timerSeq != seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.write(ctx, gen); err != nil && !errors.Is(err, ErrDetached) {
		s.report(err)
	}
}

func (s *Synchronizer) write(ctx context.Context, gen uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !s.attached || s.gen != gen {
		s.mu.Unlock()
		return ErrDetached
	}
	planID := s.planID
	diff := Diff(s.staged, s.remoteRec.Fields, s.ordered)
	if len(diff) == 0 {
		s.staged = make(ChangeSet)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.remote.Update(ctx, planID, diff)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return &WriteError{PlanID: planID, Keys: diff.Keys(), Err: err}
	}
	if s.gen != gen {
		return nil
	}
	// The store acknowledged the write; fold it in so a revert made before the
	// echo arrives still diffs against what is actually saved. lastEdited stays
	// stale so the echo itself is not mistaken for a duplicate.
	s.remoteRec.Fields = diff.Apply(s.remoteRec.Fields)
	// Only edits made while the write was in flight survive. Entries that
	// already matched the store, written or not, are discarded so they neither
	// guard the field against remote updates nor get replayed later.
	s.staged = Diff(s.staged, s.remoteRec.Fields, s.ordered)
	return nil
}

// OnRemoteUpdate applies a snapshot delivered by the subscription. It reports
// whether the snapshot changed the last known remote state.
func (s *Synchronizer) OnRemoteUpdate(rec Record) bool {
	focused := s.renderer.FocusedField()

	s.mu.Lock()
	if !s.attached || (rec.ID != "" && rec.ID != s.planID) {
		s.mu.Unlock()
		return false
	}
	if rec.ID == "" {
		rec.ID = s.planID
	}
	if sameRecord(s.remoteRec, rec, s.ordered) {
		s.mu.Unlock()
		return false
	}
	prev := s.remoteRec
	s.remoteRec = rec.Clone()
	pushes := s.pushesLocked(prev, s.remoteRec, focused)
	s.mu.Unlock()

	s.render(pushes)
	return true
}

func (s *Synchronizer) listen(gen uint64, planID string, events <-chan Event) {
	for ev := range events {
		if !s.current(gen) {
			return
		}
		if ev.Err != nil {
			s.report(&SubscriptionError{PlanID: planID, Err: ev.Err})
			continue
		}
		s.OnRemoteUpdate(ev.Record)
	}
}

type push struct {
	key   string
	value Value
}

// pushesLocked lists the fields to render for next, skipping the focused
// field and any field with a staged local change.
func (s *Synchronizer) pushesLocked(prev, next Record, focused string) []push {
	guarded := func(key string) bool {
		if key == focused && focused != "" {
			return true
		}
		_, staged := s.staged[key]
		return staged
	}

	var out []push
	for _, key := range next.Keys() {
		if guarded(key) {
			continue
		}
		out = append(out, push{key: key, value: next.Fields[key]})
	}
	var removed []string
	for key := range prev.Fields {
		if _, ok := next.Fields[key]; !ok && !guarded(key) {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		out = append(out, push{key: key})
	}
	return out
}

func (s *Synchronizer) render(pushes []push) {
	if len(pushes) == 0 {
		return
	}
	if batch, ok := s.renderer.(BatchRenderer); ok {
		fields := make(map[string]Value, len(pushes))
		for _, p := range pushes {
			fields[p.key] = p.value
		}
		batch.RenderFields(fields)
		return
	}
	for _, p := range pushes {
		s.renderer.Render(p.key, p.value)
	}
}

func (s *Synchronizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && s.gen == gen
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (s *Synchronizer) report(err error) {
	s.logger.Printf("plansync: %v", err)
	select {
	case s.errs <- err:
	default:
	}
}

type nopRenderer struct{}

func (nopRenderer) Render(string, Value) {}

func (nopRenderer) FocusedField() string { return "" }
