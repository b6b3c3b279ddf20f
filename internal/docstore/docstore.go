// Package docstore is the server-side remote document store: plan writes go
// to Postgres and the resulting record is broadcast to every subscriber,
// including the writer.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"

	"bakeplan/api/internal/plansync"
	"bakeplan/api/internal/store"
)

type planRepository interface {
	GetPlan(context.Context, string) (plansync.Record, error)
	ApplyPlanChanges(context.Context, string, plansync.ChangeSet) (plansync.Record, error)
}

type broker interface {
	Publish(context.Context, plansync.Record) error
	Subscribe(context.Context, string) (<-chan plansync.Event, func(), error)
}

// Indexer is told about every stored version of a plan.
type Indexer interface {
	IndexPlan(plansync.Record)
}

type Store struct {
	plans   planRepository
	broker  broker
	indexer Indexer
	logger  *log.Logger
}

func New(plans planRepository, broker broker, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{plans: plans, broker: broker, logger: logger}
}

// WithIndexer makes s report every write to ix.
func (s *Store) WithIndexer(ix Indexer) *Store {
	s.indexer = ix
	return s
}

func (s *Store) Get(ctx context.Context, planID string) (plansync.Record, error) {
	rec, err := s.plans.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return plansync.Record{}, fmt.Errorf("get plan %s: %w", planID, plansync.ErrNotFound)
	}
	if err != nil {
		return plansync.Record{}, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, planID string, changes plansync.ChangeSet) error {
	_, err := s.Apply(ctx, planID, changes)
	return err
}

// Apply writes changes and returns the stored record. A failed broadcast is
// logged, not returned: the write itself succeeded.
func (s *Store) Apply(ctx context.Context, planID string, changes plansync.ChangeSet) (plansync.Record, error) {
	if len(changes) == 0 {
		return s.Get(ctx, planID)
	}
	rec, err := s.plans.ApplyPlanChanges(ctx, planID, changes)
	if errors.Is(err, store.ErrNotFound) {
		return plansync.Record{}, fmt.Errorf("update plan %s: %w", planID, plansync.ErrNotFound)
	}
	if err != nil {
		return plansync.Record{}, err
	}
	if err := s.broker.Publish(ctx, rec); err != nil {
		s.logger.Printf("docstore: broadcast plan %s: %v", planID, err)
	}
	if s.indexer != nil {
		s.indexer.IndexPlan(rec)
	}
	return rec, nil
}

func (s *Store) Subscribe(ctx context.Context, planID string) (<-chan plansync.Event, func(), error) {
	return s.broker.Subscribe(ctx, planID)
}
