package search

import (
	"context"
	"log"

	"bakeplan/api/internal/plansync"
)

type index interface {
	Searcher
	Indexer
}

type planLoader interface {
	LoadAllPlans(ctx context.Context) ([]PlanDocument, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  index
	fallback Searcher
	loader   planLoader
	logger   *log.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{logger: logger}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPlan indexes a plan (fire-and-forget to Meilisearch). PG FTS needs no
// indexing; its column is generated.
func (s *Service) IndexPlan(rec plansync.Record) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	doc := DocumentFor(rec)
	go func() {
		if err := s.primary.IndexPlan(doc); err != nil {
			s.logger.Printf("search: index plan %s: %v", doc.ID, err)
		}
	}()
}

// ReindexAllFromPG pushes every stored plan into Meilisearch. Called at
// startup so an empty or stale index catches up.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return
	}
	docs, err := s.loader.LoadAllPlans(ctx)
	if err != nil {
		s.logger.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.primary.IndexPlans(docs); err != nil {
		s.logger.Printf("search: reindex plans: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
