package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakeplan/api/internal/plansync"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	results []Result
	err     error
	indexed []PlanDocument
	queries []Query
}

func (f *fakeIndex) Search(q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexPlan(doc PlanDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, doc)
	return nil
}

func (f *fakeIndex) IndexPlans(docs []PlanDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, docs...)
	return nil
}

func (f *fakeIndex) indexedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

type fakeLoader struct{ docs []PlanDocument }

func (f fakeLoader) LoadAllPlans(context.Context) ([]PlanDocument, error) { return f.docs, nil }

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDocumentForFlattensFields(t *testing.T) {
	rec := plansync.Record{
		ID: "pln_1",
		Fields: map[string]plansync.Value{
			"title":        plansync.String("Corner Bakery"),
			"m2_story":     plansync.String("  Sourdough since 1998 "),
			"m1_pillars":   plansync.List("bread", "coffee"),
			"launch_ready": plansync.Bool(true),
			"empty":        plansync.String(" "),
		},
		LastEdited: time.Unix(1700000000, 0),
	}

	doc := DocumentFor(rec)

	assert.Equal(t, "pln_1", doc.ID)
	assert.Equal(t, "Corner Bakery", doc.Title)
	assert.Equal(t, "bread\ncoffee\nSourdough since 1998", doc.Body)
	assert.Equal(t, int64(1700000000), doc.LastEdited)
}

func TestServicePrefersHealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{PlanID: "pln_1"}}}
	fallback := &fakeIndex{healthy: true, results: []Result{{PlanID: "pln_2"}}}
	s := &Service{primary: primary, fallback: fallback, logger: quiet()}

	resp := s.Search(Query{Text: "bread", PlanIDs: []string{"pln_1", "pln_2"}})

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "pln_1", resp.Results[0].PlanID)
	assert.Equal(t, "bread", resp.Query)
	assert.Empty(t, fallback.queries)
}

func TestServiceFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeIndex{healthy: true, err: errors.New("timeout")}
	fallback := &fakeIndex{healthy: true, results: []Result{{PlanID: "pln_2"}}}
	s := &Service{primary: primary, fallback: fallback, logger: quiet()}

	resp := s.Search(Query{Text: "bread", PlanIDs: []string{"pln_2"}})

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "pln_2", resp.Results[0].PlanID)
}

func TestServiceSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false}
	fallback := &fakeIndex{healthy: true}
	s := &Service{primary: primary, fallback: fallback, logger: quiet()}

	resp := s.Search(Query{Text: "bread"})

	assert.Empty(t, primary.queries)
	assert.NotNil(t, resp.Results)
	assert.Len(t, fallback.queries, 1)
}

func TestServiceFallbackErrorYieldsEmptyResponse(t *testing.T) {
	s := &Service{fallback: &fakeIndex{err: errors.New("db down")}, logger: quiet()}

	resp := s.Search(Query{Text: "bread"})

	assert.Equal(t, []Result{}, resp.Results)
	assert.Zero(t, resp.Total)
}

func TestIndexPlanAndReindex(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	s := &Service{primary: primary, loader: fakeLoader{docs: []PlanDocument{{ID: "a"}, {ID: "b"}}}, logger: quiet()}

	s.IndexPlan(plansync.Record{ID: "pln_1", Fields: map[string]plansync.Value{"title": plansync.String("x")}})
	require.Eventually(t, func() bool { return primary.indexedCount() == 1 }, time.Second, 5*time.Millisecond)

	s.ReindexAllFromPG(context.Background())
	assert.Equal(t, 3, primary.indexedCount())
}

func TestNewServiceWithoutBackends(t *testing.T) {
	s := NewService(nil, nil, quiet())

	s.IndexPlan(plansync.Record{ID: "pln_1"})
	s.ReindexAllFromPG(context.Background())
	resp := s.Search(Query{Text: "bread", PlanIDs: []string{"pln_1"}})

	assert.Equal(t, []Result{}, resp.Results)
}

func TestPlanFilter(t *testing.T) {
	assert.Equal(t, `id IN ["pln_1", "pln_2"]`, planFilter([]string{"pln_1", "pln_2"}))
}

func TestHitToResultPrefersFormatted(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"pln_9"`),
		"title":      json.RawMessage(`"Corner Bakery"`),
		"body":       json.RawMessage(`"Sourdough since 1998"`),
		"lastEdited": json.RawMessage(`1700000000`),
		"_formatted": json.RawMessage(`{"title":"Corner Bakery","body":"<mark>Sourdough</mark> since 1998","lastEdited":"1700000000"}`),
	}

	r := hitToResult(hit)

	assert.Equal(t, "pln_9", r.PlanID)
	assert.Equal(t, "Corner Bakery", r.Title)
	assert.Equal(t, "<mark>Sourdough</mark> since 1998", r.Snippet)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), r.LastEdited)
}

func TestPgFTSRejectsEmptyQueries(t *testing.T) {
	p := NewPgFTS(nil)

	results, total, err := p.Search(Query{Text: "  ", PlanIDs: []string{"pln_1"}})
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Zero(t, total)

	results, _, err = p.Search(Query{Text: "bread"})
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.True(t, p.Healthy())
}
