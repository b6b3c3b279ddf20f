package search

import (
	"sort"
	"strings"
	"time"

	"bakeplan/api/internal/plansync"
)

// Result is a single search hit returned to the caller.
type Result struct {
	PlanID     string    `json:"planId"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	LastEdited time.Time `json:"lastEdited"`
}

// Query describes a search request. PlanIDs limits hits to plans the caller
// may read; an empty list matches nothing.
type Query struct {
	Text    string
	PlanIDs []string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push plans into a search index.
type Indexer interface {
	IndexPlan(doc PlanDocument) error
	IndexPlans(docs []PlanDocument) error
}

// PlanDocument is the data we index for a plan.
type PlanDocument struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	LastEdited int64  `json:"lastEdited"`
}

// DocumentFor flattens a plan record into its indexed form. Body holds every
// text and list field except the title, in key order.
func DocumentFor(rec plansync.Record) PlanDocument {
	doc := PlanDocument{ID: rec.ID, Title: rec.Fields["title"].Str(), LastEdited: rec.LastEdited.Unix()}
	keys := make([]string, 0, len(rec.Fields))
	for key := range rec.Fields {
		if key != "title" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		value := rec.Fields[key]
		switch value.Kind() {
		case plansync.KindString:
			if text := strings.TrimSpace(value.Str()); text != "" {
				parts = append(parts, text)
			}
		case plansync.KindList:
			parts = append(parts, value.Items()...)
		}
	}
	doc.Body = strings.Join(parts, "\n")
	return doc
}
