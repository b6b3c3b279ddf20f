package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bakeplan/api/internal/plansync"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches the generated plans.fts column with plainto_tsquery and ranks
// by ts_rank, using ts_headline over the flattened text for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.PlanIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `p.fts @@ plainto_tsquery('english', $1) AND p.id = ANY($2)`
	args := []any{q.Text, q.PlanIDs}
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM plans p WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.id, COALESCE(p.fields->>'title', ''),
			ts_headline('english',
				COALESCE((SELECT string_agg(value, ' ') FROM jsonb_each_text(p.fields) WHERE key <> 'title'), ''),
				plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			p.last_edited
		FROM plans p
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC, p.last_edited DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var edited time.Time
		if err := rows.Scan(&r.PlanID, &r.Title, &r.Snippet, &edited); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.LastEdited = edited.UTC()
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllPlans returns every plan in indexed form for a full reindex.
func (p *PgFTS) LoadAllPlans(ctx context.Context) ([]PlanDocument, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, fields, last_edited FROM plans`)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	defer rows.Close()

	docs := make([]PlanDocument, 0)
	for rows.Next() {
		var id string
		var raw []byte
		var edited time.Time
		if err := rows.Scan(&id, &raw, &edited); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		rec := plansync.Record{ID: id, LastEdited: edited}
		if err := json.Unmarshal(raw, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode plan %s: %w", id, err)
		}
		docs = append(docs, DocumentFor(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return docs, nil
}
