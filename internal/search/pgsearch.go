package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgSearch is the fallback searcher, a case-insensitive substring match over
// the issues table. Slower and less forgiving than Meilisearch, but it keeps
// the endpoint alive when the search server is down.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM issues
		WHERE ($1='' OR title ILIKE '%' || $1 || '%' OR category ILIKE '%' || $1 || '%'
		       OR location ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%')
		  AND ($2='' OR status=$2)
		  AND ($3='' OR category=$3)
	`, q.Text, q.FilterStatus, q.FilterCategory).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count search hits: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, category, location, status, priority, LEFT(description, 200)
		FROM issues
		WHERE ($1='' OR title ILIKE '%' || $1 || '%' OR category ILIKE '%' || $1 || '%'
		       OR location ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%')
		  AND ($2='' OR status=$2)
		  AND ($3='' OR category=$3)
		ORDER BY is_boosted DESC, created_at DESC
		LIMIT $4 OFFSET $5
	`, q.Text, q.FilterStatus, q.FilterCategory, limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search issues: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Category, &r.Location, &r.Status, &r.Priority, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every issue for reindexing into Meilisearch.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, category, location, description, status, priority
		FROM issues
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues for reindex: %w", err)
	}
	defer rows.Close()

	records := make([]IssueRecord, 0)
	for rows.Next() {
		var r IssueRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Category, &r.Location, &r.Description, &r.Status, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan issue for reindex: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues for reindex: %w", err)
	}
	return records, nil
}
