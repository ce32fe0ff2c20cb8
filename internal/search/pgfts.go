package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over the owner's snippets and folders ranked with ts_rank, using
// ts_headline for excerpts.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	const tsQuery = "plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.UserID}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultSnippet {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'snippet'::text AS type, s.id::text, s.title,
				ts_headline('simple', coalesce(s.description, '') || ' ' || s.content, %s, 'MaxFragments=1,MaxWords=30') AS excerpt,
				coalesce(s.language, '') AS language,
				ts_rank(s.fts, %s) AS rank
			FROM snippets s
			WHERE s.user_id = $2 AND s.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultFolder {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'folder'::text AS type, f.id::text, f.name AS title,
				''::text AS excerpt,
				''::text AS language,
				ts_rank(to_tsvector('simple', f.name), %s) AS rank
			FROM folders f
			WHERE f.user_id = $2 AND to_tsvector('simple', f.name) @@ %s`, tsQuery, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, excerpt, language
		FROM (%s) sub
		ORDER BY rank DESC, title
		LIMIT %d OFFSET %d`, union, q.Limit, q.Offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Excerpt, &r.Language); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SnippetRecord, []FolderRecord, error) {
	snippetRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, user_id::text, title, coalesce(language, ''), coalesce(description, ''), content
		FROM snippets
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load snippets: %w", err)
	}
	defer snippetRows.Close()

	snippets := make([]SnippetRecord, 0)
	for snippetRows.Next() {
		var r SnippetRecord
		if err := snippetRows.Scan(&r.ID, &r.UserID, &r.Title, &r.Language, &r.Description, &r.Content); err != nil {
			return nil, nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, r)
	}
	if err := snippetRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate snippets: %w", err)
	}

	folderRows, err := p.db.QueryContext(ctx, `SELECT id::text, user_id::text, name FROM folders`)
	if err != nil {
		return nil, nil, fmt.Errorf("load folders: %w", err)
	}
	defer folderRows.Close()

	folders := make([]FolderRecord, 0)
	for folderRows.Next() {
		var r FolderRecord
		if err := folderRows.Scan(&r.ID, &r.UserID, &r.Name); err != nil {
			return nil, nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, r)
	}
	if err := folderRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate folders: %w", err)
	}
	return snippets, folders, nil
}
