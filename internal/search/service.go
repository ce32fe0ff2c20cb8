package search

import (
	"context"
	"log"
	"strings"
)

// indexBackend is the Meilisearch side of the service; *Meili satisfies it.
type indexBackend interface {
	Searcher
	Indexer
}

// recordLoader reads every searchable record for a reindex; *PgFTS satisfies it.
type recordLoader interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]SnippetRecord, []FolderRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili indexBackend
	pgfts recordLoader
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" || q.UserID == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.indexing() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnippet indexes a snippet (fire-and-forget to Meilisearch).
func (s *Service) IndexSnippet(record SnippetRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexSnippets([]SnippetRecord{record}); err != nil {
			log.Printf("search: index snippet %s: %v", record.ID, err)
		}
	}()
}

// IndexFolder indexes a folder (fire-and-forget to Meilisearch).
func (s *Service) IndexFolder(record FolderRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexFolders([]FolderRecord{record}); err != nil {
			log.Printf("search: index folder %s: %v", record.ID, err)
		}
	}()
}

// DeleteSnippet removes a snippet from the search index (fire-and-forget).
func (s *Service) DeleteSnippet(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteSnippet(id); err != nil {
			log.Printf("search: delete snippet %s: %v", id, err)
		}
	}()
}

func (s *Service) DeleteFolder(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteFolder(id); err != nil {
			log.Printf("search: delete folder %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG pushes every snippet and folder stored in PostgreSQL into Meilisearch.
// It reports how many records were sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, error) {
	if !s.indexing() || s.pgfts == nil {
		return 0, nil
	}
	snippets, folders, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if len(snippets) > 0 {
		if err := s.meili.IndexSnippets(snippets); err != nil {
			return 0, err
		}
	}
	if len(folders) > 0 {
		if err := s.meili.IndexFolders(folders); err != nil {
			return len(snippets), err
		}
	}
	return len(snippets) + len(folders), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
