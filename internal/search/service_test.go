package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu       sync.Mutex
	healthy  bool
	results  []Result
	err      error
	queries  []Query
	snippets []SnippetRecord
	folders  []FolderRecord
	deleted  []string
}

func (f *fakeBackend) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, len(f.results), f.err
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) IndexSnippets(records []SnippetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snippets = append(f.snippets, records...)
	return nil
}

func (f *fakeBackend) IndexFolders(records []FolderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, records...)
	return nil
}

func (f *fakeBackend) DeleteSnippet(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) DeleteFolder(id string) error { return f.DeleteSnippet(id) }

type fakeLoader struct {
	fakeBackend
	loadSnippets []SnippetRecord
	loadFolders  []FolderRecord
}

func (f *fakeLoader) LoadAllRecords(context.Context) ([]SnippetRecord, []FolderRecord, error) {
	return f.loadSnippets, f.loadFolders, nil
}

func TestSearchPrefersHealthyMeili(t *testing.T) {
	meili := &fakeBackend{healthy: true, results: []Result{{Type: ResultSnippet, ID: "S1"}}}
	pg := &fakeLoader{fakeBackend: fakeBackend{healthy: true}}
	svc := &Service{meili: meili, pgfts: pg}

	resp := svc.Search(context.Background(), Query{UserID: "U1", Text: " sort ", Limit: 500})
	if len(resp.Results) != 1 || resp.Results[0].ID != "S1" {
		t.Fatalf("unexpected results: %+v", resp)
	}
	if resp.Query != "sort" {
		t.Fatalf("expected trimmed query, got %q", resp.Query)
	}
	if len(pg.queries) != 0 {
		t.Fatal("fallback used while meili is healthy")
	}
	if meili.queries[0].Limit != 20 {
		t.Fatalf("expected clamped limit, got %d", meili.queries[0].Limit)
	}
}

func TestSearchFallsBackToPostgres(t *testing.T) {
	meili := &fakeBackend{healthy: true, err: errors.New("timeout")}
	pg := &fakeLoader{fakeBackend: fakeBackend{healthy: true, results: []Result{{Type: ResultFolder, ID: "F1"}}}}
	svc := &Service{meili: meili, pgfts: pg}

	resp := svc.Search(context.Background(), Query{UserID: "U1", Text: "utils"})
	if len(resp.Results) != 1 || resp.Results[0].ID != "F1" {
		t.Fatalf("unexpected results: %+v", resp)
	}
}

func TestSearchWithoutOwnerOrTextReturnsNothing(t *testing.T) {
	pg := &fakeLoader{fakeBackend: fakeBackend{healthy: true, results: []Result{{ID: "S1"}}}}
	svc := &Service{pgfts: pg}

	if resp := svc.Search(context.Background(), Query{Text: "x"}); len(resp.Results) != 0 {
		t.Fatalf("expected no results without owner, got %+v", resp)
	}
	if resp := svc.Search(context.Background(), Query{UserID: "U1", Text: "  "}); resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestIndexingSkippedWhenMeiliMissing(t *testing.T) {
	svc := NewService(nil, nil)
	svc.IndexSnippet(SnippetRecord{ID: "S1"})
	svc.DeleteFolder("F1")
	if n, err := svc.ReindexAllFromPG(context.Background()); n != 0 || err != nil {
		t.Fatalf("ReindexAllFromPG() = %d, %v", n, err)
	}
}

func TestIndexSnippetIsAsynchronous(t *testing.T) {
	meili := &fakeBackend{healthy: true}
	svc := &Service{meili: meili}
	svc.IndexSnippet(SnippetRecord{ID: "S1", UserID: "U1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		meili.mu.Lock()
		n := len(meili.snippets)
		meili.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("snippet was never indexed")
}

func TestReindexAllFromPG(t *testing.T) {
	meili := &fakeBackend{healthy: true}
	pg := &fakeLoader{
		loadSnippets: []SnippetRecord{{ID: "S1"}, {ID: "S2"}},
		loadFolders:  []FolderRecord{{ID: "F1"}},
	}
	svc := &Service{meili: meili, pgfts: pg}

	n, err := svc.ReindexAllFromPG(context.Background())
	if err != nil {
		t.Fatalf("ReindexAllFromPG() error = %v", err)
	}
	if n != 3 || len(meili.snippets) != 2 || len(meili.folders) != 1 {
		t.Fatalf("unexpected reindex: n=%d snippets=%d folders=%d", n, len(meili.snippets), len(meili.folders))
	}
}
