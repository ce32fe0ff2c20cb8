package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSnippets = "codeshelf_snippets"
	idxFolders  = "codeshelf_folders"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable server is not
// an error: the client keeps probing and reports unhealthy until it answers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSnippets,
			filterable: []string{"userId", "language"},
			searchable: []string{"title", "description", "content"},
		},
		{
			uid:        idxFolders,
			filterable: []string{"userId"},
			searchable: []string{"name"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the snippet and folder indexes, both filtered to the query's owner.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = normalize(q)

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxSnippets, ResultSnippet},
		{idxFolders, ResultFolder},
	}

	var queries []*meili.SearchRequest
	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 int64(q.Limit),
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			AttributesToCrop:      []string{"content"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Filter:                ownerFilter(q.UserID),
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func ownerFilter(userID string) string {
	return fmt.Sprintf("userId = %q", userID)
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxSnippets:
		return ResultSnippet
	case idxFolders:
		return ResultFolder
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp, ID: decodeString(hit, "id")}
	switch rtyp {
	case ResultSnippet:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Excerpt = firstNonBlank(
			decodeFormattedString(hit, "content"),
			decodeFormattedString(hit, "description"),
			decodeString(hit, "description"),
		)
		r.Language = decodeString(hit, "language")
	case ResultFolder:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexSnippets(records []SnippetRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSnippets).AddDocuments(records, nil)
	return err
}

func (m *Meili) IndexFolders(records []FolderRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxFolders).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteSnippet(id string) error {
	_, err := m.client.Index(idxSnippets).DeleteDocument(id, nil)
	return err
}

func (m *Meili) DeleteFolder(id string) error {
	_, err := m.client.Index(idxFolders).DeleteDocument(id, nil)
	return err
}
