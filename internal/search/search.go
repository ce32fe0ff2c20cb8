package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSnippet ResultType = "snippet"
	ResultFolder  ResultType = "folder"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Excerpt  string     `json:"excerpt"`
	Language string     `json:"language,omitempty"`
}

// Query describes a search request. UserID scopes every backend to one owner's library.
type Query struct {
	UserID     string
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexSnippets(records []SnippetRecord) error
	IndexFolders(records []FolderRecord) error
	DeleteSnippet(id string) error
	DeleteFolder(id string) error
}

// SnippetRecord is the data we index for a snippet.
type SnippetRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Title       string `json:"title"`
	Language    string `json:"language"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// FolderRecord is the data we index for a folder.
type FolderRecord struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
