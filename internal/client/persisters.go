package client

import (
	"context"
	"net/http"
	"net/url"

	"codeshelf/internal/library"
	"codeshelf/internal/reconcile"
)

// Folders returns the persister a folder collection writes through. New folders are created
// at the root; MoveFolder nests them.
func (c *Client) Folders() reconcile.Persister[library.Folder] {
	return folderPersister{c: c}
}

// Snippets returns the persister a snippet collection writes through.
func (c *Client) Snippets() reconcile.Persister[library.Snippet] {
	return snippetPersister{c: c}
}

type folderPersister struct {
	c *Client
}

func (p folderPersister) Create(ctx context.Context, folder library.Folder) (library.Folder, error) {
	var created library.Folder
	err := p.c.do(ctx, http.MethodPost, "/api/folders", map[string]any{"name": folder.Name}, &created)
	return created, err
}

func (p folderPersister) Update(ctx context.Context, folder library.Folder) (library.Folder, error) {
	var updated library.Folder
	err := p.c.do(ctx, http.MethodPut, "/api/folders/"+url.PathEscape(folder.ID), map[string]any{"name": folder.Name}, &updated)
	return updated, err
}

func (p folderPersister) Delete(ctx context.Context, id string) error {
	return p.c.do(ctx, http.MethodDelete, "/api/folders/"+url.PathEscape(id), nil, nil)
}

type snippetPersister struct {
	c *Client
}

type snippetBody struct {
	Title       string  `json:"title"`
	Language    *string `json:"language"`
	Description *string `json:"description"`
	Content     string  `json:"content"`
}

func bodyOf(s library.Snippet) snippetBody {
	return snippetBody{Title: s.Title, Language: s.Language, Description: s.Description, Content: s.Content}
}

func (p snippetPersister) Create(ctx context.Context, snippet library.Snippet) (library.Snippet, error) {
	var created library.Snippet
	err := p.c.do(ctx, http.MethodPost, "/api/snippets", bodyOf(snippet), &created)
	return created, err
}

func (p snippetPersister) Update(ctx context.Context, snippet library.Snippet) (library.Snippet, error) {
	var updated library.Snippet
	err := p.c.do(ctx, http.MethodPut, "/api/snippets/"+url.PathEscape(snippet.ID), bodyOf(snippet), &updated)
	return updated, err
}

func (p snippetPersister) Delete(ctx context.Context, id string) error {
	return p.c.do(ctx, http.MethodDelete, "/api/snippets/"+url.PathEscape(id), nil, nil)
}

// Fetch re-reads a snippet; the snippet collection uses it when a live update arrived without
// its content.
func (p snippetPersister) Fetch(ctx context.Context, id string) (library.Snippet, error) {
	return p.c.GetSnippet(ctx, id)
}
