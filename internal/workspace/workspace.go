// Package workspace is the client root: one multiplexer shared by the folder, snippet and
// link collections, plus editors bound to individual snippets.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"

	"codeshelf/internal/library"
	"codeshelf/internal/multiplex"
	"codeshelf/internal/reconcile"
	"codeshelf/internal/wire"
)

const (
	StreamFolders  = "folders"
	StreamSnippets = "snippets"
	StreamLinks    = "links"
)

var ErrClosed = errors.New("workspace closed")

// API is the server side a workspace writes through; *client.Client satisfies it.
type API interface {
	Folders() reconcile.Persister[library.Folder]
	Snippets() reconcile.Persister[library.Snippet]
	MoveFolder(ctx context.Context, folderID, parentID string) error
	MoveSnippet(ctx context.Context, snippetID, folderID string) error
}

type Workspace struct {
	api API
	mux *multiplex.Multiplexer

	Folders  *reconcile.Collection[library.Folder]
	Snippets *reconcile.Collection[library.Snippet]
	Links    *reconcile.Collection[library.Link]

	mu      sync.Mutex
	opened  bool
	closed  bool
	unsubs  []func()
	editors map[string][]*Editor
}

type settings struct {
	debounce time.Duration
	backoff  time.Duration
	clock    clock.Clock
	onError  func(stream string, err error)
}

type Option func(*settings)

func WithDebounce(d time.Duration) Option {
	return func(s *settings) { s.debounce = d }
}

func WithBackoff(d time.Duration) Option {
	return func(s *settings) { s.backoff = d }
}

func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithErrorHandler observes stream failures, including the terminal unauthorized one.
func WithErrorHandler(fn func(stream string, err error)) Option {
	return func(s *settings) { s.onError = fn }
}

func New(api API, dialer multiplex.Dialer, opts ...Option) *Workspace {
	cfg := settings{
		debounce: reconcile.DefaultDebounce,
		backoff:  multiplex.DefaultBackoff,
		clock:    clock.WallClock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	muxOpts := []multiplex.Option{multiplex.WithBackoff(cfg.backoff), multiplex.WithClock(cfg.clock)}
	if cfg.onError != nil {
		muxOpts = append(muxOpts, multiplex.WithErrorHandler(cfg.onError))
	}

	w := &Workspace{
		api: api,
		mux: multiplex.New(dialer, muxOpts...),
		Folders: reconcile.New(StreamFolders,
			reconcile.Schema[library.Folder]{Key: library.FolderKey, WithKey: library.WithFolderKey},
			reconcile.WithPersister(api.Folders()),
			reconcile.WithDebounce[library.Folder](cfg.debounce),
			reconcile.WithClock[library.Folder](cfg.clock),
		),
		Snippets: reconcile.New(StreamSnippets,
			reconcile.Schema[library.Snippet]{Key: library.SnippetKey, WithKey: library.WithSnippetKey},
			reconcile.WithPersister(api.Snippets()),
			reconcile.WithDebounce[library.Snippet](cfg.debounce),
			reconcile.WithClock[library.Snippet](cfg.clock),
		),
		Links: reconcile.New(StreamLinks,
			reconcile.Schema[library.Link]{Key: library.LinkKey, WithKey: library.WithLinkKey},
		),
		editors: make(map[string][]*Editor),
	}
	w.Snippets.OnRemove(w.closeEditors)
	return w
}

// Open subscribes the three collections to their streams. Calling it again is a no-op.
func (w *Workspace) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.opened {
		return nil
	}
	w.opened = true
	w.unsubs = append(w.unsubs,
		w.mux.Subscribe(StreamFolders, w.Folders.Callback(wire.Codec{Key: StreamFolders})),
		w.mux.Subscribe(StreamSnippets, w.Snippets.Callback(wire.Codec{Key: StreamSnippets})),
		w.mux.Subscribe(StreamLinks, w.Links.Callback(wire.Codec{Key: StreamLinks})),
	)
	return nil
}

// Close persists pending edits, closes every editor and drops the stream connections.
func (w *Workspace) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	unsubs := w.unsubs
	w.unsubs = nil
	var editors []*Editor
	for _, list := range w.editors {
		editors = append(editors, list...)
	}
	w.editors = make(map[string][]*Editor)
	w.mu.Unlock()

	err := errors.Join(w.Folders.Flush(ctx), w.Snippets.Flush(ctx))
	for _, editor := range editors {
		editor.markClosed()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	w.mux.Close()
	return err
}

// State reports the connection state of one stream.
func (w *Workspace) State(stream string) multiplex.State {
	return w.mux.State(stream)
}

// OnChange registers fn for any change in any of the three collections.
func (w *Workspace) OnChange(fn func()) {
	w.Folders.OnChange(fn)
	w.Snippets.OnChange(fn)
	w.Links.OnChange(fn)
}

// Tree nests the optimistic views by their links.
func (w *Workspace) Tree() library.Tree {
	return library.BuildTree(w.Folders.Items(), w.Snippets.Items(), w.Links.Items())
}

func (w *Workspace) CreateFolder(ctx context.Context, name, parentID string) (library.Folder, error) {
	folder, err := w.Folders.Create(ctx, library.Folder{Name: name})
	if err != nil {
		return library.Folder{}, err
	}
	if parentID != "" {
		if err := w.api.MoveFolder(ctx, folder.ID, parentID); err != nil {
			return folder, err
		}
	}
	return folder, nil
}

func (w *Workspace) RenameFolder(folderID, name string) error {
	return w.Folders.Edit(folderID, func(f library.Folder) library.Folder {
		f.Name = name
		return f
	})
}

func (w *Workspace) DeleteFolder(ctx context.Context, folderID string) error {
	return w.Folders.Delete(ctx, folderID)
}

func (w *Workspace) CreateSnippet(ctx context.Context, draft library.Snippet, folderID string) (library.Snippet, error) {
	snippet, err := w.Snippets.Create(ctx, draft)
	if err != nil {
		return library.Snippet{}, err
	}
	if folderID != "" {
		if err := w.api.MoveSnippet(ctx, snippet.ID, folderID); err != nil {
			return snippet, err
		}
	}
	return snippet, nil
}

// DeleteSnippet removes the snippet; its editors close through the OnRemove hook.
func (w *Workspace) DeleteSnippet(ctx context.Context, snippetID string) error {
	return w.Snippets.Delete(ctx, snippetID)
}

// OpenEditor binds an editor to a confirmed snippet.
func (w *Workspace) OpenEditor(snippetID string) (*Editor, error) {
	if _, ok := w.Snippets.Get(snippetID); !ok {
		return nil, reconcile.ErrNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	editor := &Editor{ws: w, snippetID: snippetID, done: make(chan struct{})}
	w.editors[snippetID] = append(w.editors[snippetID], editor)
	return editor, nil
}

func (w *Workspace) closeEditors(snippetID string) {
	w.mu.Lock()
	editors := w.editors[snippetID]
	delete(w.editors, snippetID)
	w.mu.Unlock()
	for _, editor := range editors {
		editor.markClosed()
	}
}

func (w *Workspace) detach(editor *Editor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.editors[editor.snippetID]
	for i, e := range list {
		if e == editor {
			w.editors[editor.snippetID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(w.editors[editor.snippetID]) == 0 {
		delete(w.editors, editor.snippetID)
	}
}
