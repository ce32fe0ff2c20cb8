package workspace

import (
	"errors"
	"sync"

	"codeshelf/internal/library"
	"codeshelf/internal/reconcile"
)

// Editor changes one snippet. Every setter updates the optimistic view at once and the
// snippet is saved after edits go quiet for the debounce interval.
type Editor struct {
	ws        *Workspace
	snippetID string

	once sync.Once
	done chan struct{}
}

func (e *Editor) SnippetID() string {
	return e.snippetID
}

// Snippet returns the snippet as currently shown, including unsaved edits.
func (e *Editor) Snippet() (library.Snippet, bool) {
	return e.ws.Snippets.Get(e.snippetID)
}

// Done is closed when the editor closes, including when its snippet is deleted.
func (e *Editor) Done() <-chan struct{} {
	return e.done
}

func (e *Editor) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Editor) SetTitle(title string) error {
	return e.edit(func(s library.Snippet) library.Snippet {
		s.Title = title
		return s
	})
}

func (e *Editor) SetContent(content string) error {
	return e.edit(func(s library.Snippet) library.Snippet {
		s.Content = content
		return s
	})
}

// SetLanguage sets the language; an empty value clears it.
func (e *Editor) SetLanguage(language string) error {
	return e.edit(func(s library.Snippet) library.Snippet {
		if language == "" {
			s.Language = nil
		} else {
			s.Language = &language
		}
		return s
	})
}

func (e *Editor) SetDescription(description string) error {
	return e.edit(func(s library.Snippet) library.Snippet {
		if description == "" {
			s.Description = nil
		} else {
			s.Description = &description
		}
		return s
	})
}

func (e *Editor) Close() {
	e.ws.detach(e)
	e.markClosed()
}

func (e *Editor) edit(mutate func(library.Snippet) library.Snippet) error {
	if e.Closed() {
		return ErrClosed
	}
	err := e.ws.Snippets.Edit(e.snippetID, mutate)
	if errors.Is(err, reconcile.ErrNotFound) {
		e.Close()
	}
	return err
}

func (e *Editor) markClosed() {
	e.once.Do(func() { close(e.done) })
}
