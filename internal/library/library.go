// Package library holds the watched entity types shared by the server and the sync client.
package library

// LinkKind tells which relation a containment edge represents.
type LinkKind string

const (
	LinkFolder  LinkKind = "folder"
	LinkSnippet LinkKind = "snippet"
)

type Folder struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type Snippet struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	Title       string  `json:"title"`
	Language    *string `json:"language"`
	Description *string `json:"description"`
	Content     string  `json:"content"`
}

// Link is a containment edge: parent folder to child folder, or folder to snippet.
type Link struct {
	ID       string   `json:"id"`
	UserID   string   `json:"userId"`
	ParentID string   `json:"parentId"`
	ChildID  string   `json:"childId"`
	Kind     LinkKind `json:"kind"`
}

func FolderKey(f Folder) string   { return f.ID }
func SnippetKey(s Snippet) string { return s.ID }
func LinkKey(l Link) string       { return l.ID }

func WithFolderKey(f Folder, id string) Folder {
	f.ID = id
	return f
}

func WithSnippetKey(s Snippet, id string) Snippet {
	s.ID = id
	return s
}

func WithLinkKey(l Link, id string) Link {
	l.ID = id
	return l
}

// LanguageOrEmpty dereferences an optional language tag.
func (s Snippet) LanguageOrEmpty() string {
	if s.Language == nil {
		return ""
	}
	return *s.Language
}

func (s Snippet) DescriptionOrEmpty() string {
	if s.Description == nil {
		return ""
	}
	return *s.Description
}
