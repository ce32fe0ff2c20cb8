package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-runewidth"

	"codeshelf/internal/library"
)

const excerptWidth = 60

type treeRow struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
}

// treeRows flattens tree depth-first; folders come before the snippets beside them.
func treeRows(tree library.Tree) []treeRow {
	var rows []treeRow
	var walk func(prefix string, folders []*library.FolderNode, snippets []library.Snippet)
	walk = func(prefix string, folders []*library.FolderNode, snippets []library.Snippet) {
		for _, folder := range folders {
			path := prefix + folder.Name + "/"
			rows = append(rows, treeRow{Kind: "folder", Path: path, ID: folder.ID})
			walk(path, folder.Folders, folder.Snippets)
		}
		for _, snippet := range snippets {
			rows = append(rows, treeRow{
				Kind:     "snippet",
				Path:     prefix + snippet.Title,
				ID:       snippet.ID,
				Language: snippet.LanguageOrEmpty(),
			})
		}
	}
	walk("", tree.Folders, tree.Snippets)
	return rows
}

func renderTree(w io.Writer, tree library.Tree) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Kind", "Path", "Language", "ID"})
	for _, row := range treeRows(tree) {
		t.AppendRow(table.Row{row.Kind, row.Path, row.Language, row.ID})
	}
	t.Render()
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// oneLine squeezes text onto a single line no wider than width cells.
func oneLine(text string, width int) string {
	return runewidth.Truncate(strings.Join(strings.Fields(text), " "), width, "...")
}
