package library

import (
	"sort"
	"strings"
)

// Tree is the root level of a user's library.
type Tree struct {
	Folders  []*FolderNode `json:"folders"`
	Snippets []Snippet     `json:"snippets"`
}

// FolderNode is a folder with its nested children resolved.
type FolderNode struct {
	Folder
	Folders  []*FolderNode `json:"folders"`
	Snippets []Snippet     `json:"snippets"`
}

// BuildTree nests folders and snippets by their containment links. Anything without an
// incoming link is a root. Links pointing at unknown entities are ignored and a folder is
// expanded at most once, so cyclic links cannot recurse forever.
func BuildTree(folders []Folder, snippets []Snippet, links []Link) Tree {
	folderByID := make(map[string]Folder, len(folders))
	for _, f := range folders {
		folderByID[f.ID] = f
	}
	snippetByID := make(map[string]Snippet, len(snippets))
	for _, s := range snippets {
		snippetByID[s.ID] = s
	}

	childFolders := make(map[string][]string)
	childSnippets := make(map[string][]string)
	hasParent := make(map[string]bool)
	for _, link := range links {
		if _, ok := folderByID[link.ParentID]; !ok {
			continue
		}
		switch link.Kind {
		case LinkFolder:
			if _, ok := folderByID[link.ChildID]; !ok {
				continue
			}
			childFolders[link.ParentID] = append(childFolders[link.ParentID], link.ChildID)
		case LinkSnippet:
			if _, ok := snippetByID[link.ChildID]; !ok {
				continue
			}
			childSnippets[link.ParentID] = append(childSnippets[link.ParentID], link.ChildID)
		default:
			continue
		}
		hasParent[link.ChildID] = true
	}

	visited := make(map[string]bool)
	var build func(id string) *FolderNode
	build = func(id string) *FolderNode {
		visited[id] = true
		node := &FolderNode{Folder: folderByID[id], Folders: []*FolderNode{}, Snippets: []Snippet{}}
		for _, childID := range childFolders[id] {
			if visited[childID] {
				continue
			}
			node.Folders = append(node.Folders, build(childID))
		}
		for _, snippetID := range childSnippets[id] {
			node.Snippets = append(node.Snippets, snippetByID[snippetID])
		}
		sortFolderNodes(node.Folders)
		sortSnippets(node.Snippets)
		return node
	}

	tree := Tree{Folders: []*FolderNode{}, Snippets: []Snippet{}}
	for _, f := range folders {
		if hasParent[f.ID] || visited[f.ID] {
			continue
		}
		tree.Folders = append(tree.Folders, build(f.ID))
	}
	for _, s := range snippets {
		if hasParent[s.ID] {
			continue
		}
		tree.Snippets = append(tree.Snippets, s)
	}
	sortFolderNodes(tree.Folders)
	sortSnippets(tree.Snippets)
	return tree
}

// RootFolders returns the folders that have no incoming containment link.
func RootFolders(folders []Folder, links []Link) []Folder {
	children := make(map[string]bool, len(links))
	for _, link := range links {
		if link.Kind == LinkFolder {
			children[link.ChildID] = true
		}
	}
	roots := make([]Folder, 0, len(folders))
	for _, f := range folders {
		if !children[f.ID] {
			roots = append(roots, f)
		}
	}
	return roots
}

func sortFolderNodes(nodes []*FolderNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
}

func sortSnippets(items []Snippet) {
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].Title) < strings.ToLower(items[j].Title)
	})
}
