package store

import "fmt"

// Notification channels written by the change triggers.
const (
	FolderChannel  = "folder_changes"
	SnippetChannel = "snippet_changes"
	LinkChannel    = "link_changes"
)

// StreamQuery is the snapshot and channel pair behind one live collection. Each snapshot
// query takes the owner id as $1 and yields one JSON value per row, serialized by the same
// SQL functions the triggers use.
type StreamQuery struct {
	Name     string
	Channel  string
	Snapshot string
}

var streamQueries = map[string]StreamQuery{
	"folders": {
		Name:     "folders",
		Channel:  FolderChannel,
		Snapshot: `SELECT folder_json(f) FROM folders f WHERE f.user_id = $1 ORDER BY f.created_at, f.id`,
	},
	"snippets": {
		Name:     "snippets",
		Channel:  SnippetChannel,
		Snapshot: `SELECT snippet_json(s) FROM snippets s WHERE s.user_id = $1 ORDER BY s.created_at, s.id`,
	},
	"links": {
		Name:    "links",
		Channel: LinkChannel,
		Snapshot: `SELECT folder_link_json(l) FROM folder_links l WHERE l.user_id = $1
			UNION ALL
			SELECT snippet_link_json(l) FROM snippet_links l WHERE l.user_id = $1`,
	},
}

// LookupStream returns the stream named name ("folders", "snippets" or "links").
func LookupStream(name string) (StreamQuery, error) {
	q, ok := streamQueries[name]
	if !ok {
		return StreamQuery{}, fmt.Errorf("unknown stream %q", name)
	}
	return q, nil
}
