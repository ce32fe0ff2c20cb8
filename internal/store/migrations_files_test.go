package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var migrationName = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

func TestMigrationsArePaired(t *testing.T) {
	entries, err := os.ReadDir(testMigrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	directions := map[string][]string{}
	for _, entry := range entries {
		match := migrationName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		for _, seen := range directions[match[1]] {
			if seen == match[2] {
				t.Fatalf("version %s has two %s files", match[1], match[2])
			}
		}
		directions[match[1]] = append(directions[match[1]], match[2])
	}

	if len(directions) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range directions {
		if len(dirs) != 2 {
			t.Fatalf("version %s has %v, want both up and down", version, dirs)
		}
	}
}

// Every live stream must be fed by a trigger publishing on its channel.
func TestNotifyTriggersCoverEveryStream(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join(testMigrationsDir, "0002_notify.up.sql"))
	if err != nil {
		t.Fatalf("read notify migration: %v", err)
	}
	sql := string(raw)

	for _, name := range []string{"folders", "snippets", "links"} {
		q, err := LookupStream(name)
		if err != nil {
			t.Fatalf("LookupStream(%q) error = %v", name, err)
		}
		if !strings.Contains(sql, "publish_change('"+q.Channel+"'") {
			t.Fatalf("no trigger publishes on %s for stream %s", q.Channel, name)
		}
	}
	for _, table := range []string{"folders", "snippets", "folder_links", "snippet_links"} {
		if !strings.Contains(sql, "CREATE TRIGGER "+table+"_notify") {
			t.Fatalf("table %s has no notify trigger", table)
		}
	}
	if _, err := LookupStream("users"); err == nil {
		t.Fatal("expected unknown stream to fail")
	}
}
