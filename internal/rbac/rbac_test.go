package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name     string
		role     Role
		resource Resource
		action   Action
		allow    bool
	}{
		{name: "viewer reads snippets", role: RoleViewer, resource: ResourceSnippets, action: ActionRead, allow: true},
		{name: "viewer writes snippets", role: RoleViewer, resource: ResourceSnippets, action: ActionWrite, allow: false},
		{name: "editor writes folders", role: RoleEditor, resource: ResourceFolders, action: ActionWrite, allow: true},
		{name: "editor reads search", role: RoleEditor, resource: ResourceSearch, action: ActionRead, allow: true},
		{name: "editor rebuilds index", role: RoleEditor, resource: ResourceIndex, action: ActionWrite, allow: false},
		{name: "admin rebuilds index", role: RoleAdmin, resource: ResourceIndex, action: ActionWrite, allow: true},
		{name: "admin writes links", role: RoleAdmin, resource: ResourceLinks, action: ActionWrite, allow: false},
		{name: "admin reads index", role: RoleAdmin, resource: ResourceIndex, action: ActionRead, allow: false},
		{name: "unknown role", role: Role("ghost"), resource: ResourceLibrary, action: ActionRead, allow: false},
		{name: "unknown resource", role: RoleAdmin, resource: Resource("users"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.resource, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q, %q) = %v, want %v", tc.role, tc.resource, tc.action, got, tc.allow)
			}
		})
	}
}

func TestStreamResource(t *testing.T) {
	for _, name := range []string{"folders", "snippets", "links"} {
		resource, ok := StreamResource(name)
		if !ok || !Can(RoleViewer, resource, ActionRead) {
			t.Fatalf("viewer cannot read stream %s", name)
		}
		if Can(RoleAdmin, resource, ActionWrite) && name == "links" {
			t.Fatal("links stream resource should be read-only")
		}
	}
	for _, name := range []string{"users", "index", "library"} {
		if resource, ok := StreamResource(name); ok {
			t.Fatalf("StreamResource(%q) = %q, want unknown", name, resource)
		}
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if got := Normalize("commenter"); got != RoleViewer {
		t.Fatalf("Normalize(commenter) = %q", got)
	}
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
}
