package rbac

type Role string

// Resource is a part of a user's library a request touches.
type Resource string

type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ResourceLibrary  Resource = "library"
	ResourceFolders  Resource = "folders"
	ResourceSnippets Resource = "snippets"
	ResourceLinks    Resource = "links"
	ResourceSearch   Resource = "search"
	// ResourceIndex is the search index as a whole; rebuilding it is an operator task.
	ResourceIndex Resource = "index"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

var rank = map[Role]int{RoleViewer: 1, RoleEditor: 2, RoleAdmin: 3}

// policy holds the least role allowed to perform an action on a resource. Pairs missing from
// the table are denied to everyone.
var policy = map[Resource]map[Action]Role{
	ResourceLibrary:  {ActionRead: RoleViewer},
	ResourceFolders:  {ActionRead: RoleViewer, ActionWrite: RoleEditor},
	ResourceSnippets: {ActionRead: RoleViewer, ActionWrite: RoleEditor},
	ResourceLinks:    {ActionRead: RoleViewer},
	ResourceSearch:   {ActionRead: RoleViewer},
	ResourceIndex:    {ActionWrite: RoleAdmin},
}

func Can(role Role, resource Resource, action Action) bool {
	have, ok := rank[role]
	if !ok {
		return false
	}
	least, ok := policy[resource][action]
	if !ok {
		return false
	}
	return have >= rank[least]
}

// StreamResource names the resource a live stream carries.
func StreamResource(stream string) (Resource, bool) {
	switch Resource(stream) {
	case ResourceFolders, ResourceSnippets, ResourceLinks:
		return Resource(stream), true
	default:
		return "", false
	}
}

// Normalize maps unknown roles to the least privileged one.
func Normalize(role string) Role {
	if _, ok := rank[Role(role)]; ok {
		return Role(role)
	}
	return RoleViewer
}
