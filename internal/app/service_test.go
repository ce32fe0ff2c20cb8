package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"codeshelf/internal/auth"
	"codeshelf/internal/authpw"
	"codeshelf/internal/config"
	"codeshelf/internal/history"
	"codeshelf/internal/library"
	"codeshelf/internal/store"
)

// fakeStore keeps a whole library in memory and scopes every read and write by owner the
// way PostgresStore does.
type fakeStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]store.User
	folders  map[string]library.Folder
	snippets map[string]library.Snippet
	links    map[string]library.Link

	pingFn func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]store.User{},
		folders:  map[string]library.Folder{},
		snippets: map[string]library.Snippet{},
		links:    map[string]library.Link{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.ID == "" {
		user.ID = f.nextID("user")
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = hash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) ListFolders(_ context.Context, userID string) ([]library.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []library.Folder{}
	for _, folder := range f.folders {
		if folder.UserID == userID {
			out = append(out, folder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetFolder(_ context.Context, userID, id string) (library.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder, ok := f.folders[id]
	if !ok || folder.UserID != userID {
		return library.Folder{}, sql.ErrNoRows
	}
	return folder, nil
}

func (f *fakeStore) InsertFolder(_ context.Context, folder library.Folder, parentID *string) (library.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if parentID != nil && !f.ownsFolder(folder.UserID, *parentID) {
		return library.Folder{}, store.ErrParentNotFound
	}
	folder.ID = f.nextID("folder")
	f.folders[folder.ID] = folder
	if parentID != nil {
		f.link(folder.UserID, *parentID, folder.ID, library.LinkFolder)
	}
	return folder, nil
}

func (f *fakeStore) RenameFolder(_ context.Context, userID, id, name string) (library.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder, ok := f.folders[id]
	if !ok || folder.UserID != userID {
		return library.Folder{}, sql.ErrNoRows
	}
	folder.Name = name
	f.folders[id] = folder
	return folder, nil
}

func (f *fakeStore) DeleteFolder(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ownsFolder(userID, id) {
		return sql.ErrNoRows
	}
	delete(f.folders, id)
	for key, link := range f.links {
		if link.ParentID == id || (link.Kind == library.LinkFolder && link.ChildID == id) {
			delete(f.links, key)
		}
	}
	return nil
}

func (f *fakeStore) MoveFolder(_ context.Context, userID, id string, parentID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ownsFolder(userID, id) {
		return sql.ErrNoRows
	}
	if parentID != nil {
		if !f.ownsFolder(userID, *parentID) {
			return store.ErrParentNotFound
		}
		for cursor := *parentID; cursor != ""; cursor = f.parentOf(cursor) {
			if cursor == id {
				return store.ErrCycle
			}
		}
	}
	f.unlink(id, library.LinkFolder)
	if parentID != nil {
		f.link(userID, *parentID, id, library.LinkFolder)
	}
	return nil
}

func (f *fakeStore) ListSnippets(_ context.Context, userID string) ([]library.Snippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []library.Snippet{}
	for _, snippet := range f.snippets {
		if snippet.UserID == userID {
			out = append(out, snippet)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetSnippet(_ context.Context, userID, id string) (library.Snippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snippet, ok := f.snippets[id]
	if !ok || snippet.UserID != userID {
		return library.Snippet{}, sql.ErrNoRows
	}
	return snippet, nil
}

func (f *fakeStore) InsertSnippet(_ context.Context, snippet library.Snippet, folderID *string) (library.Snippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if folderID != nil && !f.ownsFolder(snippet.UserID, *folderID) {
		return library.Snippet{}, store.ErrParentNotFound
	}
	snippet.ID = f.nextID("snippet")
	f.snippets[snippet.ID] = snippet
	if folderID != nil {
		f.link(snippet.UserID, *folderID, snippet.ID, library.LinkSnippet)
	}
	return snippet, nil
}

func (f *fakeStore) UpdateSnippet(_ context.Context, snippet library.Snippet) (library.Snippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.snippets[snippet.ID]
	if !ok || existing.UserID != snippet.UserID {
		return library.Snippet{}, sql.ErrNoRows
	}
	f.snippets[snippet.ID] = snippet
	return snippet, nil
}

func (f *fakeStore) DeleteSnippet(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snippet, ok := f.snippets[id]
	if !ok || snippet.UserID != userID {
		return sql.ErrNoRows
	}
	delete(f.snippets, id)
	f.unlink(id, library.LinkSnippet)
	return nil
}

func (f *fakeStore) MoveSnippet(_ context.Context, userID, id string, folderID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snippet, ok := f.snippets[id]
	if !ok || snippet.UserID != userID {
		return sql.ErrNoRows
	}
	if folderID != nil && !f.ownsFolder(userID, *folderID) {
		return store.ErrParentNotFound
	}
	f.unlink(id, library.LinkSnippet)
	if folderID != nil {
		f.link(userID, *folderID, id, library.LinkSnippet)
	}
	return nil
}

func (f *fakeStore) ListLinks(_ context.Context, userID string) ([]library.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []library.Link{}
	for _, link := range f.links {
		if link.UserID == userID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ownsFolder(userID, id string) bool {
	folder, ok := f.folders[id]
	return ok && folder.UserID == userID
}

func (f *fakeStore) parentOf(folderID string) string {
	for _, link := range f.links {
		if link.Kind == library.LinkFolder && link.ChildID == folderID {
			return link.ParentID
		}
	}
	return ""
}

func (f *fakeStore) link(userID, parentID, childID string, kind library.LinkKind) {
	id := f.nextID("link")
	f.links[id] = library.Link{ID: id, UserID: userID, ParentID: parentID, ChildID: childID, Kind: kind}
}

func (f *fakeStore) unlink(childID string, kind library.LinkKind) {
	for key, link := range f.links {
		if link.Kind == kind && link.ChildID == childID {
			delete(f.links, key)
		}
	}
}

type fakeSessions struct {
	mu       sync.Mutex
	refresh  map[string]string
	revoked  map[string]bool
	lookupFn func(string) (string, error)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{refresh: map[string]string{}, revoked: map[string]bool{}}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	if f.lookupFn != nil {
		return f.lookupFn(tokenHash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeHistory struct {
	mu       sync.Mutex
	records  map[string][]history.Content
	messages []string
	removed  []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: map[string][]history.Content{}}
}

func (f *fakeHistory) Record(snippetID string, content history.Content, _ string, message string) (history.Revision, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.records[snippetID]
	if len(existing) > 0 && existing[len(existing)-1] == content {
		return history.Revision{}, false, nil
	}
	f.records[snippetID] = append(existing, content)
	f.messages = append(f.messages, message)
	return history.Revision{Hash: fmt.Sprintf("%07d", len(f.records[snippetID])), Message: message}, true, nil
}

func (f *fakeHistory) History(snippetID string, limit int) ([]history.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, ok := f.records[snippetID]
	if !ok {
		return nil, history.ErrNoHistory
	}
	var out []history.Revision
	for i := len(records); i > 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, history.Revision{Hash: fmt.Sprintf("%07d", i)})
	}
	return out, nil
}

func (f *fakeHistory) GetContentByHash(snippetID, hash string) (history.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, content := range f.records[snippetID] {
		if fmt.Sprintf("%07d", i+1) == hash {
			return content, nil
		}
	}
	return history.Content{}, errors.New("revision not found")
}

func (f *fakeHistory) Remove(snippetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, snippetID)
	f.removed = append(f.removed, snippetID)
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: newFakeSessions(),
		authpw:   authpw.NewService(fs).WithCost(bcrypt.MinCost),
	}
}

func seedUser(t *testing.T, fs *fakeStore, id, name, role string) {
	t.Helper()
	if err := fs.CreateUser(context.Background(), store.User{
		ID:          id,
		DisplayName: name,
		Email:       strings.ToLower(name) + "@example.com",
		Role:        role,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func tokenFor(t *testing.T, id, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  id,
		Name: name,
		Role: role,
		JTI:  "jti-" + id,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func assertDomainStatus(t *testing.T, err error, want int, wantCode string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != want || domainErr.Code != wantCode {
		t.Fatalf("expected %d %s, got %d %s", want, wantCode, domainErr.Status, domainErr.Code)
	}
}

func TestCreateSnippetValidatesTitle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session := Session{UserID: "user-a", UserName: "Avery"}

	_, err := svc.CreateSnippet(context.Background(), session, SnippetInput{Title: "   "}, nil)
	assertDomainStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.CreateSnippet(context.Background(), session, SnippetInput{Title: strings.Repeat("é", 256)}, nil)
	assertDomainStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	created, err := svc.CreateSnippet(context.Background(), session, SnippetInput{Title: strings.Repeat("é", 255)}, nil)
	if err != nil {
		t.Fatalf("expected 255 runes to be accepted, got %v", err)
	}
	if created.UserID != "user-a" {
		t.Fatalf("expected snippet owned by user-a, got %q", created.UserID)
	}
}

func TestCreateSnippetBlankLanguageIsStoredAsNull(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	blank := "  "

	created, err := svc.CreateSnippet(context.Background(), Session{UserID: "user-a"}, SnippetInput{Title: "x", Language: &blank}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Language != nil {
		t.Fatalf("expected nil language, got %q", *created.Language)
	}
}

func TestSnippetEditsRecordRevisions(t *testing.T) {
	fs := newFakeStore()
	hist := newFakeHistory()
	svc := newTestService(fs)
	svc.history = hist
	session := Session{UserID: "user-a", UserName: "Avery"}
	ctx := context.Background()

	created, err := svc.CreateSnippet(ctx, session, SnippetInput{Title: "retry", Content: "for {}"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.UpdateSnippet(ctx, session, created.ID, SnippetInput{Title: "retry", Content: "for {}"}); err != nil {
		t.Fatalf("unchanged update: %v", err)
	}
	if _, err := svc.UpdateSnippet(ctx, session, created.ID, SnippetInput{Title: "retry", Content: "for i := 0; i < 3; i++ {}"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	revisions, err := svc.SnippetHistory(ctx, session, created.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}

	content, err := svc.SnippetRevision(ctx, session, created.ID, revisions[1].Hash)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if content.Content != "for {}" {
		t.Fatalf("expected first revision content, got %q", content.Content)
	}

	if _, err := svc.SnippetHistory(ctx, Session{UserID: "user-b"}, created.ID, 10); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected other owner to get ErrNoRows, got %v", err)
	}

	if err := svc.DeleteSnippet(ctx, session, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(hist.removed) != 1 || hist.removed[0] != created.ID {
		t.Fatalf("expected history removed for %s, got %v", created.ID, hist.removed)
	}
}

func TestMoveFolderRejectsCycle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session := Session{UserID: "user-a"}
	ctx := context.Background()

	parent, err := svc.CreateFolder(ctx, session, "parent", nil)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := svc.CreateFolder(ctx, session, "child", &parent.ID)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	err = svc.MoveFolder(ctx, session, parent.ID, &child.ID)
	assertDomainStatus(t, err, http.StatusConflict, "MOVE_CYCLE")

	err = svc.MoveFolder(ctx, session, parent.ID, &parent.ID)
	assertDomainStatus(t, err, http.StatusConflict, "MOVE_CYCLE")

	root := ""
	if err := svc.MoveFolder(ctx, session, child.ID, &root); err != nil {
		t.Fatalf("move to root: %v", err)
	}
	tree, err := svc.Library(ctx, session)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	if len(tree.Folders) != 2 {
		t.Fatalf("expected both folders at the root, got %d", len(tree.Folders))
	}
}

func TestCreateFolderInForeignParentFails(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	foreign, err := svc.CreateFolder(ctx, Session{UserID: "user-b"}, "theirs", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.CreateFolder(ctx, Session{UserID: "user-a"}, "mine", &foreign.ID)
	assertDomainStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := newFakeStore()
	seedUser(t, fs, "user-1", "Avery", "editor")
	svc := newTestService(fs)
	ctx := context.Background()

	user, _ := fs.GetUserByID(ctx, "user-1")
	first, err := svc.issueSession(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if _, err := svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("expected reused refresh token to fail")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	seedUser(t, fs, "user-1", "Avery", "editor")
	svc := newTestService(fs)
	ctx := context.Background()

	session, err := svc.SessionFromToken(ctx, tokenFor(t, "user-1", "Avery", "editor"))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := svc.Logout(ctx, session, ""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked token to be invalid, got %v", err)
	}
}

func TestSessionForDeletedUserIsInvalid(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.SessionFromToken(context.Background(), tokenFor(t, "ghost", "Ghost", "editor"))
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSearchRejectsUnknownType(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.Search(context.Background(), Session{UserID: "user-a"}, "retry", "document", 10, 0)
	assertDomainStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	resp, err := svc.Search(context.Background(), Session{UserID: "user-a"}, " retry ", "snippet", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Query != "retry" || len(resp.Results) != 0 {
		t.Fatalf("unexpected response without a search backend: %+v", resp)
	}
}

func TestOpenStreamUnknownNameIsNotFound(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.OpenStream(context.Background(), Session{UserID: "user-a"}, "documents")
	assertDomainStatus(t, err, http.StatusNotFound, "NOT_FOUND")

	_, err = svc.OpenStream(context.Background(), Session{UserID: "user-a"}, "snippets")
	assertDomainStatus(t, err, http.StatusServiceUnavailable, "STREAMS_UNAVAILABLE")
}
