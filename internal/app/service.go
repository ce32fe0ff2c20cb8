package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"codeshelf/internal/auth"
	"codeshelf/internal/authpw"
	"codeshelf/internal/config"
	"codeshelf/internal/history"
	"codeshelf/internal/library"
	"codeshelf/internal/livestream"
	"codeshelf/internal/rbac"
	"codeshelf/internal/search"
	"codeshelf/internal/store"
	"codeshelf/internal/util"
)

const maxTitleLength = 255

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SnippetInput carries the editable snippet fields of a create or update request.
type SnippetInput struct {
	Title       string  `json:"title"`
	Language    *string `json:"language"`
	Description *string `json:"description"`
	Content     string  `json:"content"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUserPassword(context.Context, string, string) error

	ListFolders(context.Context, string) ([]library.Folder, error)
	GetFolder(context.Context, string, string) (library.Folder, error)
	InsertFolder(context.Context, library.Folder, *string) (library.Folder, error)
	RenameFolder(context.Context, string, string, string) (library.Folder, error)
	DeleteFolder(context.Context, string, string) error
	MoveFolder(context.Context, string, string, *string) error

	ListSnippets(context.Context, string) ([]library.Snippet, error)
	GetSnippet(context.Context, string, string) (library.Snippet, error)
	InsertSnippet(context.Context, library.Snippet, *string) (library.Snippet, error)
	UpdateSnippet(context.Context, library.Snippet) (library.Snippet, error)
	DeleteSnippet(context.Context, string, string) error
	MoveSnippet(context.Context, string, string, *string) error

	ListLinks(context.Context, string) ([]library.Link, error)
	Ping(ctx context.Context) error
}

// SessionStore keeps refresh sessions and revoked access tokens. *store.PostgresStore and
// *session.RedisStore both satisfy it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type historyService interface {
	Record(string, history.Content, string, string) (history.Revision, bool, error)
	History(string, int) ([]history.Revision, error)
	GetContentByHash(string, string) (history.Content, error)
	Remove(string) error
}

type streamOpener interface {
	Open(ctx context.Context, req livestream.Request) (*livestream.Stream, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	history  historyService
	search   *search.Service
	streams  streamOpener
	authpw   *authpw.Service
}

// New creates a service that keeps refresh sessions in Postgres.
func New(cfg config.Config, dataStore *store.PostgresStore, historyService *history.Service, searchService *search.Service, streams *livestream.Builder) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, historyService, searchService, streams)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, historyService *history.Service, searchService *search.Service, streams *livestream.Builder) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchService,
		authpw:   authpw.NewService(dataStore),
	}
	if historyService != nil {
		s.history = historyService
	}
	if streams != nil {
		s.streams = streams
	}
	return s
}

// Bootstrap pushes the stored library into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	count, err := s.search.ReindexAllFromPG(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		log.Printf("search: reindexed %d records", count)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, resource rbac.Resource, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), resource, action)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, validationError(err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	err := s.authpw.ChangePassword(ctx, session.UserID, current, next)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return domainError(http.StatusForbidden, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
	}
	if errors.Is(err, authpw.ErrPasswordTooShort) {
		return validationError(err.Error())
	}
	return err
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) ListFolders(ctx context.Context, session Session) ([]library.Folder, error) {
	return s.store.ListFolders(ctx, session.UserID)
}

func (s *Service) CreateFolder(ctx context.Context, session Session, name string, parentID *string) (library.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return library.Folder{}, validationError("name is required")
	}
	folder, err := s.store.InsertFolder(ctx, library.Folder{UserID: session.UserID, Name: name}, blankToNil(parentID))
	if err != nil {
		return library.Folder{}, mapStoreError(err)
	}
	s.indexFolder(folder)
	return folder, nil
}

func (s *Service) RenameFolder(ctx context.Context, session Session, folderID, name string) (library.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return library.Folder{}, validationError("name is required")
	}
	folder, err := s.store.RenameFolder(ctx, session.UserID, folderID, name)
	if err != nil {
		return library.Folder{}, err
	}
	s.indexFolder(folder)
	return folder, nil
}

func (s *Service) DeleteFolder(ctx context.Context, session Session, folderID string) error {
	if err := s.store.DeleteFolder(ctx, session.UserID, folderID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteFolder(folderID)
	}
	return nil
}

func (s *Service) MoveFolder(ctx context.Context, session Session, folderID string, parentID *string) error {
	return mapStoreError(s.store.MoveFolder(ctx, session.UserID, folderID, blankToNil(parentID)))
}

func (s *Service) ListSnippets(ctx context.Context, session Session) ([]library.Snippet, error) {
	return s.store.ListSnippets(ctx, session.UserID)
}

func (s *Service) GetSnippet(ctx context.Context, session Session, snippetID string) (library.Snippet, error) {
	return s.store.GetSnippet(ctx, session.UserID, snippetID)
}

func (s *Service) CreateSnippet(ctx context.Context, session Session, input SnippetInput, folderID *string) (library.Snippet, error) {
	snippet, err := snippetFromInput(session.UserID, "", input)
	if err != nil {
		return library.Snippet{}, err
	}
	created, err := s.store.InsertSnippet(ctx, snippet, blankToNil(folderID))
	if err != nil {
		return library.Snippet{}, mapStoreError(err)
	}
	s.recordRevision(created, session.UserName, "Create snippet")
	s.indexSnippet(created)
	return created, nil
}

func (s *Service) UpdateSnippet(ctx context.Context, session Session, snippetID string, input SnippetInput) (library.Snippet, error) {
	snippet, err := snippetFromInput(session.UserID, snippetID, input)
	if err != nil {
		return library.Snippet{}, err
	}
	updated, err := s.store.UpdateSnippet(ctx, snippet)
	if err != nil {
		return library.Snippet{}, err
	}
	s.recordRevision(updated, session.UserName, "Update snippet")
	s.indexSnippet(updated)
	return updated, nil
}

func (s *Service) DeleteSnippet(ctx context.Context, session Session, snippetID string) error {
	if err := s.store.DeleteSnippet(ctx, session.UserID, snippetID); err != nil {
		return err
	}
	if s.history != nil {
		if err := s.history.Remove(snippetID); err != nil {
			log.Printf("history: remove %s: %v", snippetID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteSnippet(snippetID)
	}
	return nil
}

func (s *Service) MoveSnippet(ctx context.Context, session Session, snippetID string, folderID *string) error {
	return mapStoreError(s.store.MoveSnippet(ctx, session.UserID, snippetID, blankToNil(folderID)))
}

// Library returns the owner's folders and snippets nested by their links.
func (s *Service) Library(ctx context.Context, session Session) (library.Tree, error) {
	folders, err := s.store.ListFolders(ctx, session.UserID)
	if err != nil {
		return library.Tree{}, err
	}
	snippets, err := s.store.ListSnippets(ctx, session.UserID)
	if err != nil {
		return library.Tree{}, err
	}
	links, err := s.store.ListLinks(ctx, session.UserID)
	if err != nil {
		return library.Tree{}, err
	}
	return library.BuildTree(folders, snippets, links), nil
}

func (s *Service) SnippetHistory(ctx context.Context, session Session, snippetID string, limit int) ([]history.Revision, error) {
	if _, err := s.store.GetSnippet(ctx, session.UserID, snippetID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []history.Revision{}, nil
	}
	revisions, err := s.history.History(snippetID, limit)
	if errors.Is(err, history.ErrNoHistory) {
		return []history.Revision{}, nil
	}
	return revisions, err
}

func (s *Service) SnippetRevision(ctx context.Context, session Session, snippetID, hash string) (history.Content, error) {
	if _, err := s.store.GetSnippet(ctx, session.UserID, snippetID); err != nil {
		return history.Content{}, err
	}
	if s.history == nil {
		return history.Content{}, notFoundError("Revision not found")
	}
	content, err := s.history.GetContentByHash(snippetID, hash)
	if err != nil {
		return history.Content{}, notFoundError("Revision not found")
	}
	return content, nil
}

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	filter := search.ResultType(strings.TrimSpace(filterType))
	if filter != "" && filter != search.ResultSnippet && filter != search.ResultFolder {
		return search.Response{}, validationError("type must be snippet or folder")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(text)}, nil
	}
	return s.search.Search(ctx, search.Query{
		UserID:     session.UserID,
		Text:       text,
		FilterType: filter,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	return s.search.ReindexAllFromPG(ctx)
}

// OpenStream starts the named live stream ("folders", "snippets" or "links") for the
// session's owner.
func (s *Service) OpenStream(ctx context.Context, session Session, name string) (*livestream.Stream, error) {
	query, err := store.LookupStream(name)
	if err != nil {
		return nil, notFoundError(err.Error())
	}
	if s.streams == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STREAMS_UNAVAILABLE", "Live streams are not configured", nil)
	}
	return s.streams.Open(ctx, livestream.Request{
		OwnerID: session.UserID,
		Query:   query.Snapshot,
		Channel: query.Channel,
		Key:     query.Name,
	})
}

func (s *Service) recordRevision(snippet library.Snippet, author, message string) {
	if s.history == nil {
		return
	}
	_, _, err := s.history.Record(snippet.ID, history.Content{
		Title:       snippet.Title,
		Language:    snippet.LanguageOrEmpty(),
		Description: snippet.DescriptionOrEmpty(),
		Content:     snippet.Content,
	}, firstNonBlank(author, "codeshelf"), message)
	if err != nil {
		log.Printf("history: record %s: %v", snippet.ID, err)
	}
}

func (s *Service) indexSnippet(snippet library.Snippet) {
	if s.search == nil {
		return
	}
	s.search.IndexSnippet(search.SnippetRecord{
		ID:          snippet.ID,
		UserID:      snippet.UserID,
		Title:       snippet.Title,
		Language:    snippet.LanguageOrEmpty(),
		Description: snippet.DescriptionOrEmpty(),
		Content:     snippet.Content,
	})
}

func (s *Service) indexFolder(folder library.Folder) {
	if s.search == nil {
		return
	}
	s.search.IndexFolder(search.FolderRecord{ID: folder.ID, UserID: folder.UserID, Name: folder.Name})
}

func snippetFromInput(userID, snippetID string, input SnippetInput) (library.Snippet, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return library.Snippet{}, validationError("title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return library.Snippet{}, validationError("title must be at most 255 characters")
	}
	return library.Snippet{
		ID:          snippetID,
		UserID:      userID,
		Title:       title,
		Language:    blankToNil(input.Language),
		Description: input.Description,
		Content:     input.Content,
	}, nil
}

func blankToNil(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
