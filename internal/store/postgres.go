package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeshelf/internal/library"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// validID reports whether id can name a row; anything else cannot exist and is treated as
// not found instead of a query error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = "editor"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id::text, email, display_name, password_hash, role, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(email)))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	if !validID(userID) {
		return User{}, sql.ErrNoRows
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if !validID(userID) {
		return sql.ErrNoRows
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectOne(res)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user id behind a live refresh session.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id::text
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListFolders(ctx context.Context, userID string) ([]library.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, user_id::text, name
		FROM folders
		WHERE user_id=$1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]library.Folder, 0)
	for rows.Next() {
		var item library.Folder
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, userID, folderID string) (library.Folder, error) {
	if !validID(folderID) {
		return library.Folder{}, sql.ErrNoRows
	}
	var item library.Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id::text, user_id::text, name FROM folders WHERE id=$1 AND user_id=$2
	`, folderID, userID).Scan(&item.ID, &item.UserID, &item.Name)
	if err != nil {
		return library.Folder{}, err
	}
	return item, nil
}

// InsertFolder creates folder and, when parentID is set, links it under that parent in the
// same transaction. The stored folder is returned.
func (s *PostgresStore) InsertFolder(ctx context.Context, folder library.Folder, parentID *string) (library.Folder, error) {
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return library.Folder{}, fmt.Errorf("begin insert folder tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO folders (id, user_id, name) VALUES ($1, $2, $3)
	`, folder.ID, folder.UserID, folder.Name); err != nil {
		return library.Folder{}, fmt.Errorf("insert folder: %w", err)
	}
	if parentID != nil {
		if err := ownsFolder(ctx, tx, folder.UserID, *parentID); err != nil {
			return library.Folder{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO folder_links (id, user_id, parent_id, child_id) VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), folder.UserID, *parentID, folder.ID); err != nil {
			return library.Folder{}, fmt.Errorf("link folder: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return library.Folder{}, fmt.Errorf("commit insert folder: %w", err)
	}
	return folder, nil
}

func (s *PostgresStore) RenameFolder(ctx context.Context, userID, folderID, name string) (library.Folder, error) {
	if !validID(folderID) {
		return library.Folder{}, sql.ErrNoRows
	}
	var item library.Folder
	err := s.db.QueryRowContext(ctx, `
		UPDATE folders SET name=$3, updated_at=NOW()
		WHERE id=$1 AND user_id=$2
		RETURNING id::text, user_id::text, name
	`, folderID, userID, name).Scan(&item.ID, &item.UserID, &item.Name)
	if err != nil {
		return library.Folder{}, err
	}
	return item, nil
}

// DeleteFolder removes the folder. Its links go with it, so children move to the root.
func (s *PostgresStore) DeleteFolder(ctx context.Context, userID, folderID string) error {
	if !validID(folderID) {
		return sql.ErrNoRows
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1 AND user_id=$2`, folderID, userID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return expectOne(res)
}

// MoveFolder replaces the folder's incoming link. A nil parentID moves it to the root.
func (s *PostgresStore) MoveFolder(ctx context.Context, userID, folderID string, parentID *string) error {
	if !validID(folderID) {
		return sql.ErrNoRows
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move folder tx: %w", err)
	}
	defer tx.Rollback()

	if err := ownsFolder(ctx, tx, userID, folderID); err != nil {
		if errors.Is(err, ErrParentNotFound) {
			return sql.ErrNoRows
		}
		return err
	}
	if parentID != nil {
		if err := ownsFolder(ctx, tx, userID, *parentID); err != nil {
			return err
		}
		var cycle bool
		err := tx.QueryRowContext(ctx, `
			WITH RECURSIVE ancestors(id) AS (
				SELECT $1::uuid
				UNION
				SELECT fl.parent_id FROM folder_links fl JOIN ancestors a ON fl.child_id = a.id
			)
			SELECT EXISTS(SELECT 1 FROM ancestors WHERE id = $2::uuid)
		`, *parentID, folderID).Scan(&cycle)
		if err != nil {
			return fmt.Errorf("check folder cycle: %w", err)
		}
		if cycle {
			return ErrCycle
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM folder_links WHERE child_id=$1 AND user_id=$2`, folderID, userID); err != nil {
		return fmt.Errorf("unlink folder: %w", err)
	}
	if parentID != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO folder_links (id, user_id, parent_id, child_id) VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), userID, *parentID, folderID); err != nil {
			return fmt.Errorf("link folder: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move folder: %w", err)
	}
	return nil
}

const snippetColumns = `id::text, user_id::text, title, language, description, content`

func scanSnippet(row interface{ Scan(...any) error }) (library.Snippet, error) {
	var item library.Snippet
	var language, description sql.NullString
	if err := row.Scan(&item.ID, &item.UserID, &item.Title, &language, &description, &item.Content); err != nil {
		return library.Snippet{}, err
	}
	if language.Valid {
		item.Language = &language.String
	}
	if description.Valid {
		item.Description = &description.String
	}
	return item, nil
}

func (s *PostgresStore) ListSnippets(ctx context.Context, userID string) ([]library.Snippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snippetColumns+`
		FROM snippets
		WHERE user_id=$1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list snippets: %w", err)
	}
	defer rows.Close()

	items := make([]library.Snippet, 0)
	for rows.Next() {
		item, err := scanSnippet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSnippet(ctx context.Context, userID, snippetID string) (library.Snippet, error) {
	if !validID(snippetID) {
		return library.Snippet{}, sql.ErrNoRows
	}
	return scanSnippet(s.db.QueryRowContext(ctx, `
		SELECT `+snippetColumns+` FROM snippets WHERE id=$1 AND user_id=$2
	`, snippetID, userID))
}

// InsertSnippet creates snippet and, when folderID is set, files it in that folder in the
// same transaction.
func (s *PostgresStore) InsertSnippet(ctx context.Context, snippet library.Snippet, folderID *string) (library.Snippet, error) {
	if snippet.ID == "" {
		snippet.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return library.Snippet{}, fmt.Errorf("begin insert snippet tx: %w", err)
	}
	defer tx.Rollback()

	created, err := scanSnippet(tx.QueryRowContext(ctx, `
		INSERT INTO snippets (id, user_id, title, language, description, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+snippetColumns,
		snippet.ID, snippet.UserID, snippet.Title, snippet.Language, snippet.Description, snippet.Content))
	if err != nil {
		return library.Snippet{}, fmt.Errorf("insert snippet: %w", err)
	}
	if folderID != nil {
		if err := ownsFolder(ctx, tx, snippet.UserID, *folderID); err != nil {
			return library.Snippet{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snippet_links (id, user_id, folder_id, snippet_id) VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), snippet.UserID, *folderID, snippet.ID); err != nil {
			return library.Snippet{}, fmt.Errorf("link snippet: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return library.Snippet{}, fmt.Errorf("commit insert snippet: %w", err)
	}
	return created, nil
}

// UpdateSnippet overwrites every editable field (last write wins) and returns the stored row.
func (s *PostgresStore) UpdateSnippet(ctx context.Context, snippet library.Snippet) (library.Snippet, error) {
	if !validID(snippet.ID) {
		return library.Snippet{}, sql.ErrNoRows
	}
	return scanSnippet(s.db.QueryRowContext(ctx, `
		UPDATE snippets
		SET title=$3, language=$4, description=$5, content=$6, updated_at=NOW()
		WHERE id=$1 AND user_id=$2
		RETURNING `+snippetColumns,
		snippet.ID, snippet.UserID, snippet.Title, snippet.Language, snippet.Description, snippet.Content))
}

func (s *PostgresStore) DeleteSnippet(ctx context.Context, userID, snippetID string) error {
	if !validID(snippetID) {
		return sql.ErrNoRows
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM snippets WHERE id=$1 AND user_id=$2`, snippetID, userID)
	if err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}
	return expectOne(res)
}

// MoveSnippet files the snippet under folderID, or at the root when folderID is nil.
func (s *PostgresStore) MoveSnippet(ctx context.Context, userID, snippetID string, folderID *string) error {
	if !validID(snippetID) {
		return sql.ErrNoRows
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move snippet tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM snippets WHERE id=$1 AND user_id=$2)
	`, snippetID, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check snippet: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	if folderID != nil {
		if err := ownsFolder(ctx, tx, userID, *folderID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM snippet_links WHERE snippet_id=$1 AND user_id=$2`, snippetID, userID); err != nil {
		return fmt.Errorf("unlink snippet: %w", err)
	}
	if folderID != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snippet_links (id, user_id, folder_id, snippet_id) VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), userID, *folderID, snippetID); err != nil {
			return fmt.Errorf("link snippet: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move snippet: %w", err)
	}
	return nil
}

// ListLinks returns both folder and snippet containment edges owned by userID.
func (s *PostgresStore) ListLinks(ctx context.Context, userID string) ([]library.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, user_id::text, parent_id::text, child_id::text, 'folder' FROM folder_links WHERE user_id=$1
		UNION ALL
		SELECT id::text, user_id::text, folder_id::text, snippet_id::text, 'snippet' FROM snippet_links WHERE user_id=$1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	items := make([]library.Link, 0)
	for rows.Next() {
		var item library.Link
		var kind string
		if err := rows.Scan(&item.ID, &item.UserID, &item.ParentID, &item.ChildID, &kind); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		item.Kind = library.LinkKind(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return items, nil
}

func ownsFolder(ctx context.Context, tx *sql.Tx, userID, folderID string) error {
	if !validID(folderID) {
		return ErrParentNotFound
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM folders WHERE id=$1 AND user_id=$2)
	`, folderID, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check folder: %w", err)
	}
	if !exists {
		return ErrParentNotFound
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
