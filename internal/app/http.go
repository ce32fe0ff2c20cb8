package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeshelf/internal/auth"
	"codeshelf/internal/authpw"
	"codeshelf/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
			Email:       body.Email,
			Password:    body.Password,
			DisplayName: body.DisplayName,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	// EventSource cannot set headers, so streams also accept the token as a query parameter.
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "stream" {
		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		session, ok := s.sessionFromToken(w, r, token)
		if !ok {
			return
		}
		s.handleStream(w, r, session, parts[2])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/password" {
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.service.Can(session.Role, rbac.ResourceSearch, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		payload, err := s.service.Search(r.Context(), session, q, filterType, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/library" {
		if !s.service.Can(session.Role, rbac.ResourceLibrary, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		tree, err := s.service.Library(r.Context(), session)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load library", nil)
			return
		}
		writeJSON(w, http.StatusOK, tree)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/reindex" {
		if !s.service.Can(session.Role, rbac.ResourceIndex, rbac.ActionWrite) {
			s.forbid(w)
			return
		}
		count, err := s.service.Reindex(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Reindex failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexed": count})
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "folders" {
		folderID := ""
		if len(parts) > 2 {
			folderID = parts[2]
		}
		s.handleFolders(w, r, session, folderID, parts[min(len(parts), 3):])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "snippets" {
		snippetID := ""
		if len(parts) > 2 {
			snippetID = parts[2]
		}
		s.handleSnippets(w, r, session, snippetID, parts[min(len(parts), 3):])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request, session Session, folderID string, rest []string) {
	action := rbac.ActionWrite
	if r.Method == http.MethodGet {
		action = rbac.ActionRead
	}
	if !s.service.Can(session.Role, rbac.ResourceFolders, action) {
		s.forbid(w)
		return
	}

	switch {
	case folderID == "" && r.Method == http.MethodGet:
		items, err := s.service.ListFolders(r.Context(), session)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list folders", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"folders": items})

	case folderID == "" && r.Method == http.MethodPost:
		var body struct {
			Name     string  `json:"name"`
			ParentID *string `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		folder, err := s.service.CreateFolder(r.Context(), session, body.Name, body.ParentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, folder)

	case folderID != "" && len(rest) == 0 && r.Method == http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		folder, err := s.service.RenameFolder(r.Context(), session, folderID, body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, folder)

	case folderID != "" && len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteFolder(r.Context(), session, folderID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case folderID != "" && len(rest) == 1 && rest[0] == "move" && r.Method == http.MethodPost:
		var body struct {
			ParentID *string `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.MoveFolder(r.Context(), session, folderID, body.ParentID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSnippets(w http.ResponseWriter, r *http.Request, session Session, snippetID string, rest []string) {
	action := rbac.ActionWrite
	if r.Method == http.MethodGet {
		action = rbac.ActionRead
	}
	if !s.service.Can(session.Role, rbac.ResourceSnippets, action) {
		s.forbid(w)
		return
	}

	switch {
	case snippetID == "" && r.Method == http.MethodGet:
		items, err := s.service.ListSnippets(r.Context(), session)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list snippets", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snippets": items})

	case snippetID == "" && r.Method == http.MethodPost:
		var body struct {
			SnippetInput
			FolderID *string `json:"folderId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snippet, err := s.service.CreateSnippet(r.Context(), session, body.SnippetInput, body.FolderID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, snippet)

	case snippetID != "" && len(rest) == 0 && r.Method == http.MethodGet:
		snippet, err := s.service.GetSnippet(r.Context(), session, snippetID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, snippet)

	case snippetID != "" && len(rest) == 0 && r.Method == http.MethodPut:
		var body SnippetInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snippet, err := s.service.UpdateSnippet(r.Context(), session, snippetID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, snippet)

	case snippetID != "" && len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteSnippet(r.Context(), session, snippetID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case snippetID != "" && len(rest) == 1 && rest[0] == "move" && r.Method == http.MethodPost:
		var body struct {
			FolderID *string `json:"folderId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.MoveSnippet(r.Context(), session, snippetID, body.FolderID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case snippetID != "" && len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		revisions, err := s.service.SnippetHistory(r.Context(), session, snippetID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})

	case snippetID != "" && len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet:
		content, err := s.service.SnippetRevision(r.Context(), session, snippetID, rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hash": rest[1], "content": content})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// handleStream serves one live stream as server-sent events until the client goes away or
// the stream ends. Authorization and stream setup failures are answered with a JSON error
// before any frame is written.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, session Session, name string) {
	// Unknown stream names fall through to OpenStream, which answers not found.
	if resource, ok := rbac.StreamResource(name); ok && !s.service.Can(session.Role, resource, rbac.ActionRead) {
		s.forbid(w)
		return
	}

	stream, err := s.service.OpenStream(r.Context(), session, name)
	if err != nil {
		log.Printf("stream: open %s for %s: %v", name, session.UserID, err)
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer stream.Close()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Printf("stream: clear write deadline: %v", err)
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for frame := range stream.Frames() {
		if _, err := w.Write(frame); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *HTTPServer) forbid(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	return s.sessionFromToken(w, r, bearerToken(r))
}

func (s *HTTPServer) sessionFromToken(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
