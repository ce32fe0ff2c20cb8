package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"codeshelf/internal/auth"
	"codeshelf/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "domain error", err: validationError("name is required"), status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "wrapped domain error", err: fmt.Errorf("create: %w", notFoundError("gone")), status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "foreign or missing row", err: fmt.Errorf("get snippet: %w", sql.ErrNoRows), status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "expired token", err: auth.ErrExpiredToken, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "move cycle", err: mapStoreError(store.ErrCycle), status: http.StatusConflict, code: "MOVE_CYCLE"},
		{name: "missing parent", err: mapStoreError(fmt.Errorf("move: %w", store.ErrParentNotFound)), status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "anything else", err: errors.New("boom"), status: http.StatusInternalServerError, code: "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
	if mapStoreError(nil) != nil {
		t.Fatal("expected nil to stay nil")
	}
}
