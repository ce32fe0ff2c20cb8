package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"codeshelf/internal/auth"
	"codeshelf/internal/store"
)

// DomainError is an error the HTTP layer can answer with as-is.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

// mapStoreError turns the store's tree sentinels into answers; everything else passes through.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrCycle):
		return domainError(http.StatusConflict, "MOVE_CYCLE", "A folder cannot be moved into its own subtree", nil)
	case errors.Is(err, store.ErrParentNotFound):
		return validationError("Parent folder not found")
	}
	return err
}

// mapError picks the HTTP answer for err. Owner scoping surfaces as sql.ErrNoRows, so a
// foreign entity reads as not found rather than forbidden.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
