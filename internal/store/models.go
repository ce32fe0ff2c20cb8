package store

import (
	"errors"
	"time"
)

var (
	// ErrCycle is returned when a move would place a folder inside itself.
	ErrCycle = errors.New("folder cannot be moved into its own subtree")
	// ErrParentNotFound is returned when a target folder does not exist for the owner.
	ErrParentNotFound = errors.New("parent folder not found")
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
