package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"codeshelf/internal/auth"
	"codeshelf/internal/client"
)

const sessionFile = "codeshelf/session.json"

var errNotLoggedIn = errors.New("not logged in: run `shelfctl login` first")

type savedSession struct {
	API          string `json:"api"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserName     string `json:"userName"`
}

// sessionPath resolves the session file. SHELFCTL_SESSION overrides the XDG location.
func sessionPath() (string, error) {
	if explicit := os.Getenv("SHELFCTL_SESSION"); explicit != "" {
		return explicit, nil
	}
	return xdg.ConfigFile(sessionFile)
}

func saveSession(s savedSession) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadSession() (savedSession, error) {
	path, err := sessionPath()
	if err != nil {
		return savedSession{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return savedSession{}, errNotLoggedIn
	}
	if err != nil {
		return savedSession{}, err
	}
	var s savedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return savedSession{}, fmt.Errorf("read %s: %w", path, err)
	}
	if s.Token == "" {
		return savedSession{}, errNotLoggedIn
	}
	return s, nil
}

func clearSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// checkExpiry fails early on an expired access token rather than letting every request 401.
func checkExpiry(token string, now time.Time) error {
	expiresAt, err := auth.ExpiresAt(token)
	if err != nil {
		return fmt.Errorf("saved token is unreadable: %w", err)
	}
	if !expiresAt.After(now) {
		return fmt.Errorf("session expired at %s: run `shelfctl login` again", expiresAt.Format(time.RFC3339))
	}
	return nil
}

// apiClient builds a client from the saved session, refreshing an expired access token when a
// refresh token is available. The --api flag wins over the saved URL only when it was set.
func apiClient(ctx context.Context, apiChanged bool) (*client.Client, error) {
	s, err := loadSession()
	if err != nil {
		return nil, err
	}
	base := s.API
	if apiChanged || base == "" {
		base = apiURL
	}
	c := client.New(base, client.WithToken(s.Token))

	if err := checkExpiry(s.Token, time.Now()); err != nil {
		if s.RefreshToken == "" {
			return nil, err
		}
		refreshed, refreshErr := c.Refresh(ctx, s.RefreshToken)
		if refreshErr != nil {
			return nil, err
		}
		s.Token = refreshed.Token
		s.RefreshToken = refreshed.RefreshToken
		if err := saveSession(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}
