package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "test-token-hash", "user-123", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	userID, err := store.LookupRefreshSession(ctx, "test-token-hash")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("expected user-123, got %s", userID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "expired-token", "user-456", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.LookupRefreshSession(ctx, "expired-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "token-1", "user-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}
	if err := store.SaveRefreshSession(ctx, "token-2", "user-2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "never-issued"); err != nil {
		t.Errorf("revoking an unknown token failed: %v", err)
	}

	if _, err := store.LookupRefreshSession(ctx, "token-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for revoked token, got %v", err)
	}
	userID, err := store.LookupRefreshSession(ctx, "token-2")
	if err != nil || userID != "user-2" {
		t.Fatalf("token-2 lookup = %q, %v", userID, err)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	if err := store.RevokeAccessToken(ctx, "jti-old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken for expired token failed: %v", err)
	}

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("jti-1 revoked = %v, %v", revoked, err)
	}
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "jti-old"); revoked {
		t.Error("already expired token needs no denylist entry")
	}

	s.FastForward(2 * time.Minute)
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "jti-1"); revoked {
		t.Error("denylist entry should expire with the token")
	}
}
