// Package session provides Redis-backed storage for refresh tokens and revoked access tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRefreshTTL = 30 * 24 * time.Hour

// ErrNotFound is returned for unknown, expired or revoked refresh tokens.
var ErrNotFound = errors.New("token not found or expired")

// tokenData holds the data stored for each refresh token
type tokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	revokedPrefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		refreshPrefix: "codeshelf:refresh:",
		revokedPrefix: "codeshelf:revoked:",
	}
}

// SaveRefreshSession stores a refresh token hash until expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	payload, err := json.Marshal(tokenData{UserID: userID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	if err := s.client.Set(ctx, s.refreshPrefix+tokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user owning a live refresh token.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	raw, err := s.client.Get(ctx, s.refreshPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh token: %w", err)
	}

	var data tokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.UserID == "" {
		return "", ErrNotFound
	}
	return data.UserID, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAccessToken denylists jti until the token would have expired anyway.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.revokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked access token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
