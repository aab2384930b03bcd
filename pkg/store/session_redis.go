package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisSessionStore keeps opaque browser sessions in Redis with a sliding TTL.
type RedisSessionStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore builds a session store on a shared Redis client.
func NewRedisSessionStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisSessionStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "shelfkeeper:session"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisSessionStore{client: client, prefix: prefix, ttl: ttl}
}

// TTL is the idle lifetime of a session.
func (s *RedisSessionStore) TTL() time.Duration { return s.ttl }

// NewSession writes a token -> userID mapping with TTL.
func (s *RedisSessionStore) NewSession(ctx context.Context, userID string) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key(token), userID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

// GetUserIDByToken resolves token to user ID and extends its lifetime.
func (s *RedisSessionStore) GetUserIDByToken(ctx context.Context, token string) (string, bool, error) {
	if strings.TrimSpace(token) == "" {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	val, err := s.client.GetEx(ctx, s.key(token), s.ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// DeleteSession removes a token mapping.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (s *RedisSessionStore) key(token string) string {
	return s.prefix + ":" + token
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
