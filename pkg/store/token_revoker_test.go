package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenRevokerExpires(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryTokenRevoker()
	now := time.Now()
	r.now = func() time.Time { return now }

	require.NoError(t, r.Revoke(ctx, "jti-1", time.Minute))
	revoked, _ := r.IsRevoked(ctx, "jti-1")
	assert.True(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, _ = r.IsRevoked(ctx, "jti-1")
	assert.False(t, revoked, "revocation lapses with the token")

	require.NoError(t, r.Revoke(ctx, "jti-2", 0))
	revoked, _ = r.IsRevoked(ctx, "jti-2")
	assert.False(t, revoked, "already-expired tokens need no revocation entry")
}

func TestRedisTokenRevoker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisTokenRevoker(client, "test:revoked")

	require.NoError(t, r.Revoke(ctx, "jti-1", time.Minute))
	revoked, err := r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
