package store

import (
	"context"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"shelfkeeper/internal/testutil"
)

func newJWTStore(t *testing.T, prefix string, revoker TokenRevoker, cfg JWTConfig) *JWTSessionStore {
	t.Helper()
	privatePath, publicPath := testutil.WriteRSAKeyPair(t, prefix)
	cfg.PrivateKeyPath = privatePath
	cfg.PublicKeyPath = publicPath
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	s, err := NewJWTSessionStore(cfg, revoker)
	require.NoError(t, err)
	return s
}

func TestJWTSessionStoreRoundTripAndJWKS(t *testing.T) {
	ctx := context.Background()
	s := newJWTStore(t, "active", NewMemoryTokenRevoker(), JWTConfig{KeyID: "kid-active"})

	token, err := s.NewSession(ctx, "user-1")
	require.NoError(t, err)
	userID, ok, err := s.GetUserIDByToken(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-1", userID)

	keys := s.JWKS()
	require.Len(t, keys, 1)
	assert.Equal(t, "kid-active", keys[0].Kid)
	assert.Equal(t, "RSA", keys[0].Kty)
	assert.Equal(t, "RS256", keys[0].Alg)
	assert.NotEmpty(t, keys[0].N)
	assert.NotEmpty(t, keys[0].E)
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	ctx := context.Background()
	signing := newJWTStore(t, "aud-signing", nil, JWTConfig{Issuer: "issuer-a", Audience: "aud-a"})
	verify := newJWTStore(t, "aud-verify", nil, JWTConfig{Issuer: "issuer-a", Audience: "aud-b"})

	token, err := signing.NewSession(ctx, "user-claim")
	require.NoError(t, err)
	_, ok, err := verify.GetUserIDByToken(ctx, token)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestJWTSessionStoreRevokesOnDelete(t *testing.T) {
	ctx := context.Background()
	s := newJWTStore(t, "revoke", NewMemoryTokenRevoker(), JWTConfig{})

	token, err := s.NewSession(ctx, "user-revoke")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(ctx, token))
	_, ok, err := s.GetUserIDByToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.False(t, ok)
	assert.NoError(t, s.DeleteSession(ctx, "garbage"), "deleting an unverifiable token is a no-op")
}

func TestJWTSessionStoreVerifiesPreviousKeyDuringRotation(t *testing.T) {
	ctx := context.Background()
	oldPrivate, oldPublic := testutil.WriteRSAKeyPair(t, "old")
	oldStore, err := NewJWTSessionStore(JWTConfig{PrivateKeyPath: oldPrivate, KeyID: "kid-old"}, nil)
	require.NoError(t, err)
	oldToken, err := oldStore.NewSession(ctx, "user-2")
	require.NoError(t, err)

	newPrivate, _ := testutil.WriteRSAKeyPair(t, "new")
	rotated, err := NewJWTSessionStore(JWTConfig{
		PrivateKeyPath: newPrivate,
		KeyID:          "kid-new",
		VerifyKeyFiles: map[string]string{"kid-old": oldPublic},
	}, nil)
	require.NoError(t, err)
	userID, ok, err := rotated.GetUserIDByToken(ctx, oldToken)
	require.NoError(t, err)
	require.True(t, ok, "rotated store should accept the old key")
	assert.Equal(t, "user-2", userID)
	assert.Len(t, rotated.JWKS(), 2)

	unrotated := newJWTStore(t, "unrotated", nil, JWTConfig{KeyID: "kid-new"})
	_, _, err = unrotated.GetUserIDByToken(ctx, oldToken)
	assert.Error(t, err, "unknown kid")
}

func TestJWTSessionStoreRejectsHandcraftedTokens(t *testing.T) {
	ctx := context.Background()
	privatePath, _ := testutil.WriteRSAKeyPair(t, "crafted")
	s, err := NewJWTSessionStore(JWTConfig{PrivateKeyPath: privatePath, Leeway: time.Second}, nil)
	require.NoError(t, err)
	key, err := loadRSAPrivateKeyFromPEMFile(privatePath)
	require.NoError(t, err)
	now := time.Now().UTC()
	base := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "user-x",
			Issuer:    defaultJWTIssuer,
			Audience:  jwt.ClaimStrings{defaultJWTAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        "jti-x",
		}
	}

	cases := map[string]struct {
		mutate func(*jwt.RegisteredClaims)
		kid    string
	}{
		"future issued at": {mutate: func(c *jwt.RegisteredClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute)) }, kid: defaultJWTKeyID},
		"missing jti":      {mutate: func(c *jwt.RegisteredClaims) { c.ID = "" }, kid: defaultJWTKeyID},
		"missing subject":  {mutate: func(c *jwt.RegisteredClaims) { c.Subject = "" }, kid: defaultJWTKeyID},
		"missing expiry":   {mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = nil }, kid: defaultJWTKeyID},
		"missing kid":      {mutate: func(*jwt.RegisteredClaims) {}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			claims := base()
			tc.mutate(&claims)
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(key)
			require.NoError(t, err)
			_, ok, err := s.GetUserIDByToken(ctx, signed)
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
}
