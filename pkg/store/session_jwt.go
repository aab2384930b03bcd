package store

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultJWTIssuer   = "shelfkeeper"
	defaultJWTAudience = "shelfkeeper-api"
	defaultJWTKeyID    = "jwt-active"
	defaultJWTTTL      = time.Hour
	defaultJWTLeeway   = 30 * time.Second
)

var (
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenInvalid = errors.New("invalid token")
)

// JWTConfig configures RS256 bearer tokens for the JSON API.
type JWTConfig struct {
	PrivateKeyPath string
	// PublicKeyPath overrides the public half derived from the private key.
	PublicKeyPath string
	KeyID         string
	// VerifyKeyFiles maps kid -> public key path for keys retired by rotation
	// whose tokens may still be live.
	VerifyKeyFiles map[string]string
	TTL            time.Duration
	Issuer         string
	Audience       string
	Leeway         time.Duration
}

func (c JWTConfig) normalized() JWTConfig {
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	c.KeyID = strings.TrimSpace(c.KeyID)
	if c.Issuer == "" {
		c.Issuer = defaultJWTIssuer
	}
	if c.Audience == "" {
		c.Audience = defaultJWTAudience
	}
	if c.KeyID == "" {
		c.KeyID = defaultJWTKeyID
	}
	if c.TTL <= 0 {
		c.TTL = defaultJWTTTL
	}
	if c.Leeway <= 0 {
		c.Leeway = defaultJWTLeeway
	}
	return c
}

// JWTSessionStore issues and validates RS256 JWTs. Logout revokes the
// token's jti until it would have expired.
type JWTSessionStore struct {
	cfg       JWTConfig
	revoker   TokenRevoker
	signer    *rsa.PrivateKey
	verifiers map[string]*rsa.PublicKey
}

// NewJWTSessionStore loads signing and verification keys from PEM files.
func NewJWTSessionStore(cfg JWTConfig, revoker TokenRevoker) (*JWTSessionStore, error) {
	cfg = cfg.normalized()
	privateKey, err := loadRSAPrivateKeyFromPEMFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(cfg.PublicKeyPath) != "" {
		activePub, err = loadRSAPublicKeyFromPEMFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	verifiers := map[string]*rsa.PublicKey{cfg.KeyID: activePub}
	for kid, path := range cfg.VerifyKeyFiles {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" || kid == cfg.KeyID {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		verifiers[kid] = pub
	}
	return &JWTSessionStore{
		cfg:       cfg,
		revoker:   revoker,
		signer:    privateKey,
		verifiers: verifiers,
	}, nil
}

// TTL is the lifetime of issued tokens.
func (s *JWTSessionStore) TTL() time.Duration { return s.cfg.TTL }

// NewSession creates a signed JWT for the user ID.
func (s *JWTSessionStore) NewSession(_ context.Context, userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.cfg.Issuer,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.cfg.KeyID
	return token.SignedString(s.signer)
}

// GetUserIDByToken validates a JWT and returns its subject. Malformed,
// expired and revoked tokens report ok=false with a non-nil error.
func (s *JWTSessionStore) GetUserIDByToken(ctx context.Context, token string) (string, bool, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return "", false, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return "", false, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return "", false, ErrTokenRevoked
		}
	}
	return claims.Subject, true, nil
}

// DeleteSession revokes the token until it expires. Tokens that no longer
// verify are already unusable and are ignored.
func (s *JWTSessionStore) DeleteSession(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)+s.cfg.Leeway)
}

// JWKS publishes the verification keys, sorted by kid.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: jwt.SigningMethodRS256.Alg(),
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parseAndVerify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.verifiers[strings.TrimSpace(kid)]
		if !ok {
			return nil, fmt.Errorf("unknown token key %q", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
	)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return claims, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, fmt.Errorf("%w: jti missing", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	return claims, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func readPEMBlock(path string) (*pem.Block, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("key path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	return block, nil
}
