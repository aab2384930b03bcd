package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"shelfkeeper/internal/policy"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/domain"
	"shelfkeeper/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store

	// Now and NewID default to the wall clock and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

// App is the core application service: catalog, accounts and the loan
// ledger. Every operation that depends on identity takes the caller as an
// explicit domain.Principal.
type App struct {
	store store.Store
	now   func() time.Time
	newID func() string
}

// New constructs the application, opening Postgres when no store is given.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = util.NewID
	}
	return &App{
		store: dataStore,
		now:   func() time.Time { return cfg.Now().UTC() },
		newID: cfg.NewID,
	}, nil
}

// Ping checks the backing store when it supports health checks.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backing store.
func (a *App) Close() error {
	if c, ok := a.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ResolvePrincipal loads the caller identity for an authenticated user id.
// A user deleted after their session was issued is Unauthorized.
func (a *App) ResolvePrincipal(ctx context.Context, userID string) (domain.Principal, domain.User, error) {
	if userID == "" {
		return domain.Principal{}, domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.Principal{}, domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return domain.Principal{}, domain.User{}, ErrUnauthorized
	}
	return domain.PrincipalOf(user), user, nil
}

// check converts a policy decision into an application error.
func check(err error) error {
	if err == nil {
		return nil
	}
	var denied *policy.DeniedError
	if !errors.As(err, &denied) {
		return err
	}
	switch denied.Reason {
	case policy.Unauthenticated:
		return ErrUnauthorized
	case policy.RoleNotEligible:
		return ErrRoleNotEligible
	case policy.SelfAction:
		return ErrSelfActionForbidden
	default:
		return ErrForbidden
	}
}

func logRejected(ctx context.Context, event string, p domain.Principal, err error, attrs ...any) {
	logger := util.LoggerFromContext(ctx)
	attrs = append([]any{"user_id", p.UserID, "kind", string(KindOf(err))}, attrs...)
	if KindOf(err) == KindInternal {
		logger.Error(event, append(attrs, "err", err)...)
		return
	}
	logger.Debug(event, attrs...)
}
