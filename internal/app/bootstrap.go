package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/auth"
	"shelfkeeper/pkg/domain"
)

const (
	DefaultAdminUsername = "SuperAdmin"
	DefaultAdminEmail    = "admin@biblioteca.com"
)

// AdminSeed describes the administrator created on first start.
type AdminSeed struct {
	Username string
	Email    string
	Password string
}

// EnsureAdmin creates the seed administrator unless an account with that
// username exists already. It never changes an existing account and
// reports whether it created one.
func (a *App) EnsureAdmin(ctx context.Context, seed AdminSeed) (domain.User, bool, error) {
	if seed.Username == "" {
		seed.Username = DefaultAdminUsername
	}
	if seed.Email == "" {
		seed.Email = DefaultAdminEmail
	}
	seed.Email = strings.ToLower(strings.TrimSpace(seed.Email))
	if utf8.RuneCountInString(seed.Password) < auth.MinPasswordLength {
		return domain.User{}, false, newError(KindInvalidInput, "admin password must be at least %d characters", auth.MinPasswordLength)
	}
	if err := validateUsername(seed.Username); err != nil {
		return domain.User{}, false, err
	}
	if err := validateEmail(seed.Email); err != nil {
		return domain.User{}, false, err
	}

	existing, ok, err := a.store.GetUserByUsername(ctx, seed.Username)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	if ok {
		return existing, false, nil
	}
	user, err := a.createUser(ctx, seed.Username, seed.Email, seed.Password, domain.RoleAdmin)
	if err != nil {
		return domain.User{}, false, err
	}
	util.LoggerFromContext(ctx).Info("admin_seeded", "user_id", user.ID, "username", user.Username)
	return user, true, nil
}
