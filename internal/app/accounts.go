package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"unicode/utf8"

	"shelfkeeper/internal/policy"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/auth"
	"shelfkeeper/pkg/domain"
	"shelfkeeper/pkg/store"
)

const maxUsernameLen = 150

// RegisterInput is the self-service sign-up form. Accounts created this way
// are always regular users.
type RegisterInput struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}

// Register creates a regular account.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" {
		return domain.User{}, newError(KindMissingParameter, "username is required")
	}
	if email == "" {
		return domain.User{}, newError(KindMissingParameter, "email is required")
	}
	if in.Password == "" {
		return domain.User{}, newError(KindMissingParameter, "password is required")
	}
	if err := validateUsername(username); err != nil {
		return domain.User{}, err
	}
	if err := validateEmail(email); err != nil {
		return domain.User{}, err
	}
	if in.Password != in.PasswordConfirm {
		return domain.User{}, newError(KindInvalidInput, "passwords do not match")
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, newError(KindInvalidInput, "%s", err.Error())
	}

	if _, exists, err := a.store.GetUserByUsername(ctx, username); err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	} else if exists {
		return domain.User{}, newError(KindConflict, "username already taken")
	}
	if exists, err := a.store.HasUserEmail(ctx, email); err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	} else if exists {
		return domain.User{}, newError(KindConflict, "email already registered")
	}

	user, err := a.createUser(ctx, username, email, in.Password, domain.RoleRegular)
	if err != nil {
		return domain.User{}, err
	}
	util.LoggerFromContext(ctx).Info("user_registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

func (a *App) createUser(ctx context.Context, username, email, password string, role domain.UserRole) (domain.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:           a.newID(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// lost a race with a concurrent sign-up
			return domain.User{}, newError(KindConflict, "username or email already registered")
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// Authenticate checks a username and password. Usernames match ignoring
// case. Unknown users and wrong passwords fail the same way.
func (a *App) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, newError(KindMissingParameter, "username and password are required")
	}
	user, ok, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		// keep timing close to a real password check
		dummyHashOnce.Do(func() { dummyHash, _ = auth.HashPassword("not-a-password") })
		auth.CheckPassword(password, dummyHash)
		return domain.User{}, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser returns an account. Users may read their own; admins any.
func (a *App) GetUser(ctx context.Context, p domain.Principal, userID string) (domain.User, error) {
	if err := check(policy.AuthorizeUserView(p, userID)); err != nil {
		return domain.User{}, err
	}
	return a.requireUser(ctx, userID)
}

// ListUsers returns every account ordered by username. Admin only.
func (a *App) ListUsers(ctx context.Context, p domain.Principal) ([]domain.User, error) {
	if err := check(policy.Authorize(p, policy.ManageUsers)); err != nil {
		return nil, err
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// SetUserRole changes another account's role. Admin only and never on
// one's own account. A user holding books cannot be promoted, since
// administrators cannot return them.
func (a *App) SetUserRole(ctx context.Context, p domain.Principal, userID string, role domain.UserRole) (domain.User, error) {
	if err := check(policy.AuthorizeUserAction(p, userID, policy.ManageUsers)); err != nil {
		logRejected(ctx, "set_role_rejected", p, err, "target_user_id", userID)
		return domain.User{}, err
	}
	if !role.Valid() {
		return domain.User{}, newError(KindInvalidInput, "unknown role")
	}
	var user domain.User
	err := a.store.Transact(ctx, func(tx store.Tx) error {
		target, ok, err := tx.LockUser(userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if !ok {
			return newError(KindNotFound, "the user no longer exists")
		}
		if role == domain.RoleAdmin && target.Role != domain.RoleAdmin {
			open, err := tx.CountOpenLoansByUser(userID)
			if err != nil {
				return fmt.Errorf("count open loans: %w", err)
			}
			if open > 0 {
				return newError(KindHasActiveLoans, "%s must return every book before becoming an administrator", target.Username)
			}
		}
		if err := tx.SetUserRole(userID, role); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		target.Role = role
		user = target
		return nil
	})
	if err != nil {
		logRejected(ctx, "set_role_rejected", p, err, "target_user_id", userID)
		return domain.User{}, err
	}
	util.LoggerFromContext(ctx).Info("user_role_changed", "user_id", p.UserID, "target_user_id", userID, "role", role.String())
	return user, nil
}

func (a *App) requireUser(ctx context.Context, userID string) (domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.User{}, newError(KindMissingParameter, "user id is required")
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return domain.User{}, newError(KindNotFound, "the user no longer exists")
	}
	return user, nil
}

func validateUsername(username string) error {
	if utf8.RuneCountInString(username) > maxUsernameLen {
		return newError(KindInvalidInput, "username must be at most %d characters", maxUsernameLen)
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@.+-_", r):
		default:
			return newError(KindInvalidInput, "username may contain only letters, digits and @.+-_")
		}
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return newError(KindInvalidInput, "enter a valid email address")
	}
	return nil
}
