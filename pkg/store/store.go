package store

import (
	"context"
	"errors"
	"time"

	"shelfkeeper/pkg/domain"
)

var (
	// ErrDuplicate reports a unique constraint violation: a taken username or
	// email, or a second open loan for the same user and book.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrNotFound reports that a targeted row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Store defines persistence for books, users and loans.
// Reads outside Transact see committed state only.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	HasUserEmail(ctx context.Context, email string) (bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	// books
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	SearchBooks(ctx context.Context, query string) ([]domain.Book, error)
	CountOpenLoansByBook(ctx context.Context, bookID string) (int, error)

	// loans
	ListLoans(ctx context.Context) ([]domain.Loan, error)
	ListLoansByUser(ctx context.Context, userID string) ([]domain.Loan, error)
	ListBorrowedBooks(ctx context.Context, userID string) ([]domain.Book, error)

	// Transact runs fn in one transaction. A non-nil error from fn rolls
	// everything back and is returned unchanged.
	Transact(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write surface used by the loan ledger and admin deletes.
type Tx interface {
	GetBook(id string) (domain.Book, bool, error)
	// LockBook reads a book and holds it against concurrent writers until
	// the transaction ends.
	LockBook(id string) (domain.Book, bool, error)
	// LockUser reads a user and holds the row like LockBook. Borrow, role
	// changes and user deletes take it first so they see each other's commits.
	LockUser(id string) (domain.User, bool, error)
	FindOpenLoan(userID, bookID string) (domain.Loan, bool, error)
	CountOpenLoansByBook(bookID string) (int, error)
	CountOpenLoansByUser(userID string) (int, error)

	// DecrementStock takes one copy if any remain. It reports false, and
	// changes nothing, when stock is already zero.
	DecrementStock(bookID string) (bool, error)
	IncrementStock(bookID string) error
	UpdateBook(b domain.Book) error

	// CreateLoan returns ErrDuplicate when the user already holds an open
	// loan for the book.
	CreateLoan(l domain.Loan) error
	// CloseLoan marks an open loan returned. It reports false when the loan
	// is missing or already closed.
	CloseLoan(loanID string, at time.Time) (bool, error)

	SetUserRole(userID string, role domain.UserRole) error
	// DeleteBook and DeleteUser remove the row together with its closed
	// loans. Callers check for open loans first.
	DeleteBook(id string) error
	DeleteUser(id string) error
}

// SessionStore maps opaque or signed tokens to user ids.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (string, error)
	GetUserIDByToken(ctx context.Context, token string) (string, bool, error)
	DeleteSession(ctx context.Context, token string) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability of session stores that sign tokens.
type JWKSProvider interface {
	JWKS() []JWK
}
