package domain

import (
	"fmt"
	"strings"
	"time"
)

// UserRole is a closed set. Code switching on it must handle every value
// and deny in the default branch.
type UserRole uint8

const (
	RoleRegular UserRole = iota + 1
	RoleAdmin
)

func (r UserRole) String() string {
	switch r {
	case RoleRegular:
		return "regular"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the declared roles.
func (r UserRole) Valid() bool {
	switch r {
	case RoleRegular, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseUserRole accepts "regular" and "admin" in any case.
func ParseUserRole(raw string) (UserRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "regular":
		return RoleRegular, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", raw)
	}
}

func (r UserRole) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", r)
	}
	return []byte(r.String()), nil
}

func (r *UserRole) UnmarshalText(text []byte) error {
	parsed, err := ParseUserRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	PublicationYear int       `json:"publicationYear"`
	Stock           int       `json:"stock"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Loan records one borrow. ReturnedAt is set exactly when Returned is true.
type Loan struct {
	ID         string     `json:"id"`
	BookID     string     `json:"bookId"`
	UserID     string     `json:"userId"`
	LoanedAt   time.Time  `json:"loanedAt"`
	Returned   bool       `json:"returned"`
	ReturnedAt *time.Time `json:"returnedAt,omitempty"`

	// Display fields filled by history queries.
	BookTitle string `json:"bookTitle,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Open reports whether the loan still holds a copy.
func (l Loan) Open() bool { return !l.Returned }

// Principal is the authenticated caller passed explicitly into every
// operation that depends on identity.
type Principal struct {
	UserID   string
	Username string
	Role     UserRole
}

// PrincipalOf builds the caller identity for a stored user.
func PrincipalOf(u User) Principal {
	return Principal{UserID: u.ID, Username: u.Username, Role: u.Role}
}

// LoanStats counts loans by state.
type LoanStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Returned int `json:"returned"`
}

// CountLoans tallies a loan slice.
func CountLoans(loans []Loan) LoanStats {
	stats := LoanStats{Total: len(loans)}
	for _, l := range loans {
		if l.Returned {
			stats.Returned++
		} else {
			stats.Active++
		}
	}
	return stats
}
