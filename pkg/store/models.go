package store

import (
	"strings"
	"time"

	"shelfkeeper/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"not null"`
	UsernameKey  string    `gorm:"uniqueIndex;not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type BookModel struct {
	ID              string    `gorm:"primaryKey"`
	Title           string    `gorm:"not null;index"`
	Author          string    `gorm:"not null;index"`
	// Lowercased in Go so search and ordering fold case the same way on
	// every dialect.
	TitleKey        string    `gorm:"not null;default:'';index"`
	AuthorKey       string    `gorm:"not null;default:''"`
	PublicationYear int       `gorm:"not null"`
	Stock           int       `gorm:"not null;check:chk_book_models_stock,stock >= 0"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

// LoanModel has a partial unique index on (user_id, book_id) for open rows,
// created in migrate.
type LoanModel struct {
	ID         string    `gorm:"primaryKey"`
	BookID     string    `gorm:"not null;index"`
	UserID     string    `gorm:"not null;index"`
	LoanedAt   time.Time `gorm:"not null;index"`
	Returned   bool      `gorm:"not null;default:false"`
	ReturnedAt *time.Time
}

// loanRow is a loan joined with display columns.
type loanRow struct {
	LoanModel `gorm:"embedded"`
	BookTitle string
	Username  string
}

func usernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func searchKey(s string) string {
	return strings.ToLower(s)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		UsernameKey:  usernameKey(u.Username),
		Email:        strings.ToLower(strings.TrimSpace(u.Email)),
		PasswordHash: u.PasswordHash,
		Role:         u.Role.String(),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// userFromModel maps an unknown stored role to the zero role, which every
// policy decision denies.
func userFromModel(m UserModel) domain.User {
	role, _ := domain.ParseUserRole(m.Role)
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         role,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		TitleKey:        searchKey(b.Title),
		AuthorKey:       searchKey(b.Author),
		PublicationYear: b.PublicationYear,
		Stock:           b.Stock,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		PublicationYear: m.PublicationYear,
		Stock:           m.Stock,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:         l.ID,
		BookID:     l.BookID,
		UserID:     l.UserID,
		LoanedAt:   l.LoanedAt,
		Returned:   l.Returned,
		ReturnedAt: l.ReturnedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:         m.ID,
		BookID:     m.BookID,
		UserID:     m.UserID,
		LoanedAt:   m.LoanedAt,
		Returned:   m.Returned,
		ReturnedAt: m.ReturnedAt,
	}
}

func loanFromRow(r loanRow) domain.Loan {
	l := loanFromModel(r.LoanModel)
	l.BookTitle = r.BookTitle
	l.Username = r.Username
	return l
}
