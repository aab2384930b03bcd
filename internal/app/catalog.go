package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"shelfkeeper/internal/policy"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/domain"
	"shelfkeeper/pkg/store"
)

const (
	maxTitleLen  = 200
	maxAuthorLen = 100
	maxYear      = 9999
)

// BookInput carries book fields from a form or request body. Nil fields
// are left unchanged by UpdateBook; CreateBook requires title, author and
// publication year and defaults stock to zero.
type BookInput struct {
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	PublicationYear *int    `json:"publicationYear"`
	Stock           *int    `json:"stock"`
}

// BookDetail is a book together with the number of copies currently out.
type BookDetail struct {
	domain.Book
	OpenLoans int `json:"openLoans"`
}

// ListBooks returns the catalog, optionally filtered by a case-insensitive
// substring of title or author. Any signed-in user may browse.
func (a *App) ListBooks(ctx context.Context, p domain.Principal, query string) ([]domain.Book, error) {
	if err := check(policy.Authorize(p, policy.ReadBooks)); err != nil {
		return nil, err
	}
	books, err := a.store.SearchBooks(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return books, nil
}

// GetBook returns a single book with its open loan count.
func (a *App) GetBook(ctx context.Context, p domain.Principal, id string) (BookDetail, error) {
	if err := check(policy.Authorize(p, policy.ReadBooks)); err != nil {
		return BookDetail{}, err
	}
	book, err := a.requireBook(ctx, id)
	if err != nil {
		return BookDetail{}, err
	}
	open, err := a.store.CountOpenLoansByBook(ctx, id)
	if err != nil {
		return BookDetail{}, fmt.Errorf("count open loans: %w", err)
	}
	return BookDetail{Book: book, OpenLoans: open}, nil
}

// CreateBook adds a book to the catalog. Admin only.
func (a *App) CreateBook(ctx context.Context, p domain.Principal, in BookInput) (domain.Book, error) {
	if err := check(policy.Authorize(p, policy.ManageBooks)); err != nil {
		return domain.Book{}, err
	}
	if in.Title == nil || strings.TrimSpace(*in.Title) == "" {
		return domain.Book{}, newError(KindMissingParameter, "title is required")
	}
	if in.Author == nil || strings.TrimSpace(*in.Author) == "" {
		return domain.Book{}, newError(KindMissingParameter, "author is required")
	}
	if in.PublicationYear == nil {
		return domain.Book{}, newError(KindMissingParameter, "publicationYear is required")
	}
	now := a.now()
	book := domain.Book{ID: a.newID(), CreatedAt: now, UpdatedAt: now}
	if err := applyBookInput(&book, in); err != nil {
		return domain.Book{}, err
	}
	if err := a.store.SaveBook(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book_created", "user_id", p.UserID, "book_id", book.ID, "stock", book.Stock)
	return book, nil
}

// UpdateBook changes the given fields of a book. Admin only. Setting the
// stock is an administrative correction and does not touch loans.
func (a *App) UpdateBook(ctx context.Context, p domain.Principal, id string, in BookInput) (domain.Book, error) {
	if err := check(policy.Authorize(p, policy.ManageBooks)); err != nil {
		return domain.Book{}, err
	}
	var book domain.Book
	err := a.store.Transact(ctx, func(tx store.Tx) error {
		current, ok, err := tx.LockBook(id)
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}
		if !ok {
			return newError(KindNotFound, "book not found")
		}
		if err := applyBookInput(&current, in); err != nil {
			return err
		}
		current.UpdatedAt = a.now()
		if err := tx.UpdateBook(current); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return newError(KindNotFound, "book not found")
			}
			return fmt.Errorf("update book: %w", err)
		}
		book = current
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}
	util.LoggerFromContext(ctx).Info("book_updated", "user_id", p.UserID, "book_id", book.ID, "stock", book.Stock)
	return book, nil
}

func applyBookInput(b *domain.Book, in BookInput) error {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return newError(KindMissingParameter, "title is required")
		}
		if utf8.RuneCountInString(title) > maxTitleLen {
			return newError(KindInvalidInput, "title must be at most %d characters", maxTitleLen)
		}
		b.Title = title
	}
	if in.Author != nil {
		author := strings.TrimSpace(*in.Author)
		if author == "" {
			return newError(KindMissingParameter, "author is required")
		}
		if utf8.RuneCountInString(author) > maxAuthorLen {
			return newError(KindInvalidInput, "author must be at most %d characters", maxAuthorLen)
		}
		b.Author = author
	}
	if in.PublicationYear != nil {
		if *in.PublicationYear < 0 || *in.PublicationYear > maxYear {
			return newError(KindInvalidInput, "publicationYear must be between 0 and %d", maxYear)
		}
		b.PublicationYear = *in.PublicationYear
	}
	if in.Stock != nil {
		if *in.Stock < 0 {
			return newError(KindInvalidInput, "stock cannot be negative")
		}
		b.Stock = *in.Stock
	}
	return nil
}

func (a *App) requireBook(ctx context.Context, id string) (domain.Book, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Book{}, newError(KindMissingParameter, "book id is required")
	}
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, newError(KindNotFound, "book not found")
	}
	return book, nil
}
