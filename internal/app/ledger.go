package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shelfkeeper/internal/policy"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/domain"
	"shelfkeeper/pkg/store"
)

// BorrowBook lends one copy of a book to the caller.
//
// Checks run in order and the first failure wins: the caller must be a
// regular user (RoleNotEligible), the book must exist (NotFound) and have
// stock (OutOfStock), and the caller must not already hold it
// (DuplicateLoan). The stock decrement and the new loan commit together.
// A concurrent borrower that loses the race for the last copy gets
// OutOfStock; a concurrent duplicate is stopped by the open-loan unique
// index and gets DuplicateLoan.
func (a *App) BorrowBook(ctx context.Context, p domain.Principal, bookID string) (domain.Loan, domain.Book, error) {
	loan, book, err := a.borrowBook(ctx, p, bookID)
	if err != nil {
		logRejected(ctx, "borrow_rejected", p, err, "book_id", bookID)
		return domain.Loan{}, domain.Book{}, err
	}
	util.LoggerFromContext(ctx).Info("book_borrowed",
		"user_id", p.UserID, "book_id", book.ID, "loan_id", loan.ID, "stock", book.Stock)
	return loan, book, nil
}

func (a *App) borrowBook(ctx context.Context, p domain.Principal, bookID string) (domain.Loan, domain.Book, error) {
	if err := check(policy.Authorize(p, policy.BorrowReturn)); err != nil {
		return domain.Loan{}, domain.Book{}, err
	}
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return domain.Loan{}, domain.Book{}, newError(KindMissingParameter, "bookId is required")
	}

	var (
		loan domain.Loan
		book domain.Book
	)
	err := a.store.Transact(ctx, func(tx store.Tx) error {
		u, ok, err := tx.LockUser(p.UserID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if !ok {
			return ErrUnauthorized
		}
		// the principal may predate a role change
		if u.Role != domain.RoleRegular {
			return ErrRoleNotEligible
		}
		b, ok, err := tx.GetBook(bookID)
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}
		if !ok {
			return newError(KindNotFound, "book not found")
		}
		if b.Stock <= 0 {
			return ErrOutOfStock
		}
		if _, open, err := tx.FindOpenLoan(p.UserID, bookID); err != nil {
			return fmt.Errorf("find open loan: %w", err)
		} else if open {
			return ErrDuplicateLoan
		}

		taken, err := tx.DecrementStock(bookID)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if !taken {
			return ErrOutOfStock
		}
		loan = domain.Loan{
			ID:       a.newID(),
			BookID:   bookID,
			UserID:   p.UserID,
			LoanedAt: a.now(),
		}
		if err := tx.CreateLoan(loan); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicateLoan
			}
			return fmt.Errorf("create loan: %w", err)
		}
		if book, _, err = tx.GetBook(bookID); err != nil {
			return fmt.Errorf("reload book: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Loan{}, domain.Book{}, err
	}
	loan.BookTitle = book.Title
	loan.Username = p.Username
	return loan, book, nil
}

// ReturnBook closes the caller's open loan for a book and restores the copy.
// Without an open loan it fails with NoActiveLoan and changes nothing.
func (a *App) ReturnBook(ctx context.Context, p domain.Principal, bookID string) (domain.Book, error) {
	book, err := a.returnBook(ctx, p, bookID)
	if err != nil {
		logRejected(ctx, "return_rejected", p, err, "book_id", bookID)
		return domain.Book{}, err
	}
	util.LoggerFromContext(ctx).Info("book_returned", "user_id", p.UserID, "book_id", book.ID, "stock", book.Stock)
	return book, nil
}

func (a *App) returnBook(ctx context.Context, p domain.Principal, bookID string) (domain.Book, error) {
	if err := check(policy.Authorize(p, policy.BorrowReturn)); err != nil {
		return domain.Book{}, err
	}
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return domain.Book{}, newError(KindMissingParameter, "bookId is required")
	}

	var book domain.Book
	err := a.store.Transact(ctx, func(tx store.Tx) error {
		if _, ok, err := tx.GetBook(bookID); err != nil {
			return fmt.Errorf("get book: %w", err)
		} else if !ok {
			return newError(KindNotFound, "book not found")
		}
		loan, open, err := tx.FindOpenLoan(p.UserID, bookID)
		if err != nil {
			return fmt.Errorf("find open loan: %w", err)
		}
		if !open {
			return ErrNoActiveLoan
		}
		closed, err := tx.CloseLoan(loan.ID, a.now())
		if err != nil {
			return fmt.Errorf("close loan: %w", err)
		}
		if !closed {
			// returned concurrently
			return ErrNoActiveLoan
		}
		if err := tx.IncrementStock(bookID); err != nil {
			return fmt.Errorf("increment stock: %w", err)
		}
		if book, _, err = tx.GetBook(bookID); err != nil {
			return fmt.Errorf("reload book: %w", err)
		}
		return nil
	})
	return book, err
}

// ListBorrowed returns the books userID currently holds. Visible to the
// user themselves and to administrators.
func (a *App) ListBorrowed(ctx context.Context, p domain.Principal, userID string) ([]domain.Book, error) {
	if err := check(policy.AuthorizeUserView(p, userID)); err != nil {
		return nil, err
	}
	if _, err := a.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	books, err := a.store.ListBorrowedBooks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list borrowed books: %w", err)
	}
	return books, nil
}

// DeleteBook removes a book permanently. Admin only; refused with
// HasActiveLoans while any copy is out.
func (a *App) DeleteBook(ctx context.Context, p domain.Principal, bookID string) error {
	err := a.deleteBook(ctx, p, bookID)
	if err != nil {
		logRejected(ctx, "delete_book_rejected", p, err, "book_id", bookID)
		return err
	}
	util.LoggerFromContext(ctx).Info("book_deleted", "user_id", p.UserID, "book_id", bookID)
	return nil
}

func (a *App) deleteBook(ctx context.Context, p domain.Principal, bookID string) error {
	if err := check(policy.Authorize(p, policy.ManageBooks)); err != nil {
		return err
	}
	return a.store.Transact(ctx, func(tx store.Tx) error {
		if _, ok, err := tx.LockBook(bookID); err != nil {
			return fmt.Errorf("get book: %w", err)
		} else if !ok {
			return newError(KindNotFound, "book not found")
		}
		open, err := tx.CountOpenLoansByBook(bookID)
		if err != nil {
			return fmt.Errorf("count open loans: %w", err)
		}
		if open > 0 {
			return newError(KindHasActiveLoans, "the book cannot be deleted while %d cop%s on loan", open, plural(open, "y is", "ies are"))
		}
		if err := tx.DeleteBook(bookID); err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		return nil
	})
}

// DeleteUser removes an account permanently. Admin only, never one's own
// account, and refused with HasActiveLoans while the user holds books.
func (a *App) DeleteUser(ctx context.Context, p domain.Principal, userID string) error {
	err := a.deleteUser(ctx, p, userID)
	if err != nil {
		logRejected(ctx, "delete_user_rejected", p, err, "target_user_id", userID)
		return err
	}
	util.LoggerFromContext(ctx).Info("user_deleted", "user_id", p.UserID, "target_user_id", userID)
	return nil
}

func (a *App) deleteUser(ctx context.Context, p domain.Principal, userID string) error {
	if err := check(policy.AuthorizeUserAction(p, userID, policy.ManageUsers)); err != nil {
		return err
	}
	return a.store.Transact(ctx, func(tx store.Tx) error {
		target, ok, err := tx.LockUser(userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if !ok {
			return newError(KindNotFound, "the user no longer exists")
		}
		open, err := tx.CountOpenLoansByUser(userID)
		if err != nil {
			return fmt.Errorf("count open loans: %w", err)
		}
		if open > 0 {
			return newError(KindHasActiveLoans, "%s cannot be deleted while holding %d book%s", target.Username, open, plural(open, "", "s"))
		}
		if err := tx.DeleteUser(userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
