package app

import (
	"context"
	"fmt"

	"shelfkeeper/internal/policy"
	"shelfkeeper/pkg/domain"
)

// LoanHistory is a loan listing, newest first, with its tallies.
type LoanHistory struct {
	Loans []domain.Loan    `json:"loans"`
	Stats domain.LoanStats `json:"stats"`
}

// AllLoans returns every loan in the system. Admin only.
func (a *App) AllLoans(ctx context.Context, p domain.Principal) (LoanHistory, error) {
	if err := check(policy.Authorize(p, policy.ViewAllHistory)); err != nil {
		return LoanHistory{}, err
	}
	loans, err := a.store.ListLoans(ctx)
	if err != nil {
		return LoanHistory{}, fmt.Errorf("list loans: %w", err)
	}
	return LoanHistory{Loans: loans, Stats: domain.CountLoans(loans)}, nil
}

// UserLoans returns one user's loans, open and returned.
func (a *App) UserLoans(ctx context.Context, p domain.Principal, userID string) (LoanHistory, error) {
	if err := check(policy.AuthorizeUserView(p, userID)); err != nil {
		return LoanHistory{}, err
	}
	if _, err := a.requireUser(ctx, userID); err != nil {
		return LoanHistory{}, err
	}
	loans, err := a.store.ListLoansByUser(ctx, userID)
	if err != nil {
		return LoanHistory{}, fmt.Errorf("list loans: %w", err)
	}
	return LoanHistory{Loans: loans, Stats: domain.CountLoans(loans)}, nil
}
