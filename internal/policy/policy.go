// Package policy decides which roles may perform which actions.
//
// Roles form a closed set; every decision is an exhaustive switch with a
// denying default, so a role added later is denied everything until the
// table here says otherwise.
package policy

import (
	"fmt"

	"shelfkeeper/pkg/domain"
)

type Action uint8

const (
	ReadBooks Action = iota + 1
	ManageBooks
	BorrowReturn
	ViewOwnHistory
	ViewAllHistory
	ManageUsers
)

func (a Action) String() string {
	switch a {
	case ReadBooks:
		return "read_books"
	case ManageBooks:
		return "manage_books"
	case BorrowReturn:
		return "borrow_return"
	case ViewOwnHistory:
		return "view_own_history"
	case ViewAllHistory:
		return "view_all_history"
	case ManageUsers:
		return "manage_users"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Reason says why access was denied.
type Reason uint8

const (
	Unauthenticated Reason = iota + 1
	Forbidden
	RoleNotEligible
	SelfAction
)

// DeniedError reports a refused decision.
type DeniedError struct {
	Action Action
	Reason Reason
}

func (e *DeniedError) Error() string {
	switch e.Reason {
	case Unauthenticated:
		return fmt.Sprintf("%s: authentication required", e.Action)
	case RoleNotEligible:
		return fmt.Sprintf("%s: role not eligible", e.Action)
	case SelfAction:
		return fmt.Sprintf("%s: not allowed on own account", e.Action)
	default:
		return fmt.Sprintf("%s: forbidden", e.Action)
	}
}

func deny(a Action, r Reason) error {
	return &DeniedError{Action: a, Reason: r}
}

// Authorize applies the role table to p.
//
//	action          regular          admin
//	ReadBooks       yes              yes
//	ManageBooks     Forbidden        yes
//	BorrowReturn    yes              RoleNotEligible
//	ViewOwnHistory  yes              yes
//	ViewAllHistory  Forbidden        yes
//	ManageUsers     Forbidden        yes
func Authorize(p domain.Principal, a Action) error {
	if p.UserID == "" {
		return deny(a, Unauthenticated)
	}
	switch p.Role {
	case domain.RoleRegular:
		switch a {
		case ReadBooks, BorrowReturn, ViewOwnHistory:
			return nil
		case ManageBooks, ViewAllHistory, ManageUsers:
			return deny(a, Forbidden)
		default:
			return deny(a, Forbidden)
		}
	case domain.RoleAdmin:
		switch a {
		case ReadBooks, ManageBooks, ViewOwnHistory, ViewAllHistory, ManageUsers:
			return nil
		case BorrowReturn:
			return deny(a, RoleNotEligible)
		default:
			return deny(a, Forbidden)
		}
	default:
		return deny(a, Forbidden)
	}
}

// AuthorizeUserAction guards an action aimed at another account. Acting on
// one's own account is refused before the role table is consulted.
func AuthorizeUserAction(p domain.Principal, targetUserID string, a Action) error {
	if p.UserID == "" {
		return deny(a, Unauthenticated)
	}
	if p.UserID == targetUserID {
		return deny(a, SelfAction)
	}
	return Authorize(p, a)
}

// AuthorizeUserView allows reading an account's loans and borrowed books to
// its owner and to anyone permitted ViewAllHistory.
func AuthorizeUserView(p domain.Principal, targetUserID string) error {
	if p.UserID == "" {
		return deny(ViewOwnHistory, Unauthenticated)
	}
	if p.UserID == targetUserID {
		return Authorize(p, ViewOwnHistory)
	}
	return Authorize(p, ViewAllHistory)
}

// Allowed is a boolean form of Authorize for templates and menus.
func Allowed(p domain.Principal, a Action) bool {
	return Authorize(p, a) == nil
}
