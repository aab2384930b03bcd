package app

import (
	"errors"
	"fmt"
)

// Kind classifies an application error. Presentation layers map kinds to
// status codes and messages.
type Kind string

const (
	KindRoleNotEligible     Kind = "RoleNotEligible"
	KindOutOfStock          Kind = "OutOfStock"
	KindDuplicateLoan       Kind = "DuplicateLoan"
	KindNoActiveLoan        Kind = "NoActiveLoan"
	KindNotFound            Kind = "NotFound"
	KindHasActiveLoans      Kind = "HasActiveLoans"
	KindSelfActionForbidden Kind = "SelfActionForbidden"
	KindMissingParameter    Kind = "MissingParameter"
	KindInvalidInput        Kind = "InvalidInput"
	KindConflict            Kind = "Conflict"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindRateLimited         Kind = "RateLimited"
	KindInternal            Kind = "Internal"
)

// Error is a classified, user-presentable error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error of the same kind, so errors.Is(err, ErrOutOfStock)
// holds for every out-of-stock error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrRoleNotEligible     = &Error{Kind: KindRoleNotEligible, Message: "administrators cannot borrow or return books"}
	ErrOutOfStock          = &Error{Kind: KindOutOfStock, Message: "no copies available"}
	ErrDuplicateLoan       = &Error{Kind: KindDuplicateLoan, Message: "you already have this book on loan"}
	ErrNoActiveLoan        = &Error{Kind: KindNoActiveLoan, Message: "you do not have this book on loan"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrHasActiveLoans      = &Error{Kind: KindHasActiveLoans, Message: "there are active loans"}
	ErrSelfActionForbidden = &Error{Kind: KindSelfActionForbidden, Message: "you cannot perform this action on your own account"}
	ErrMissingParameter    = &Error{Kind: KindMissingParameter, Message: "missing parameter"}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrConflict            = &Error{Kind: KindConflict, Message: "already exists"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "authentication required"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "you do not have permission to perform this action"}
	ErrRateLimited         = &Error{Kind: KindRateLimited, Message: "too many attempts, try again later"}

	// ErrInvalidCredentials is shown for both unknown users and wrong
	// passwords so login does not reveal which usernames exist.
	ErrInvalidCredentials = &Error{Kind: KindUnauthorized, Message: "incorrect username or password"}
)

// KindOf classifies err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Message returns the user-presentable message for err. Internal errors get
// a generic message; their details belong in logs only.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
