package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shelfkeeper/internal/app"
	"shelfkeeper/pkg/domain"
	"shelfkeeper/pkg/store"
)

const maxBodyBytes = 1 << 20

func (s *Server) apiRoutes(mux *http.ServeMux) {
	// auth
	mux.HandleFunc("POST /api/auth/register", s.handleAPIRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleAPILogin)
	mux.Handle("POST /api/auth/logout", s.authenticated(s.handleAPILogout))
	mux.Handle("GET /api/auth/me", s.authenticated(s.handleAPIMe))
	mux.HandleFunc("GET /api/auth/jwks", s.handleJWKS)

	// catalog
	mux.Handle("GET /api/books", s.authenticated(s.handleAPIListBooks))
	mux.Handle("POST /api/books", s.authenticated(s.handleAPICreateBook))
	mux.Handle("GET /api/books/{id}", s.authenticated(s.handleAPIGetBook))
	mux.Handle("PUT /api/books/{id}", s.authenticated(s.handleAPIUpdateBook))
	mux.Handle("PATCH /api/books/{id}", s.authenticated(s.handleAPIUpdateBook))
	mux.Handle("DELETE /api/books/{id}", s.authenticated(s.handleAPIDeleteBook))

	// users and loans
	mux.Handle("GET /api/users", s.authenticated(s.handleAPIListUsers))
	mux.Handle("GET /api/users/{id}", s.authenticated(s.handleAPIGetUser))
	mux.Handle("POST /api/users/{id}/borrow", s.authenticated(s.handleAPIBorrow))
	mux.Handle("POST /api/users/{id}/return", s.authenticated(s.handleAPIReturn))
	mux.Handle("GET /api/users/{id}/books", s.authenticated(s.handleAPIBorrowed))
	mux.Handle("GET /api/users/{id}/loans", s.authenticated(s.handleAPIUserLoans))
	mux.Handle("GET /api/loans", s.authenticated(s.handleAPIAllLoans))

	// admin
	mux.Handle("PATCH /api/admin/users/{id}", s.authenticated(s.handleAPISetRole))
	mux.Handle("DELETE /api/admin/users/{id}", s.authenticated(s.handleAPIDeleteUser))
}

type apiHandler func(http.ResponseWriter, *http.Request, domain.Principal)

// authenticated resolves the bearer token to a principal. The user is
// reloaded on every request, so role changes and deletions apply at once.
func (s *Server) authenticated(next apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "missing_token")
			writeAppError(w, r, app.ErrUnauthorized)
			return
		}
		userID, ok, err := s.tokens.GetUserIDByToken(r.Context(), token)
		if err != nil && !errors.Is(err, store.ErrTokenInvalid) && !errors.Is(err, store.ErrTokenRevoked) {
			writeAppError(w, r, err)
			return
		}
		if !ok || err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "invalid_token")
			writeAppError(w, r, app.ErrUnauthorized)
			return
		}
		p, _, err := s.app.ResolvePrincipal(r.Context(), userID)
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "unknown_user", "user_id", userID)
			writeAppError(w, r, err)
			return
		}
		next(w, r, p)
	})
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type bookRequest struct {
	BookID string `json:"bookId"`
}

type borrowResponse struct {
	Loan domain.Loan `json:"loan"`
	Book domain.Book `json:"book"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type userResponse struct {
	domain.User
	Borrowed []domain.Book `json:"borrowed"`
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return &app.Error{Kind: app.KindInvalidInput, Message: "invalid JSON body"}
	}
	return nil
}

func list[T any](items []T) map[string]any {
	return map[string]any{"items": items, "count": len(items)}
}

func (s *Server) handleAPIRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter) {
		s.audit(r, "api.register", "rate_limited")
		writeAppError(w, r, app.ErrRateLimited)
		return
	}
	var req app.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	user, err := s.app.Register(r.Context(), req)
	if err != nil {
		s.audit(r, "api.register", "fail", "kind", string(app.KindOf(err)))
		writeAppError(w, r, err)
		return
	}
	token, err := s.tokens.NewSession(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter) {
		s.audit(r, "api.login", "rate_limited")
		writeAppError(w, r, app.ErrRateLimited)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	user, err := s.app.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "api.login", "fail", "kind", string(app.KindOf(err)))
		writeAppError(w, r, err)
		return
	}
	token, err := s.tokens.NewSession(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleAPILogout(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	token, _ := bearerToken(r)
	if err := s.tokens.DeleteSession(r.Context(), token); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.logout", "success", "user_id", p.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIMe(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	user, err := s.app.GetUser(r.Context(), p, p.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.tokens.(store.JWKSProvider)
	if !ok {
		writeAppError(w, r, app.ErrNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": provider.JWKS()})
}

func (s *Server) handleAPIListBooks(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	books, err := s.app.ListBooks(r.Context(), p, r.URL.Query().Get("q"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(books))
}

func (s *Server) handleAPICreateBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req app.BookInput
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	book, err := s.app.CreateBook(r.Context(), p, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleAPIGetBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	detail, err := s.app.GetBook(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAPIUpdateBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req app.BookInput
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	book, err := s.app.UpdateBook(r.Context(), p, r.PathValue("id"), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleAPIDeleteBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if err := s.app.DeleteBook(r.Context(), p, r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIListUsers(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	users, err := s.app.ListUsers(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(users))
}

func (s *Server) handleAPIGetUser(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	user, err := s.app.GetUser(r.Context(), p, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	borrowed, err := s.app.ListBorrowed(r.Context(), p, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: user, Borrowed: borrowed})
}

// ownLoan guards borrow and return: loans are always taken in the caller's
// own name.
func ownLoan(r *http.Request, p domain.Principal) (string, error) {
	if r.PathValue("id") != p.UserID {
		return "", app.ErrForbidden
	}
	var req bookRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	return req.BookID, nil
}

func (s *Server) handleAPIBorrow(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	bookID, err := ownLoan(r, p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	loan, book, err := s.app.BorrowBook(r.Context(), p, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, borrowResponse{Loan: loan, Book: book})
}

func (s *Server) handleAPIReturn(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	bookID, err := ownLoan(r, p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	book, err := s.app.ReturnBook(r.Context(), p, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"book": book})
}

func (s *Server) handleAPIBorrowed(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	books, err := s.app.ListBorrowed(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(books))
}

func (s *Server) handleAPIUserLoans(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	history, err := s.app.UserLoans(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAPIAllLoans(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	history, err := s.app.AllLoans(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAPISetRole(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req setRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if req.Role == "" {
		writeAppError(w, r, &app.Error{Kind: app.KindMissingParameter, Message: "role is required"})
		return
	}
	role, err := domain.ParseUserRole(req.Role)
	if err != nil {
		writeAppError(w, r, &app.Error{Kind: app.KindInvalidInput, Message: "invalid role"})
		return
	}
	user, err := s.app.SetUserRole(r.Context(), p, r.PathValue("id"), role)
	if err != nil {
		s.audit(r, "api.admin.set_role", "fail", "user_id", p.UserID, "kind", string(app.KindOf(err)))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.admin.set_role", "success", "user_id", p.UserID, "target_user_id", user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAPIDeleteUser(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	if err := s.app.DeleteUser(r.Context(), p, id); err != nil {
		s.audit(r, "api.admin.delete_user", "fail", "user_id", p.UserID, "kind", string(app.KindOf(err)))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.admin.delete_user", "success", "user_id", p.UserID, "target_user_id", id)
	w.WriteHeader(http.StatusNoContent)
}
