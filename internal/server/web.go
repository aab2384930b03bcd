package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"shelfkeeper/internal/app"
	"shelfkeeper/internal/policy"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/domain"
)

const sessionCookie = "shelfkeeper_session"

func (s *Server) webRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/books", http.StatusFound)
	})

	// auth
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /register", s.handleRegisterPage)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.Handle("GET /logout", s.requireLogin(s.handleLogoutPage))
	mux.Handle("POST /logout", s.requireLogin(s.handleLogout))

	// catalog
	mux.Handle("GET /books", s.requireLogin(s.handleBooksPage))
	mux.Handle("GET /books/new", s.requireLogin(s.handleNewBookPage))
	mux.Handle("POST /books/new", s.requireLogin(s.handleCreateBook))
	mux.Handle("GET /books/{id}", s.requireLogin(s.handleBookPage))
	mux.Handle("GET /books/{id}/edit", s.requireLogin(s.handleEditBookPage))
	mux.Handle("POST /books/{id}/edit", s.requireLogin(s.handleEditBook))
	mux.Handle("GET /books/{id}/delete", s.requireLogin(s.handleDeleteBookPage))
	mux.Handle("POST /books/{id}/delete", s.requireLogin(s.handleDeleteBook))

	// loans
	mux.Handle("POST /books/{id}/borrow", s.requireLogin(s.handleBorrow))
	mux.Handle("POST /books/{id}/return", s.requireLogin(s.handleReturn))
	mux.Handle("GET /my-loans", s.requireLogin(s.handleMyLoansPage))
	mux.Handle("GET /my-history", s.requireLogin(s.handleMyHistoryPage))
	mux.Handle("GET /loans/history", s.requireLogin(s.handleAllLoansPage))

	// admin
	mux.Handle("GET /admin/users", s.requireLogin(s.handleUsersPage))
	mux.Handle("POST /admin/users", s.requireLogin(s.handleUsersAction))
	mux.Handle("GET /users/{id}/delete", s.requireLogin(s.handleDeleteUserPage))
	mux.Handle("POST /users/{id}/delete", s.requireLogin(s.handleDeleteUser))
}

type webHandler func(http.ResponseWriter, *http.Request, domain.Principal)

// requireLogin resolves the session cookie, sending anonymous visitors to
// the login page.
func (s *Server) requireLogin(next webHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := s.webPrincipal(r)
		if err != nil {
			s.renderError(w, r, nil, err)
			return
		}
		if !ok {
			target := "/login"
			if r.Method == http.MethodGet {
				target += "?next=" + url.QueryEscape(r.URL.RequestURI())
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
		next(w, r, p)
	})
}

func (s *Server) webPrincipal(r *http.Request) (domain.Principal, bool, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return domain.Principal{}, false, nil
	}
	userID, ok, err := s.sessions.GetUserIDByToken(r.Context(), c.Value)
	if err != nil {
		return domain.Principal{}, false, err
	}
	if !ok {
		return domain.Principal{}, false, nil
	}
	p, _, err := s.app.ResolvePrincipal(r.Context(), userID)
	if errors.Is(err, app.ErrUnauthorized) {
		return domain.Principal{}, false, nil
	}
	if err != nil {
		return domain.Principal{}, false, err
	}
	return p, true, nil
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, userID string) error {
	token, err := s.sessions.NewSession(r.Context(), userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   util.IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// renderError shows a failed page load. Unauthorized sends the visitor to
// log in again.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, p *domain.Principal, err error) {
	kind := app.KindOf(err)
	if kind == app.KindUnauthorized {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	if kind == app.KindInternal {
		util.LoggerFromContext(r.Context()).Error("page_failed", "path", r.URL.Path, "err", err)
	}
	title := http.StatusText(statusFor(kind))
	s.render(w, r, statusFor(kind), "error", title, p, map[string]string{"Message": app.Message(err)})
}

// fail reports a rejected form action with a flash message and sends the
// browser back to a page that can show it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, p domain.Principal, err error, back string) {
	switch app.KindOf(err) {
	case app.KindUnauthorized:
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	case app.KindInternal:
		s.renderError(w, r, &p, err)
	default:
		s.setFlash(w, r, "error", app.Message(err))
		http.Redirect(w, r, back, http.StatusSeeOther)
	}
}

func (s *Server) succeed(w http.ResponseWriter, r *http.Request, message, next string) {
	s.setFlash(w, r, "success", message)
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/books"
	}
	return next
}

// auth pages

type loginView struct {
	Username string
	Next     string
	Error    string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok, _ := s.webPrincipal(r); ok {
		http.Redirect(w, r, "/books", http.StatusSeeOther)
		return
	}
	s.render(w, r, http.StatusOK, "login", "Log in", nil, loginView{Next: r.URL.Query().Get("next")})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	view := loginView{Username: r.PostFormValue("username"), Next: r.PostFormValue("next")}
	if !s.allowRate(w, r, s.loginLimiter) {
		s.audit(r, "web.login", "rate_limited")
		view.Error = app.ErrRateLimited.Message
		s.render(w, r, http.StatusTooManyRequests, "login", "Log in", nil, view)
		return
	}
	user, err := s.app.Authenticate(r.Context(), view.Username, r.PostFormValue("password"))
	if err != nil {
		s.audit(r, "web.login", "fail", "kind", string(app.KindOf(err)))
		if app.KindOf(err) == app.KindInternal {
			s.renderError(w, r, nil, err)
			return
		}
		view.Error = app.Message(err)
		s.render(w, r, statusFor(app.KindOf(err)), "login", "Log in", nil, view)
		return
	}
	if err := s.startSession(w, r, user.ID); err != nil {
		s.renderError(w, r, nil, err)
		return
	}
	s.audit(r, "web.login", "success", "user_id", user.ID)
	s.succeed(w, r, "Welcome, "+user.Username+".", safeNext(view.Next))
}

type registerView struct {
	Username string
	Email    string
	Error    string
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "register", "Register", nil, registerView{})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	in := app.RegisterInput{
		Username:        r.PostFormValue("username"),
		Email:           r.PostFormValue("email"),
		Password:        r.PostFormValue("password1"),
		PasswordConfirm: r.PostFormValue("password2"),
	}
	view := registerView{Username: in.Username, Email: in.Email}
	if !s.allowRate(w, r, s.signupLimiter) {
		s.audit(r, "web.register", "rate_limited")
		view.Error = app.ErrRateLimited.Message
		s.render(w, r, http.StatusTooManyRequests, "register", "Register", nil, view)
		return
	}
	user, err := s.app.Register(r.Context(), in)
	if err != nil {
		s.audit(r, "web.register", "fail", "kind", string(app.KindOf(err)))
		if app.KindOf(err) == app.KindInternal {
			s.renderError(w, r, nil, err)
			return
		}
		view.Error = app.Message(err)
		s.render(w, r, statusFor(app.KindOf(err)), "register", "Register", nil, view)
		return
	}
	if err := s.startSession(w, r, user.ID); err != nil {
		s.renderError(w, r, nil, err)
		return
	}
	s.audit(r, "web.register", "success", "user_id", user.ID)
	s.succeed(w, r, "Your account has been created.", "/books")
}

type confirmView struct {
	Prompt string
	Action string
	Button string
	Cancel string
}

func (s *Server) handleLogoutPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	s.render(w, r, http.StatusOK, "confirm", "Log out", &p, confirmView{
		Prompt: "Do you want to log out?",
		Action: "/logout",
		Button: "Log out",
		Cancel: "/books",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if err := s.sessions.DeleteSession(r.Context(), c.Value); err != nil {
			util.LoggerFromContext(r.Context()).Warn("delete session failed", "err", err)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	s.audit(r, "web.logout", "success", "user_id", p.UserID)
	s.succeed(w, r, "You have been logged out.", "/login")
}

// catalog pages

type booksView struct {
	Query string
	Books []domain.Book
}

func (s *Server) handleBooksPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	query := r.URL.Query().Get("q")
	books, err := s.app.ListBooks(r.Context(), p, query)
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "books", "Books", &p, booksView{Query: query, Books: books})
}

type bookView struct {
	Book    app.BookDetail
	Holding bool
}

func (s *Server) handleBookPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	detail, err := s.app.GetBook(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	view := bookView{Book: detail}
	if policy.Allowed(p, policy.BorrowReturn) {
		borrowed, err := s.app.ListBorrowed(r.Context(), p, p.UserID)
		if err != nil {
			s.renderError(w, r, &p, err)
			return
		}
		for _, b := range borrowed {
			if b.ID == detail.ID {
				view.Holding = true
				break
			}
		}
	}
	s.render(w, r, http.StatusOK, "book", detail.Title, &p, view)
}

type bookForm struct {
	Title           string
	Author          string
	PublicationYear string
	Stock           string
}

type bookFormView struct {
	Action string
	Form   bookForm
	Error  string
}

func formOf(b domain.Book) bookForm {
	return bookForm{
		Title:           b.Title,
		Author:          b.Author,
		PublicationYear: strconv.Itoa(b.PublicationYear),
		Stock:           strconv.Itoa(b.Stock),
	}
}

// parseBookForm reads the book form. Title and author are always sent;
// blank numbers are treated as absent.
func parseBookForm(r *http.Request) (bookForm, app.BookInput, error) {
	form := bookForm{
		Title:           r.PostFormValue("title"),
		Author:          r.PostFormValue("author"),
		PublicationYear: strings.TrimSpace(r.PostFormValue("publication_year")),
		Stock:           strings.TrimSpace(r.PostFormValue("stock")),
	}
	in := app.BookInput{Title: &form.Title, Author: &form.Author}
	if form.PublicationYear != "" {
		year, err := strconv.Atoi(form.PublicationYear)
		if err != nil {
			return form, in, &app.Error{Kind: app.KindInvalidInput, Message: "publication year must be a whole number"}
		}
		in.PublicationYear = &year
	}
	if form.Stock != "" {
		stock, err := strconv.Atoi(form.Stock)
		if err != nil {
			return form, in, &app.Error{Kind: app.KindInvalidInput, Message: "stock must be a whole number"}
		}
		in.Stock = &stock
	}
	return form, in, nil
}

func (s *Server) handleNewBookPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if !policy.Allowed(p, policy.ManageBooks) {
		s.renderError(w, r, &p, app.ErrForbidden)
		return
	}
	s.render(w, r, http.StatusOK, "book_form", "Add book", &p, bookFormView{Action: "/books/new", Form: bookForm{Stock: "0"}})
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	form, in, err := parseBookForm(r)
	if err == nil {
		var book domain.Book
		if book, err = s.app.CreateBook(r.Context(), p, in); err == nil {
			s.succeed(w, r, "Book \""+book.Title+"\" added.", bookPath(book.ID))
			return
		}
	}
	s.formError(w, r, p, "Add book", bookFormView{Action: "/books/new", Form: form}, err)
}

func (s *Server) formError(w http.ResponseWriter, r *http.Request, p domain.Principal, title string, view bookFormView, err error) {
	switch app.KindOf(err) {
	case app.KindMissingParameter, app.KindInvalidInput:
		view.Error = app.Message(err)
		s.render(w, r, http.StatusBadRequest, "book_form", title, &p, view)
	default:
		s.renderError(w, r, &p, err)
	}
}

func (s *Server) handleEditBookPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if !policy.Allowed(p, policy.ManageBooks) {
		s.renderError(w, r, &p, app.ErrForbidden)
		return
	}
	detail, err := s.app.GetBook(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "book_form", "Edit book", &p, bookFormView{
		Action: bookPath(detail.ID) + "/edit",
		Form:   formOf(detail.Book),
	})
}

func (s *Server) handleEditBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	form, in, err := parseBookForm(r)
	if err == nil && in.PublicationYear == nil {
		err = &app.Error{Kind: app.KindMissingParameter, Message: "publication year is required"}
	}
	if err == nil {
		var book domain.Book
		if book, err = s.app.UpdateBook(r.Context(), p, id, in); err == nil {
			s.succeed(w, r, "Book \""+book.Title+"\" updated.", bookPath(book.ID))
			return
		}
	}
	s.formError(w, r, p, "Edit book", bookFormView{Action: bookPath(id) + "/edit", Form: form}, err)
}

func (s *Server) handleDeleteBookPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if !policy.Allowed(p, policy.ManageBooks) {
		s.renderError(w, r, &p, app.ErrForbidden)
		return
	}
	detail, err := s.app.GetBook(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "confirm", "Delete book", &p, confirmView{
		Prompt: "Delete \"" + detail.Title + "\" permanently?",
		Action: bookPath(detail.ID) + "/delete",
		Button: "Delete",
		Cancel: bookPath(detail.ID),
	})
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	if err := s.app.DeleteBook(r.Context(), p, id); err != nil {
		back := bookPath(id)
		if app.KindOf(err) == app.KindNotFound {
			back = "/books"
		}
		s.fail(w, r, p, err, back)
		return
	}
	s.succeed(w, r, "Book deleted.", "/books")
}

func bookPath(id string) string {
	return "/books/" + url.PathEscape(id)
}

// loans

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	_, book, err := s.app.BorrowBook(r.Context(), p, id)
	if err != nil {
		s.fail(w, r, p, err, bookPath(id))
		return
	}
	s.succeed(w, r, "You borrowed \""+book.Title+"\".", "/my-loans")
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	book, err := s.app.ReturnBook(r.Context(), p, id)
	if err != nil {
		s.fail(w, r, p, err, "/my-loans")
		return
	}
	s.succeed(w, r, "You returned \""+book.Title+"\".", "/my-loans")
}

func (s *Server) handleMyLoansPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	books, err := s.app.ListBorrowed(r.Context(), p, p.UserID)
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "my_loans", "My books", &p, booksView{Books: books})
}

type historyView struct {
	app.LoanHistory
	ShowUser bool
}

func (s *Server) handleMyHistoryPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	history, err := s.app.UserLoans(r.Context(), p, p.UserID)
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "history", "My loan history", &p, historyView{LoanHistory: history})
}

func (s *Server) handleAllLoansPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	history, err := s.app.AllLoans(r.Context(), p)
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "history", "Loan history", &p, historyView{LoanHistory: history, ShowUser: true})
}

// admin

func (s *Server) handleUsersPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	users, err := s.app.ListUsers(r.Context(), p)
	if err != nil {
		s.renderError(w, r, &p, err)
		return
	}
	s.render(w, r, http.StatusOK, "users", "Users", &p, map[string]any{"Users": users})
}

func (s *Server) handleUsersAction(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	userID := r.PostFormValue("user_id")
	if strings.TrimSpace(userID) == "" {
		s.fail(w, r, p, &app.Error{Kind: app.KindMissingParameter, Message: "user_id is required"}, "/admin/users")
		return
	}
	switch r.PostFormValue("action") {
	case "set_role":
		role, err := domain.ParseUserRole(r.PostFormValue("role"))
		if err != nil {
			s.fail(w, r, p, &app.Error{Kind: app.KindInvalidInput, Message: "invalid role"}, "/admin/users")
			return
		}
		user, err := s.app.SetUserRole(r.Context(), p, userID, role)
		if err != nil {
			s.audit(r, "web.admin.set_role", "fail", "user_id", p.UserID, "kind", string(app.KindOf(err)))
			s.fail(w, r, p, err, "/admin/users")
			return
		}
		s.audit(r, "web.admin.set_role", "success", "user_id", p.UserID, "target_user_id", userID)
		s.succeed(w, r, user.Username+" is now "+role.String()+".", "/admin/users")
	case "delete":
		s.deleteUser(w, r, p, userID)
	default:
		s.fail(w, r, p, &app.Error{Kind: app.KindInvalidInput, Message: "unknown action"}, "/admin/users")
	}
}

func (s *Server) handleDeleteUserPage(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id := r.PathValue("id")
	if err := policy.AuthorizeUserAction(p, id, policy.ManageUsers); err != nil {
		var denied *policy.DeniedError
		if errors.As(err, &denied) && denied.Reason == policy.SelfAction {
			s.fail(w, r, p, app.ErrSelfActionForbidden, "/admin/users")
			return
		}
		s.renderError(w, r, &p, app.ErrForbidden)
		return
	}
	user, err := s.app.GetUser(r.Context(), p, id)
	if err != nil {
		s.fail(w, r, p, err, "/admin/users")
		return
	}
	s.render(w, r, http.StatusOK, "confirm", "Delete user", &p, confirmView{
		Prompt: "Delete the account " + user.Username + " permanently?",
		Action: "/users/" + user.ID + "/delete",
		Button: "Delete",
		Cancel: "/admin/users",
	})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	s.deleteUser(w, r, p, r.PathValue("id"))
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request, p domain.Principal, userID string) {
	if err := s.app.DeleteUser(r.Context(), p, userID); err != nil {
		s.audit(r, "web.admin.delete_user", "fail", "user_id", p.UserID, "kind", string(app.KindOf(err)))
		s.fail(w, r, p, err, "/admin/users")
		return
	}
	s.audit(r, "web.admin.delete_user", "success", "user_id", p.UserID, "target_user_id", userID)
	s.succeed(w, r, "User deleted.", "/admin/users")
}
