package server

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
)

type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func (h *harness) browser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &browser{t: t, base: h.srv.URL, client: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (b *browser) get(path string) (*http.Response, string) {
	b.t.Helper()
	resp, err := b.client.Get(b.base + path)
	if err != nil {
		b.t.Fatalf("GET %s: %v", path, err)
	}
	return resp, readBody(b.t, resp)
}

// post submits a form from this site unless origin overrides it.
func (b *browser) post(path string, form url.Values, origin string) (*http.Response, string) {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		b.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if origin == "" {
		origin = b.base
	}
	if origin != "-" {
		req.Header.Set("Origin", origin)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readBody(b.t, resp)
}

func (b *browser) login(username, password string) {
	b.t.Helper()
	resp, _ := b.post("/login", url.Values{"username": {username}, "password": {password}}, "")
	if resp.StatusCode != http.StatusSeeOther {
		b.t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(raw)
}

func TestWebRedirectsAnonymousToLogin(t *testing.T) {
	h := newHarness(t, 10)
	b := h.browser(t)

	resp, _ := b.get("/books")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/login?next=%2Fbooks" {
		t.Fatalf("Location = %q", loc)
	}

	resp, _ = b.get("/")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/books" {
		t.Fatalf("root redirect = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestWebLoginAndBrowse(t *testing.T) {
	h := newHarness(t, 10)
	admin := h.login(t, "superadmin", "admin1234")
	h.createBook(t, admin.Token, "The Left Hand of Darkness", 2)

	b := h.browser(t)
	resp, body := b.post("/login", url.Values{"username": {"superadmin"}, "password": {"nope"}}, "")
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, "incorrect username or password") {
		t.Fatalf("bad login = %d", resp.StatusCode)
	}

	resp, _ = b.post("/login", url.Values{
		"username": {"SuperAdmin"},
		"password": {"admin1234"},
		"next":     {"//evil.example/"},
	}, "")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/books" {
		t.Fatalf("login = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, body = b.get("/books?q=darkness")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("books page: status %d", resp.StatusCode)
	}
	if !strings.Contains(body, "The Left Hand of Darkness") || !strings.Contains(body, "Welcome, SuperAdmin.") {
		t.Fatalf("books page missing content:\n%s", body)
	}
	_, body = b.get("/books")
	if strings.Contains(body, "Welcome") {
		t.Fatalf("flash message should be cleared after display")
	}
}

func TestWebBorrowAndReturn(t *testing.T) {
	h := newHarness(t, 10)
	admin := h.login(t, "superadmin", "admin1234")
	book := h.createBook(t, admin.Token, "Kindred", 1)

	b := h.browser(t)
	resp, _ := b.post("/register", url.Values{
		"username":  {"alice"},
		"email":     {"alice@example.com"},
		"password1": {"pass1"},
		"password2": {"pass1"},
	}, "")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("register: status %d", resp.StatusCode)
	}

	resp, _ = b.post("/books/"+book.ID+"/borrow", nil, "-")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("borrow without origin: status %d, want 403", resp.StatusCode)
	}
	resp, _ = b.post("/books/"+book.ID+"/borrow", nil, "https://evil.example")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("borrow with foreign origin: status %d, want 403", resp.StatusCode)
	}

	resp, _ = b.post("/books/"+book.ID+"/borrow", nil, "")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/my-loans" {
		t.Fatalf("borrow = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	_, body := b.get("/my-loans")
	if !strings.Contains(body, "Kindred") || !strings.Contains(body, "You borrowed") {
		t.Fatalf("my-loans page missing loan:\n%s", body)
	}

	resp, _ = b.post("/books/"+book.ID+"/borrow", nil, "")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/books/"+book.ID {
		t.Fatalf("second borrow = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	_, body = b.get("/books/" + book.ID)
	if !strings.Contains(body, "no copies available") || !strings.Contains(body, "Return") {
		t.Fatalf("book page should show the out-of-stock flash and a return button:\n%s", body)
	}

	resp, _ = b.post("/books/"+book.ID+"/return", nil, "")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("return: status %d", resp.StatusCode)
	}
	_, body = b.get("/my-history")
	if !strings.Contains(body, "Returned: 1") || !strings.Contains(body, "Active: 0") {
		t.Fatalf("history page missing counters:\n%s", body)
	}
}

func TestWebAdminPages(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.register(t, "alice")

	regular := h.browser(t)
	regular.login("alice", "secret1")
	resp, _ := regular.get("/admin/users")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("regular user on admin page: status %d", resp.StatusCode)
	}
	resp, _ = regular.get("/books/new")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("regular user on new book page: status %d", resp.StatusCode)
	}

	admin := h.browser(t)
	admin.login("superadmin", "admin1234")
	resp, body := admin.get("/admin/users")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "alice@example.com") {
		t.Fatalf("users page = %d", resp.StatusCode)
	}

	resp, _ = admin.post("/admin/users", url.Values{"action": {"delete"}, "user_id": {h.admin.ID}}, "")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("self delete: status %d", resp.StatusCode)
	}
	_, body = admin.get("/admin/users")
	if !strings.Contains(body, "your own account") {
		t.Fatalf("expected self-action flash:\n%s", body)
	}

	resp, _ = admin.post("/books/new", url.Values{"title": {""}, "author": {"X"}, "publication_year": {"1999"}}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid book form: status %d", resp.StatusCode)
	}
	resp, _ = admin.post("/books/new", url.Values{"title": {"Dune"}, "author": {"Herbert"}, "publication_year": {"1965"}, "stock": {"3"}}, "")
	if resp.StatusCode != http.StatusSeeOther || !strings.HasPrefix(resp.Header.Get("Location"), "/books/") {
		t.Fatalf("create book = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = admin.post("/users/"+alice.User.ID+"/delete", nil, "")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("delete alice: status %d", resp.StatusCode)
	}
	// alice's session no longer resolves
	resp, _ = regular.get("/books")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("deleted user should be sent to login, got %d", resp.StatusCode)
	}
}

func TestWebLogout(t *testing.T) {
	h := newHarness(t, 10)
	h.register(t, "alice")
	b := h.browser(t)
	b.login("alice", "secret1")

	resp, body := b.get("/logout")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Do you want to log out?") {
		t.Fatalf("logout confirm = %d", resp.StatusCode)
	}
	resp, _ = b.post("/logout", nil, "")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("logout = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	resp, _ = b.get("/my-loans")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("after logout: status %d", resp.StatusCode)
	}
}

func TestBookPathEscapesID(t *testing.T) {
	cases := map[string]string{
		"3f1c":       "/books/3f1c",
		"a b":        "/books/a%20b",
		"../admin":   "/books/..%2Fadmin",
		"x?next=//e": "/books/x%3Fnext=%2F%2Fe",
	}
	for id, want := range cases {
		if got := bookPath(id); got != want {
			t.Fatalf("bookPath(%q) = %q, want %q", id, got, want)
		}
	}
}
