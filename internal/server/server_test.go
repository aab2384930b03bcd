package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"shelfkeeper/internal/app"
	"shelfkeeper/internal/testutil"
	"shelfkeeper/pkg/domain"
	"shelfkeeper/pkg/store"
)

type harness struct {
	srv   *httptest.Server
	app   *app.App
	admin domain.User
}

func newHarness(t *testing.T, loginLimit int) *harness {
	t.Helper()
	core, err := app.New(app.Config{Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	admin, _, err := core.EnsureAdmin(context.Background(), app.AdminSeed{Password: "admin1234"})
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	privatePath, publicPath := testutil.WriteRSAKeyPair(t, "api")
	tokens, err := store.NewJWTSessionStore(store.JWTConfig{
		PrivateKeyPath: privatePath,
		PublicKeyPath:  publicPath,
		KeyID:          "kid-test",
		TTL:            time.Hour,
	}, store.NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("new jwt store: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	srv, err := New(Config{
		App:                      core,
		Tokens:                   tokens,
		Sessions:                 store.NewRedisSessionStore(rdb, "", time.Hour),
		Redis:                    rdb,
		LoginRateLimitPerMinute:  loginLimit,
		SignupRateLimitPerMinute: 100,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{srv: ts, app: core, admin: admin}
}

// call performs a JSON request and decodes the response into out when set.
func (h *harness) call(t *testing.T, method, path, token string, body, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func (h *harness) login(t *testing.T, username, password string) authResponse {
	t.Helper()
	var out authResponse
	resp := h.call(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: username, Password: password}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	return out
}

func (h *harness) register(t *testing.T, username string) authResponse {
	t.Helper()
	var out authResponse
	resp := h.call(t, http.MethodPost, "/api/auth/register", "", app.RegisterInput{
		Username:        username,
		Email:           username + "@example.com",
		Password:        "secret1",
		PasswordConfirm: "secret1",
	}, &out)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	return out
}

func (h *harness) createBook(t *testing.T, token, title string, stock int) domain.Book {
	t.Helper()
	year := 2001
	var book domain.Book
	resp := h.call(t, http.MethodPost, "/api/books", token, app.BookInput{
		Title:           &title,
		Author:          &title,
		PublicationYear: &year,
		Stock:           &stock,
	}, &book)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create book: status %d", resp.StatusCode)
	}
	return book
}

func expectError(t *testing.T, resp *http.Response, body errorBody, status int, kind app.Kind) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (kind %s)", resp.StatusCode, status, body.Error.Kind)
	}
	if body.Error.Kind != kind {
		t.Fatalf("kind = %q, want %q", body.Error.Kind, kind)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 10)
	var out map[string]string
	resp := h.call(t, http.MethodGet, "/healthz", "", nil, &out)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	h := newHarness(t, 10)
	var body errorBody
	resp := h.call(t, http.MethodGet, "/api/books", "", nil, &body)
	expectError(t, resp, body, http.StatusUnauthorized, app.KindUnauthorized)
	if body.RequestID == "" || body.RequestID != resp.Header.Get("X-Request-Id") {
		t.Fatalf("error body should carry the request id, got %q", body.RequestID)
	}

	body = errorBody{}
	resp = h.call(t, http.MethodGet, "/api/books", "not-a-jwt", nil, &body)
	expectError(t, resp, body, http.StatusUnauthorized, app.KindUnauthorized)
}

func TestAPIBorrowReturnScenario(t *testing.T) {
	h := newHarness(t, 10)
	admin := h.login(t, "superadmin", "admin1234")
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	book := h.createBook(t, admin.Token, "Solaris", 1)

	var borrowed borrowResponse
	resp := h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{BookID: book.ID}, &borrowed)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("alice borrow: status %d", resp.StatusCode)
	}
	if borrowed.Book.Stock != 0 || borrowed.Loan.ID == "" {
		t.Fatalf("unexpected borrow result: %+v", borrowed)
	}

	var body errorBody
	resp = h.call(t, http.MethodPost, "/api/users/"+bob.User.ID+"/borrow", bob.Token, bookRequest{BookID: book.ID}, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindOutOfStock)

	var books struct {
		Items []domain.Book `json:"items"`
		Count int           `json:"count"`
	}
	resp = h.call(t, http.MethodGet, "/api/users/"+alice.User.ID+"/books", alice.Token, nil, &books)
	if resp.StatusCode != http.StatusOK || books.Count != 1 || books.Items[0].ID != book.ID {
		t.Fatalf("alice books = %d %+v", resp.StatusCode, books)
	}

	var returned struct {
		Book domain.Book `json:"book"`
	}
	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/return", alice.Token, bookRequest{BookID: book.ID}, &returned)
	if resp.StatusCode != http.StatusOK || returned.Book.Stock != 1 {
		t.Fatalf("alice return = %d %+v", resp.StatusCode, returned)
	}

	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/return", alice.Token, bookRequest{BookID: book.ID}, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindNoActiveLoan)

	resp = h.call(t, http.MethodPost, "/api/users/"+bob.User.ID+"/borrow", bob.Token, bookRequest{BookID: book.ID}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bob borrow after return: status %d", resp.StatusCode)
	}

	var history app.LoanHistory
	resp = h.call(t, http.MethodGet, "/api/loans", admin.Token, nil, &history)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("all loans: status %d", resp.StatusCode)
	}
	if history.Stats != (domain.LoanStats{Total: 2, Active: 1, Returned: 1}) {
		t.Fatalf("unexpected stats %+v", history.Stats)
	}

	body = errorBody{}
	resp = h.call(t, http.MethodGet, "/api/loans", alice.Token, nil, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindForbidden)
}

func TestAPIBorrowGuards(t *testing.T) {
	h := newHarness(t, 10)
	admin := h.login(t, "SuperAdmin", "admin1234")
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	book := h.createBook(t, admin.Token, "Ubik", 3)

	var body errorBody
	resp := h.call(t, http.MethodPost, "/api/users/"+admin.User.ID+"/borrow", admin.Token, bookRequest{BookID: book.ID}, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindRoleNotEligible)

	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/users/"+bob.User.ID+"/borrow", alice.Token, bookRequest{BookID: book.ID}, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindForbidden)

	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{}, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindMissingParameter)

	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{BookID: "nope"}, &body)
	expectError(t, resp, body, http.StatusNotFound, app.KindNotFound)

	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{BookID: book.ID}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("borrow: status %d", resp.StatusCode)
	}
	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{BookID: book.ID}, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindDuplicateLoan)

	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/books", alice.Token, app.BookInput{}, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindForbidden)
}

func TestAPIAdminUserManagement(t *testing.T) {
	h := newHarness(t, 10)
	admin := h.login(t, "superadmin", "admin1234")
	alice := h.register(t, "alice")
	book := h.createBook(t, admin.Token, "Kindred", 1)

	var body errorBody
	resp := h.call(t, http.MethodDelete, "/api/admin/users/"+admin.User.ID, admin.Token, nil, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindSelfActionForbidden)

	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{BookID: book.ID}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("borrow: status %d", resp.StatusCode)
	}
	body = errorBody{}
	resp = h.call(t, http.MethodDelete, "/api/admin/users/"+alice.User.ID, admin.Token, nil, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindHasActiveLoans)

	body = errorBody{}
	resp = h.call(t, http.MethodDelete, "/api/books/"+book.ID, admin.Token, nil, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindHasActiveLoans)

	body = errorBody{}
	resp = h.call(t, http.MethodPatch, "/api/admin/users/"+alice.User.ID, admin.Token, setRoleRequest{Role: "wizard"}, &body)
	expectError(t, resp, body, http.StatusBadRequest, app.KindInvalidInput)

	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/return", alice.Token, bookRequest{BookID: book.ID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return: status %d", resp.StatusCode)
	}

	var updated domain.User
	resp = h.call(t, http.MethodPatch, "/api/admin/users/"+alice.User.ID, admin.Token, setRoleRequest{Role: "admin"}, &updated)
	if resp.StatusCode != http.StatusOK || updated.Role != domain.RoleAdmin {
		t.Fatalf("set role = %d %+v", resp.StatusCode, updated)
	}
	// the new role applies to alice's existing token
	body = errorBody{}
	resp = h.call(t, http.MethodPost, "/api/users/"+alice.User.ID+"/borrow", alice.Token, bookRequest{BookID: book.ID}, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindRoleNotEligible)

	resp = h.call(t, http.MethodDelete, "/api/admin/users/"+alice.User.ID, admin.Token, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete user: status %d", resp.StatusCode)
	}
	body = errorBody{}
	resp = h.call(t, http.MethodGet, "/api/auth/me", alice.Token, nil, &body)
	expectError(t, resp, body, http.StatusUnauthorized, app.KindUnauthorized)
}

func TestAPIUserVisibility(t *testing.T) {
	h := newHarness(t, 10)
	admin := h.login(t, "superadmin", "admin1234")
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")

	var body errorBody
	resp := h.call(t, http.MethodGet, "/api/users/"+bob.User.ID+"/loans", alice.Token, nil, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindForbidden)

	var user userResponse
	resp = h.call(t, http.MethodGet, "/api/users/"+alice.User.ID, admin.Token, nil, &user)
	if resp.StatusCode != http.StatusOK || user.Username != "alice" || user.Borrowed == nil {
		t.Fatalf("get user = %d %+v", resp.StatusCode, user)
	}

	body = errorBody{}
	resp = h.call(t, http.MethodGet, "/api/users", alice.Token, nil, &body)
	expectError(t, resp, body, http.StatusForbidden, app.KindForbidden)
}

func TestAPIRegisterConflict(t *testing.T) {
	h := newHarness(t, 10)
	h.register(t, "alice")
	var body errorBody
	resp := h.call(t, http.MethodPost, "/api/auth/register", "", app.RegisterInput{
		Username: "ALICE", Email: "other@example.com", Password: "secret1", PasswordConfirm: "secret1",
	}, &body)
	expectError(t, resp, body, http.StatusConflict, app.KindConflict)
}

func TestAPILogoutRevokesToken(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.register(t, "alice")

	resp := h.call(t, http.MethodGet, "/api/auth/me", alice.Token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	resp = h.call(t, http.MethodPost, "/api/auth/logout", alice.Token, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	var body errorBody
	resp = h.call(t, http.MethodGet, "/api/auth/me", alice.Token, nil, &body)
	expectError(t, resp, body, http.StatusUnauthorized, app.KindUnauthorized)
}

func TestAPILoginRateLimit(t *testing.T) {
	h := newHarness(t, 1)
	h.login(t, "superadmin", "admin1234")

	var body errorBody
	resp := h.call(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "superadmin", Password: "admin1234"}, &body)
	expectError(t, resp, body, http.StatusTooManyRequests, app.KindRateLimited)
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", resp.Header.Get("Retry-After"))
	}
}

func TestAPILoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, 10)
	var body errorBody
	resp := h.call(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "superadmin", Password: "wrong"}, &body)
	expectError(t, resp, body, http.StatusUnauthorized, app.KindUnauthorized)
	if body.Error.Message != app.ErrInvalidCredentials.Message {
		t.Fatalf("message = %q", body.Error.Message)
	}
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	h := newHarness(t, 10)
	var out struct {
		Keys []store.JWK `json:"keys"`
	}
	resp := h.call(t, http.MethodGet, "/api/auth/jwks", "", nil, &out)
	if resp.StatusCode != http.StatusOK || len(out.Keys) == 0 || out.Keys[0].Kid != "kid-test" {
		t.Fatalf("jwks = %d %+v", resp.StatusCode, out)
	}
}

func TestNewRequiresRedisRateLimiter(t *testing.T) {
	core, err := app.New(app.Config{Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	_, err = New(Config{App: core, Tokens: store.NewRedisSessionStore(nil, "", 0), Sessions: store.NewRedisSessionStore(nil, "", 0)})
	if err == nil {
		t.Fatalf("expected limiter initialization to fail without redis")
	}
}
