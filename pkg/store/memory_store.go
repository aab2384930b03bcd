package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"shelfkeeper/pkg/domain"
)

// MemoryStore keeps everything in-process. Transactions are serialized by
// a single mutex and applied copy-on-commit, so a failed transaction leaves
// no trace. Suitable for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	users     map[string]domain.User
	usernames map[string]string // username key -> user ID
	emails    map[string]string // email -> user ID
	books     map[string]domain.Book
	loans     map[string]domain.Loan
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		users:     make(map[string]domain.User),
		usernames: make(map[string]string),
		emails:    make(map[string]string),
		books:     make(map[string]domain.Book),
		loans:     make(map[string]domain.Loan),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		users:     maps.Clone(s.users),
		usernames: maps.Clone(s.usernames),
		emails:    maps.Clone(s.emails),
		books:     maps.Clone(s.books),
		loans:     maps.Clone(s.loans),
	}
}

func (m *MemoryStore) read() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CreateUser inserts a user, rejecting taken usernames and emails.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usernameKey(u.Username)
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, ok := m.state.users[u.ID]; ok {
		return fmt.Errorf("%w: user id %s", ErrDuplicate, u.ID)
	}
	if _, ok := m.state.usernames[key]; ok {
		return fmt.Errorf("%w: username %s", ErrDuplicate, key)
	}
	if _, ok := m.state.emails[email]; ok {
		return fmt.Errorf("%w: email %s", ErrDuplicate, email)
	}
	next := m.state.clone()
	u.Email = email
	next.users[u.ID] = u
	next.usernames[key] = u.ID
	next.emails[email] = u.ID
	m.state = next
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	u, ok := m.read().users[id]
	return u, ok, nil
}

// GetUserByUsername looks up a user ignoring case.
func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	st := m.read()
	id, ok := st.usernames[usernameKey(username)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := st.users[id]
	return u, ok, nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	_, ok := m.read().emails[strings.ToLower(strings.TrimSpace(email))]
	return ok, nil
}

// ListUsers returns all users ordered by username.
func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	users := slices.Collect(maps.Values(m.read().users))
	slices.SortFunc(users, func(a, b domain.User) int {
		return strings.Compare(usernameKey(a.Username), usernameKey(b.Username))
	})
	return users, nil
}

// SaveBook stores or updates a book.
func (m *MemoryStore) SaveBook(_ context.Context, b domain.Book) error {
	if b.Stock < 0 {
		return fmt.Errorf("book %s: negative stock", b.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if prev, ok := next.books[b.ID]; ok {
		b.CreatedAt = prev.CreatedAt
	}
	next.books[b.ID] = b
	m.state = next
	return nil
}

// GetBook retrieves a book.
func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	b, ok := m.read().books[id]
	return b, ok, nil
}

// SearchBooks lists books whose title or author contains query, ignoring case.
func (m *MemoryStore) SearchBooks(_ context.Context, query string) ([]domain.Book, error) {
	query = searchKey(strings.TrimSpace(query))
	res := make([]domain.Book, 0)
	for _, b := range m.read().books {
		if query == "" ||
			strings.Contains(searchKey(b.Title), query) ||
			strings.Contains(searchKey(b.Author), query) {
			res = append(res, b)
		}
	}
	slices.SortFunc(res, func(a, b domain.Book) int {
		if c := strings.Compare(searchKey(a.Title), searchKey(b.Title)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return res, nil
}

// CountOpenLoansByBook counts unreturned loans of a book.
func (m *MemoryStore) CountOpenLoansByBook(_ context.Context, bookID string) (int, error) {
	return m.read().countOpen(func(l domain.Loan) bool { return l.BookID == bookID }), nil
}

func (s *memState) countOpen(match func(domain.Loan) bool) int {
	n := 0
	for _, l := range s.loans {
		if !l.Returned && match(l) {
			n++
		}
	}
	return n
}

// ListLoans returns every loan, most recent first.
func (m *MemoryStore) ListLoans(_ context.Context) ([]domain.Loan, error) {
	return m.read().history(func(domain.Loan) bool { return true }), nil
}

// ListLoansByUser returns a user's loans, most recent first.
func (m *MemoryStore) ListLoansByUser(_ context.Context, userID string) ([]domain.Loan, error) {
	return m.read().history(func(l domain.Loan) bool { return l.UserID == userID }), nil
}

func (s *memState) history(match func(domain.Loan) bool) []domain.Loan {
	res := make([]domain.Loan, 0)
	for _, l := range s.loans {
		if !match(l) {
			continue
		}
		l.BookTitle = s.books[l.BookID].Title
		l.Username = s.users[l.UserID].Username
		res = append(res, l)
	}
	slices.SortFunc(res, func(a, b domain.Loan) int {
		if c := b.LoanedAt.Compare(a.LoanedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return res
}

// ListBorrowedBooks returns the books a user currently holds.
func (m *MemoryStore) ListBorrowedBooks(_ context.Context, userID string) ([]domain.Book, error) {
	st := m.read()
	loans := st.history(func(l domain.Loan) bool { return l.UserID == userID && !l.Returned })
	res := make([]domain.Book, 0, len(loans))
	for _, l := range loans {
		if b, ok := st.books[l.BookID]; ok {
			res = append(res, b)
		}
	}
	return res, nil
}

// Transact runs fn against a private copy and publishes it only on success.
func (m *MemoryStore) Transact(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) GetBook(id string) (domain.Book, bool, error) {
	b, ok := t.st.books[id]
	return b, ok, nil
}

// LockBook needs no extra locking: Transact already holds the store mutex.
func (t *memTx) LockBook(id string) (domain.Book, bool, error) {
	return t.GetBook(id)
}

func (t *memTx) LockUser(id string) (domain.User, bool, error) {
	u, ok := t.st.users[id]
	return u, ok, nil
}

func (t *memTx) FindOpenLoan(userID, bookID string) (domain.Loan, bool, error) {
	for _, l := range t.st.loans {
		if !l.Returned && l.UserID == userID && l.BookID == bookID {
			return l, true, nil
		}
	}
	return domain.Loan{}, false, nil
}

func (t *memTx) CountOpenLoansByBook(bookID string) (int, error) {
	return t.st.countOpen(func(l domain.Loan) bool { return l.BookID == bookID }), nil
}

func (t *memTx) CountOpenLoansByUser(userID string) (int, error) {
	return t.st.countOpen(func(l domain.Loan) bool { return l.UserID == userID }), nil
}

func (t *memTx) DecrementStock(bookID string) (bool, error) {
	b, ok := t.st.books[bookID]
	if !ok || b.Stock <= 0 {
		return false, nil
	}
	b.Stock--
	b.UpdatedAt = time.Now().UTC()
	t.st.books[bookID] = b
	return true, nil
}

func (t *memTx) IncrementStock(bookID string) error {
	b, ok := t.st.books[bookID]
	if !ok {
		return ErrNotFound
	}
	b.Stock++
	b.UpdatedAt = time.Now().UTC()
	t.st.books[bookID] = b
	return nil
}

func (t *memTx) UpdateBook(b domain.Book) error {
	prev, ok := t.st.books[b.ID]
	if !ok {
		return ErrNotFound
	}
	if b.Stock < 0 {
		return fmt.Errorf("book %s: negative stock", b.ID)
	}
	b.CreatedAt = prev.CreatedAt
	t.st.books[b.ID] = b
	return nil
}

func (t *memTx) CreateLoan(l domain.Loan) error {
	if _, ok := t.st.loans[l.ID]; ok {
		return fmt.Errorf("%w: loan id %s", ErrDuplicate, l.ID)
	}
	if !l.Returned {
		if _, open, _ := t.FindOpenLoan(l.UserID, l.BookID); open {
			return fmt.Errorf("%w: open loan for user %s book %s", ErrDuplicate, l.UserID, l.BookID)
		}
	}
	t.st.loans[l.ID] = l
	return nil
}

func (t *memTx) CloseLoan(loanID string, at time.Time) (bool, error) {
	l, ok := t.st.loans[loanID]
	if !ok || l.Returned {
		return false, nil
	}
	at = at.UTC()
	l.Returned = true
	l.ReturnedAt = &at
	t.st.loans[loanID] = l
	return true, nil
}

func (t *memTx) SetUserRole(userID string, role domain.UserRole) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %d", role)
	}
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) DeleteBook(id string) error {
	if _, ok := t.st.books[id]; !ok {
		return ErrNotFound
	}
	for loanID, l := range t.st.loans {
		if l.BookID == id && l.Returned {
			delete(t.st.loans, loanID)
		}
	}
	delete(t.st.books, id)
	return nil
}

func (t *memTx) DeleteUser(id string) error {
	u, ok := t.st.users[id]
	if !ok {
		return ErrNotFound
	}
	for loanID, l := range t.st.loans {
		if l.UserID == id && l.Returned {
			delete(t.st.loans, loanID)
		}
	}
	delete(t.st.usernames, usernameKey(u.Username))
	delete(t.st.emails, u.Email)
	delete(t.st.users, id)
	return nil
}
