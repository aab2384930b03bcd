package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"shelfkeeper/pkg/domain"
)

const (
	migrateLockID int64 = 51731173
	maxTxAttempts       = 3
)

// GormStoreOptions tunes NewGormStore.
type GormStoreOptions struct {
	SlowQueryThreshold time.Duration
	MaxOpenConns       int
}

type GormStoreOption func(*GormStoreOptions)

// WithSlowQueryThreshold sets the duration above which queries are logged.
func WithSlowQueryThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SlowQueryThreshold = d
	}
}

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = n
	}
}

// GormStore implements Store using GORM. Postgres in production; any GORM
// dialector works for tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens Postgres at dsn and migrates the schema.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	return OpenGormStore(postgres.Open(dsn), options...)
}

// OpenGormStore opens the store on an arbitrary dialector and migrates the schema.
func OpenGormStore(dialector gorm.Dialector, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{SlowQueryThreshold: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		gormlogger.Config{
			SlowThreshold:             opts.SlowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &LoanModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_loan_models_open_pair
		ON loan_models (user_id, book_id)
		WHERE returned = false
	`).Error; err != nil {
		return fmt.Errorf("create open loan index: %w", err)
	}
	if err := tx.Exec(`
		UPDATE book_models SET title_key = LOWER(title), author_key = LOWER(author)
		WHERE title_key = '' AND title <> ''
	`).Error; err != nil {
		return fmt.Errorf("backfill book search keys: %w", err)
	}
	if !isPostgres(tx) {
		return nil
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'loan_models'
				AND constraint_name = 'loan_models_book_id_fkey'
			) THEN
				ALTER TABLE loan_models
				ADD CONSTRAINT loan_models_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE RESTRICT;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'loan_models'
				AND constraint_name = 'loan_models_user_id_fkey'
			) THEN
				ALTER TABLE loan_models
				ADD CONSTRAINT loan_models_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE RESTRICT;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure loan foreign keys: %w", err)
	}
	return nil
}

// withMigrationLock serializes concurrent migrations across instances with a
// Postgres advisory lock. Other dialects run fn directly.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if !isPostgres(db) {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateUser inserts a new user.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return getUser(s.db.WithContext(ctx), "id = ?", id)
}

// GetUserByUsername looks up a user ignoring case.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	return getUser(s.db.WithContext(ctx), "username_key = ?", usernameKey(username))
}

func getUser(db *gorm.DB, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUsers returns all users ordered by username.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("username_key ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "title_key", "author_key", "publication_year", "stock", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	return getBook(s.db.WithContext(ctx), id)
}

func getBook(db *gorm.DB, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchBooks lists books whose title or author contains query, ignoring
// case. An empty query lists everything. Results are ordered by the
// lowercased title in byte order, matching MemoryStore.
func (s *GormStore) SearchBooks(ctx context.Context, query string) ([]domain.Book, error) {
	tx := s.db.WithContext(ctx)
	if isPostgres(tx) {
		tx = tx.Order(`title_key COLLATE "C" ASC`)
	} else {
		tx = tx.Order("title_key ASC")
	}
	tx = tx.Order("id ASC")
	if query = strings.TrimSpace(query); query != "" {
		pattern := "%" + likeEscaper.Replace(searchKey(query)) + "%"
		tx = tx.Where(`title_key LIKE ? ESCAPE '\' OR author_key LIKE ? ESCAPE '\'`, pattern, pattern)
	}
	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// CountOpenLoansByBook counts unreturned loans of a book.
func (s *GormStore) CountOpenLoansByBook(ctx context.Context, bookID string) (int, error) {
	return countOpenLoans(s.db.WithContext(ctx), "book_id = ?", bookID)
}

func countOpenLoans(db *gorm.DB, query string, arg any) (int, error) {
	var count int64
	if err := db.Model(&LoanModel{}).Where(query, arg).Where("returned = ?", false).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListLoans returns every loan, most recent first.
func (s *GormStore) ListLoans(ctx context.Context) ([]domain.Loan, error) {
	return s.listLoans(ctx)
}

// ListLoansByUser returns a user's loans, most recent first.
func (s *GormStore) ListLoansByUser(ctx context.Context, userID string) ([]domain.Loan, error) {
	return s.listLoans(ctx, "loan_models.user_id = ?", userID)
}

func (s *GormStore) listLoans(ctx context.Context, conds ...any) ([]domain.Loan, error) {
	tx := s.db.WithContext(ctx).
		Table("loan_models").
		Select("loan_models.*, book_models.title AS book_title, user_models.username AS username").
		Joins("JOIN book_models ON book_models.id = loan_models.book_id").
		Joins("JOIN user_models ON user_models.id = loan_models.user_id").
		Order("loan_models.loaned_at DESC").
		Order("loan_models.id DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	var rows []loanRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Loan, 0, len(rows))
	for _, r := range rows {
		res = append(res, loanFromRow(r))
	}
	return res, nil
}

// ListBorrowedBooks returns the books a user currently holds.
func (s *GormStore) ListBorrowedBooks(ctx context.Context, userID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Joins("JOIN loan_models ON loan_models.book_id = book_models.id").
		Where("loan_models.user_id = ? AND loan_models.returned = ?", userID, false).
		Order("loan_models.loaned_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// Transact runs fn in a database transaction, retrying on Postgres
// serialization failures and deadlocks.
func (s *GormStore) Transact(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&gormTx{db: tx})
		})
		if err == nil || !retryable(err) {
			return err
		}
		slog.Default().WarnContext(ctx, "retrying transaction", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	default:
		return false
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GetBook(id string) (domain.Book, bool, error) {
	return getBook(t.db, id)
}

func (t *gormTx) LockBook(id string) (domain.Book, bool, error) {
	db := t.db
	if isPostgres(db) {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return getBook(db, id)
}

func (t *gormTx) LockUser(id string) (domain.User, bool, error) {
	db := t.db
	if isPostgres(db) {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return getUser(db, "id = ?", id)
}

func (t *gormTx) FindOpenLoan(userID, bookID string) (domain.Loan, bool, error) {
	var model LoanModel
	err := t.db.Where("user_id = ? AND book_id = ? AND returned = ?", userID, bookID, false).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

func (t *gormTx) CountOpenLoansByBook(bookID string) (int, error) {
	return countOpenLoans(t.db, "book_id = ?", bookID)
}

func (t *gormTx) CountOpenLoansByUser(userID string) (int, error) {
	return countOpenLoans(t.db, "user_id = ?", userID)
}

func (t *gormTx) DecrementStock(bookID string) (bool, error) {
	res := t.db.Model(&BookModel{}).
		Where("id = ? AND stock > 0", bookID).
		Updates(map[string]any{
			"stock":      gorm.Expr("stock - 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) IncrementStock(bookID string) error {
	res := t.db.Model(&BookModel{}).
		Where("id = ?", bookID).
		Updates(map[string]any{
			"stock":      gorm.Expr("stock + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) UpdateBook(b domain.Book) error {
	res := t.db.Model(&BookModel{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"title":            b.Title,
			"author":           b.Author,
			"title_key":        searchKey(b.Title),
			"author_key":       searchKey(b.Author),
			"publication_year": b.PublicationYear,
			"stock":            b.Stock,
			"updated_at":       b.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) CreateLoan(l domain.Loan) error {
	model := loanToModel(l)
	if err := t.db.Create(&model).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (t *gormTx) CloseLoan(loanID string, at time.Time) (bool, error) {
	at = at.UTC()
	res := t.db.Model(&LoanModel{}).
		Where("id = ? AND returned = ?", loanID, false).
		Updates(map[string]any{
			"returned":    true,
			"returned_at": &at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) SetUserRole(userID string, role domain.UserRole) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %d", role)
	}
	res := t.db.Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"role":       role.String(),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) DeleteBook(id string) error {
	if err := t.db.Where("book_id = ? AND returned = ?", id, true).Delete(&LoanModel{}).Error; err != nil {
		return err
	}
	res := t.db.Delete(&BookModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) DeleteUser(id string) error {
	if err := t.db.Where("user_id = ? AND returned = ?", id, true).Delete(&LoanModel{}).Error; err != nil {
		return err
	}
	res := t.db.Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
