// Package accounts stores users, their daily submission quota, their
// token-priced wallet and their API keys.
//
// Quota and wallet mutations have Tx variants so that the job manager can
// fold them into its own transaction: a submission increments the counter
// in the same transaction that creates the job, and a charge lands in the
// same transaction that completes it.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/idgen"
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// User is an account.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	Role       string    `json:"role"`
	FileLimit  int       `json:"file_limit"`
	DailyCount int       `json:"daily_count"`
	LastDate   string    `json:"last_count_date,omitempty"` // YYYY-MM-DD in the store's timezone
	Balance    float64   `json:"balance"`
	TokenPrice float64   `json:"token_price"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsAdmin reports whether u has the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// Store is the accounts repository.
type Store struct {
	db     *sql.DB
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the timezone in which the daily quota rolls over.
func WithLocation(loc *time.Location) Option { return func(s *Store) { s.loc = loc } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New returns a Store on db. Call Init first.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, loc: time.UTC, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// NewUser holds the fields of a user to create. Zero FileLimit and
// TokenPrice take the schema defaults.
type NewUser struct {
	Username   string
	Email      string
	Role       string
	FileLimit  int
	TokenPrice float64
	Balance    float64
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	nu.Username = strings.TrimSpace(nu.Username)
	if nu.Username == "" {
		return nil, fmt.Errorf("accounts: username is required")
	}
	if nu.Role == "" {
		nu.Role = RoleCustomer
	}
	if nu.Role != RoleAdmin && nu.Role != RoleCustomer {
		return nil, fmt.Errorf("accounts: unknown role %q", nu.Role)
	}
	if nu.FileLimit <= 0 {
		nu.FileLimit = 5
	}
	if nu.TokenPrice <= 0 {
		nu.TokenPrice = 10
	}
	if nu.Balance < 0 {
		return nil, ErrInvalidAmount
	}

	id := idgen.User()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, role, file_limit, balance, token_price, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, nu.Username, nu.Email, nu.Role, nu.FileLimit, nu.Balance, nu.TokenPrice, s.now().UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, nu.Username)
		}
		return nil, fmt.Errorf("accounts: insert user: %w", err)
	}
	s.logger.Info("accounts: user created", "user_id", id, "username", nu.Username, "role", nu.Role)
	return s.GetUser(ctx, id)
}

const userColumns = `id, username, email, role, file_limit, daily_count, last_count_date,
	balance, token_price, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var created int64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.FileLimit, &u.DailyCount,
		&u.LastDate, &u.Balance, &u.TokenPrice, &u.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(created)
	return &u, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUser(ctx context.Context, q querier, id string) (*User, error) {
	return scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUser returns the user with id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return getUser(ctx, s.db, id)
}

// GetByUsername returns the user named username.
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// Users lists accounts by creation order.
func (s *Store) Users(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("accounts: list users: %w", err)
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetActive enables or disables a user. Disabled users cannot authenticate.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("accounts: set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetTokenPrice changes the price applied to future charges. Past
// transactions keep the price they were charged at.
func (s *Store) SetTokenPrice(ctx context.Context, id string, price float64) error {
	if price < 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET token_price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("accounts: set token price: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// today is the calendar date in the store's timezone.
func (s *Store) today() string {
	return s.now().In(s.loc).Format(time.DateOnly)
}

// ConsumeQuotaTx checks the daily limit of userID and counts one more
// submission. The counter restarts from zero on the first submission of a
// new calendar day.
func (s *Store) ConsumeQuotaTx(ctx context.Context, tx *sql.Tx, userID string) error {
	u, err := getUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !u.Active {
		return ErrUserInactive
	}
	today := s.today()
	count := u.DailyCount
	if u.LastDate != today {
		count = 0
	}
	if count >= u.FileLimit {
		return fmt.Errorf("%w: %d of %d used today", ErrQuotaExceeded, count, u.FileLimit)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET daily_count = ?, last_count_date = ? WHERE id = ?`,
		count+1, today, userID)
	if err != nil {
		return fmt.Errorf("accounts: update quota: %w", err)
	}
	return nil
}

// ConsumeQuota is ConsumeQuotaTx in its own transaction.
func (s *Store) ConsumeQuota(ctx context.Context, userID string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.ConsumeQuotaTx(ctx, tx, userID)
	})
}

// Remaining returns how many submissions userID has left today.
func (s *Store) Remaining(ctx context.Context, userID string) (int, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if u.LastDate != s.today() {
		return u.FileLimit, nil
	}
	return max(u.FileLimit-u.DailyCount, 0), nil
}
