package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/dastyar/idgen"
)

// APIKey describes an issued key. The secret itself is never stored.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Active      bool       `json:"active"`
	TotalCalls  int        `json:"total_calls"`
	TotalTokens int        `json:"total_tokens"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

var newSecret = idgen.NanoID(32)

// CreateKey issues a key for userID and returns it with the plaintext
// token, shown once. The token has the form "<key id>.<secret>".
func (s *Store) CreateKey(ctx context.Context, userID, name string) (*APIKey, string, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, "", err
	}
	secret := newSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("accounts: hash secret: %w", err)
	}
	k := &APIKey{ID: idgen.Key(), UserID: userID, Name: name, Active: true, CreatedAt: s.now()}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, secret_hash, created_at) VALUES (?,?,?,?,?)`,
		k.ID, userID, name, string(hash), k.CreatedAt.UnixMilli())
	if err != nil {
		return nil, "", fmt.Errorf("accounts: insert key: %w", err)
	}
	return k, k.ID + "." + secret, nil
}

// Authenticate resolves a token to its active owner and counts the call.
func (s *Store) Authenticate(ctx context.Context, token string) (*User, *APIKey, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || idgen.Validate("key_", keyID) != nil || secret == "" {
		return nil, nil, ErrInvalidKey
	}
	var userID, hash string
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, secret_hash, active FROM api_keys WHERE id = ?`, keyID).
		Scan(&userID, &hash, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrInvalidKey
	}
	if err != nil {
		return nil, nil, err
	}
	if !active || bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, nil, ErrInvalidKey
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !u.Active {
		return nil, nil, ErrUserInactive
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET total_calls = total_calls + 1, last_used_at = ? WHERE id = ?`,
		s.now().UnixMilli(), keyID); err != nil {
		s.logger.Warn("accounts: key usage update failed", "key_id", keyID, "error", err)
	}
	k, err := s.getKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	return u, k, nil
}

// AddKeyTokens adds tokens to the usage counter of keyID.
func (s *Store) AddKeyTokens(ctx context.Context, keyID string, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET total_tokens = total_tokens + ? WHERE id = ?`, tokens, keyID)
	return err
}

// RevokeKey deactivates keyID. Only its owner may revoke it.
func (s *Store) RevokeKey(ctx context.Context, userID, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = 0 WHERE id = ? AND user_id = ?`, keyID, userID)
	if err != nil {
		return fmt.Errorf("accounts: revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidKey
	}
	return nil
}

// Keys lists the keys of userID.
func (s *Store) Keys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

const keyColumns = `id, user_id, name, active, total_calls, total_tokens, created_at, last_used_at`

func (s *Store) getKey(ctx context.Context, id string) (*APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	return k, err
}

func scanKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var created int64
	var used sql.NullInt64
	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Active, &k.TotalCalls, &k.TotalTokens, &created, &used); err != nil {
		return nil, err
	}
	k.CreatedAt = time.UnixMilli(created)
	if used.Valid {
		t := time.UnixMilli(used.Int64)
		k.LastUsedAt = &t
	}
	return &k, nil
}
