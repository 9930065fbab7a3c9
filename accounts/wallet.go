package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/idgen"
)

// Transaction is one wallet movement. Amount is negative for charges.
type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	JobID        string    `json:"job_id,omitempty"`
	Amount       float64   `json:"amount"`
	Tokens       int       `json:"tokens,omitempty"`
	PriceAtTime  float64   `json:"token_price_at_transaction"`
	BalanceAfter float64   `json:"balance_after"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

// CheckReserve fails with ErrInsufficientBalance when the balance of userID
// cannot cover tokens at the current price.
func (s *Store) CheckReserve(ctx context.Context, userID string, tokens int) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	need := float64(tokens) * u.TokenPrice
	if u.Balance < need {
		return fmt.Errorf("%w: balance %.2f, reserve %.2f", ErrInsufficientBalance, u.Balance, need)
	}
	return nil
}

// ChargeJobTx debits tokens × the user's current token price for jobID and
// records the matching transaction with that price. A job is charged at
// most once: a second charge fails with ErrAlreadyCharged.
func (s *Store) ChargeJobTx(ctx context.Context, tx *sql.Tx, userID, jobID string, tokens int, description string) (*Transaction, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: %d tokens", ErrInvalidAmount, tokens)
	}
	u, err := getUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	cost := float64(tokens) * u.TokenPrice
	if u.Balance < cost {
		return nil, fmt.Errorf("%w: balance %.2f, cost %.2f", ErrInsufficientBalance, u.Balance, cost)
	}
	t := &Transaction{
		ID:           idgen.Txn(),
		UserID:       userID,
		JobID:        jobID,
		Amount:       -cost,
		Tokens:       tokens,
		PriceAtTime:  u.TokenPrice,
		BalanceAfter: u.Balance - cost,
		Description:  description,
		CreatedAt:    s.now(),
	}
	if err := insertTxn(ctx, tx, t); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCharged, jobID)
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance - ? WHERE id = ?`, cost, userID); err != nil {
		return nil, fmt.Errorf("accounts: debit: %w", err)
	}
	return t, nil
}

// Adjust adds amount (negative to debit) to the balance of userID, as an
// operator correction. The balance may not go below zero.
func (s *Store) Adjust(ctx context.Context, userID string, amount float64, description string) (*Transaction, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	var t *Transaction
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		u, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.Balance+amount < 0 {
			return fmt.Errorf("%w: balance %.2f, adjustment %.2f", ErrInsufficientBalance, u.Balance, amount)
		}
		t = &Transaction{
			ID:           idgen.Txn(),
			UserID:       userID,
			Amount:       amount,
			PriceAtTime:  u.TokenPrice,
			BalanceAfter: u.Balance + amount,
			Description:  description,
			CreatedAt:    s.now(),
		}
		if err := insertTxn(ctx, tx, t); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id = ?`, amount, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("accounts: balance adjusted", "user_id", userID, "amount", amount, "balance", t.BalanceAfter)
	return t, nil
}

func insertTxn(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var job any
	if t.JobID != "" {
		job = t.JobID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, job_id, amount, tokens, token_price_at_transaction,
			balance_after, description, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, job, t.Amount, t.Tokens, t.PriceAtTime, t.BalanceAfter, t.Description, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("accounts: insert transaction: %w", err)
	}
	return nil
}

// Transactions lists the wallet history of userID, newest first.
func (s *Store) Transactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(job_id, ''), amount, tokens, COALESCE(token_price_at_transaction, 0),
			balance_after, description, created_at
		FROM transactions WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("accounts: list transactions: %w", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var created int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.JobID, &t.Amount, &t.Tokens, &t.PriceAtTime,
			&t.BalanceAfter, &t.Description, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// JobCharge returns the charge recorded for jobID, or nil when it was never
// charged.
func (s *Store) JobCharge(ctx context.Context, jobID string) (*Transaction, error) {
	var t Transaction
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, amount, tokens, COALESCE(token_price_at_transaction, 0),
			balance_after, description, created_at
		FROM transactions WHERE job_id = ? AND amount < 0`, jobID).
		Scan(&t.ID, &t.UserID, &t.JobID, &t.Amount, &t.Tokens, &t.PriceAtTime, &t.BalanceAfter, &t.Description, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(created)
	return &t, nil
}
