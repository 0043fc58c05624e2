package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/infographic/internal/model"
)

type UserStore struct {
	db DBTX
}

func NewUserStore(db DBTX) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var verifiedAt sql.NullTime
	var customerID sql.NullString
	err := scanner.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &verifiedAt,
		&u.AvailableCredits, &customerID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		u.EmailVerifiedAt = &verifiedAt.Time
	}
	if customerID.Valid {
		u.StripeCustomerID = &customerID.String
	}
	return &u, nil
}

const userCols = `id, email, name, password_hash, email_verified_at, available_credits, stripe_customer_id, created_at, updated_at`

// Create inserts an unverified user with an initial free credit balance.
func (s *UserStore) Create(ctx context.Context, email, name, passwordHash string, credits int) (*model.User, error) {
	ts := now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, name, password_hash, available_credits, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		email, name, passwordHash, credits, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) MarkVerified(ctx context.Context, id int64) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = ?, updated_at = ? WHERE id = ? AND email_verified_at IS NULL`,
		ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("mark user verified: %w", err)
	}
	return nil
}

func (s *UserStore) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET stripe_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, now(), id,
	)
	if err != nil {
		return fmt.Errorf("update stripe customer id: %w", err)
	}
	return nil
}

// AdjustCredits adds delta to the user's balance. A negative delta is only
// applied when the balance covers it; the returned bool reports whether the
// row was updated.
func (s *UserStore) AdjustCredits(ctx context.Context, id int64, delta int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET available_credits = available_credits + ?, updated_at = ? WHERE id = ? AND available_credits + ? >= 0`,
		delta, now(), id, delta,
	)
	if err != nil {
		return false, fmt.Errorf("adjust credits: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *UserStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
