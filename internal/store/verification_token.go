package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/infographic/internal/model"
)

// VerificationTTL is how long an email verification token stays valid.
const VerificationTTL = 24 * time.Hour

type VerificationTokenStore struct {
	db DBTX
}

func NewVerificationTokenStore(db DBTX) *VerificationTokenStore {
	return &VerificationTokenStore{db: db}
}

func scanVerificationToken(scanner interface{ Scan(...any) error }) (*model.VerificationToken, error) {
	var vt model.VerificationToken
	err := scanner.Scan(&vt.ID, &vt.Identifier, &vt.Token, &vt.ExpiresAt, &vt.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &vt, nil
}

const verificationTokenCols = `id, identifier, token, expires_at, created_at`

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Issue replaces every token for the identifier with a fresh UUID token
// expiring after VerificationTTL. The delete and insert run in one
// transaction, and identifiers are unique, so at most one token is active.
func (s *VerificationTokenStore) Issue(ctx context.Context, identifier string) (*model.VerificationToken, error) {
	b, ok := s.db.(txBeginner)
	if !ok {
		// Already inside a caller-owned transaction.
		return issueToken(ctx, s.db, identifier)
	}

	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	vt, err := issueToken(ctx, tx, identifier)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return vt, nil
}

func issueToken(ctx context.Context, db DBTX, identifier string) (*model.VerificationToken, error) {
	if _, err := db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE identifier = ?`, identifier); err != nil {
		return nil, fmt.Errorf("delete verification tokens: %w", err)
	}

	ts := now()
	result, err := db.ExecContext(ctx,
		`INSERT INTO verification_tokens (identifier, token, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		identifier, uuid.NewString(), ts.Add(VerificationTTL), ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert verification token: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := db.QueryRowContext(ctx, `SELECT `+verificationTokenCols+` FROM verification_tokens WHERE id = ?`, id)
	return scanVerificationToken(row)
}

// GetLatest returns the most recently issued token for the identifier,
// expired or not, or nil if none exists.
func (s *VerificationTokenStore) GetLatest(ctx context.Context, identifier string) (*model.VerificationToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+verificationTokenCols+` FROM verification_tokens WHERE identifier = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		identifier,
	)
	vt, err := scanVerificationToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest verification token: %w", err)
	}
	return vt, nil
}

// GetValid returns the unexpired token with the given value, or nil.
func (s *VerificationTokenStore) GetValid(ctx context.Context, token string) (*model.VerificationToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+verificationTokenCols+` FROM verification_tokens WHERE token = ? AND expires_at > ?`,
		token, now(),
	)
	vt, err := scanVerificationToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verification token: %w", err)
	}
	return vt, nil
}

func (s *VerificationTokenStore) DeleteByIdentifier(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("delete verification tokens: %w", err)
	}
	return nil
}

func (s *VerificationTokenStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires_at <= ?`, now())
	if err != nil {
		return 0, fmt.Errorf("delete expired verification tokens: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
