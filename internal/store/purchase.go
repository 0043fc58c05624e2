package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/infographic/internal/model"
)

type PurchaseStore struct {
	db DBTX
}

func NewPurchaseStore(db DBTX) *PurchaseStore {
	return &PurchaseStore{db: db}
}

func scanPurchase(scanner interface{ Scan(...any) error }) (*model.Purchase, error) {
	var p model.Purchase
	var sessionID, paymentIntentID sql.NullString
	var status string
	err := scanner.Scan(
		&p.ID, &p.UserID, &p.ProductName, &p.TotalCredits, &p.CreditsUsed, &p.CreditsRemaining,
		&status, &p.Amount, &p.Currency, &sessionID, &paymentIntentID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.PurchaseStatus(status)
	if sessionID.Valid {
		p.StripeSessionID = &sessionID.String
	}
	if paymentIntentID.Valid {
		p.StripePaymentIntentID = &paymentIntentID.String
	}
	return &p, nil
}

const purchaseCols = `id, user_id, product_name, total_credits, credits_used, credits_remaining, status, amount, currency, stripe_session_id, stripe_payment_intent_id, created_at, updated_at`

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Create inserts a purchase with nothing used yet.
func (s *PurchaseStore) Create(ctx context.Context, p *model.Purchase) (*model.Purchase, error) {
	ts := now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO purchases (user_id, product_name, total_credits, credits_used, credits_remaining, status, amount, currency, stripe_session_id, stripe_payment_intent_id, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.ProductName, p.TotalCredits, p.TotalCredits, string(p.Status), p.Amount, p.Currency,
		nullString(p.StripeSessionID), nullString(p.StripePaymentIntentID), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *PurchaseStore) get(ctx context.Context, where string, arg any) (*model.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseCols+` FROM purchases WHERE `+where+` = ?`, arg)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase by %s: %w", where, err)
	}
	return p, nil
}

func (s *PurchaseStore) GetByID(ctx context.Context, id int64) (*model.Purchase, error) {
	return s.get(ctx, "id", id)
}

func (s *PurchaseStore) GetBySessionID(ctx context.Context, sessionID string) (*model.Purchase, error) {
	return s.get(ctx, "stripe_session_id", sessionID)
}

func (s *PurchaseStore) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Purchase, error) {
	return s.get(ctx, "stripe_payment_intent_id", paymentIntentID)
}

func (s *PurchaseStore) list(ctx context.Context, query string, args ...any) ([]model.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []model.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		purchases = append(purchases, *p)
	}
	return purchases, rows.Err()
}

// ListByUser returns every purchase for the user, newest first.
func (s *PurchaseStore) ListByUser(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.list(ctx,
		`SELECT `+purchaseCols+` FROM purchases WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
}

// ListDrainable returns completed purchases that still hold credits, in the
// order deductions consume them: most recent first.
func (s *PurchaseStore) ListDrainable(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.list(ctx,
		`SELECT `+purchaseCols+` FROM purchases WHERE user_id = ? AND status = ? AND credits_remaining > 0 ORDER BY created_at DESC, id DESC`,
		userID, string(model.PurchaseStatusCompleted),
	)
}

// Drain moves take credits from remaining to used. It reports false when the
// purchase no longer holds that many credits.
func (s *PurchaseStore) Drain(ctx context.Context, id int64, take int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET credits_used = credits_used + ?, credits_remaining = credits_remaining - ?, updated_at = ?
		 WHERE id = ? AND credits_remaining >= ?`,
		take, take, now(), id, take,
	)
	if err != nil {
		return false, fmt.Errorf("drain purchase: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SumRemaining totals the credits still held by the user's completed purchases.
func (s *PurchaseStore) SumRemaining(ctx context.Context, userID int64) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits_remaining), 0) FROM purchases WHERE user_id = ? AND status = ?`,
		userID, string(model.PurchaseStatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum remaining credits: %w", err)
	}
	return total, nil
}

func (s *PurchaseStore) UpdateStatus(ctx context.Context, id int64, status model.PurchaseStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id,
	)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	return nil
}
