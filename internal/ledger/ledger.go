// Package ledger keeps a user's aggregate credit balance consistent with the
// per-purchase sub-ledgers. Every mutation runs in a single transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/infographic/internal/model"
	"github.com/dukerupert/infographic/internal/store"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
	errConcurrentDrain     = errors.New("purchase drained concurrently")
)

// Allocation records how many credits a deduction took from one purchase.
type Allocation struct {
	PurchaseID int64 `json:"purchase_id"`
	Credits    int   `json:"credits"`
}

// Deduction describes where the credits of one successful deduction came from.
type Deduction struct {
	Amount      int          `json:"amount"`
	Allocations []Allocation `json:"allocations"`
	FromFree    int          `json:"from_free"`
	Remaining   int          `json:"remaining"`
}

type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Deduct removes amount credits from the user. When the balance is too low
// it returns ErrInsufficientCredits and nothing is mutated.
func (l *Ledger) Deduct(ctx context.Context, userID int64, amount int) (*Deduction, error) {
	var d *Deduction
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = deduct(ctx, tx, userID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("credits deducted", "user_id", userID, "amount", amount, "from_free", d.FromFree, "remaining", d.Remaining)
	return d, nil
}

func deduct(ctx context.Context, tx *sql.Tx, userID int64, amount int) (*Deduction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	users := store.NewUserStore(tx)
	purchases := store.NewPurchaseStore(tx)

	ok, err := users.AdjustCredits(ctx, userID, -amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		u, err := users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, ErrUserNotFound
		}
		return nil, ErrInsufficientCredits
	}

	drainable, err := purchases.ListDrainable(ctx, userID)
	if err != nil {
		return nil, err
	}

	d := &Deduction{Amount: amount}
	left := amount
	for _, p := range drainable {
		if left == 0 {
			break
		}
		take := min(left, p.CreditsRemaining)
		ok, err := purchases.Drain(ctx, p.ID, take)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errConcurrentDrain
		}
		d.Allocations = append(d.Allocations, Allocation{PurchaseID: p.ID, Credits: take})
		left -= take
	}
	d.FromFree = left

	u, err := users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.Remaining = u.AvailableCredits
	return d, nil
}

// RecordGeneration appends a generation row. Calling it twice with the same
// data creates two rows.
func (l *Ledger) RecordGeneration(ctx context.Context, g *model.Generation) (*model.Generation, error) {
	return store.NewGenerationStore(l.db).Create(ctx, g)
}

// Charge deducts g.CreditsUsed (at least one) and records the generation in
// the same transaction, so a generation row exists only for billed work.
func (l *Ledger) Charge(ctx context.Context, g *model.Generation) (*model.Generation, *Deduction, error) {
	if g.CreditsUsed <= 0 {
		g.CreditsUsed = 1
	}

	var (
		created *model.Generation
		d       *Deduction
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = deduct(ctx, tx, g.UserID, g.CreditsUsed)
		if err != nil {
			return err
		}
		created, err = store.NewGenerationStore(tx).Create(ctx, g)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	l.logger.Info("generation charged", "user_id", g.UserID, "generation_id", created.ID, "credits", g.CreditsUsed, "remaining", d.Remaining)
	return created, d, nil
}

// CreditParams describes a completed payment.
type CreditParams struct {
	UserID                int64
	Credits               int
	ProductName           string
	Amount                int64
	Currency              string
	StripeSessionID       string
	StripePaymentIntentID string
}

// Credit records a completed purchase and adds its credits to the user's
// balance. Repeating a call with the same StripeSessionID returns the
// existing purchase with duplicate set and credits nothing.
func (l *Ledger) Credit(ctx context.Context, p CreditParams) (purchase *model.Purchase, duplicate bool, err error) {
	if p.Credits <= 0 {
		return nil, false, ErrInvalidAmount
	}

	if p.StripeSessionID != "" {
		existing, err := store.NewPurchaseStore(l.db).GetBySessionID(ctx, p.StripeSessionID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	err = l.withTx(ctx, func(tx *sql.Tx) error {
		users := store.NewUserStore(tx)
		u, err := users.GetByID(ctx, p.UserID)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrUserNotFound
		}

		purchase, err = store.NewPurchaseStore(tx).Create(ctx, &model.Purchase{
			UserID:                p.UserID,
			ProductName:           p.ProductName,
			TotalCredits:          p.Credits,
			Status:                model.PurchaseStatusCompleted,
			Amount:                p.Amount,
			Currency:              p.Currency,
			StripeSessionID:       optional(p.StripeSessionID),
			StripePaymentIntentID: optional(p.StripePaymentIntentID),
		})
		if err != nil {
			return err
		}
		_, err = users.AdjustCredits(ctx, p.UserID, p.Credits)
		return err
	})
	if err != nil {
		// A concurrent delivery of the same session may have won the unique key.
		if p.StripeSessionID != "" && !errors.Is(err, ErrUserNotFound) {
			existing, lookupErr := store.NewPurchaseStore(l.db).GetBySessionID(ctx, p.StripeSessionID)
			if lookupErr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	l.logger.Info("credits added", "user_id", p.UserID, "credits", p.Credits, "purchase_id", purchase.ID, "product", p.ProductName)
	return purchase, false, nil
}

// SetPaymentStatus moves the purchase paid by paymentIntentID to status.
// Leaving COMPLETED revokes the purchase's remaining credits from the user;
// entering COMPLETED grants them. It returns nil when no purchase matches.
func (l *Ledger) SetPaymentStatus(ctx context.Context, paymentIntentID string, status model.PurchaseStatus) (*model.Purchase, error) {
	var updated *model.Purchase
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		purchases := store.NewPurchaseStore(tx)
		p, err := purchases.GetByPaymentIntentID(ctx, paymentIntentID)
		if err != nil || p == nil {
			return err
		}
		if p.Status == status {
			updated = p
			return nil
		}

		delta := 0
		switch {
		case p.Status == model.PurchaseStatusCompleted:
			delta = -p.CreditsRemaining
		case status == model.PurchaseStatusCompleted:
			delta = p.CreditsRemaining
		}
		if delta != 0 {
			ok, err := store.NewUserStore(tx).AdjustCredits(ctx, p.UserID, delta)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("revoke %d credits from user %d: %w", -delta, p.UserID, ErrInsufficientCredits)
			}
		}

		if err := purchases.UpdateStatus(ctx, p.ID, status); err != nil {
			return err
		}
		updated, err = purchases.GetByID(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		l.logger.Info("purchase status updated", "purchase_id", updated.ID, "status", updated.Status)
	}
	return updated, nil
}

// Balance reports the purchase-backed and free portions of the user's credits.
func (l *Ledger) Balance(ctx context.Context, userID int64) (model.Balance, error) {
	u, err := store.NewUserStore(l.db).GetByID(ctx, userID)
	if err != nil {
		return model.Balance{}, err
	}
	if u == nil {
		return model.Balance{}, ErrUserNotFound
	}
	paid, err := store.NewPurchaseStore(l.db).SumRemaining(ctx, userID)
	if err != nil {
		return model.Balance{}, err
	}
	paid = min(paid, u.AvailableCredits)
	return model.Balance{
		PaidCredits: paid,
		FreeCredits: u.AvailableCredits - paid,
		Total:       u.AvailableCredits,
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
