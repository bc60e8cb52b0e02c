package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type HoldStatus string

const (
	HoldFrozen     HoldStatus = "frozen"
	HoldSettled    HoldStatus = "settled"
	HoldRolledBack HoldStatus = "rolled_back"
)

// Hold is the credit reserved against a user's balance for one task.
type Hold struct {
	TaskID    string     `json:"task_id"`
	UserID    string     `json:"user_id"`
	Amount    int64      `json:"amount"`
	Charged   int64      `json:"charged"`
	Status    HoldStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (s *Store) CreditAccount(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	var balance int64
	err := retryOnBusy(ctx, 3, func() error {
		now := s.nowMillis()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at;
		`, userID, amount, now); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		return s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?;`, userID).Scan(&balance)
	})
	return balance, err
}

// Balance returns the spendable balance; unknown users have zero.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?;`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func scanHold(scanFn func(dest ...any) error) (*Hold, error) {
	var (
		h                Hold
		status           string
		created, updated int64
	)
	if err := scanFn(&h.TaskID, &h.UserID, &h.Amount, &h.Charged, &status, &created, &updated); err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	h.CreatedAt = fromMillis(created)
	h.UpdatedAt = fromMillis(updated)
	return &h, nil
}

const holdColumns = `task_id, user_id, amount, charged, status, created_at, updated_at`

func (s *Store) GetHold(ctx context.Context, taskID string) (*Hold, error) {
	h, err := scanHold(s.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE task_id = ?;`, taskID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

func getHoldTx(ctx context.Context, tx *sql.Tx, taskID string) (*Hold, error) {
	h, err := scanHold(tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE task_id = ?;`, taskID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

// FreezeHold debits amount from the user's balance into a hold for taskID.
// Freezing the same task twice returns the existing hold.
func (s *Store) FreezeHold(ctx context.Context, taskID, userID string, amount int64) (*Hold, error) {
	var out *Hold
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin freeze tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if existing, err := getHoldTx(ctx, tx, taskID); err == nil {
			out = existing
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance - ?, updated_at = ?
			WHERE user_id = ? AND balance >= ?;
		`, amount, now, userID, amount)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 && amount > 0 {
			return ErrInsufficientBalance
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_holds (task_id, user_id, amount, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, userID, amount, HoldFrozen, now, now); err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}
		hold, err := getHoldTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit freeze: %w", err)
		}
		out = hold
		return nil
	})
	return out, err
}

// SettleHold charges min(charged, amount) and refunds the remainder.
// Settling a hold that is no longer frozen returns it unchanged.
func (s *Store) SettleHold(ctx context.Context, taskID string, charged int64) (*Hold, error) {
	return s.releaseHold(ctx, taskID, HoldSettled, charged)
}

// RollbackHold refunds the full amount. It is idempotent.
func (s *Store) RollbackHold(ctx context.Context, taskID string) (*Hold, error) {
	return s.releaseHold(ctx, taskID, HoldRolledBack, 0)
}

func (s *Store) releaseHold(ctx context.Context, taskID string, to HoldStatus, charged int64) (*Hold, error) {
	var out *Hold
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		hold, err := getHoldTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if hold.Status != HoldFrozen {
			out = hold
			return nil
		}
		charged = max(0, min(charged, hold.Amount))
		refund := hold.Amount - charged
		now := s.nowMillis()
		if refund > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at;
			`, hold.UserID, refund, now); err != nil {
				return fmt.Errorf("refund account: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrow_holds SET status = ?, charged = ?, updated_at = ?
			WHERE task_id = ? AND status = 'frozen';
		`, to, charged, now, taskID); err != nil {
			return fmt.Errorf("update hold: %w", err)
		}
		updated, err := getHoldTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit release: %w", err)
		}
		out = updated
		return nil
	})
	return out, err
}
