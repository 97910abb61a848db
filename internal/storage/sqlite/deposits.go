package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const depositColumns = `id, party_id, party_member_id, user_id, amount, status, reason, payment_key, order_id,
	payment_method, refund_attempts, next_refund_at, refund_paid, refund_stuck, created_at, resolved_at`

func scanDeposit(row rowScanner) (*models.Deposit, error) {
	d := &models.Deposit{}
	err := row.Scan(&d.ID, &d.PartyID, &d.PartyMemberID, &d.UserID, &d.Amount, &d.Status, &d.Reason,
		&d.PaymentKey, &d.OrderID, &d.PaymentMethod, &d.RefundAttempts, &d.NextRefundAt,
		&d.RefundPaid, &d.RefundStuck, &d.CreatedAt, &d.ResolvedAt)
	return d, err
}

// CreateDeposit persists a new HELD deposit.
func (s *SQLiteStore) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	if deposit.ID == "" {
		deposit.ID = newID()
	}
	if deposit.CreatedAt == 0 {
		deposit.CreatedAt = nowUnix()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO deposits (`+depositColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deposit.ID, deposit.PartyID, deposit.PartyMemberID, deposit.UserID, deposit.Amount,
		string(deposit.Status), deposit.Reason, deposit.PaymentKey, deposit.OrderID, deposit.PaymentMethod,
		int64(deposit.RefundAttempts), deposit.NextRefundAt, boolInt(deposit.RefundPaid),
		boolInt(deposit.RefundStuck), deposit.CreatedAt, deposit.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateDeposit
	}
	if err != nil {
		return fmt.Errorf("failed to insert deposit: %w", err)
	}
	return nil
}

// GetDeposit retrieves a deposit by ID.
func (s *SQLiteStore) GetDeposit(ctx context.Context, depositID string) (*models.Deposit, error) {
	d, err := scanDeposit(s.q.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = ?`, depositID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("deposit", depositID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return d, nil
}

// FindHeldDeposit returns the member's HELD deposit, or nil.
func (s *SQLiteStore) FindHeldDeposit(ctx context.Context, partyID, memberID string) (*models.Deposit, error) {
	d, err := scanDeposit(s.q.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE party_id = ? AND party_member_id = ? AND status = ?`,
		partyID, memberID, string(models.DepositHeld)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find held deposit: %w", err)
	}
	return d, nil
}

// ResolveDeposit moves a HELD deposit to REFUNDED or FORFEITED.
func (s *SQLiteStore) ResolveDeposit(ctx context.Context, depositID string, to models.DepositStatus, reason string, at int64) error {
	if to == models.DepositHeld {
		return fmt.Errorf("deposit cannot be resolved back to %s", to)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE deposits SET status = ?, reason = ?, resolved_at = ?, next_refund_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), reason, at, at, depositID, string(models.DepositHeld),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve deposit: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("deposit", depositID, "not HELD"))
}

// CountHeldDeposits counts deposits of a party still in escrow.
func (s *SQLiteStore) CountHeldDeposits(ctx context.Context, partyID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deposits WHERE party_id = ? AND status = ?`,
		partyID, string(models.DepositHeld),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count held deposits: %w", err)
	}
	return n, nil
}

// ListRefundsDue returns refunded deposits whose payout is still owed.
func (s *SQLiteStore) ListRefundsDue(ctx context.Context, now int64, limit int) ([]*models.Deposit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+depositColumns+` FROM deposits
		 WHERE status = ? AND refund_paid = 0 AND refund_stuck = 0 AND next_refund_at <= ?
		 ORDER BY next_refund_at, id LIMIT ?`,
		string(models.DepositRefunded), now, int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds due: %w", err)
	}
	defer rows.Close()

	var deposits []*models.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deposits: %w", err)
	}
	return deposits, nil
}

// RecordRefundAttempt stores the retry bookkeeping of a refund payout.
func (s *SQLiteStore) RecordRefundAttempt(ctx context.Context, depositID string, attempts int, nextAt int64, stuck bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE deposits SET refund_attempts = ?, next_refund_at = ?, refund_stuck = ?
		 WHERE id = ? AND status = ? AND refund_paid = 0`,
		int64(attempts), nextAt, boolInt(stuck), depositID, string(models.DepositRefunded),
	)
	if err != nil {
		return fmt.Errorf("failed to record refund attempt: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("deposit", depositID, "not awaiting refund payout"))
}

// MarkRefundPaid flags a refunded deposit whose transfer succeeded.
func (s *SQLiteStore) MarkRefundPaid(ctx context.Context, depositID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE deposits SET refund_paid = 1, refund_stuck = 0, next_refund_at = 0 WHERE id = ? AND status = ?`,
		depositID, string(models.DepositRefunded),
	)
	if err != nil {
		return fmt.Errorf("failed to mark refund paid: %w", err)
	}
	return nil
}
