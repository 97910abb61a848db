package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const paymentColumns = `id, party_id, party_member_id, user_id, target_month, amount, status, order_id,
	payment_key, payment_method, fail_reason, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(&p.ID, &p.PartyID, &p.PartyMemberID, &p.UserID, &p.TargetMonth, &p.Amount,
		&p.Status, &p.OrderID, &p.PaymentKey, &p.PaymentMethod, &p.FailReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreatePayment persists a new payment.
func (s *SQLiteStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = newID()
	}
	if payment.CreatedAt == 0 {
		payment.CreatedAt = nowUnix()
	}
	payment.UpdatedAt = payment.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.PartyID, payment.PartyMemberID, payment.UserID, payment.TargetMonth,
		payment.Amount, string(payment.Status), payment.OrderID, payment.PaymentKey,
		payment.PaymentMethod, payment.FailReason, payment.CreatedAt, payment.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment for member %q month %s (order %q): %w",
			payment.PartyMemberID, payment.TargetMonth, payment.OrderID, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment", paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// FindPaymentByOrderID returns the payment with the order id, or nil.
func (s *SQLiteStore) FindPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment by order id: %w", err)
	}
	return p, nil
}

// FindPaymentByMemberAndMonth prefers the live payment and falls back to the
// latest failed one.
func (s *SQLiteStore) FindPaymentByMemberAndMonth(ctx context.Context, memberID, month string) (*models.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE party_member_id = ? AND target_month = ?
		 ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, created_at DESC, id DESC
		 LIMIT 1`,
		memberID, month, string(models.PaymentFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return p, nil
}

// UpdatePaymentStatus moves a PENDING payment to a terminal status.
func (s *SQLiteStore) UpdatePaymentStatus(ctx context.Context, paymentID string, to models.PaymentStatus, reason string, at int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE payments SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), reason, at, paymentID, string(models.PaymentPending),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("payment", paymentID, "terminal", models.PaymentPending))
}

// ListCompletedPayments returns the completed payments of a party for a month.
func (s *SQLiteStore) ListCompletedPayments(ctx context.Context, partyID, month string) ([]*models.Payment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE party_id = ? AND target_month = ? AND status = ?
		 ORDER BY created_at, id`,
		partyID, month, string(models.PaymentCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}
