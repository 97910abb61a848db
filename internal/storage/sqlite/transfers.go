package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const transferColumns = `id, kind, reference_id, attempt, bank_tran_id, bank_code, fintech_use_num, amount, memo,
	status, response_code, response_message, failure_class, created_at, updated_at`

// transferSelect reads transfers aliased as t. A FAILED attempt is superseded
// once a later attempt exists for its reference; nothing is written back.
const transferSelect = `SELECT t.id, t.kind, t.reference_id, t.attempt, t.bank_tran_id, t.bank_code,
	t.fintech_use_num, t.amount, t.memo, t.status, t.response_code, t.response_message, t.failure_class,
	t.status = 'FAILED' AND EXISTS (
		SELECT 1 FROM transfer_transactions n
		WHERE n.kind = t.kind AND n.reference_id = t.reference_id AND n.attempt > t.attempt
	), t.created_at, t.updated_at
	FROM transfer_transactions t`

func scanTransfer(row rowScanner) (*models.TransferTransaction, error) {
	t := &models.TransferTransaction{}
	err := row.Scan(&t.ID, &t.Kind, &t.ReferenceID, &t.Attempt, &t.BankTranID, &t.BankCode,
		&t.FintechUseNum, &t.Amount, &t.Memo, &t.Status, &t.ResponseCode, &t.ResponseMessage,
		&t.FailureClass, &t.Superseded, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateTransfer persists a transfer before it is sent.
func (s *SQLiteStore) CreateTransfer(ctx context.Context, t *models.TransferTransaction) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = nowUnix()
	}
	t.UpdatedAt = t.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO transfer_transactions (`+transferColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), t.ReferenceID, int64(t.Attempt), t.BankTranID, t.BankCode, t.FintechUseNum,
		t.Amount, t.Memo, string(t.Status), t.ResponseCode, t.ResponseMessage, string(t.FailureClass),
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("transfer %s/%s attempt %d: %w", t.Kind, t.ReferenceID, t.Attempt, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

// GetTransfer retrieves a transfer by ID.
func (s *SQLiteStore) GetTransfer(ctx context.Context, transferID string) (*models.TransferTransaction, error) {
	t, err := scanTransfer(s.q.QueryRowContext(ctx,
		transferSelect+` WHERE t.id = ?`, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("transfer", transferID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

// GetTransferByBankTranID retrieves a transfer by the idempotency key it was sent with.
func (s *SQLiteStore) GetTransferByBankTranID(ctx context.Context, bankTranID string) (*models.TransferTransaction, error) {
	t, err := scanTransfer(s.q.QueryRowContext(ctx,
		transferSelect+` WHERE t.bank_tran_id = ?`, bankTranID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("transfer", bankTranID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

// ListTransfers returns every attempt for a reference, oldest first.
func (s *SQLiteStore) ListTransfers(ctx context.Context, kind models.TransferKind, referenceID string) ([]*models.TransferTransaction, error) {
	return s.listTransfers(ctx,
		transferSelect+` WHERE t.kind = ? AND t.reference_id = ? ORDER BY t.attempt`,
		string(kind), referenceID)
}

// ListPendingTransfers returns PENDING transfers created before the cutoff.
func (s *SQLiteStore) ListPendingTransfers(ctx context.Context, createdBefore int64, limit int) ([]*models.TransferTransaction, error) {
	return s.listTransfers(ctx,
		transferSelect+` WHERE t.status = ? AND t.created_at <= ? ORDER BY t.created_at, t.id LIMIT ?`,
		string(models.TransferPending), createdBefore, int64(limit))
}

func (s *SQLiteStore) listTransfers(ctx context.Context, query string, args ...any) ([]*models.TransferTransaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*models.TransferTransaction
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	return transfers, nil
}

// CompleteTransfer records the gateway outcome of a PENDING transfer. The
// outcome is final once written.
func (s *SQLiteStore) CompleteTransfer(ctx context.Context, transferID string, to models.TransferStatus, code, message string, class models.FailureClass, at int64) error {
	if to == models.TransferPending {
		return fmt.Errorf("transfer cannot be completed as %s", to)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE transfer_transactions SET status = ?, response_code = ?, response_message = ?, failure_class = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), code, message, string(class), at, transferID, string(models.TransferPending),
	)
	if err != nil {
		return fmt.Errorf("failed to complete transfer: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("transfer", transferID, "already final"))
}
