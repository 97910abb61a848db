package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const verificationColumns = `id, user_id, bank_code, account_num, holder_name, verify_code_hash, bank_tran_id,
	fintech_use_num, attempt_count, max_attempts, status, expires_at, verified_at, created_at`

func scanVerification(row rowScanner) (*models.AccountVerification, error) {
	v := &models.AccountVerification{}
	err := row.Scan(&v.ID, &v.UserID, &v.BankCode, &v.AccountNum, &v.HolderName, &v.VerifyCodeHash,
		&v.BankTranID, &v.FintechUseNum, &v.AttemptCount, &v.MaxAttempts, &v.Status,
		&v.ExpiresAt, &v.VerifiedAt, &v.CreatedAt)
	return v, err
}

// CreateVerification persists a new verification session.
func (s *SQLiteStore) CreateVerification(ctx context.Context, v *models.AccountVerification) error {
	if v.ID == "" {
		v.ID = newID()
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = nowUnix()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO account_verifications (`+verificationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.BankCode, v.AccountNum, v.HolderName, v.VerifyCodeHash, v.BankTranID,
		v.FintechUseNum, int64(v.AttemptCount), int64(v.MaxAttempts), string(v.Status),
		v.ExpiresAt, v.VerifiedAt, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("verification with bank transaction %q: %w", v.BankTranID, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert verification: %w", err)
	}
	return nil
}

// GetVerificationByBankTranID retrieves a session by its bank transaction id.
func (s *SQLiteStore) GetVerificationByBankTranID(ctx context.Context, bankTranID string) (*models.AccountVerification, error) {
	v, err := scanVerification(s.q.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM account_verifications WHERE bank_tran_id = ?`, bankTranID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("verification", bankTranID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	return v, nil
}

// IncrementVerificationAttempts bumps the attempt count of a PENDING session.
func (s *SQLiteStore) IncrementVerificationAttempts(ctx context.Context, verificationID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`UPDATE account_verifications SET attempt_count = attempt_count + 1
		 WHERE id = ? AND status = ? RETURNING attempt_count`,
		verificationID, string(models.VerificationPending),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.InvalidState("verification", verificationID, "not PENDING")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment verification attempts: %w", err)
	}
	return n, nil
}

// UpdateVerificationStatus moves a session from one status to another.
func (s *SQLiteStore) UpdateVerificationStatus(ctx context.Context, verificationID string, from, to models.VerificationStatus, at int64) error {
	verifiedAt := int64(0)
	if to == models.VerificationVerified {
		verifiedAt = at
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE account_verifications SET status = ?, verified_at = ? WHERE id = ? AND status = ?`,
		string(to), verifiedAt, verificationID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update verification status: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("verification", verificationID, "not "+string(from)))
}

// ExpireVerifications moves PENDING sessions whose deadline has passed to EXPIRED.
func (s *SQLiteStore) ExpireVerifications(ctx context.Context, now int64) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE account_verifications SET status = ? WHERE status = ? AND expires_at <= ?`,
		string(models.VerificationExpired), string(models.VerificationPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire verifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// ExpireUserVerifications expires every PENDING session of a user.
func (s *SQLiteStore) ExpireUserVerifications(ctx context.Context, userID string) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE account_verifications SET status = ? WHERE status = ? AND user_id = ?`,
		string(models.VerificationExpired), string(models.VerificationPending), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire user verifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
