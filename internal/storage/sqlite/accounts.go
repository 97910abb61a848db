package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const accountColumns = `id, user_id, bank_code, account_num_masked, holder_name, fintech_use_num,
	verification_id, active, created_at, deactivated_at`

func scanAccount(row rowScanner) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(&a.ID, &a.UserID, &a.BankCode, &a.AccountNumMasked, &a.HolderName,
		&a.FintechUseNum, &a.VerificationID, &a.Active, &a.CreatedAt, &a.DeactivatedAt)
	return a, err
}

// CreateAccount persists a verified payout account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = newID()
	}
	if account.CreatedAt == 0 {
		account.CreatedAt = nowUnix()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, account.BankCode, account.AccountNumMasked, account.HolderName,
		account.FintechUseNum, account.VerificationID, boolInt(account.Active),
		account.CreatedAt, account.DeactivatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("active account for user %q: %w", account.UserID, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// FindActiveAccount returns the user's active account, or nil.
func (s *SQLiteStore) FindActiveAccount(ctx context.Context, userID string) (*models.Account, error) {
	a, err := scanAccount(s.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND active = 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active account: %w", err)
	}
	return a, nil
}

// ListAccounts retrieves every account of a user, newest first.
func (s *SQLiteStore) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// DeactivateAccounts deactivates every active account of the user.
func (s *SQLiteStore) DeactivateAccounts(ctx context.Context, userID string, at int64) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET active = 0, deactivated_at = ? WHERE user_id = ? AND active = 1`,
		at, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate accounts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
