package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const settlementColumns = `id, party_id, leader_id, target_month, gross_amount, fee_amount, net_amount, status,
	attempts, next_attempt_at, last_error, halted, archived, created_at, updated_at, completed_at`

const detailColumns = `id, settlement_id, payment_id, party_member_id, user_id, amount`

func scanSettlement(row rowScanner) (*models.Settlement, error) {
	st := &models.Settlement{}
	err := row.Scan(&st.ID, &st.PartyID, &st.LeaderID, &st.TargetMonth, &st.GrossAmount, &st.FeeAmount,
		&st.NetAmount, &st.Status, &st.Attempts, &st.NextAttemptAt, &st.LastError, &st.Halted,
		&st.Archived, &st.CreatedAt, &st.UpdatedAt, &st.CompletedAt)
	return st, err
}

// CreateSettlement persists a settlement and its line items atomically.
func (s *SQLiteStore) CreateSettlement(ctx context.Context, settlement *models.Settlement, details []*models.SettlementDetail) error {
	if settlement.ID == "" {
		settlement.ID = newID()
	}
	if settlement.CreatedAt == 0 {
		settlement.CreatedAt = nowUnix()
	}
	settlement.UpdatedAt = settlement.CreatedAt

	return s.withTx(ctx, func(tx *SQLiteStore) error {
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			settlement.ID, settlement.PartyID, settlement.LeaderID, settlement.TargetMonth,
			settlement.GrossAmount, settlement.FeeAmount, settlement.NetAmount, string(settlement.Status),
			int64(settlement.Attempts), settlement.NextAttemptAt, settlement.LastError,
			boolInt(settlement.Halted), boolInt(settlement.Archived),
			settlement.CreatedAt, settlement.UpdatedAt, settlement.CompletedAt,
		)
		if isUniqueViolation(err) {
			return apperr.ErrDuplicateSettlement
		}
		if err != nil {
			return fmt.Errorf("failed to insert settlement: %w", err)
		}

		for _, d := range details {
			if d.ID == "" {
				d.ID = newID()
			}
			d.SettlementID = settlement.ID
			_, err := tx.q.ExecContext(ctx,
				`INSERT INTO settlement_details (`+detailColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
				d.ID, d.SettlementID, d.PaymentID, d.PartyMemberID, d.UserID, d.Amount,
			)
			if err != nil {
				return fmt.Errorf("failed to insert settlement detail for payment %s: %w", d.PaymentID, err)
			}
		}
		return nil
	})
}

// GetSettlement retrieves a settlement by ID.
func (s *SQLiteStore) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	st, err := scanSettlement(s.q.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, settlementID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("settlement", settlementID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return st, nil
}

// FindSettlement returns the non-archived settlement for a party and month, or nil.
func (s *SQLiteStore) FindSettlement(ctx context.Context, partyID, month string) (*models.Settlement, error) {
	st, err := scanSettlement(s.q.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE party_id = ? AND target_month = ? AND archived = 0`,
		partyID, month))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find settlement: %w", err)
	}
	return st, nil
}

// ListSettlementDetails retrieves the line items of a settlement.
func (s *SQLiteStore) ListSettlementDetails(ctx context.Context, settlementID string) ([]*models.SettlementDetail, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+detailColumns+` FROM settlement_details WHERE settlement_id = ? ORDER BY rowid`, settlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement details: %w", err)
	}
	defer rows.Close()

	var details []*models.SettlementDetail
	for rows.Next() {
		d := &models.SettlementDetail{}
		if err := rows.Scan(&d.ID, &d.SettlementID, &d.PaymentID, &d.PartyMemberID, &d.UserID, &d.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan settlement detail: %w", err)
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlement details: %w", err)
	}
	return details, nil
}

// UpdateSettlementStatus moves a settlement from one status to another.
// Completing a settlement also clears its retry schedule.
func (s *SQLiteStore) UpdateSettlementStatus(ctx context.Context, settlementID string, from, to models.SettlementStatus, at int64) error {
	completedAt := int64(0)
	if to == models.SettlementCompleted {
		completedAt = at
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE settlements SET status = ?, updated_at = ?, completed_at = ?,
		    next_attempt_at = CASE WHEN ? = 'COMPLETED' THEN 0 ELSE next_attempt_at END,
		    halted = CASE WHEN ? = 'COMPLETED' THEN 0 ELSE halted END
		 WHERE id = ? AND status = ? AND archived = 0`,
		string(to), at, completedAt, string(to), string(to), settlementID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement status: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("settlement", settlementID, "not "+string(from)))
}

// RecordSettlementAttempt stores the retry bookkeeping of a PENDING settlement.
func (s *SQLiteStore) RecordSettlementAttempt(ctx context.Context, settlementID string, attempts int, nextAt int64, lastErr string, halted bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE settlements SET attempts = ?, next_attempt_at = ?, last_error = ?, halted = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND archived = 0`,
		int64(attempts), nextAt, lastErr, boolInt(halted), nowUnix(), settlementID, string(models.SettlementPending),
	)
	if err != nil {
		return fmt.Errorf("failed to record settlement attempt: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("settlement", settlementID, "not PENDING"))
}

// ListDueSettlements returns PENDING settlements that are not halted and whose
// next attempt is due.
func (s *SQLiteStore) ListDueSettlements(ctx context.Context, now int64, limit int) ([]*models.Settlement, error) {
	return s.listSettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE status = ? AND halted = 0 AND archived = 0 AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, id LIMIT ?`,
		string(models.SettlementPending), now, int64(limit))
}

// ListSettlementsNeedingAttention returns FAILED and halted settlements.
func (s *SQLiteStore) ListSettlementsNeedingAttention(ctx context.Context) ([]*models.Settlement, error) {
	return s.listSettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE archived = 0 AND (status = ? OR (status = ? AND halted = 1))
		 ORDER BY updated_at, id`,
		string(models.SettlementFailed), string(models.SettlementPending))
}

func (s *SQLiteStore) listSettlements(ctx context.Context, query string, args ...any) ([]*models.Settlement, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []*models.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}
	return settlements, nil
}

// ArchiveSettlement marks a FAILED settlement unrecoverable, freeing its
// (party, month) slot for a new settlement.
func (s *SQLiteStore) ArchiveSettlement(ctx context.Context, settlementID, reason string, at int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE settlements SET archived = 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND archived = 0`,
		reason, at, settlementID, string(models.SettlementFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to archive settlement: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("settlement", settlementID, "not an unarchived FAILED settlement"))
}
