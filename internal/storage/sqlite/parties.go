package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

const partyColumns = `id, leader_id, title, status, capacity, monthly_fee, deposit_amount, created_at, updated_at, closed_at`

const memberColumns = `id, party_id, user_id, role, status, joined_at, activated_at, left_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParty(row rowScanner) (*models.Party, error) {
	p := &models.Party{}
	err := row.Scan(&p.ID, &p.LeaderID, &p.Title, &p.Status, &p.Capacity,
		&p.MonthlyFee, &p.DepositAmount, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt)
	return p, err
}

func scanMember(row rowScanner) (*models.PartyMember, error) {
	m := &models.PartyMember{}
	err := row.Scan(&m.ID, &m.PartyID, &m.UserID, &m.Role, &m.Status,
		&m.JoinedAt, &m.ActivatedAt, &m.LeftAt)
	return m, err
}

// CreateParty persists a new party.
func (s *SQLiteStore) CreateParty(ctx context.Context, party *models.Party) error {
	if party.ID == "" {
		party.ID = newID()
	}
	if party.CreatedAt == 0 {
		party.CreatedAt = nowUnix()
	}
	party.UpdatedAt = party.CreatedAt

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO parties (`+partyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		party.ID, party.LeaderID, party.Title, string(party.Status), int64(party.Capacity),
		party.MonthlyFee, party.DepositAmount, party.CreatedAt, party.UpdatedAt, party.ClosedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("party %q: %w", party.ID, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert party: %w", err)
	}
	return nil
}

// GetParty retrieves a party by ID.
func (s *SQLiteStore) GetParty(ctx context.Context, partyID string) (*models.Party, error) {
	p, err := scanParty(s.q.QueryRowContext(ctx,
		`SELECT `+partyColumns+` FROM parties WHERE id = ?`, partyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("party", partyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	return p, nil
}

// UpdatePartyStatus moves a party from one status to another.
func (s *SQLiteStore) UpdatePartyStatus(ctx context.Context, partyID string, from, to models.PartyStatus, at int64) error {
	closedAt := int64(0)
	if to == models.PartyClosed {
		closedAt = at
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE parties SET status = ?, updated_at = ?, closed_at = ? WHERE id = ? AND status = ?`,
		string(to), at, closedAt, partyID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update party status: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("party", partyID, "not "+string(from)))
}

// ListPartiesByStatus retrieves all parties in a status, oldest first.
func (s *SQLiteStore) ListPartiesByStatus(ctx context.Context, status models.PartyStatus) ([]*models.Party, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+partyColumns+` FROM parties WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	defer rows.Close()

	var parties []*models.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate parties: %w", err)
	}
	return parties, nil
}

// CreateMember persists a new membership.
func (s *SQLiteStore) CreateMember(ctx context.Context, member *models.PartyMember) error {
	if member.ID == "" {
		member.ID = newID()
	}
	if member.JoinedAt == 0 {
		member.JoinedAt = nowUnix()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO party_members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		member.ID, member.PartyID, member.UserID, string(member.Role), string(member.Status),
		member.JoinedAt, member.ActivatedAt, member.LeftAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q already in party %q: %w", member.UserID, member.PartyID, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

// GetMember retrieves a membership by ID.
func (s *SQLiteStore) GetMember(ctx context.Context, memberID string) (*models.PartyMember, error) {
	m, err := scanMember(s.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM party_members WHERE id = ?`, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("party member", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// FindMember returns the user's non-LEFT membership in the party, or nil.
func (s *SQLiteStore) FindMember(ctx context.Context, partyID, userID string) (*models.PartyMember, error) {
	m, err := scanMember(s.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM party_members WHERE party_id = ? AND user_id = ? AND status != ?`,
		partyID, userID, string(models.MemberLeft)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find member: %w", err)
	}
	return m, nil
}

// ListMembers retrieves every membership of a party, including LEFT ones.
func (s *SQLiteStore) ListMembers(ctx context.Context, partyID string) ([]*models.PartyMember, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM party_members WHERE party_id = ? ORDER BY joined_at, id`, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.PartyMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// UpdateMemberStatus moves a membership from one status to another.
func (s *SQLiteStore) UpdateMemberStatus(ctx context.Context, memberID string, from, to models.MemberStatus, at int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE party_members SET status = ?,
		    activated_at = CASE WHEN ? = 'ACTIVE' THEN ? ELSE activated_at END,
		    left_at = CASE WHEN ? = 'LEFT' THEN ? ELSE left_at END
		 WHERE id = ? AND status = ?`,
		string(to), string(to), at, string(to), at, memberID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}
	return expectOneRow(res, apperr.InvalidState("party member", memberID, "not "+string(from)))
}

// CountMembers counts memberships of a party in any of the given statuses.
func (s *SQLiteStore) CountMembers(ctx context.Context, partyID string, statuses ...models.MemberStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	args = append(args, partyID)
	for _, st := range statuses {
		args = append(args, string(st))
	}

	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM party_members WHERE party_id = ? AND status IN (`+placeholders(len(statuses))+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}
