// Package party is the gate for every financial operation: it owns party and
// membership status and the rules for advancing them.
//
// Methods taking a storage.Store argument run inside the caller's unit of
// work, so the status they check is the status the caller's mutation sees.
package party

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/storage"
)

var partyTransitions = map[models.PartyStatus][]models.PartyStatus{
	models.PartyPendingPayment: {models.PartyRecruiting, models.PartyClosed},
	models.PartyRecruiting:     {models.PartyActive, models.PartyClosed},
	models.PartyActive:         {models.PartyClosed},
}

var memberTransitions = map[models.MemberStatus][]models.MemberStatus{
	models.MemberPendingPayment: {models.MemberActive, models.MemberInactive},
	models.MemberActive:         {models.MemberInactive},
	models.MemberInactive:       {models.MemberLeft},
}

// CanAdvanceParty reports whether a party may move from one status to another.
func CanAdvanceParty(from, to models.PartyStatus) bool {
	return slices.Contains(partyTransitions[from], to)
}

// CanAdvanceMember reports whether a membership may move from one status to another.
func CanAdvanceMember(from, to models.MemberStatus) bool {
	return slices.Contains(memberTransitions[from], to)
}

// Machine applies party and membership transitions.
type Machine struct {
	store storage.Store
	now   func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine.
func New(store storage.Store, opts ...Option) *Machine {
	m := &Machine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreatePartyInput describes a new party.
type CreatePartyInput struct {
	LeaderID      string
	Title         string
	Capacity      int
	MonthlyFee    int64
	DepositAmount int64
}

// CreateParty opens a party awaiting the leader's deposit, together with the
// leader's membership.
func (m *Machine) CreateParty(ctx context.Context, in CreatePartyInput) (*models.Party, *models.PartyMember, error) {
	switch {
	case in.LeaderID == "":
		return nil, nil, apperr.Validation("leader_id", "required")
	case in.Capacity < 2:
		return nil, nil, apperr.Validation("capacity", "must be at least 2")
	case in.MonthlyFee <= 0:
		return nil, nil, apperr.Validation("monthly_fee", "must be positive")
	case in.DepositAmount <= 0:
		return nil, nil, apperr.Validation("deposit_amount", "must be positive")
	}

	at := m.now().Unix()
	party := &models.Party{
		LeaderID:      in.LeaderID,
		Title:         in.Title,
		Status:        models.PartyPendingPayment,
		Capacity:      in.Capacity,
		MonthlyFee:    in.MonthlyFee,
		DepositAmount: in.DepositAmount,
		CreatedAt:     at,
	}
	leader := &models.PartyMember{
		UserID:   in.LeaderID,
		Role:     models.RoleLeader,
		Status:   models.MemberPendingPayment,
		JoinedAt: at,
	}

	err := m.store.InTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateParty(ctx, party); err != nil {
			return err
		}
		leader.PartyID = party.ID
		return tx.CreateMember(ctx, leader)
	})
	if err != nil {
		return nil, nil, err
	}

	slog.InfoContext(ctx, "Party created", "party_id", party.ID, "leader_id", party.LeaderID, "capacity", party.Capacity)
	return party, leader, nil
}

// GetParty returns a party with all its memberships.
func (m *Machine) GetParty(ctx context.Context, partyID string) (*models.Party, []*models.PartyMember, error) {
	party, err := m.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, nil, err
	}
	members, err := m.store.ListMembers(ctx, partyID)
	if err != nil {
		return nil, nil, err
	}
	return party, members, nil
}

// GetMember returns one membership.
func (m *Machine) GetMember(ctx context.Context, memberID string) (*models.PartyMember, error) {
	return m.store.GetMember(ctx, memberID)
}

// JoinParty adds a paying member to a recruiting party.
func (m *Machine) JoinParty(ctx context.Context, partyID, userID string) (*models.PartyMember, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id", "required")
	}

	member := &models.PartyMember{
		PartyID:  partyID,
		UserID:   userID,
		Role:     models.RoleMember,
		Status:   models.MemberPendingPayment,
		JoinedAt: m.now().Unix(),
	}
	err := m.store.InTx(ctx, func(tx storage.Store) error {
		party, err := tx.GetParty(ctx, partyID)
		if err != nil {
			return err
		}
		if party.Status != models.PartyRecruiting {
			return apperr.InvalidState("party", partyID, party.Status, models.PartyRecruiting)
		}
		live, err := tx.CountMembers(ctx, partyID, models.MemberPendingPayment, models.MemberActive)
		if err != nil {
			return err
		}
		if live >= party.Capacity {
			return apperr.InvalidState("party", partyID, "full")
		}
		return tx.CreateMember(ctx, member)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Member joined", "party_id", partyID, "member_id", member.ID, "user_id", userID)
	return member, nil
}

// OnDepositHeld opens recruiting once the leader's deposit is in escrow.
func (m *Machine) OnDepositHeld(ctx context.Context, tx storage.Store, partyID, memberID string) error {
	party, err := tx.GetParty(ctx, partyID)
	if err != nil {
		return err
	}
	member, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if member.PartyID != partyID || !member.IsLeader() {
		return apperr.Validation("party_member_id", "deposit must be posted by the party leader")
	}

	at := m.now().Unix()
	if err := m.advanceParty(ctx, tx, party, models.PartyRecruiting, at); err != nil {
		return err
	}
	if err := m.advanceMember(ctx, tx, member, models.MemberActive, at); err != nil {
		return err
	}
	return m.activateIfFull(ctx, tx, party.ID, at)
}

// ActivateMember activates a member whose payment for month has completed,
// and activates the party once it is full.
func (m *Machine) ActivateMember(ctx context.Context, tx storage.Store, memberID, month string) error {
	member, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	payment, err := tx.FindPaymentByMemberAndMonth(ctx, memberID, month)
	if err != nil {
		return err
	}
	if payment == nil || payment.Status != models.PaymentCompleted {
		return apperr.InvalidState("party member", memberID, "without a completed payment for "+month)
	}

	at := m.now().Unix()
	if err := m.advanceMember(ctx, tx, member, models.MemberActive, at); err != nil {
		return err
	}
	return m.activateIfFull(ctx, tx, member.PartyID, at)
}

func (m *Machine) activateIfFull(ctx context.Context, tx storage.Store, partyID string, at int64) error {
	party, err := tx.GetParty(ctx, partyID)
	if err != nil {
		return err
	}
	if party.Status != models.PartyRecruiting {
		return nil
	}
	active, err := tx.CountMembers(ctx, partyID, models.MemberActive)
	if err != nil {
		return err
	}
	if active < party.Capacity {
		return nil
	}
	return m.advanceParty(ctx, tx, party, models.PartyActive, at)
}

// LeaveParty lets a non-leader member leave. Leaders leave through the
// deposit withdrawal policy instead.
func (m *Machine) LeaveParty(ctx context.Context, memberID string) (*models.PartyMember, error) {
	var member *models.PartyMember
	err := m.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		member, err = tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if member.IsLeader() {
			return apperr.InvalidState("party member", memberID, "the leader", "a member without a deposit")
		}
		return m.Withdraw(ctx, tx, member)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Member left", "party_id", member.PartyID, "member_id", memberID)
	return member, nil
}

// Withdraw moves a membership through INACTIVE to LEFT. When the leader
// withdraws the party cannot continue and is closed; the leader's deposit
// must already be resolved.
func (m *Machine) Withdraw(ctx context.Context, tx storage.Store, member *models.PartyMember) error {
	at := m.now().Unix()
	if member.Status != models.MemberInactive {
		if err := m.advanceMember(ctx, tx, member, models.MemberInactive, at); err != nil {
			return err
		}
	}
	if err := m.advanceMember(ctx, tx, member, models.MemberLeft, at); err != nil {
		return err
	}
	if !member.IsLeader() {
		return nil
	}
	party, err := tx.GetParty(ctx, member.PartyID)
	if err != nil {
		return err
	}
	if party.Status == models.PartyClosed {
		return nil
	}
	return m.close(ctx, tx, party, at)
}

// CloseParty terminates a party. It is refused while any deposit of the party
// is still held, so refunds or forfeitures are settled first.
func (m *Machine) CloseParty(ctx context.Context, partyID string) (*models.Party, error) {
	var party *models.Party
	err := m.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		party, err = tx.GetParty(ctx, partyID)
		if err != nil {
			return err
		}
		return m.close(ctx, tx, party, m.now().Unix())
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Party closed", "party_id", partyID)
	return party, nil
}

func (m *Machine) close(ctx context.Context, tx storage.Store, party *models.Party, at int64) error {
	held, err := tx.CountHeldDeposits(ctx, party.ID)
	if err != nil {
		return err
	}
	if held > 0 {
		return apperr.InvalidState("party", party.ID, fmt.Sprintf("holding %d deposit(s)", held))
	}

	members, err := tx.ListMembers(ctx, party.ID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.Status == models.MemberLeft {
			continue
		}
		if member.Status != models.MemberInactive {
			if err := m.advanceMember(ctx, tx, member, models.MemberInactive, at); err != nil {
				return err
			}
		}
		if err := m.advanceMember(ctx, tx, member, models.MemberLeft, at); err != nil {
			return err
		}
	}
	return m.advanceParty(ctx, tx, party, models.PartyClosed, at)
}

// RequireSettleable checks that a party can be settled: its leader's
// deposit has cleared at least once.
func (m *Machine) RequireSettleable(ctx context.Context, tx storage.Store, partyID string) (*models.Party, error) {
	party, err := tx.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if party.Status == models.PartyPendingPayment {
		return nil, apperr.InvalidState("party", partyID, party.Status,
			models.PartyRecruiting, models.PartyActive, models.PartyClosed)
	}
	return party, nil
}

// RequireOpenMembership checks that a membership can still incur dues.
func (m *Machine) RequireOpenMembership(ctx context.Context, tx storage.Store, memberID string) (*models.Party, *models.PartyMember, error) {
	member, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return nil, nil, err
	}
	if member.Status != models.MemberPendingPayment && member.Status != models.MemberActive {
		return nil, nil, apperr.InvalidState("party member", memberID, member.Status,
			models.MemberPendingPayment, models.MemberActive)
	}
	party, err := tx.GetParty(ctx, member.PartyID)
	if err != nil {
		return nil, nil, err
	}
	if party.Status == models.PartyClosed {
		return nil, nil, apperr.InvalidState("party", party.ID, party.Status)
	}
	return party, member, nil
}

func (m *Machine) advanceParty(ctx context.Context, tx storage.Store, party *models.Party, to models.PartyStatus, at int64) error {
	if !CanAdvanceParty(party.Status, to) {
		return apperr.InvalidState("party", party.ID, party.Status, partyTransitions[party.Status])
	}
	if err := tx.UpdatePartyStatus(ctx, party.ID, party.Status, to, at); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Party status changed", "party_id", party.ID, "from", party.Status, "to", to)
	party.Status = to
	party.UpdatedAt = at
	if to == models.PartyClosed {
		party.ClosedAt = at
	}
	return nil
}

func (m *Machine) advanceMember(ctx context.Context, tx storage.Store, member *models.PartyMember, to models.MemberStatus, at int64) error {
	if !CanAdvanceMember(member.Status, to) {
		return apperr.InvalidState("party member", member.ID, member.Status, memberTransitions[member.Status])
	}
	if err := tx.UpdateMemberStatus(ctx, member.ID, member.Status, to, at); err != nil {
		return err
	}
	member.Status = to
	switch to {
	case models.MemberActive:
		member.ActivatedAt = at
	case models.MemberLeft:
		member.LeftAt = at
	}
	return nil
}
