package models

// PartyStatus is the lifecycle state of a party.
type PartyStatus string

const (
	PartyPendingPayment PartyStatus = "PENDING_PAYMENT"
	PartyRecruiting     PartyStatus = "RECRUITING"
	PartyActive         PartyStatus = "ACTIVE"
	PartyClosed         PartyStatus = "CLOSED"
)

// MemberStatus is the lifecycle state of a membership.
type MemberStatus string

const (
	MemberPendingPayment MemberStatus = "PENDING_PAYMENT"
	MemberActive         MemberStatus = "ACTIVE"
	MemberInactive       MemberStatus = "INACTIVE"
	MemberLeft           MemberStatus = "LEFT"
)

// MemberRole distinguishes the leader, who posts the deposit and receives the
// payout, from paying members.
type MemberRole string

const (
	RoleLeader MemberRole = "LEADER"
	RoleMember MemberRole = "MEMBER"
)

// Party is a group formed to split one shared subscription.
type Party struct {
	// ID is the unique identifier (UUID format unless supplied by the caller).
	ID string

	// LeaderID is the user who created the party and receives settlements.
	LeaderID string

	// Title is the display name of the party.
	Title string

	Status PartyStatus

	// Capacity is the number of members (leader included) at which
	// recruiting stops and the party becomes ACTIVE.
	Capacity int

	// MonthlyFee is each member's monthly due.
	MonthlyFee int64

	// DepositAmount is the leader's guarantee, fixed when the party is configured.
	DepositAmount int64

	CreatedAt int64
	UpdatedAt int64
	ClosedAt  int64
}

// PartyMember is one user's membership in a party.
type PartyMember struct {
	ID      string
	PartyID string
	UserID  string
	Role    MemberRole
	Status  MemberStatus

	// JoinedAt is when the membership was created.
	JoinedAt int64

	// ActivatedAt is when the first payment (or the leader's deposit) cleared.
	ActivatedAt int64

	LeftAt int64
}

// IsLeader reports whether the membership belongs to the party leader.
func (m *PartyMember) IsLeader() bool {
	return m.Role == RoleLeader
}
