package models

// SettlementStatus is the payout state of a monthly settlement.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementCompleted SettlementStatus = "COMPLETED"
	SettlementFailed    SettlementStatus = "FAILED"
)

// Settlement is the monthly payout record for one party.
type Settlement struct {
	// ID is the unique identifier for the settlement (UUID format).
	ID string

	// PartyID is the party this settlement pays out for.
	PartyID string

	// LeaderID is the user receiving the payout.
	LeaderID string

	// TargetMonth is the "YYYY-MM" month being settled.
	TargetMonth string

	// GrossAmount is the sum of completed payments for the party and month.
	GrossAmount int64

	// FeeAmount is the platform fee deducted from the gross.
	FeeAmount int64

	// NetAmount is what the leader receives: GrossAmount - FeeAmount.
	NetAmount int64

	Status SettlementStatus

	// Attempts counts transfer attempts that failed with a retryable error.
	Attempts int

	// NextAttemptAt is when the next disbursement try is due.
	NextAttemptAt int64

	// LastError is the most recent disbursement failure, shown in the admin view.
	LastError string

	// Halted is set after a non-retryable bank rejection; automatic retries stop
	// until an operator resumes the settlement.
	Halted bool

	// Archived marks a FAILED settlement as unrecoverable, which frees the
	// (party, month) slot for a new settlement.
	Archived bool

	CreatedAt   int64
	UpdatedAt   int64
	CompletedAt int64
}

// SettlementDetail links one contributing payment to a settlement.
type SettlementDetail struct {
	ID            string
	SettlementID  string
	PaymentID     string
	PartyMemberID string
	UserID        string
	Amount        int64
}
