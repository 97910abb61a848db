package models

// DepositStatus is the escrow state of a deposit. HELD is the only
// non-terminal state.
type DepositStatus string

const (
	DepositHeld      DepositStatus = "HELD"
	DepositRefunded  DepositStatus = "REFUNDED"
	DepositForfeited DepositStatus = "FORFEITED"
)

// Deposit is the leader's refundable guarantee for a party.
type Deposit struct {
	ID            string
	PartyID       string
	PartyMemberID string
	UserID        string

	// Amount never changes after creation.
	Amount int64

	Status DepositStatus

	// Reason records why the deposit left HELD.
	Reason string

	// PaymentKey and OrderID identify the card charge that funded the deposit.
	PaymentKey    string
	OrderID       string
	PaymentMethod string

	// RefundAttempts counts payout attempts for a REFUNDED deposit.
	RefundAttempts int

	// NextRefundAt is when the payout retry becomes due (0 when none is scheduled).
	NextRefundAt int64

	// RefundPaid is set once the refund transfer reached SUCCESS.
	RefundPaid bool

	// RefundStuck is set when payout retries are exhausted or the bank rejected
	// the destination; the refund needs manual follow-up.
	RefundStuck bool

	CreatedAt  int64
	ResolvedAt int64
}
