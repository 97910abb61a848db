package models

// PaymentStatus is the collection state of a monthly due.
// COMPLETED and FAILED are terminal.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// IsTerminal reports whether the status can no longer change.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Payment is one member's due for one target month.
type Payment struct {
	ID            string
	PartyID       string
	PartyMemberID string
	UserID        string

	// TargetMonth is the "YYYY-MM" month this payment covers. Immutable.
	TargetMonth string

	Amount int64
	Status PaymentStatus

	// OrderID is globally unique across all payments.
	OrderID string

	// PaymentKey is the card-billing provider's reference.
	PaymentKey    string
	PaymentMethod string

	FailReason string

	CreatedAt int64
	UpdatedAt int64
}
