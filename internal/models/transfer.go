package models

// TransferStatus is the outcome of one outbound transfer attempt.
// SUCCESS and FAILED are terminal and the record is immutable afterwards.
type TransferStatus string

const (
	TransferPending TransferStatus = "PENDING"
	TransferSuccess TransferStatus = "SUCCESS"
	TransferFailed  TransferStatus = "FAILED"
)

// TransferKind names what a transfer pays out.
type TransferKind string

const (
	TransferSettlement    TransferKind = "SETTLEMENT"
	TransferDepositRefund TransferKind = "DEPOSIT_REFUND"
)

// FailureClass records why a transfer failed, so retry policy can tell a bank
// rejection from a transport failure.
type FailureClass string

const (
	FailureNone     FailureClass = ""
	FailureBusiness FailureClass = "BUSINESS"
	FailureNetwork  FailureClass = "NETWORK"
)

// TransferTransaction is the ledger entry for one transfer attempt.
type TransferTransaction struct {
	ID string

	Kind TransferKind

	// ReferenceID is the settlement (or deposit) the transfer pays out.
	ReferenceID string

	// Attempt is the epoch of this try for the reference, starting at 1.
	Attempt int

	// BankTranID is the idempotency key sent to the gateway, stored as sent.
	BankTranID string

	BankCode      string
	FintechUseNum string
	Amount        int64
	Memo          string

	Status TransferStatus

	// ResponseCode and ResponseMessage are stored verbatim from the gateway.
	ResponseCode    string
	ResponseMessage string

	FailureClass FailureClass

	// Superseded marks a failed attempt replaced by a newer epoch. It is
	// derived on read; stored transfers never change once final.
	Superseded bool

	CreatedAt int64
	UpdatedAt int64
}

// IsTerminal reports whether the transfer reached its final outcome.
func (t *TransferTransaction) IsTerminal() bool {
	return t.Status == TransferSuccess || t.Status == TransferFailed
}
