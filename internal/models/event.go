package models

// EventType names a domain event delivered to the notification collaborator.
type EventType string

const (
	EventDepositRefunded     EventType = "DEPOSIT_REFUNDED"
	EventDepositForfeited    EventType = "DEPOSIT_FORFEITED"
	EventSettlementCompleted EventType = "SETTLEMENT_COMPLETED"
	EventSettlementFailed    EventType = "SETTLEMENT_FAILED"
	EventAccountVerified     EventType = "ACCOUNT_VERIFIED"
)

// Event is emitted after a money movement commits. Delivery is not awaited.
type Event struct {
	Type        EventType `json:"type"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	ReferenceID string    `json:"referenceId"`
	OccurredAt  int64     `json:"occurredAt"`
}
