// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/mmynk/partypay/internal/models"
)

// Store is the full persistence surface used by the engines.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL, etc.)
// without changing the engine layer.
//
// Get* methods return an apperr.ErrNotFound error for a missing row; Find*
// methods return (nil, nil) instead. Status updates are compare-and-set: they
// return an apperr.ErrInvalidState error when the row is no longer in the
// expected status.
type Store interface {
	PartyStore
	DepositStore
	PaymentStore
	SettlementStore
	VerificationStore
	AccountStore
	TransferStore

	// InTx runs fn as one unit of work. fn must use the Store it receives,
	// which is bound to the transaction; returning an error rolls back.
	// Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Close releases any resources held by the store.
	Close() error
}

// PartyStore persists parties and their memberships.
type PartyStore interface {
	CreateParty(ctx context.Context, party *models.Party) error
	GetParty(ctx context.Context, partyID string) (*models.Party, error)
	UpdatePartyStatus(ctx context.Context, partyID string, from, to models.PartyStatus, at int64) error
	ListPartiesByStatus(ctx context.Context, status models.PartyStatus) ([]*models.Party, error)

	// CreateMember fails with apperr.ErrDuplicate when the user already holds
	// a non-LEFT membership in the party.
	CreateMember(ctx context.Context, member *models.PartyMember) error
	GetMember(ctx context.Context, memberID string) (*models.PartyMember, error)
	FindMember(ctx context.Context, partyID, userID string) (*models.PartyMember, error)
	ListMembers(ctx context.Context, partyID string) ([]*models.PartyMember, error)
	UpdateMemberStatus(ctx context.Context, memberID string, from, to models.MemberStatus, at int64) error
	CountMembers(ctx context.Context, partyID string, statuses ...models.MemberStatus) (int, error)
}

// DepositStore persists leader deposits.
type DepositStore interface {
	// CreateDeposit fails with apperr.ErrDuplicateDeposit when a HELD deposit
	// already exists for the member.
	CreateDeposit(ctx context.Context, deposit *models.Deposit) error
	GetDeposit(ctx context.Context, depositID string) (*models.Deposit, error)
	FindHeldDeposit(ctx context.Context, partyID, memberID string) (*models.Deposit, error)
	ResolveDeposit(ctx context.Context, depositID string, to models.DepositStatus, reason string, at int64) error
	CountHeldDeposits(ctx context.Context, partyID string) (int, error)

	// ListRefundsDue returns REFUNDED deposits whose payout has not succeeded,
	// is not stuck, and is due at now.
	ListRefundsDue(ctx context.Context, now int64, limit int) ([]*models.Deposit, error)
	RecordRefundAttempt(ctx context.Context, depositID string, attempts int, nextAt int64, stuck bool) error
	MarkRefundPaid(ctx context.Context, depositID string) error
}

// PaymentStore persists monthly dues.
type PaymentStore interface {
	// CreatePayment fails with apperr.ErrDuplicate when the order id is taken or
	// a non-FAILED payment already exists for the member and month.
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	FindPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)

	// FindPaymentByMemberAndMonth returns the live (non-FAILED) payment for
	// the pair, or the most recent FAILED one when no live payment exists.
	FindPaymentByMemberAndMonth(ctx context.Context, memberID, month string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, to models.PaymentStatus, reason string, at int64) error
	ListCompletedPayments(ctx context.Context, partyID, month string) ([]*models.Payment, error)
}

// SettlementStore persists settlements and their line items.
type SettlementStore interface {
	// CreateSettlement writes the settlement and its details. It fails with
	// apperr.ErrDuplicateSettlement when a non-archived settlement exists for
	// the party and month.
	CreateSettlement(ctx context.Context, settlement *models.Settlement, details []*models.SettlementDetail) error
	GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error)
	FindSettlement(ctx context.Context, partyID, month string) (*models.Settlement, error)
	ListSettlementDetails(ctx context.Context, settlementID string) ([]*models.SettlementDetail, error)
	UpdateSettlementStatus(ctx context.Context, settlementID string, from, to models.SettlementStatus, at int64) error
	RecordSettlementAttempt(ctx context.Context, settlementID string, attempts int, nextAt int64, lastErr string, halted bool) error
	ListDueSettlements(ctx context.Context, now int64, limit int) ([]*models.Settlement, error)
	ListSettlementsNeedingAttention(ctx context.Context) ([]*models.Settlement, error)
	ArchiveSettlement(ctx context.Context, settlementID, reason string, at int64) error
}

// VerificationStore persists micro-deposit verification sessions.
type VerificationStore interface {
	CreateVerification(ctx context.Context, v *models.AccountVerification) error
	GetVerificationByBankTranID(ctx context.Context, bankTranID string) (*models.AccountVerification, error)

	// IncrementVerificationAttempts bumps the attempt count of a PENDING
	// session and returns the new count.
	IncrementVerificationAttempts(ctx context.Context, verificationID string) (int, error)
	UpdateVerificationStatus(ctx context.Context, verificationID string, from, to models.VerificationStatus, at int64) error

	// ExpireVerifications moves PENDING sessions past their deadline to EXPIRED.
	ExpireVerifications(ctx context.Context, now int64) (int, error)

	// ExpireUserVerifications moves every PENDING session of the user to EXPIRED.
	ExpireUserVerifications(ctx context.Context, userID string) (int, error)
}

// AccountStore persists verified payout accounts.
type AccountStore interface {
	// CreateAccount fails with apperr.ErrDuplicate if another account of the
	// user is still active.
	CreateAccount(ctx context.Context, account *models.Account) error
	FindActiveAccount(ctx context.Context, userID string) (*models.Account, error)
	ListAccounts(ctx context.Context, userID string) ([]*models.Account, error)
	DeactivateAccounts(ctx context.Context, userID string, at int64) (int, error)
}

// TransferStore persists the outbound transfer ledger.
type TransferStore interface {
	// CreateTransfer fails with apperr.ErrDuplicate if the bank transaction id
	// or the (kind, reference, attempt) epoch is taken.
	CreateTransfer(ctx context.Context, t *models.TransferTransaction) error
	GetTransfer(ctx context.Context, transferID string) (*models.TransferTransaction, error)
	GetTransferByBankTranID(ctx context.Context, bankTranID string) (*models.TransferTransaction, error)
	ListTransfers(ctx context.Context, kind models.TransferKind, referenceID string) ([]*models.TransferTransaction, error)

	// CompleteTransfer moves a PENDING transfer to SUCCESS or FAILED.
	CompleteTransfer(ctx context.Context, transferID string, to models.TransferStatus, code, message string, class models.FailureClass, at int64) error
	ListPendingTransfers(ctx context.Context, createdBefore int64, limit int) ([]*models.TransferTransaction, error)
}
