// Package transfer executes outbound bank transfers and keeps the transfer
// ledger.
//
// Every attempt is written PENDING before the gateway is called, under a fresh
// bank transaction id. An attempt whose response was lost stays PENDING until
// Reconcile learns its outcome from the bank; nothing is resent for a
// reference while one of its attempts is unresolved.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/bank"
	"github.com/mmynk/partypay/internal/metrics"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/storage"
)

// ErrOutcomeUnknown is returned when an earlier attempt for the same
// reference has no known outcome yet.
var ErrOutcomeUnknown = fmt.Errorf("earlier transfer outcome unknown: %w", apperr.ErrGateway)

// Destination is a verified payout account.
type Destination struct {
	BankCode      string
	FintechUseNum string
}

// DestinationOf returns the payout destination of an account.
func DestinationOf(a *models.Account) Destination {
	return Destination{BankCode: a.BankCode, FintechUseNum: a.FintechUseNum}
}

// Executor runs single transfer attempts. It never loops retries itself.
type Executor struct {
	store   storage.Store
	gateway bank.Gateway
	orgCode string
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor. orgCode prefixes the bank transaction ids it issues.
func New(store storage.Store, gateway bank.Gateway, orgCode string, opts ...Option) *Executor {
	e := &Executor{store: store, gateway: gateway, orgCode: orgCode, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteTransfer pays amount to dest for the given reference.
//
// If the reference was already paid, the successful transfer is returned and
// nothing is sent. Otherwise one new attempt is made; the returned transfer
// records its outcome and the error classifies a failure: apperr.ErrBusiness
// for a rejection, apperr.ErrGateway for a transport failure (the transfer
// stays PENDING when the outcome is unknown).
func (e *Executor) ExecuteTransfer(ctx context.Context, kind models.TransferKind, referenceID string, dest Destination, amount int64, memo string) (*models.TransferTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount", "must be positive")
	}
	if dest.FintechUseNum == "" || dest.BankCode == "" {
		return nil, apperr.Validation("destination", "verified account required")
	}

	prior, err := e.store.ListTransfers(ctx, kind, referenceID)
	if err != nil {
		return nil, err
	}
	attempt := 1
	for _, t := range prior {
		if t.Attempt >= attempt {
			attempt = t.Attempt + 1
		}
		switch t.Status {
		case models.TransferSuccess:
			return t, nil
		case models.TransferPending:
			resolved, err := e.Reconcile(ctx, t)
			if err != nil {
				return resolved, fmt.Errorf("reconcile %s: %w", t.BankTranID, err)
			}
			switch resolved.Status {
			case models.TransferSuccess:
				return resolved, nil
			case models.TransferPending:
				return resolved, ErrOutcomeUnknown
			case models.TransferFailed:
				if resolved.FailureClass == models.FailureBusiness {
					return resolved, OutcomeError(resolved)
				}
			}
		}
	}

	t := &models.TransferTransaction{
		Kind:          kind,
		ReferenceID:   referenceID,
		Attempt:       attempt,
		BankTranID:    bank.NewBankTranID(e.orgCode),
		BankCode:      dest.BankCode,
		FintechUseNum: dest.FintechUseNum,
		Amount:        amount,
		Memo:          memo,
		Status:        models.TransferPending,
		CreatedAt:     e.now().Unix(),
	}
	if err := e.store.CreateTransfer(ctx, t); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Sending transfer",
		"kind", kind, "reference_id", referenceID, "attempt", attempt, "bank_tran_id", t.BankTranID, "amount", amount)

	res, sendErr := e.gateway.Deposit(ctx, bank.TransferRequest{
		BankTranID:    t.BankTranID,
		BankCode:      dest.BankCode,
		FintechUseNum: dest.FintechUseNum,
		Amount:        amount,
		Memo:          memo,
	})
	return e.record(ctx, t, res, sendErr)
}

// record stores the outcome of a send and returns the classified error.
func (e *Executor) record(ctx context.Context, t *models.TransferTransaction, res *bank.Result, sendErr error) (*models.TransferTransaction, error) {
	code, msg := "", ""
	if res != nil {
		code, msg = res.ResponseCode, res.ResponseMessage
	}

	var (
		status models.TransferStatus
		class  models.FailureClass
	)
	switch {
	case sendErr == nil:
		status = models.TransferSuccess
	case bank.IsAmbiguous(sendErr):
		slog.WarnContext(ctx, "Transfer outcome unknown", "bank_tran_id", t.BankTranID, "error", sendErr)
		return t, sendErr
	case errors.Is(sendErr, apperr.ErrBusiness):
		status, class = models.TransferFailed, models.FailureBusiness
	default:
		status, class = models.TransferFailed, models.FailureNetwork
		if !errors.Is(sendErr, apperr.ErrGateway) {
			sendErr = fmt.Errorf("%w: %w", apperr.ErrGateway, sendErr)
		}
	}
	if msg == "" && sendErr != nil {
		msg = sendErr.Error()
	}

	if err := e.complete(ctx, t, status, code, msg, class); err != nil {
		return t, err
	}
	if sendErr != nil {
		slog.WarnContext(ctx, "Transfer failed",
			"bank_tran_id", t.BankTranID, "class", class, "response_code", code, "error", sendErr)
		return t, sendErr
	}
	return t, nil
}

func (e *Executor) complete(ctx context.Context, t *models.TransferTransaction, status models.TransferStatus, code, msg string, class models.FailureClass) error {
	at := e.now().Unix()
	// The outcome is persisted even if the caller gave up waiting.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.CompleteTransfer(ctx, t.ID, status, code, msg, class, at); err != nil {
		return fmt.Errorf("record outcome of %s: %w", t.BankTranID, err)
	}
	t.Status, t.ResponseCode, t.ResponseMessage, t.FailureClass, t.UpdatedAt = status, code, msg, class, at
	metrics.RecordTransfer(string(t.Kind), string(status))
	return nil
}

// FindByBankTranID returns the transfer sent with the given idempotency key.
func (e *Executor) FindByBankTranID(ctx context.Context, bankTranID string) (*models.TransferTransaction, error) {
	return e.store.GetTransferByBankTranID(ctx, bankTranID)
}

// Reconcile asks the bank for the outcome of a PENDING transfer and records
// it. A transfer the bank never received is marked FAILED as a network
// failure, which makes a new attempt safe. A transfer the bank is still
// processing stays PENDING.
func (e *Executor) Reconcile(ctx context.Context, t *models.TransferTransaction) (*models.TransferTransaction, error) {
	if t.IsTerminal() {
		return t, nil
	}

	res, err := e.gateway.Inquire(ctx, t.BankTranID)
	if err != nil {
		return t, err
	}

	switch bank.Classify(res.ResponseCode) {
	case bank.OutcomeSuccess:
		err = e.complete(ctx, t, models.TransferSuccess, res.ResponseCode, res.ResponseMessage, models.FailureNone)
	case bank.OutcomeNotReceived:
		err = e.complete(ctx, t, models.TransferFailed, res.ResponseCode, "not received by bank", models.FailureNetwork)
	case bank.OutcomeRejected:
		err = e.complete(ctx, t, models.TransferFailed, res.ResponseCode, res.ResponseMessage, models.FailureBusiness)
	default:
		return t, nil
	}
	if errors.Is(err, apperr.ErrInvalidState) {
		// Resolved concurrently; the stored outcome wins.
		return e.store.GetTransfer(ctx, t.ID)
	}
	if err != nil {
		return t, err
	}

	slog.InfoContext(ctx, "Transfer reconciled", "bank_tran_id", t.BankTranID, "status", t.Status, "response_code", t.ResponseCode)
	return t, nil
}

// ReconcilePending resolves PENDING transfers older than olderThan and
// returns the ones that reached a final outcome.
func (e *Executor) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.TransferTransaction, error) {
	pending, err := e.store.ListPendingTransfers(ctx, e.now().Add(-olderThan).Unix(), limit)
	if err != nil {
		return nil, err
	}

	var resolved []*models.TransferTransaction
	for _, t := range pending {
		r, err := e.Reconcile(ctx, t)
		if err != nil {
			slog.WarnContext(ctx, "Reconcile failed", "bank_tran_id", t.BankTranID, "error", err)
			continue
		}
		if r.IsTerminal() {
			resolved = append(resolved, r)
		}
	}
	return resolved, nil
}

// OutcomeError rebuilds the classified error of a final FAILED transfer.
func OutcomeError(t *models.TransferTransaction) error {
	if t.Status != models.TransferFailed {
		return nil
	}
	if t.FailureClass == models.FailureBusiness {
		return bank.Rejected(t.ResponseCode, t.ResponseMessage)
	}
	return &bank.SendError{Err: errors.New(t.ResponseMessage)}
}
