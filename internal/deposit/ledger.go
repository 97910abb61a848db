// Package deposit keeps leaders' deposits in escrow and releases them
// exactly once, as a refund or a forfeiture.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/notify"
	"github.com/mmynk/partypay/internal/party"
	"github.com/mmynk/partypay/internal/retry"
	"github.com/mmynk/partypay/internal/storage"
	"github.com/mmynk/partypay/internal/transfer"
)

// AccountFinder resolves a user's verified payout account.
type AccountFinder interface {
	ActiveAccount(ctx context.Context, userID string) (*models.Account, error)
}

// Ledger is the deposit ledger.
type Ledger struct {
	store     storage.Store
	parties   *party.Machine
	transfers *transfer.Executor
	accounts  AccountFinder
	publisher notify.Publisher
	policy    retry.Policy
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryPolicy sets the backoff for failed refund payouts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// New creates a Ledger.
func New(store storage.Store, parties *party.Machine, transfers *transfer.Executor, accounts AccountFinder, publisher notify.Publisher, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		parties:   parties,
		transfers: transfers,
		accounts:  accounts,
		publisher: publisher,
		policy:    retry.DefaultPolicy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateInput describes a deposit payment that cleared.
type CreateInput struct {
	PartyID       string
	PartyMemberID string
	UserID        string
	Amount        int64
	PaymentKey    string
	OrderID       string
	PaymentMethod string
}

// CreateDeposit puts the leader's deposit in escrow and opens the party for
// recruiting. It fails with apperr.ErrDuplicateDeposit if a HELD deposit
// already exists for the member.
func (l *Ledger) CreateDeposit(ctx context.Context, in CreateInput) (*models.Deposit, error) {
	if in.Amount <= 0 {
		return nil, apperr.Validation("amount", "must be positive")
	}

	var deposit *models.Deposit
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		p, err := tx.GetParty(ctx, in.PartyID)
		if err != nil {
			return err
		}
		if in.Amount != p.DepositAmount {
			return apperr.Validation("amount", fmt.Sprintf("party requires a deposit of %d", p.DepositAmount))
		}
		existing, err := tx.FindHeldDeposit(ctx, in.PartyID, in.PartyMemberID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.ErrDuplicateDeposit
		}
		member, err := tx.GetMember(ctx, in.PartyMemberID)
		if err != nil {
			return err
		}
		if member.UserID != in.UserID {
			return apperr.Validation("user_id", "does not own the membership")
		}

		deposit = &models.Deposit{
			PartyID:       in.PartyID,
			PartyMemberID: in.PartyMemberID,
			UserID:        in.UserID,
			Amount:        in.Amount,
			Status:        models.DepositHeld,
			PaymentKey:    in.PaymentKey,
			OrderID:       in.OrderID,
			PaymentMethod: in.PaymentMethod,
			CreatedAt:     l.now().Unix(),
		}
		if err := tx.CreateDeposit(ctx, deposit); err != nil {
			return err
		}
		return l.parties.OnDepositHeld(ctx, tx, in.PartyID, in.PartyMemberID)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Deposit held", "deposit_id", deposit.ID, "party_id", deposit.PartyID, "amount", deposit.Amount)
	return deposit, nil
}

// GetDeposit returns a deposit.
func (l *Ledger) GetDeposit(ctx context.Context, depositID string) (*models.Deposit, error) {
	return l.store.GetDeposit(ctx, depositID)
}

// RefundDeposit releases a HELD deposit back to the depositor and pays it out
// to their verified account. The deposit is REFUNDED even when the payout
// fails; the payout is then retried in the background and the error is
// returned.
func (l *Ledger) RefundDeposit(ctx context.Context, depositID, reason string) (*models.Deposit, *models.TransferTransaction, error) {
	var deposit *models.Deposit
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		deposit, err = l.resolve(ctx, tx, depositID, models.DepositRefunded, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	l.announce(ctx, deposit)
	t, err := l.payRefund(ctx, deposit)
	return deposit, t, err
}

// ForfeitDeposit keeps a HELD deposit for the platform. No transfer is made.
func (l *Ledger) ForfeitDeposit(ctx context.Context, depositID, reason string) (*models.Deposit, error) {
	var deposit *models.Deposit
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		deposit, err = l.resolve(ctx, tx, depositID, models.DepositForfeited, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.announce(ctx, deposit)
	return deposit, nil
}

// WithdrawalResult reports what the withdrawal policy did.
type WithdrawalResult struct {
	Deposit  *models.Deposit
	Decision Decision
	Transfer *models.TransferTransaction
}

// ProcessWithdrawalRefund applies the withdrawal policy to the deposit of a
// member who leaves: the deposit is refunded or forfeited, the membership
// ends, and the party closes when its leader leaves.
func (l *Ledger) ProcessWithdrawalRefund(ctx context.Context, depositID string) (*WithdrawalResult, error) {
	result := &WithdrawalResult{}
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		d, err := tx.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		p, err := tx.GetParty(ctx, d.PartyID)
		if err != nil {
			return err
		}
		member, err := tx.GetMember(ctx, d.PartyMemberID)
		if err != nil {
			return err
		}

		decision, err := DecideWithdrawal(d.Status, p.Status, member.Role)
		if err != nil {
			return fmt.Errorf("deposit %q: %w", depositID, err)
		}
		to := models.DepositRefunded
		if decision.Action == ActionForfeit {
			to = models.DepositForfeited
		}
		d, err = l.resolve(ctx, tx, depositID, to, decision.Reason)
		if err != nil {
			return err
		}
		result.Deposit, result.Decision = d, decision

		if member.Status == models.MemberLeft {
			return nil
		}
		return l.parties.Withdraw(ctx, tx, member)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Withdrawal processed",
		"deposit_id", depositID, "action", result.Decision.Action, "reason", result.Decision.Reason)
	l.announce(ctx, result.Deposit)

	if result.Decision.Action == ActionRefund {
		t, err := l.payRefund(ctx, result.Deposit)
		result.Transfer = t
		return result, err
	}
	return result, nil
}

func (l *Ledger) resolve(ctx context.Context, tx storage.Store, depositID string, to models.DepositStatus, reason string) (*models.Deposit, error) {
	d, err := tx.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DepositHeld {
		return nil, apperr.InvalidState("deposit", depositID, d.Status, models.DepositHeld)
	}
	at := l.now().Unix()
	if err := tx.ResolveDeposit(ctx, depositID, to, reason, at); err != nil {
		return nil, err
	}
	d.Status, d.Reason, d.ResolvedAt, d.NextRefundAt = to, reason, at, at
	return d, nil
}

func (l *Ledger) announce(ctx context.Context, d *models.Deposit) {
	t := models.EventDepositRefunded
	if d.Status == models.DepositForfeited {
		t = models.EventDepositForfeited
	}
	l.publisher.Publish(ctx, models.Event{
		Type:        t,
		UserID:      d.UserID,
		Amount:      d.Amount,
		ReferenceID: d.ID,
		OccurredAt:  d.ResolvedAt,
	})
}

// payRefund makes one payout attempt for a REFUNDED deposit and records the
// retry bookkeeping.
func (l *Ledger) payRefund(ctx context.Context, d *models.Deposit) (*models.TransferTransaction, error) {
	account, err := l.accounts.ActiveAccount(ctx, d.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNoVerifiedAccount) {
			// Wait for verification without spending an attempt.
			l.schedule(ctx, d, d.RefundAttempts, l.now().Add(l.policy.Base).Unix(), false)
		}
		return nil, err
	}

	t, err := l.transfers.ExecuteTransfer(ctx, models.TransferDepositRefund, d.ID,
		transfer.DestinationOf(account), d.Amount, "deposit refund")
	return t, l.applyOutcome(ctx, d, t, err)
}

func (l *Ledger) applyOutcome(ctx context.Context, d *models.Deposit, t *models.TransferTransaction, err error) error {
	ctx = context.WithoutCancel(ctx)
	if err == nil && t != nil && t.Status == models.TransferSuccess {
		if err := l.store.MarkRefundPaid(ctx, d.ID); err != nil {
			return err
		}
		slog.InfoContext(ctx, "Deposit refund paid", "deposit_id", d.ID, "bank_tran_id", t.BankTranID)
		return nil
	}
	if err == nil {
		return nil
	}

	switch {
	case t != nil && t.Status == models.TransferPending:
		// Outcome unknown; the next attempt reconciles before sending.
		l.schedule(ctx, d, d.RefundAttempts, l.now().Add(l.policy.Base).Unix(), false)
	case errors.Is(err, apperr.ErrBusiness):
		l.schedule(ctx, d, d.RefundAttempts+1, 0, true)
	case errors.Is(err, apperr.ErrGateway):
		attempts := d.RefundAttempts + 1
		stuck := l.policy.Exhausted(attempts)
		l.schedule(ctx, d, attempts, l.policy.Next(l.now(), attempts), stuck)
	}
	return err
}

func (l *Ledger) schedule(ctx context.Context, d *models.Deposit, attempts int, nextAt int64, stuck bool) {
	if err := l.store.RecordRefundAttempt(ctx, d.ID, attempts, nextAt, stuck); err != nil {
		slog.ErrorContext(ctx, "Failed to schedule refund retry", "deposit_id", d.ID, "error", err)
		return
	}
	d.RefundAttempts, d.NextRefundAt, d.RefundStuck = attempts, nextAt, stuck
	if stuck {
		slog.ErrorContext(ctx, "Deposit refund needs manual follow-up", "deposit_id", d.ID, "attempts", attempts)
	}
}

// RetryDueRefunds retries refund payouts whose backoff has elapsed and
// returns how many were paid.
func (l *Ledger) RetryDueRefunds(ctx context.Context, limit int) (int, error) {
	due, err := l.store.ListRefundsDue(ctx, l.now().Unix(), limit)
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, d := range due {
		t, err := l.payRefund(ctx, d)
		if err != nil {
			slog.WarnContext(ctx, "Refund payout retry failed", "deposit_id", d.ID, "error", err)
			continue
		}
		if t != nil && t.Status == models.TransferSuccess {
			paid++
		}
	}
	return paid, nil
}

// ApplyTransferOutcome advances a refund whose transfer was resolved by
// reconciliation.
func (l *Ledger) ApplyTransferOutcome(ctx context.Context, t *models.TransferTransaction) error {
	if t.Kind != models.TransferDepositRefund {
		return nil
	}
	d, err := l.store.GetDeposit(ctx, t.ReferenceID)
	if err != nil {
		return err
	}
	if d.Status != models.DepositRefunded || d.RefundPaid {
		return nil
	}
	outcome := l.applyOutcome(ctx, d, t, transfer.OutcomeError(t))
	if errors.Is(outcome, apperr.ErrBusiness) || errors.Is(outcome, apperr.ErrGateway) {
		// Recorded for retry; not an error of the reconciliation itself.
		return nil
	}
	return outcome
}
