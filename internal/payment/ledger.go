// Package payment records members' monthly dues.
//
// A payment is created PENDING and moves once to COMPLETED or FAILED. A failed
// payment is never reopened: it is reissued as a new payment with a new order
// id, so the ledger stays append-only.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/calculator"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/party"
	"github.com/mmynk/partypay/internal/storage"
)

// Ledger is the payment ledger.
type Ledger struct {
	store   storage.Store
	parties *party.Machine
	now     func() time.Time
}

// New creates a Ledger.
func New(store storage.Store, parties *party.Machine) *Ledger {
	return &Ledger{store: store, parties: parties, now: time.Now}
}

// RecordInput is what the payment-collection collaborator reports for a due.
type RecordInput struct {
	PartyMemberID string
	TargetMonth   string
	Amount        int64
	OrderID       string
	PaymentKey    string
	PaymentMethod string
}

// RecordPayment issues a PENDING payment for a member and month. It fails with
// apperr.ErrDuplicate if a non-failed payment already exists for the pair.
func (l *Ledger) RecordPayment(ctx context.Context, in RecordInput) (*models.Payment, error) {
	if _, err := calculator.ParseMonth(in.TargetMonth); err != nil {
		return nil, apperr.Validation("target_month", err.Error())
	}
	if in.Amount <= 0 {
		return nil, apperr.Validation("amount", "must be positive")
	}
	if in.OrderID == "" {
		return nil, apperr.Validation("order_id", "required")
	}

	var payment *models.Payment
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		p, member, err := l.parties.RequireOpenMembership(ctx, tx, in.PartyMemberID)
		if err != nil {
			return err
		}
		existing, err := tx.FindPaymentByMemberAndMonth(ctx, member.ID, in.TargetMonth)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status != models.PaymentFailed {
			return fmt.Errorf("payment %q for member %q month %s: %w",
				existing.ID, member.ID, in.TargetMonth, apperr.ErrDuplicate)
		}

		payment = &models.Payment{
			PartyID:       p.ID,
			PartyMemberID: member.ID,
			UserID:        member.UserID,
			TargetMonth:   in.TargetMonth,
			Amount:        in.Amount,
			Status:        models.PaymentPending,
			OrderID:       in.OrderID,
			PaymentKey:    in.PaymentKey,
			PaymentMethod: in.PaymentMethod,
			CreatedAt:     l.now().Unix(),
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Payment recorded",
		"payment_id", payment.ID, "member_id", payment.PartyMemberID, "month", payment.TargetMonth, "amount", payment.Amount)
	return payment, nil
}

// GetPayment returns a payment.
func (l *Ledger) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return l.store.GetPayment(ctx, paymentID)
}

// FindByPartyMemberIDAndTargetMonth returns the payment of record for a member
// and month: the live one, else the latest failed one.
func (l *Ledger) FindByPartyMemberIDAndTargetMonth(ctx context.Context, memberID, month string) (*models.Payment, error) {
	p, err := l.store.FindPaymentByMemberAndMonth(ctx, memberID, month)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("payment", memberID+"/"+month)
	}
	return p, nil
}

// UpdatePaymentStatus completes or fails a PENDING payment. Completing a
// member's pending first payment activates the member in the same unit of work.
func (l *Ledger) UpdatePaymentStatus(ctx context.Context, paymentID string, to models.PaymentStatus, reason string) (*models.Payment, error) {
	if !to.IsTerminal() {
		return nil, apperr.Validation("status", "must be COMPLETED or FAILED")
	}

	var payment *models.Payment
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		payment, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status.IsTerminal() {
			return apperr.InvalidState("payment", paymentID, payment.Status, models.PaymentPending)
		}

		at := l.now().Unix()
		if to == models.PaymentCompleted {
			reason = ""
		}
		if err := tx.UpdatePaymentStatus(ctx, paymentID, to, reason, at); err != nil {
			return err
		}
		payment.Status = to
		payment.FailReason = reason
		payment.UpdatedAt = at

		if to != models.PaymentCompleted {
			return nil
		}
		member, err := tx.GetMember(ctx, payment.PartyMemberID)
		if err != nil {
			return err
		}
		if member.Status != models.MemberPendingPayment {
			return nil
		}
		return l.parties.ActivateMember(ctx, tx, member.ID, payment.TargetMonth)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Payment status updated", "payment_id", paymentID, "status", to)
	return payment, nil
}

// Reissue creates a fresh PENDING payment for the member and month of a
// failed payment. The failed payment is left untouched.
func (l *Ledger) Reissue(ctx context.Context, failedPaymentID, newOrderID string) (*models.Payment, error) {
	if newOrderID == "" {
		return nil, apperr.Validation("order_id", "required")
	}

	var failed *models.Payment
	err := l.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		failed, err = tx.GetPayment(ctx, failedPaymentID)
		if err != nil {
			return err
		}
		if failed.Status != models.PaymentFailed {
			return apperr.InvalidState("payment", failedPaymentID, failed.Status, models.PaymentFailed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return l.RecordPayment(ctx, RecordInput{
		PartyMemberID: failed.PartyMemberID,
		TargetMonth:   failed.TargetMonth,
		Amount:        failed.Amount,
		OrderID:       newOrderID,
		PaymentMethod: failed.PaymentMethod,
	})
}
