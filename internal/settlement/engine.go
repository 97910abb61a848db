// Package settlement turns a party's completed monthly dues into the
// leader's payout.
//
// A settlement moves PENDING -> COMPLETED once its transfer succeeds, or
// PENDING -> FAILED when network failures exhaust the retry policy. A bank
// rejection halts it until an operator resumes it. A FAILED settlement is
// never overwritten: it is archived as unrecoverable, which frees its
// (party, month) slot for a new settlement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/calculator"
	"github.com/mmynk/partypay/internal/metrics"
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

// Config holds the settlement policy.
type Config struct {
	FeeRate decimal.Decimal
	Retry   retry.Policy
	// Concurrency bounds how many parties RunMonthly settles at once.
	Concurrency int
	// BatchSize bounds how many due settlements one RetryDue call handles.
	BatchSize int
	// Location decides where a target month begins. Defaults to UTC.
	Location *time.Location
}

// DefaultConfig is the production policy.
var DefaultConfig = Config{
	FeeRate:     calculator.DefaultFeeRate,
	Retry:       retry.DefaultPolicy,
	Concurrency: 4,
	BatchSize:   50,
}

// Engine is the settlement engine.
type Engine struct {
	store     storage.Store
	parties   *party.Machine
	transfers *transfer.Executor
	accounts  AccountFinder
	publisher notify.Publisher
	cfg       Config
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(store storage.Store, parties *party.Machine, transfers *transfer.Executor, accounts AccountFinder, publisher notify.Publisher, cfg Config, opts ...Option) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{
		store:     store,
		parties:   parties,
		transfers: transfers,
		accounts:  accounts,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateMonthlySettlement aggregates the party's completed payments for month
// into a settlement and pays the net amount to the leader.
//
// It fails with apperr.ErrDuplicateSettlement when the party already has a
// settlement for month. A month without completed payments yields a
// COMPLETED zero settlement and no transfer. Once the settlement is
// persisted it is returned even when the payout fails; the error then tells
// why it is still PENDING.
func (e *Engine) CreateMonthlySettlement(ctx context.Context, partyID, month string) (*models.Settlement, error) {
	if _, err := calculator.ParseMonth(month); err != nil {
		return nil, apperr.Validation("target_month", err.Error())
	}

	var s *models.Settlement
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		existing, err := tx.FindSettlement(ctx, partyID, month)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.ErrDuplicateSettlement
		}
		p, err := e.parties.RequireSettleable(ctx, tx, partyID)
		if err != nil {
			return err
		}

		payments, err := tx.ListCompletedPayments(ctx, partyID, month)
		if err != nil {
			return err
		}
		amounts := make([]int64, len(payments))
		details := make([]*models.SettlementDetail, len(payments))
		for i, pay := range payments {
			amounts[i] = pay.Amount
			details[i] = &models.SettlementDetail{
				PaymentID:     pay.ID,
				PartyMemberID: pay.PartyMemberID,
				UserID:        pay.UserID,
				Amount:        pay.Amount,
			}
		}
		gross, err := calculator.Sum(amounts)
		if err != nil {
			return err
		}
		fee, err := calculator.SettlementFee(gross, e.cfg.FeeRate)
		if err != nil {
			return err
		}

		at := e.now().Unix()
		s = &models.Settlement{
			PartyID:     partyID,
			LeaderID:    p.LeaderID,
			TargetMonth: month,
			GrossAmount: fee.Gross,
			FeeAmount:   fee.Fee,
			NetAmount:   fee.Net,
			Status:      models.SettlementPending,
			CreatedAt:   at,
		}
		if fee.Net == 0 {
			s.Status = models.SettlementCompleted
			s.CompletedAt = at
		}
		return tx.CreateSettlement(ctx, s, details)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Settlement created",
		"settlement_id", s.ID, "party_id", partyID, "month", month,
		"gross", s.GrossAmount, "fee", s.FeeAmount, "net", s.NetAmount)

	if s.Status == models.SettlementCompleted {
		metrics.RecordSettlement(string(s.Status), 0)
		return s, nil
	}
	return e.Disburse(ctx, s.ID)
}

// GetSettlement returns a settlement with its line items.
func (e *Engine) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, []*models.SettlementDetail, error) {
	s, err := e.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, nil, err
	}
	details, err := e.store.ListSettlementDetails(ctx, settlementID)
	if err != nil {
		return nil, nil, err
	}
	return s, details, nil
}

// Transfers returns every payout attempt of a settlement.
func (e *Engine) Transfers(ctx context.Context, settlementID string) ([]*models.TransferTransaction, error) {
	return e.store.ListTransfers(ctx, models.TransferSettlement, settlementID)
}

// Disburse makes one payout attempt for a PENDING settlement. It is shared by
// creation, background retry and operator resume.
func (e *Engine) Disburse(ctx context.Context, settlementID string) (*models.Settlement, error) {
	s, err := e.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SettlementPending || s.Archived {
		return s, apperr.InvalidState("settlement", settlementID, s.Status, models.SettlementPending)
	}

	account, err := e.accounts.ActiveAccount(ctx, s.LeaderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNoVerifiedAccount) {
			// Verification completes asynchronously; check again later
			// without spending an attempt.
			e.record(ctx, s, s.Attempts, e.now().Add(e.cfg.Retry.Base).Unix(), "no verified account", false)
			slog.WarnContext(ctx, "Settlement waiting for verified account", "settlement_id", s.ID, "leader_id", s.LeaderID)
		}
		return s, err
	}

	memo := fmt.Sprintf("settlement %s", s.TargetMonth)
	t, err := e.transfers.ExecuteTransfer(ctx, models.TransferSettlement, s.ID, transfer.DestinationOf(account), s.NetAmount, memo)
	return e.applyOutcome(ctx, s, t, err)
}

func (e *Engine) applyOutcome(ctx context.Context, s *models.Settlement, t *models.TransferTransaction, err error) (*models.Settlement, error) {
	ctx = context.WithoutCancel(ctx)
	if err == nil && t != nil && t.Status == models.TransferSuccess {
		return e.CompleteSettlement(ctx, s.ID)
	}
	if err == nil {
		return s, nil
	}

	switch {
	case t != nil && t.Status == models.TransferPending:
		e.record(ctx, s, s.Attempts, e.now().Add(e.cfg.Retry.Base).Unix(), err.Error(), false)
	case errors.Is(err, apperr.ErrBusiness):
		e.record(ctx, s, s.Attempts+1, 0, err.Error(), true)
		slog.ErrorContext(ctx, "Settlement payout rejected by bank; halted until resumed",
			"settlement_id", s.ID, "error", err)
	case errors.Is(err, apperr.ErrGateway):
		attempts := s.Attempts + 1
		if !e.cfg.Retry.Exhausted(attempts) {
			e.record(ctx, s, attempts, e.cfg.Retry.Next(e.now(), attempts), err.Error(), false)
			break
		}
		e.record(ctx, s, attempts, 0, err.Error(), false)
		if ferr := e.store.UpdateSettlementStatus(ctx, s.ID, models.SettlementPending, models.SettlementFailed, e.now().Unix()); ferr != nil {
			slog.ErrorContext(ctx, "Failed to mark settlement FAILED", "settlement_id", s.ID, "error", ferr)
			return s, err
		}
		s.Status = models.SettlementFailed
		metrics.RecordSettlement(string(s.Status), s.NetAmount)
		slog.ErrorContext(ctx, "Settlement FAILED after exhausting retries; needs manual intervention",
			"settlement_id", s.ID, "attempts", attempts, "error", err)
		e.publisher.Publish(ctx, models.Event{
			Type:        models.EventSettlementFailed,
			UserID:      s.LeaderID,
			Amount:      s.NetAmount,
			ReferenceID: s.ID,
			OccurredAt:  e.now().Unix(),
		})
	}
	return s, err
}

func (e *Engine) record(ctx context.Context, s *models.Settlement, attempts int, nextAt int64, lastErr string, halted bool) {
	if err := e.store.RecordSettlementAttempt(ctx, s.ID, attempts, nextAt, lastErr, halted); err != nil {
		slog.ErrorContext(ctx, "Failed to record settlement attempt", "settlement_id", s.ID, "error", err)
		return
	}
	s.Attempts, s.NextAttemptAt, s.LastError, s.Halted = attempts, nextAt, lastErr, halted
}

// CompleteSettlement commits a PENDING settlement whose payout succeeded.
// After this the settlement is immutable.
func (e *Engine) CompleteSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	var s *models.Settlement
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		s, err = tx.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if s.Status != models.SettlementPending {
			return apperr.InvalidState("settlement", settlementID, s.Status, models.SettlementPending)
		}
		transfers, err := tx.ListTransfers(ctx, models.TransferSettlement, settlementID)
		if err != nil {
			return err
		}
		paid := false
		for _, t := range transfers {
			if t.Status == models.TransferSuccess {
				paid = true
				break
			}
		}
		if !paid {
			return apperr.InvalidState("settlement", settlementID, "without a successful transfer")
		}

		at := e.now().Unix()
		if err := tx.UpdateSettlementStatus(ctx, settlementID, models.SettlementPending, models.SettlementCompleted, at); err != nil {
			return err
		}
		s.Status, s.CompletedAt, s.UpdatedAt = models.SettlementCompleted, at, at
		s.NextAttemptAt, s.Halted = 0, false
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordSettlement(string(s.Status), s.NetAmount)
	slog.InfoContext(ctx, "Settlement completed", "settlement_id", s.ID, "net", s.NetAmount)
	e.publisher.Publish(ctx, models.Event{
		Type:        models.EventSettlementCompleted,
		UserID:      s.LeaderID,
		Amount:      s.NetAmount,
		ReferenceID: s.ID,
		OccurredAt:  s.CompletedAt,
	})
	return s, nil
}

// ApplyTransferOutcome advances a settlement whose transfer was resolved by
// reconciliation.
func (e *Engine) ApplyTransferOutcome(ctx context.Context, t *models.TransferTransaction) error {
	if t.Kind != models.TransferSettlement {
		return nil
	}
	s, err := e.store.GetSettlement(ctx, t.ReferenceID)
	if err != nil {
		return err
	}
	if s.Status != models.SettlementPending {
		return nil
	}
	_, err = e.applyOutcome(ctx, s, t, transfer.OutcomeError(t))
	if apperr.IsExternal(err) {
		// Recorded on the settlement; not an error of the reconciliation.
		return nil
	}
	return err
}

// RetryDue retries settlements whose backoff has elapsed and returns how
// many completed.
func (e *Engine) RetryDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDueSettlements(ctx, e.now().Unix(), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, s := range due {
		got, err := e.Disburse(ctx, s.ID)
		if err != nil {
			slog.WarnContext(ctx, "Settlement retry failed", "settlement_id", s.ID, "error", err)
			continue
		}
		if got.Status == models.SettlementCompleted {
			completed++
		}
	}
	return completed, nil
}

// ResumeSettlement clears the halt on a settlement the bank rejected, after
// the cause was remediated, and tries the payout again.
func (e *Engine) ResumeSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	s, err := e.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SettlementPending || !s.Halted {
		return nil, apperr.InvalidState("settlement", settlementID, "not halted")
	}
	if err := e.store.RecordSettlementAttempt(ctx, s.ID, s.Attempts, e.now().Unix(), s.LastError, false); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Settlement resumed", "settlement_id", settlementID)
	return e.Disburse(ctx, settlementID)
}

// MarkUnrecoverable archives a FAILED settlement so the party and month can
// be settled again.
func (e *Engine) MarkUnrecoverable(ctx context.Context, settlementID, reason string) (*models.Settlement, error) {
	if reason == "" {
		return nil, apperr.Validation("reason", "required")
	}
	if err := e.store.ArchiveSettlement(ctx, settlementID, reason, e.now().Unix()); err != nil {
		return nil, err
	}
	slog.WarnContext(ctx, "Settlement marked unrecoverable", "settlement_id", settlementID, "reason", reason)
	return e.store.GetSettlement(ctx, settlementID)
}

// ListAttention returns settlements an operator must act on: FAILED ones and
// ones halted by a bank rejection.
func (e *Engine) ListAttention(ctx context.Context) ([]*models.Settlement, error) {
	return e.store.ListSettlementsNeedingAttention(ctx)
}

// RunReport summarizes a monthly run.
type RunReport struct {
	Month     string
	Parties   int
	Created   int
	Completed int
	Skipped   int
	Failed    int
}

// RunMonthly settles month for every recruiting or active party, and for
// parties closed during or after month, a bounded number of parties at a
// time. Parties already settled for month are skipped.
func (e *Engine) RunMonthly(ctx context.Context, month string) (RunReport, error) {
	report := RunReport{Month: month}
	start, err := calculator.ParseMonth(month)
	if err != nil {
		return report, apperr.Validation("target_month", err.Error())
	}
	monthStart := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, e.cfg.Location).Unix()

	var parties []*models.Party
	for _, status := range []models.PartyStatus{models.PartyActive, models.PartyRecruiting, models.PartyClosed} {
		ps, err := e.store.ListPartiesByStatus(ctx, status)
		if err != nil {
			return report, err
		}
		for _, p := range ps {
			if p.Status == models.PartyClosed && p.ClosedAt < monthStart {
				continue
			}
			parties = append(parties, p)
		}
	}
	report.Parties = len(parties)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.cfg.Concurrency)
	)
	for _, p := range parties {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(p *models.Party) {
			defer wg.Done()
			defer func() { <-sem }()

			s, err := e.CreateMonthlySettlement(ctx, p.ID, month)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, apperr.ErrDuplicateSettlement):
				report.Skipped++
			case s == nil:
				report.Failed++
				slog.ErrorContext(ctx, "Monthly settlement failed", "party_id", p.ID, "month", month, "error", err)
			default:
				report.Created++
				if s.Status == models.SettlementCompleted {
					report.Completed++
				}
			}
		}(p)
	}
	wg.Wait()

	slog.InfoContext(ctx, "Monthly settlement run finished",
		"month", month, "parties", report.Parties, "created", report.Created,
		"completed", report.Completed, "skipped", report.Skipped, "failed", report.Failed)
	return report, ctx.Err()
}
