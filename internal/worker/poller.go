// Package worker runs the background jobs of the ledger: a poller that
// expires sessions, reconciles transfers and retries payouts, and a cron
// scheduler for the monthly settlement run.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/partypay/internal/metrics"
	"github.com/mmynk/partypay/internal/models"
)

// SessionExpirer closes verification sessions past their deadline.
type SessionExpirer interface {
	UpdateExpiredSessions(ctx context.Context) (int, error)
}

// Reconciler resolves transfers whose outcome is unknown.
type Reconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.TransferTransaction, error)
}

// OutcomeApplier advances the entity that owns a resolved transfer.
type OutcomeApplier interface {
	ApplyTransferOutcome(ctx context.Context, t *models.TransferTransaction) error
}

// SettlementRetrier retries settlement payouts whose backoff elapsed.
type SettlementRetrier interface {
	OutcomeApplier
	RetryDue(ctx context.Context) (int, error)
}

// RefundRetrier retries deposit refund payouts whose backoff elapsed.
type RefundRetrier interface {
	OutcomeApplier
	RetryDueRefunds(ctx context.Context, limit int) (int, error)
}

// PollerConfig holds poller configuration.
type PollerConfig struct {
	Interval       time.Duration
	ReconcileAfter time.Duration
	BatchSize      int
}

// Poller runs every background job on a fixed interval.
type Poller struct {
	mu sync.Mutex

	sessions    SessionExpirer
	transfers   Reconciler
	settlements SettlementRetrier
	refunds     RefundRetrier
	cfg         PollerConfig

	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewPoller creates a new poller.
func NewPoller(sessions SessionExpirer, transfers Reconciler, settlements SettlementRetrier, refunds RefundRetrier, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Poller{
		sessions:    sessions,
		transfers:   transfers,
		settlements: settlements,
		refunds:     refunds,
		cfg:         cfg,
	}
}

// Start runs the poller until Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("poller already running")
	}
	p.running = true
	p.done = make(chan struct{})
	p.stopped = make(chan struct{})

	slog.Info("Background poller starting", "interval", p.cfg.Interval)
	go p.loop(ctx, p.done, p.stopped)
	return nil
}

// Stop halts the poller and waits for a run in progress to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	stopped := p.stopped
	p.mu.Unlock()

	<-stopped
	slog.Info("Background poller stopped")
}

func (p *Poller) loop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce runs each job once, in order. A failing job is logged and does not
// stop the ones after it.
func (p *Poller) RunOnce(ctx context.Context) {
	p.run(ctx, "expire_verifications", func(ctx context.Context) (int, error) {
		return p.sessions.UpdateExpiredSessions(ctx)
	})
	p.run(ctx, "reconcile_transfers", p.reconcile)
	p.run(ctx, "retry_settlements", p.settlements.RetryDue)
	p.run(ctx, "retry_refunds", func(ctx context.Context) (int, error) {
		return p.refunds.RetryDueRefunds(ctx, p.cfg.BatchSize)
	})
}

func (p *Poller) reconcile(ctx context.Context) (int, error) {
	resolved, err := p.transfers.ReconcilePending(ctx, p.cfg.ReconcileAfter, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, t := range resolved {
		for _, owner := range []OutcomeApplier{p.settlements, p.refunds} {
			if err := owner.ApplyTransferOutcome(ctx, t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return len(resolved), errors.Join(errs...)
}

func (p *Poller) run(ctx context.Context, job string, fn func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}
	n, err := fn(ctx)
	metrics.RecordJob(job, err)
	if err != nil {
		slog.ErrorContext(ctx, "Background job failed", "job", job, "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "Background job done", "job", job, "count", n)
	}
}
