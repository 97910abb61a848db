package deposit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/bank/banktest"
	"github.com/mmynk/partypay/internal/deposit"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/notify"
	"github.com/mmynk/partypay/internal/party"
	"github.com/mmynk/partypay/internal/retry"
	"github.com/mmynk/partypay/internal/storage"
	"github.com/mmynk/partypay/internal/storage/sqlite/sqlitetest"
	"github.com/mmynk/partypay/internal/transfer"
	"github.com/mmynk/partypay/internal/verification"
)

const orgCode = "M202300001"

type fixture struct {
	store    storage.Store
	gw       *banktest.Gateway
	clock    *sqlitetest.Clock
	events   *notify.Recorder
	parties  *party.Machine
	accounts *verification.Engine
	ledger   *deposit.Ledger

	party  *models.Party
	leader *models.PartyMember
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  sqlitetest.New(t),
		gw:     banktest.New(),
		clock:  &sqlitetest.Clock{T: 1_700_000_000},
		events: &notify.Recorder{},
	}
	f.parties = party.New(f.store, party.WithClock(f.clock.Now))
	cfg := verification.DefaultConfig
	cfg.OrgCode = orgCode
	cfg.BcryptCost = bcrypt.MinCost
	f.accounts = verification.New(f.store, f.gw, f.events, cfg,
		verification.WithClock(f.clock.Now),
		verification.WithCodeSource(func() (string, error) { return "1234", nil }),
	)
	transfers := transfer.New(f.store, f.gw, orgCode, transfer.WithClock(f.clock.Now))
	f.ledger = deposit.New(f.store, f.parties, transfers, f.accounts, f.events,
		deposit.WithClock(f.clock.Now),
		deposit.WithRetryPolicy(retry.Policy{MaxAttempts: 2, Base: time.Minute, Max: time.Hour}),
	)

	var err error
	f.party, f.leader, err = f.parties.CreateParty(ctx, party.CreatePartyInput{
		LeaderID: "leader", Title: "Streaming", Capacity: 2, MonthlyFee: 10000, DepositAmount: 20000,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) hold(t *testing.T) *models.Deposit {
	t.Helper()
	d, err := f.ledger.CreateDeposit(context.Background(), deposit.CreateInput{
		PartyID:       f.party.ID,
		PartyMemberID: f.leader.ID,
		UserID:        "leader",
		Amount:        20000,
		PaymentKey:    "pk-1",
		OrderID:       "deposit-order-1",
		PaymentMethod: "CARD",
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) verify(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	v, err := f.accounts.RequestVerification(ctx, verification.RequestInput{
		UserID: userID, BankCode: "088", AccountNum: "110123456789", HolderName: "Leader",
	})
	require.NoError(t, err)
	_, err = f.accounts.VerifyAndRegister(ctx, userID, v.BankTranID, "1234")
	require.NoError(t, err)
}

// activate fills the party with one paying member.
func (f *fixture) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	alice, err := f.parties.JoinParty(ctx, f.party.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, f.store.CreatePayment(ctx, &models.Payment{
		PartyID: f.party.ID, PartyMemberID: alice.ID, UserID: "alice", TargetMonth: "2024-03",
		Amount: 10000, Status: models.PaymentCompleted, OrderID: "order-alice",
	}))
	require.NoError(t, f.store.InTx(ctx, func(tx storage.Store) error {
		return f.parties.ActivateMember(ctx, tx, alice.ID, "2024-03")
	}))
	p, err := f.store.GetParty(ctx, f.party.ID)
	require.NoError(t, err)
	require.Equal(t, models.PartyActive, p.Status)
}

func (f *fixture) refundTransfers(t *testing.T, depositID string) []*models.TransferTransaction {
	t.Helper()
	ts, err := f.store.ListTransfers(context.Background(), models.TransferDepositRefund, depositID)
	require.NoError(t, err)
	return ts
}

func TestCreateDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateDeposit(ctx, deposit.CreateInput{
		PartyID: f.party.ID, PartyMemberID: f.leader.ID, UserID: "leader", Amount: 15000,
	})
	require.ErrorIs(t, err, apperr.ErrValidation, "amount must match the party's deposit")

	d := f.hold(t)
	require.Equal(t, models.DepositHeld, d.Status)
	require.Equal(t, int64(20000), d.Amount)

	p, err := f.store.GetParty(ctx, f.party.ID)
	require.NoError(t, err)
	require.Equal(t, models.PartyRecruiting, p.Status)

	_, err = f.ledger.CreateDeposit(ctx, deposit.CreateInput{
		PartyID: f.party.ID, PartyMemberID: f.leader.ID, UserID: "leader", Amount: 20000,
	})
	require.ErrorIs(t, err, apperr.ErrDuplicateDeposit)
	require.ErrorIs(t, err, apperr.ErrDuplicate)
}

func TestRefundDeposit_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "leader")
	d := f.hold(t)
	sends := len(f.gw.Calls())

	refunded, tr, err := f.ledger.RefundDeposit(ctx, d.ID, "party cancelled")
	require.NoError(t, err)
	require.Equal(t, models.DepositRefunded, refunded.Status)
	require.Equal(t, models.TransferSuccess, tr.Status)
	require.Equal(t, int64(20000), tr.Amount)
	require.Len(t, f.gw.Calls(), sends+1)

	got, err := f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, got.RefundPaid)
	require.Equal(t, "party cancelled", got.Reason)

	_, _, err = f.ledger.RefundDeposit(ctx, d.ID, "again")
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.ledger.ForfeitDeposit(ctx, d.ID, "again")
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	require.Len(t, f.gw.Calls(), sends+1, "no second transfer")
	require.Len(t, f.refundTransfers(t, d.ID), 1)
	require.Len(t, f.events.OfType(models.EventDepositRefunded), 1)
}

func TestRefundDeposit_WaitsForVerifiedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.hold(t)

	refunded, tr, err := f.ledger.RefundDeposit(ctx, d.ID, "party cancelled")
	require.ErrorIs(t, err, apperr.ErrNoVerifiedAccount)
	require.Nil(t, tr)
	require.Equal(t, models.DepositRefunded, refunded.Status, "the refund decision stands")
	require.Empty(t, f.gw.Calls())

	got, err := f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.Zero(t, got.RefundAttempts)
	require.Equal(t, f.clock.T+60, got.NextRefundAt)

	f.verify(t, "leader")
	paid, err := f.ledger.RetryDueRefunds(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, paid, "not due yet")

	f.clock.Advance(time.Minute)
	paid, err = f.ledger.RetryDueRefunds(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, paid)

	got, err = f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, got.RefundPaid)
}

func TestRefundDeposit_NetworkFailureRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "leader")
	d := f.hold(t)

	f.gw.FailBeforeSend().FailBeforeSend()
	_, _, err := f.ledger.RefundDeposit(ctx, d.ID, "party cancelled")
	require.ErrorIs(t, err, apperr.ErrGateway)

	got, err := f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RefundAttempts)
	require.False(t, got.RefundStuck)
	require.Equal(t, f.clock.T+60, got.NextRefundAt)

	f.clock.Advance(time.Minute)
	paid, err := f.ledger.RetryDueRefunds(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, paid)

	got, err = f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RefundAttempts)
	require.True(t, got.RefundStuck, "retries exhausted")

	f.clock.Advance(time.Hour)
	paid, err = f.ledger.RetryDueRefunds(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, paid, "stuck refunds are left for manual follow-up")
	require.Len(t, f.refundTransfers(t, d.ID), 2)
}

func TestRefundDeposit_RejectedIsStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "leader")
	d := f.hold(t)

	f.gw.Reject("A0321", "invalid account")
	_, tr, err := f.ledger.RefundDeposit(ctx, d.ID, "party cancelled")
	require.ErrorIs(t, err, apperr.ErrBusiness)
	require.Equal(t, "A0321", tr.ResponseCode)

	got, err := f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, got.RefundStuck)
	require.Equal(t, 1, got.RefundAttempts)
}

func TestRefundDeposit_AmbiguousReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "leader")
	d := f.hold(t)

	f.gw.TimeoutAfterSend(true)
	_, tr, err := f.ledger.RefundDeposit(ctx, d.ID, "party cancelled")
	require.ErrorIs(t, err, apperr.ErrGateway)
	require.Equal(t, models.TransferPending, tr.Status)

	got, err := f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.Zero(t, got.RefundAttempts, "an unknown outcome is not a failed attempt")
	require.False(t, got.RefundPaid)

	transfers := transfer.New(f.store, f.gw, orgCode, transfer.WithClock(f.clock.Now))
	resolved, err := transfers.Reconcile(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, models.TransferSuccess, resolved.Status)
	require.NoError(t, f.ledger.ApplyTransferOutcome(ctx, resolved))

	got, err = f.ledger.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, got.RefundPaid)
	require.Len(t, f.refundTransfers(t, d.ID), 1, "the lost request was never resent")
}

func TestForfeitDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.hold(t)

	got, err := f.ledger.ForfeitDeposit(ctx, d.ID, "terms violated")
	require.NoError(t, err)
	require.Equal(t, models.DepositForfeited, got.Status)
	require.Empty(t, f.gw.Calls())
	require.Empty(t, f.refundTransfers(t, d.ID))
	require.Len(t, f.events.OfType(models.EventDepositForfeited), 1)
}

func TestProcessWithdrawalRefund(t *testing.T) {
	t.Run("leader leaves a recruiting party", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.verify(t, "leader")
		d := f.hold(t)

		res, err := f.ledger.ProcessWithdrawalRefund(ctx, d.ID)
		require.NoError(t, err)
		require.Equal(t, deposit.ActionRefund, res.Decision.Action)
		require.Equal(t, models.DepositRefunded, res.Deposit.Status)
		require.Equal(t, models.TransferSuccess, res.Transfer.Status)

		p, members, err := f.parties.GetParty(ctx, f.party.ID)
		require.NoError(t, err)
		require.Equal(t, models.PartyClosed, p.Status)
		for _, m := range members {
			require.Equal(t, models.MemberLeft, m.Status)
		}
	})

	t.Run("leader leaves an active party", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		d := f.hold(t)
		f.activate(t)

		res, err := f.ledger.ProcessWithdrawalRefund(ctx, d.ID)
		require.NoError(t, err)
		require.Equal(t, deposit.ActionForfeit, res.Decision.Action)
		require.Equal(t, models.DepositForfeited, res.Deposit.Status)
		require.Nil(t, res.Transfer)
		require.Empty(t, f.gw.Calls())

		p, err := f.store.GetParty(ctx, f.party.ID)
		require.NoError(t, err)
		require.Equal(t, models.PartyClosed, p.Status)

		_, err = f.ledger.ProcessWithdrawalRefund(ctx, d.ID)
		require.ErrorIs(t, err, apperr.ErrInvalidState)
	})
}

func TestDecideWithdrawal(t *testing.T) {
	tests := []struct {
		party   models.PartyStatus
		deposit models.DepositStatus
		want    deposit.Action
		wantErr error
	}{
		{models.PartyPendingPayment, models.DepositHeld, deposit.ActionRefund, nil},
		{models.PartyRecruiting, models.DepositHeld, deposit.ActionRefund, nil},
		{models.PartyActive, models.DepositHeld, deposit.ActionForfeit, nil},
		{models.PartyClosed, models.DepositHeld, deposit.ActionRefund, nil},
		{models.PartyActive, models.DepositRefunded, "", apperr.ErrInvalidState},
		{models.PartyRecruiting, models.DepositForfeited, "", apperr.ErrInvalidState},
		{"UNKNOWN", models.DepositHeld, "", apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(string(tt.party)+"/"+string(tt.deposit), func(t *testing.T) {
			got, err := deposit.DecideWithdrawal(tt.deposit, tt.party, models.RoleLeader)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Action)
			require.NotEmpty(t, got.Reason)
		})
	}
}
