package verification_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/bank/banktest"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/notify"
	"github.com/mmynk/partypay/internal/storage"
	"github.com/mmynk/partypay/internal/storage/sqlite/sqlitetest"
	"github.com/mmynk/partypay/internal/verification"
)

type fixture struct {
	engine *verification.Engine
	gw     *banktest.Gateway
	store  storage.Store
	clock  *sqlitetest.Clock
	events *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	store := sqlitetest.New(t)
	gw := banktest.New()
	clock := &sqlitetest.Clock{T: 1_700_000_000}
	events := &notify.Recorder{}
	cfg := verification.DefaultConfig
	cfg.OrgCode = "M202300001"
	cfg.BcryptCost = bcrypt.MinCost
	e := verification.New(store, gw, events, cfg,
		verification.WithClock(clock.Now),
		verification.WithCodeSource(func() (string, error) { return "1234", nil }),
	)
	return &fixture{engine: e, gw: gw, store: store, clock: clock, events: events}
}

var aliceAccount = verification.RequestInput{
	UserID:     "alice",
	BankCode:   "088",
	AccountNum: "110123456789",
	HolderName: "Alice Kim",
}

func TestRequestVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.RequestVerification(ctx, aliceAccount)
	require.NoError(t, err)
	require.Equal(t, models.VerificationPending, v.Status)
	require.Equal(t, 3, v.MaxAttempts)
	require.Equal(t, int64(1_700_000_000+300), v.ExpiresAt)
	require.NotEqual(t, "1234", v.VerifyCodeHash, "only the hash is stored")

	calls := f.gw.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "PARTY1234", calls[0].Memo)
	require.Equal(t, int64(1), calls[0].Amount)
	require.Equal(t, aliceAccount.AccountNum, calls[0].AccountNum)
	require.Equal(t, v.BankTranID, calls[0].BankTranID)

	t.Run("a new request expires the previous session", func(t *testing.T) {
		next, err := f.engine.RequestVerification(ctx, aliceAccount)
		require.NoError(t, err)

		old, err := f.engine.GetVerification(ctx, "alice", v.BankTranID)
		require.NoError(t, err)
		require.Equal(t, models.VerificationExpired, old.Status)

		_, err = f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
		require.ErrorIs(t, err, apperr.ErrExpired)

		_, err = f.engine.VerifyAndRegister(ctx, "alice", next.BankTranID, "1234")
		require.NoError(t, err)
	})

	t.Run("input validation", func(t *testing.T) {
		bad := aliceAccount
		bad.BankCode = "88"
		_, err := f.engine.RequestVerification(ctx, bad)
		require.ErrorIs(t, err, apperr.ErrValidation)

		bad = aliceAccount
		bad.AccountNum = "12-34"
		_, err = f.engine.RequestVerification(ctx, bad)
		require.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestRequestVerification_GatewayFailure(t *testing.T) {
	tests := []struct {
		name    string
		script  func(gw *banktest.Gateway)
		wantErr error
	}{
		{"rejected", func(gw *banktest.Gateway) { gw.Reject("A0321", "invalid account") }, apperr.ErrBusiness},
		{"unreachable", func(gw *banktest.Gateway) { gw.FailBeforeSend() }, apperr.ErrGateway},
		{"timeout", func(gw *banktest.Gateway) { gw.TimeoutAfterSend(true) }, apperr.ErrGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tt.script(f.gw)

			_, err := f.engine.RequestVerification(ctx, aliceAccount)
			require.ErrorIs(t, err, tt.wantErr)

			calls := f.gw.Calls()
			require.Len(t, calls, 1)
			_, err = f.store.GetVerificationByBankTranID(ctx, calls[0].BankTranID)
			require.ErrorIs(t, err, apperr.ErrNotFound, "no session without a delivered code")
		})
	}
}

func TestVerifyAndRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.RequestVerification(ctx, aliceAccount)
	require.NoError(t, err)

	_, err = f.engine.VerifyAndRegister(ctx, "mallory", v.BankTranID, "1234")
	require.ErrorIs(t, err, apperr.ErrNotFound, "sessions are private to their user")

	account, err := f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
	require.NoError(t, err)
	require.True(t, account.Active)
	require.Equal(t, "********6789", account.AccountNumMasked)
	require.Equal(t, "FT088110123456789", account.FintechUseNum)
	require.Equal(t, v.ID, account.VerificationID)

	got, err := f.engine.ActiveAccount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, account.ID, got.ID)

	session, err := f.engine.GetVerification(ctx, "alice", v.BankTranID)
	require.NoError(t, err)
	require.Equal(t, models.VerificationVerified, session.Status)
	require.Equal(t, 1, session.AttemptCount)

	events := f.events.OfType(models.EventAccountVerified)
	require.Len(t, events, 1)
	require.Equal(t, account.ID, events[0].ReferenceID)

	_, err = f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
	require.ErrorIs(t, err, apperr.ErrInvalidState, "a verified session cannot be reused")
}

func TestVerifyAndRegister_AttemptsExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.RequestVerification(ctx, aliceAccount)
	require.NoError(t, err)

	for want := 2; want >= 0; want-- {
		_, err := f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "0000")
		var mismatch *apperr.CodeMismatchError
		require.True(t, errors.As(err, &mismatch), "got %v", err)
		require.Equal(t, want, mismatch.Remaining)
		require.ErrorIs(t, err, apperr.ErrValidation)
	}

	session, err := f.engine.GetVerification(ctx, "alice", v.BankTranID)
	require.NoError(t, err)
	require.Equal(t, models.VerificationFailed, session.Status)

	_, err = f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
	require.ErrorIs(t, err, apperr.ErrAttemptsExceeded, "the right code no longer helps")

	_, err = f.engine.ActiveAccount(ctx, "alice")
	require.ErrorIs(t, err, apperr.ErrNoVerifiedAccount)
}

func TestVerifyAndRegister_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.RequestVerification(ctx, aliceAccount)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
	require.ErrorIs(t, err, apperr.ErrExpired)

	session, err := f.engine.GetVerification(ctx, "alice", v.BankTranID)
	require.NoError(t, err)
	require.Equal(t, models.VerificationExpired, session.Status)
	require.Zero(t, session.AttemptCount, "an expired session does not count attempts")
}

func TestUpdateExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RequestVerification(ctx, aliceAccount)
	require.NoError(t, err)
	bob := aliceAccount
	bob.UserID = "bob"
	_, err = f.engine.RequestVerification(ctx, bob)
	require.NoError(t, err)

	n, err := f.engine.UpdateExpiredSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(10 * time.Minute)
	n, err = f.engine.UpdateExpiredSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestChangeAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.RequestVerification(ctx, aliceAccount)
	require.NoError(t, err)
	first, err := f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
	require.NoError(t, err)

	next := aliceAccount
	next.BankCode = "004"
	next.AccountNum = "9876543210"
	v2, err := f.engine.ChangeAccount(ctx, next)
	require.NoError(t, err)

	_, err = f.engine.ActiveAccount(ctx, "alice")
	require.ErrorIs(t, err, apperr.ErrNoVerifiedAccount, "no payout destination while the new one is unverified")

	second, err := f.engine.VerifyAndRegister(ctx, "alice", v2.BankTranID, "1234")
	require.NoError(t, err)
	require.Equal(t, "004", second.BankCode)

	accounts, err := f.engine.ListAccounts(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	active := 0
	for _, a := range accounts {
		if a.Active {
			active++
			require.Equal(t, second.ID, a.ID)
		} else {
			require.Equal(t, first.ID, a.ID)
			require.NotZero(t, a.DeactivatedAt)
		}
	}
	require.Equal(t, 1, active)
}

func TestChangeAccount_DepositNotAccepted(t *testing.T) {
	tests := []struct {
		name    string
		script  func(gw *banktest.Gateway)
		wantErr error
	}{
		{"rejected", func(gw *banktest.Gateway) { gw.Reject("A0325", "invalid account") }, apperr.ErrBusiness},
		{"unreachable", func(gw *banktest.Gateway) { gw.FailBeforeSend() }, apperr.ErrGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			v, err := f.engine.RequestVerification(ctx, aliceAccount)
			require.NoError(t, err)
			current, err := f.engine.VerifyAndRegister(ctx, "alice", v.BankTranID, "1234")
			require.NoError(t, err)

			next := aliceAccount
			next.BankCode = "004"
			next.AccountNum = "9876543210"
			tt.script(f.gw)
			_, err = f.engine.ChangeAccount(ctx, next)
			require.ErrorIs(t, err, tt.wantErr)

			active, err := f.engine.ActiveAccount(ctx, "alice")
			require.NoError(t, err, "the current account keeps receiving payouts")
			require.Equal(t, current.ID, active.ID)

			accounts, err := f.engine.ListAccounts(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, accounts, 1)
		})
	}
}
