package transfer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/bank"
	"github.com/mmynk/partypay/internal/bank/banktest"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/storage"
	"github.com/mmynk/partypay/internal/storage/sqlite/sqlitetest"
	"github.com/mmynk/partypay/internal/transfer"
)

const orgCode = "M202300001"

var dest = transfer.Destination{BankCode: "088", FintechUseNum: "FT0881234567890"}

func newExecutor(t *testing.T) (*transfer.Executor, *banktest.Gateway, storage.Store, *sqlitetest.Clock) {
	store := sqlitetest.New(t)
	gw := banktest.New()
	clock := &sqlitetest.Clock{T: 1_700_000_000}
	return transfer.New(store, gw, orgCode, transfer.WithClock(clock.Now)), gw, store, clock
}

func pay(t *testing.T, e *transfer.Executor, ref string) (*models.TransferTransaction, error) {
	t.Helper()
	return e.ExecuteTransfer(context.Background(), models.TransferSettlement, ref, dest, 25500, "settlement 2024-03")
}

func TestExecuteTransfer_Success(t *testing.T) {
	e, gw, store, _ := newExecutor(t)
	ctx := context.Background()

	tr, err := pay(t, e, "s1")
	require.NoError(t, err)
	require.Equal(t, models.TransferSuccess, tr.Status)
	require.Equal(t, bank.CodeSuccess, tr.ResponseCode)
	require.Equal(t, 1, tr.Attempt)
	require.Len(t, tr.BankTranID, 20)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, tr.BankTranID, calls[0].BankTranID)
	require.Equal(t, dest.FintechUseNum, calls[0].FintechUseNum)
	require.Equal(t, int64(25500), calls[0].Amount)

	t.Run("a paid reference is never sent again", func(t *testing.T) {
		again, err := pay(t, e, "s1")
		require.NoError(t, err)
		require.Equal(t, tr.ID, again.ID)
		require.Len(t, gw.Calls(), 1)
	})

	t.Run("lookup by bank transaction id", func(t *testing.T) {
		got, err := e.FindByBankTranID(ctx, tr.BankTranID)
		require.NoError(t, err)
		require.Equal(t, tr.ID, got.ID)
	})

	stored, err := store.ListTransfers(ctx, models.TransferSettlement, "s1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestExecuteTransfer_Rejected(t *testing.T) {
	e, gw, store, _ := newExecutor(t)
	ctx := context.Background()
	gw.Reject("A0321", "invalid account")

	tr, err := pay(t, e, "s1")
	require.ErrorIs(t, err, apperr.ErrBusiness)
	require.False(t, apperr.IsRetryable(err))
	require.Equal(t, models.TransferFailed, tr.Status)
	require.Equal(t, models.FailureBusiness, tr.FailureClass)
	require.Equal(t, "A0321", tr.ResponseCode)
	require.Equal(t, "invalid account", tr.ResponseMessage)

	next, err := pay(t, e, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, next.Attempt)
	require.NotEqual(t, tr.BankTranID, next.BankTranID)

	all, err := store.ListTransfers(ctx, models.TransferSettlement, "s1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].Superseded)
	require.Equal(t, models.TransferFailed, all[0].Status, "failed outcome is kept")
	require.False(t, all[1].Superseded)
}

func TestExecuteTransfer_NotSent(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	gw.FailBeforeSend()

	tr, err := pay(t, e, "s1")
	require.ErrorIs(t, err, apperr.ErrGateway)
	require.True(t, apperr.IsRetryable(err))
	require.Equal(t, models.TransferFailed, tr.Status)
	require.Equal(t, models.FailureNetwork, tr.FailureClass)
}

func TestExecuteTransfer_TimeoutReconciles(t *testing.T) {
	tests := []struct {
		name      string
		landed    bool
		wantCalls int
		wantFirst models.TransferStatus
	}{
		{"bank executed the lost request", true, 1, models.TransferSuccess},
		{"bank never received it", false, 2, models.TransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, gw, store, _ := newExecutor(t)
			ctx := context.Background()
			gw.TimeoutAfterSend(tt.landed)

			tr, err := pay(t, e, "s1")
			require.ErrorIs(t, err, apperr.ErrGateway)
			require.Equal(t, models.TransferPending, tr.Status, "ambiguous outcome stays pending")

			got, err := pay(t, e, "s1")
			require.NoError(t, err)
			require.Equal(t, models.TransferSuccess, got.Status)
			require.Len(t, gw.Calls(), tt.wantCalls)
			require.Equal(t, 1, gw.Inquiries())

			first, err := store.GetTransfer(ctx, tr.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantFirst, first.Status)
		})
	}
}

func TestExecuteTransfer_OutcomeUnknown(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	gw.Processing()

	tr, err := pay(t, e, "s1")
	require.ErrorIs(t, err, apperr.ErrGateway)
	require.Equal(t, models.TransferPending, tr.Status)

	_, err = pay(t, e, "s1")
	require.ErrorIs(t, err, transfer.ErrOutcomeUnknown)
	require.Len(t, gw.Calls(), 1, "nothing is resent while the bank is processing")

	gw.FailInquiries(errors.New("gateway down"))
	_, err = pay(t, e, "s1")
	require.ErrorIs(t, err, apperr.ErrGateway)
	require.Len(t, gw.Calls(), 1)
}

func TestExecuteTransfer_LostRequestRejected(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	gw.TimeoutAfterSend(false)

	tr, err := pay(t, e, "s1")
	require.ErrorIs(t, err, apperr.ErrGateway)
	require.Equal(t, models.TransferPending, tr.Status)
	gw.Settle(tr.BankTranID, "A0325")

	got, err := pay(t, e, "s1")
	require.ErrorIs(t, err, apperr.ErrBusiness)
	require.False(t, apperr.IsRetryable(err))
	require.Equal(t, tr.ID, got.ID)
	require.Equal(t, models.TransferFailed, got.Status)
	require.Equal(t, models.FailureBusiness, got.FailureClass)
	require.Len(t, gw.Calls(), 1, "a rejection found by inquiry is not resent")

	t.Run("an explicit retry sends a new attempt", func(t *testing.T) {
		next, err := pay(t, e, "s1")
		require.NoError(t, err)
		require.Equal(t, 2, next.Attempt)
		require.Len(t, gw.Calls(), 2)
	})
}

func TestExecuteTransfer_Validation(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	ctx := context.Background()

	_, err := e.ExecuteTransfer(ctx, models.TransferSettlement, "s1", dest, 0, "")
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.ExecuteTransfer(ctx, models.TransferSettlement, "s1", transfer.Destination{BankCode: "088"}, 100, "")
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Empty(t, gw.Calls())
}

func TestReconcilePending(t *testing.T) {
	e, gw, _, clock := newExecutor(t)
	ctx := context.Background()
	gw.Processing().Processing()

	done, _ := pay(t, e, "s1")
	stillProcessing, _ := pay(t, e, "s2")

	resolved, err := e.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, resolved, "too recent to reconcile")

	clock.Advance(2 * time.Minute)
	gw.Settle(done.BankTranID, bank.CodeSuccess)

	resolved, err = e.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, done.ID, resolved[0].ID)
	require.Equal(t, models.TransferSuccess, resolved[0].Status)

	gw.Settle(stillProcessing.BankTranID, "A0321")
	resolved, err = e.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, models.FailureBusiness, resolved[0].FailureClass)
	require.ErrorIs(t, transfer.OutcomeError(resolved[0]), apperr.ErrBusiness)
}

func TestOutcomeError(t *testing.T) {
	require.NoError(t, transfer.OutcomeError(&models.TransferTransaction{Status: models.TransferSuccess}))
	require.NoError(t, transfer.OutcomeError(&models.TransferTransaction{Status: models.TransferPending}))

	err := transfer.OutcomeError(&models.TransferTransaction{
		Status: models.TransferFailed, FailureClass: models.FailureNetwork, ResponseMessage: "not received by bank",
	})
	require.ErrorIs(t, err, apperr.ErrGateway)
	require.False(t, bank.IsAmbiguous(err))
}
