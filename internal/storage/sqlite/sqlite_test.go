package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seedParty creates a party with its leader membership.
func seedParty(t *testing.T, store *SQLiteStore, leaderID string) (*models.Party, *models.PartyMember) {
	t.Helper()
	ctx := context.Background()
	party := &models.Party{
		LeaderID:      leaderID,
		Title:         "Streaming",
		Status:        models.PartyPendingPayment,
		Capacity:      4,
		MonthlyFee:    10000,
		DepositAmount: 20000,
	}
	if err := store.CreateParty(ctx, party); err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}
	leader := &models.PartyMember{
		PartyID: party.ID,
		UserID:  leaderID,
		Role:    models.RoleLeader,
		Status:  models.MemberPendingPayment,
	}
	if err := store.CreateMember(ctx, leader); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}
	return party, leader
}

func seedMember(t *testing.T, store *SQLiteStore, partyID, userID string) *models.PartyMember {
	t.Helper()
	m := &models.PartyMember{PartyID: partyID, UserID: userID, Role: models.RoleMember, Status: models.MemberPendingPayment}
	if err := store.CreateMember(context.Background(), m); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}
	return m
}

func TestParties(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("CreateParty generates ID and timestamps", func(t *testing.T) {
		party, _ := seedParty(t, store, "leader-1")
		if party.ID == "" {
			t.Error("Expected party ID to be generated")
		}
		if party.CreatedAt == 0 || party.UpdatedAt != party.CreatedAt {
			t.Errorf("Expected timestamps to be set, got created=%d updated=%d", party.CreatedAt, party.UpdatedAt)
		}

		got, err := store.GetParty(ctx, party.ID)
		if err != nil {
			t.Fatalf("GetParty failed: %v", err)
		}
		if got.Capacity != 4 || got.DepositAmount != 20000 || got.Status != models.PartyPendingPayment {
			t.Errorf("Unexpected party: %+v", got)
		}
	})

	t.Run("GetParty returns not found", func(t *testing.T) {
		_, err := store.GetParty(ctx, "missing")
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdatePartyStatus is compare-and-set", func(t *testing.T) {
		party, _ := seedParty(t, store, "leader-2")

		if err := store.UpdatePartyStatus(ctx, party.ID, models.PartyPendingPayment, models.PartyRecruiting, 100); err != nil {
			t.Fatalf("UpdatePartyStatus failed: %v", err)
		}
		err := store.UpdatePartyStatus(ctx, party.ID, models.PartyPendingPayment, models.PartyRecruiting, 101)
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("Expected ErrInvalidState on stale transition, got %v", err)
		}

		if err := store.UpdatePartyStatus(ctx, party.ID, models.PartyRecruiting, models.PartyClosed, 200); err != nil {
			t.Fatalf("UpdatePartyStatus failed: %v", err)
		}
		got, _ := store.GetParty(ctx, party.ID)
		if got.ClosedAt != 200 {
			t.Errorf("Expected ClosedAt 200, got %d", got.ClosedAt)
		}
	})

	t.Run("one live membership per party and user", func(t *testing.T) {
		party, _ := seedParty(t, store, "leader-3")
		m := seedMember(t, store, party.ID, "user-1")

		dup := &models.PartyMember{PartyID: party.ID, UserID: "user-1", Role: models.RoleMember, Status: models.MemberPendingPayment}
		if err := store.CreateMember(ctx, dup); !errors.Is(err, apperr.ErrDuplicate) {
			t.Fatalf("Expected ErrDuplicate, got %v", err)
		}

		if err := store.UpdateMemberStatus(ctx, m.ID, models.MemberPendingPayment, models.MemberInactive, 10); err != nil {
			t.Fatalf("UpdateMemberStatus failed: %v", err)
		}
		if err := store.UpdateMemberStatus(ctx, m.ID, models.MemberInactive, models.MemberLeft, 20); err != nil {
			t.Fatalf("UpdateMemberStatus failed: %v", err)
		}

		// A user who left may rejoin.
		again := &models.PartyMember{PartyID: party.ID, UserID: "user-1", Role: models.RoleMember, Status: models.MemberPendingPayment}
		if err := store.CreateMember(ctx, again); err != nil {
			t.Fatalf("Expected rejoin to succeed, got %v", err)
		}

		found, err := store.FindMember(ctx, party.ID, "user-1")
		if err != nil {
			t.Fatalf("FindMember failed: %v", err)
		}
		if found == nil || found.ID != again.ID {
			t.Errorf("Expected live membership %s, got %+v", again.ID, found)
		}
		left, _ := store.GetMember(ctx, m.ID)
		if left.LeftAt != 20 {
			t.Errorf("Expected LeftAt 20, got %d", left.LeftAt)
		}
	})

	t.Run("CountMembers filters by status", func(t *testing.T) {
		party, leader := seedParty(t, store, "leader-4")
		seedMember(t, store, party.ID, "user-a")
		seedMember(t, store, party.ID, "user-b")
		if err := store.UpdateMemberStatus(ctx, leader.ID, models.MemberPendingPayment, models.MemberActive, 5); err != nil {
			t.Fatalf("UpdateMemberStatus failed: %v", err)
		}

		active, err := store.CountMembers(ctx, party.ID, models.MemberActive)
		if err != nil {
			t.Fatalf("CountMembers failed: %v", err)
		}
		if active != 1 {
			t.Errorf("Expected 1 active member, got %d", active)
		}
		live, _ := store.CountMembers(ctx, party.ID, models.MemberActive, models.MemberPendingPayment)
		if live != 3 {
			t.Errorf("Expected 3 live members, got %d", live)
		}
	})
}

func TestDeposits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	party, leader := seedParty(t, store, "leader")

	deposit := &models.Deposit{
		PartyID:       party.ID,
		PartyMemberID: leader.ID,
		UserID:        "leader",
		Amount:        20000,
		Status:        models.DepositHeld,
		OrderID:       "order-dep-1",
	}
	if err := store.CreateDeposit(ctx, deposit); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}

	t.Run("second HELD deposit is a duplicate", func(t *testing.T) {
		dup := &models.Deposit{PartyID: party.ID, PartyMemberID: leader.ID, UserID: "leader", Amount: 20000, Status: models.DepositHeld}
		err := store.CreateDeposit(ctx, dup)
		if !errors.Is(err, apperr.ErrDuplicateDeposit) {
			t.Errorf("Expected ErrDuplicateDeposit, got %v", err)
		}
	})

	t.Run("ResolveDeposit happens once", func(t *testing.T) {
		if err := store.ResolveDeposit(ctx, deposit.ID, models.DepositRefunded, "closed", 50); err != nil {
			t.Fatalf("ResolveDeposit failed: %v", err)
		}
		err := store.ResolveDeposit(ctx, deposit.ID, models.DepositForfeited, "again", 60)
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("Expected ErrInvalidState, got %v", err)
		}

		got, _ := store.GetDeposit(ctx, deposit.ID)
		if got.Status != models.DepositRefunded || got.Reason != "closed" || got.ResolvedAt != 50 {
			t.Errorf("Unexpected deposit: %+v", got)
		}
		held, _ := store.CountHeldDeposits(ctx, party.ID)
		if held != 0 {
			t.Errorf("Expected no held deposits, got %d", held)
		}
	})

	t.Run("refund payout bookkeeping", func(t *testing.T) {
		due, err := store.ListRefundsDue(ctx, 100, 10)
		if err != nil {
			t.Fatalf("ListRefundsDue failed: %v", err)
		}
		if len(due) != 1 || due[0].ID != deposit.ID {
			t.Fatalf("Expected deposit to be due, got %d", len(due))
		}

		if err := store.RecordRefundAttempt(ctx, deposit.ID, 1, 500, false); err != nil {
			t.Fatalf("RecordRefundAttempt failed: %v", err)
		}
		due, _ = store.ListRefundsDue(ctx, 100, 10)
		if len(due) != 0 {
			t.Errorf("Expected nothing due before backoff, got %d", len(due))
		}

		if err := store.MarkRefundPaid(ctx, deposit.ID); err != nil {
			t.Fatalf("MarkRefundPaid failed: %v", err)
		}
		due, _ = store.ListRefundsDue(ctx, 1000, 10)
		if len(due) != 0 {
			t.Errorf("Expected paid refund to leave the queue, got %d", len(due))
		}
	})
}

func TestPayments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	party, _ := seedParty(t, store, "leader")
	member := seedMember(t, store, party.ID, "user-1")

	newPayment := func(orderID string) *models.Payment {
		return &models.Payment{
			PartyID:       party.ID,
			PartyMemberID: member.ID,
			UserID:        "user-1",
			TargetMonth:   "2025-03",
			Amount:        10000,
			Status:        models.PaymentPending,
			OrderID:       orderID,
		}
	}

	first := newPayment("order-1")
	if err := store.CreatePayment(ctx, first); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	t.Run("one live payment per member and month", func(t *testing.T) {
		err := store.CreatePayment(ctx, newPayment("order-2"))
		if !errors.Is(err, apperr.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("order id is globally unique", func(t *testing.T) {
		p := newPayment("order-1")
		p.TargetMonth = "2025-04"
		if err := store.CreatePayment(ctx, p); !errors.Is(err, apperr.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("failed payment is reissued as a new row", func(t *testing.T) {
		if err := store.UpdatePaymentStatus(ctx, first.ID, models.PaymentFailed, "card declined", 10); err != nil {
			t.Fatalf("UpdatePaymentStatus failed: %v", err)
		}
		err := store.UpdatePaymentStatus(ctx, first.ID, models.PaymentCompleted, "", 11)
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("Expected terminal payment to reject updates, got %v", err)
		}

		found, _ := store.FindPaymentByMemberAndMonth(ctx, member.ID, "2025-03")
		if found == nil || found.ID != first.ID {
			t.Fatalf("Expected the failed payment when no live one exists, got %+v", found)
		}

		second := newPayment("order-3")
		if err := store.CreatePayment(ctx, second); err != nil {
			t.Fatalf("Expected reissue to succeed, got %v", err)
		}
		found, _ = store.FindPaymentByMemberAndMonth(ctx, member.ID, "2025-03")
		if found == nil || found.ID != second.ID {
			t.Errorf("Expected live payment %s, got %+v", second.ID, found)
		}

		if err := store.UpdatePaymentStatus(ctx, second.ID, models.PaymentCompleted, "", 20); err != nil {
			t.Fatalf("UpdatePaymentStatus failed: %v", err)
		}
		completed, _ := store.ListCompletedPayments(ctx, party.ID, "2025-03")
		if len(completed) != 1 || completed[0].ID != second.ID {
			t.Errorf("Expected only the reissued payment to be completed, got %d", len(completed))
		}
	})

	t.Run("FindPaymentByOrderID returns nil when absent", func(t *testing.T) {
		p, err := store.FindPaymentByOrderID(ctx, "nope")
		if err != nil || p != nil {
			t.Errorf("Expected (nil, nil), got (%v, %v)", p, err)
		}
	})
}

func TestSettlements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	party, leader := seedParty(t, store, "leader")

	var details []*models.SettlementDetail
	var gross int64
	for i, user := range []string{"u1", "u2", "u3"} {
		m := seedMember(t, store, party.ID, user)
		p := &models.Payment{
			PartyID: party.ID, PartyMemberID: m.ID, UserID: user, TargetMonth: "2025-03",
			Amount: 10000, Status: models.PaymentCompleted, OrderID: "order-" + user,
		}
		if err := store.CreatePayment(ctx, p); err != nil {
			t.Fatalf("CreatePayment %d failed: %v", i, err)
		}
		details = append(details, &models.SettlementDetail{PaymentID: p.ID, PartyMemberID: m.ID, UserID: user, Amount: p.Amount})
		gross += p.Amount
	}

	settlement := &models.Settlement{
		PartyID: party.ID, LeaderID: leader.UserID, TargetMonth: "2025-03",
		GrossAmount: gross, FeeAmount: 4500, NetAmount: gross - 4500, Status: models.SettlementPending,
	}
	if err := store.CreateSettlement(ctx, settlement, details); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	t.Run("details sum to gross", func(t *testing.T) {
		got, err := store.ListSettlementDetails(ctx, settlement.ID)
		if err != nil {
			t.Fatalf("ListSettlementDetails failed: %v", err)
		}
		var sum int64
		for _, d := range got {
			sum += d.Amount
			if d.SettlementID != settlement.ID {
				t.Errorf("Detail %s linked to %s", d.ID, d.SettlementID)
			}
		}
		if sum != settlement.GrossAmount {
			t.Errorf("Expected details to sum to %d, got %d", settlement.GrossAmount, sum)
		}
	})

	t.Run("one settlement per party and month", func(t *testing.T) {
		dup := &models.Settlement{PartyID: party.ID, LeaderID: "leader", TargetMonth: "2025-03", Status: models.SettlementPending}
		err := store.CreateSettlement(ctx, dup, nil)
		if !errors.Is(err, apperr.ErrDuplicateSettlement) {
			t.Errorf("Expected ErrDuplicateSettlement, got %v", err)
		}
	})

	t.Run("failed detail insert leaves nothing behind", func(t *testing.T) {
		bad := &models.Settlement{
			PartyID: party.ID, LeaderID: "leader", TargetMonth: "2025-04",
			GrossAmount: 10000, FeeAmount: 1500, NetAmount: 8500, Status: models.SettlementPending,
		}
		err := store.CreateSettlement(ctx, bad, []*models.SettlementDetail{
			{PaymentID: "no-such-payment", PartyMemberID: "m", UserID: "u", Amount: 10000},
		})
		if err == nil {
			t.Fatal("Expected foreign key failure")
		}
		found, err := store.FindSettlement(ctx, party.ID, "2025-04")
		if err != nil || found != nil {
			t.Errorf("Expected no settlement after rollback, got (%+v, %v)", found, err)
		}
	})

	t.Run("details are immutable", func(t *testing.T) {
		_, err := store.db.ExecContext(ctx, `DELETE FROM settlement_details WHERE settlement_id = ?`, settlement.ID)
		if err == nil {
			t.Error("Expected delete of settlement details to be refused")
		}
	})

	t.Run("retry bookkeeping and attention list", func(t *testing.T) {
		due, _ := store.ListDueSettlements(ctx, 1_000, 10)
		if len(due) != 1 {
			t.Fatalf("Expected 1 due settlement, got %d", len(due))
		}

		if err := store.RecordSettlementAttempt(ctx, settlement.ID, 1, 0, "A0321 closed account", true); err != nil {
			t.Fatalf("RecordSettlementAttempt failed: %v", err)
		}
		due, _ = store.ListDueSettlements(ctx, 1_000, 10)
		if len(due) != 0 {
			t.Errorf("Expected halted settlement to be skipped, got %d", len(due))
		}
		attention, _ := store.ListSettlementsNeedingAttention(ctx)
		if len(attention) != 1 || !attention[0].Halted {
			t.Errorf("Expected halted settlement in attention list, got %d", len(attention))
		}
	})

	t.Run("archive frees the month only for FAILED", func(t *testing.T) {
		err := store.ArchiveSettlement(ctx, settlement.ID, "manual", 10)
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Fatalf("Expected PENDING settlement to refuse archive, got %v", err)
		}
		if err := store.UpdateSettlementStatus(ctx, settlement.ID, models.SettlementPending, models.SettlementFailed, 20); err != nil {
			t.Fatalf("UpdateSettlementStatus failed: %v", err)
		}
		if err := store.ArchiveSettlement(ctx, settlement.ID, "bank account closed", 30); err != nil {
			t.Fatalf("ArchiveSettlement failed: %v", err)
		}

		again := &models.Settlement{PartyID: party.ID, LeaderID: "leader", TargetMonth: "2025-03", Status: models.SettlementPending}
		if err := store.CreateSettlement(ctx, again, nil); err != nil {
			t.Fatalf("Expected recreate after archive, got %v", err)
		}
		old, _ := store.GetSettlement(ctx, settlement.ID)
		if !old.Archived || old.Status != models.SettlementFailed {
			t.Errorf("Expected archived FAILED settlement to stay readable, got %+v", old)
		}
	})
}

func TestVerificationsAndAccounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v := &models.AccountVerification{
		UserID: "user-1", BankCode: "004", AccountNum: "12345678901", HolderName: "Kim",
		VerifyCodeHash: "hash", BankTranID: "T1", MaxAttempts: 3,
		Status: models.VerificationPending, ExpiresAt: 1_000,
	}
	if err := store.CreateVerification(ctx, v); err != nil {
		t.Fatalf("CreateVerification failed: %v", err)
	}

	t.Run("bank transaction id is unique", func(t *testing.T) {
		dup := *v
		dup.ID = ""
		if err := store.CreateVerification(ctx, &dup); !errors.Is(err, apperr.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("attempts increment durably", func(t *testing.T) {
		for want := 1; want <= 2; want++ {
			n, err := store.IncrementVerificationAttempts(ctx, v.ID)
			if err != nil {
				t.Fatalf("IncrementVerificationAttempts failed: %v", err)
			}
			if n != want {
				t.Errorf("Expected count %d, got %d", want, n)
			}
		}
		got, _ := store.GetVerificationByBankTranID(ctx, "T1")
		if got.AttemptCount != 2 || got.RemainingAttempts() != 1 {
			t.Errorf("Unexpected session: %+v", got)
		}
	})

	t.Run("expiry sweep skips verified sessions", func(t *testing.T) {
		verified := &models.AccountVerification{
			UserID: "user-2", BankCode: "004", AccountNum: "1", HolderName: "Lee",
			VerifyCodeHash: "hash", BankTranID: "T2", MaxAttempts: 3,
			Status: models.VerificationPending, ExpiresAt: 500,
		}
		if err := store.CreateVerification(ctx, verified); err != nil {
			t.Fatalf("CreateVerification failed: %v", err)
		}
		if err := store.UpdateVerificationStatus(ctx, verified.ID, models.VerificationPending, models.VerificationVerified, 400); err != nil {
			t.Fatalf("UpdateVerificationStatus failed: %v", err)
		}

		n, err := store.ExpireVerifications(ctx, 2_000)
		if err != nil {
			t.Fatalf("ExpireVerifications failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 expired session, got %d", n)
		}
		n, _ = store.ExpireVerifications(ctx, 2_000)
		if n != 0 {
			t.Errorf("Expected sweep to be idempotent, got %d", n)
		}
		got, _ := store.GetVerificationByBankTranID(ctx, "T2")
		if got.Status != models.VerificationVerified {
			t.Errorf("Expected verified session untouched, got %s", got.Status)
		}

		if _, err := store.IncrementVerificationAttempts(ctx, v.ID); !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("Expected expired session to refuse attempts, got %v", err)
		}
	})

	t.Run("one active account per user", func(t *testing.T) {
		first := &models.Account{UserID: "user-1", BankCode: "004", AccountNumMasked: "****8901", HolderName: "Kim", VerificationID: v.ID, Active: true}
		if err := store.CreateAccount(ctx, first); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		second := &models.Account{UserID: "user-1", BankCode: "088", AccountNumMasked: "****0000", HolderName: "Kim", VerificationID: v.ID, Active: true}
		if err := store.CreateAccount(ctx, second); !errors.Is(err, apperr.ErrDuplicate) {
			t.Fatalf("Expected ErrDuplicate, got %v", err)
		}

		n, err := store.DeactivateAccounts(ctx, "user-1", 99)
		if err != nil || n != 1 {
			t.Fatalf("DeactivateAccounts = (%d, %v), want (1, nil)", n, err)
		}
		if err := store.CreateAccount(ctx, second); err != nil {
			t.Fatalf("CreateAccount after deactivation failed: %v", err)
		}

		active, _ := store.FindActiveAccount(ctx, "user-1")
		if active == nil || active.ID != second.ID {
			t.Errorf("Expected active account %s, got %+v", second.ID, active)
		}
		all, _ := store.ListAccounts(ctx, "user-1")
		if len(all) != 2 {
			t.Errorf("Expected old account kept for audit, got %d accounts", len(all))
		}
	})
}

func TestTransfers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	newTransfer := func(attempt int, tranID string) *models.TransferTransaction {
		return &models.TransferTransaction{
			Kind: models.TransferSettlement, ReferenceID: "s1", Attempt: attempt, BankTranID: tranID,
			BankCode: "004", FintechUseNum: "F1", Amount: 25500, Status: models.TransferPending, CreatedAt: 100,
		}
	}

	first := newTransfer(1, "B1")
	if err := store.CreateTransfer(ctx, first); err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}

	t.Run("one transfer per attempt epoch", func(t *testing.T) {
		if err := store.CreateTransfer(ctx, newTransfer(1, "B2")); !errors.Is(err, apperr.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for reused epoch, got %v", err)
		}
		if err := store.CreateTransfer(ctx, newTransfer(2, "B1")); !errors.Is(err, apperr.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for reused bank transaction id, got %v", err)
		}
	})

	t.Run("pending transfers are listed for reconciliation", func(t *testing.T) {
		pending, err := store.ListPendingTransfers(ctx, 200, 10)
		if err != nil {
			t.Fatalf("ListPendingTransfers failed: %v", err)
		}
		if len(pending) != 1 || pending[0].BankTranID != "B1" {
			t.Errorf("Expected B1 pending, got %d", len(pending))
		}
		pending, _ = store.ListPendingTransfers(ctx, 50, 10)
		if len(pending) != 0 {
			t.Errorf("Expected cutoff to exclude fresh transfers, got %d", len(pending))
		}
	})

	t.Run("outcome is final", func(t *testing.T) {
		if err := store.CompleteTransfer(ctx, first.ID, models.TransferFailed, "A0321", "closed account", models.FailureBusiness, 110); err != nil {
			t.Fatalf("CompleteTransfer failed: %v", err)
		}
		err := store.CompleteTransfer(ctx, first.ID, models.TransferSuccess, "A0000", "ok", models.FailureNone, 120)
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("Expected ErrInvalidState, got %v", err)
		}
		_, err = store.db.ExecContext(ctx, `UPDATE transfer_transactions SET status = 'SUCCESS' WHERE id = ?`, first.ID)
		if err == nil {
			t.Error("Expected trigger to refuse rewriting a final outcome")
		}

		got, _ := store.GetTransferByBankTranID(ctx, "B1")
		if got.ResponseCode != "A0321" || got.FailureClass != models.FailureBusiness {
			t.Errorf("Expected stored response, got %+v", got)
		}
	})

	t.Run("final transfers are never rewritten", func(t *testing.T) {
		if _, err := store.db.ExecContext(ctx, `UPDATE transfer_transactions SET memo = 'edited', updated_at = 130 WHERE id = ?`, first.ID); err == nil {
			t.Error("Expected trigger to refuse updating a final transfer")
		}
		if _, err := store.db.ExecContext(ctx, `DELETE FROM transfer_transactions WHERE id = ?`, first.ID); err == nil {
			t.Error("Expected trigger to refuse deleting a transfer")
		}
	})

	t.Run("failed attempts are superseded by newer ones", func(t *testing.T) {
		all, _ := store.ListTransfers(ctx, models.TransferSettlement, "s1")
		if len(all) != 1 || all[0].Superseded {
			t.Fatalf("Expected the only attempt not to be superseded, got %+v", all)
		}
		if err := store.CreateTransfer(ctx, newTransfer(2, "B3")); err != nil {
			t.Fatalf("CreateTransfer failed: %v", err)
		}
		all, _ = store.ListTransfers(ctx, models.TransferSettlement, "s1")
		if len(all) != 2 || !all[0].Superseded || all[1].Superseded {
			t.Errorf("Unexpected attempts: %+v", all)
		}
		got, _ := store.GetTransfer(ctx, first.ID)
		if !got.Superseded || got.UpdatedAt != 110 {
			t.Errorf("Expected superseded attempt with its final timestamp, got %+v", got)
		}
	})
}

func TestInTx(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		var partyID string
		err := store.InTx(ctx, func(tx storage.Store) error {
			p := &models.Party{LeaderID: "l", Status: models.PartyPendingPayment, Capacity: 2}
			if err := tx.CreateParty(ctx, p); err != nil {
				return err
			}
			partyID = p.ID
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected boom, got %v", err)
		}
		if _, err := store.GetParty(ctx, partyID); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("Expected party to be rolled back, got %v", err)
		}
	})

	t.Run("nested calls join the outer transaction", func(t *testing.T) {
		var partyID string
		err := store.InTx(ctx, func(tx storage.Store) error {
			return tx.InTx(ctx, func(inner storage.Store) error {
				p := &models.Party{LeaderID: "l", Status: models.PartyPendingPayment, Capacity: 2}
				if err := inner.CreateParty(ctx, p); err != nil {
					return err
				}
				partyID = p.ID
				return nil
			})
		})
		if err != nil {
			t.Fatalf("InTx failed: %v", err)
		}
		if _, err := store.GetParty(ctx, partyID); err != nil {
			t.Errorf("Expected committed party, got %v", err)
		}
	})
}
