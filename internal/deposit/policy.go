package deposit

import (
	"fmt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/models"
)

// Action is what happens to a deposit when its member withdraws.
type Action string

const (
	ActionRefund  Action = "REFUND"
	ActionForfeit Action = "FORFEIT"
)

// Decision is the outcome of the withdrawal policy, with the reason recorded
// on the deposit.
type Decision struct {
	Action Action
	Reason string
}

// DecideWithdrawal is the withdrawal policy. It depends only on its inputs:
//
//	party PENDING_PAYMENT, RECRUITING  refund (the party never started)
//	party ACTIVE                       forfeit (leaving a running party)
//	party CLOSED                       refund (nothing left to guarantee)
//
// Only a HELD deposit can be decided.
func DecideWithdrawal(deposit models.DepositStatus, party models.PartyStatus, role models.MemberRole) (Decision, error) {
	if deposit != models.DepositHeld {
		return Decision{}, fmt.Errorf("deposit is %s, want %s: %w", deposit, models.DepositHeld, apperr.ErrInvalidState)
	}

	who := "member"
	if role == models.RoleLeader {
		who = "leader"
	}

	switch party {
	case models.PartyPendingPayment, models.PartyRecruiting:
		return Decision{ActionRefund, fmt.Sprintf("%s withdrew before the party started", who)}, nil
	case models.PartyActive:
		return Decision{ActionForfeit, fmt.Sprintf("%s withdrew from an active party", who)}, nil
	case models.PartyClosed:
		return Decision{ActionRefund, "party closed"}, nil
	default:
		return Decision{}, apperr.Validation("party_status", fmt.Sprintf("unknown status %q", party))
	}
}
