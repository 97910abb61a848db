// Package bank talks to the open-banking gateway that moves money out of the
// platform: verification micro-deposits and payouts.
package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mmynk/partypay/internal/apperr"
)

// Gateway response codes the engines act on. Any other code is a rejection.
const (
	CodeSuccess = "A0000"
	// CodeProcessing means the bank accepted the instruction but has no
	// final outcome yet.
	CodeProcessing = "A0007"
	// CodeNoSuchTransaction is returned by an inquiry for an id the bank
	// never received.
	CodeNoSuchTransaction = "A0013"
)

// TransferRequest is one outbound deposit instruction. Verification deposits
// address the raw account number; payouts address the fintech usage number.
type TransferRequest struct {
	BankTranID    string
	BankCode      string
	AccountNum    string
	HolderName    string
	FintechUseNum string
	Amount        int64
	Memo          string
}

// Result is the gateway's answer, stored verbatim.
type Result struct {
	ResponseCode    string
	ResponseMessage string
	BankTranID      string
	FintechUseNum   string
}

// Gateway is the semantic contract of the bank boundary.
//
// Deposit returns a Result with CodeSuccess, or an error wrapping
// apperr.ErrBusiness (with the Result) when the bank rejected the
// instruction, or a *SendError wrapping apperr.ErrGateway when the outcome is
// unknown or the request never left.
type Gateway interface {
	Deposit(ctx context.Context, req TransferRequest) (*Result, error)
	// Inquire looks up the outcome of a previously sent instruction.
	Inquire(ctx context.Context, bankTranID string) (*Result, error)
}

// Outcome classifies a response code.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeSuccess
	OutcomeProcessing
	OutcomeNotReceived
)

// Classify maps a gateway response code to an outcome.
func Classify(code string) Outcome {
	switch code {
	case CodeSuccess:
		return OutcomeSuccess
	case CodeProcessing:
		return OutcomeProcessing
	case CodeNoSuchTransaction:
		return OutcomeNotReceived
	default:
		return OutcomeRejected
	}
}

// SendError is a transport failure. Sent reports whether the instruction may
// have reached the bank; when it did, the outcome must be reconciled through
// Inquire before anything is sent again.
type SendError struct {
	Sent bool
	Err  error
}

func (e *SendError) Error() string {
	if e.Sent {
		return fmt.Sprintf("bank outcome unknown: %v", e.Err)
	}
	return fmt.Sprintf("bank request not sent: %v", e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{apperr.ErrGateway, e.Err}
}

// IsAmbiguous reports whether err leaves the instruction's outcome unknown.
func IsAmbiguous(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Sent
}

// Rejected builds the error for an explicit bank rejection.
func Rejected(code, message string) error {
	return fmt.Errorf("bank rejected with %s %s: %w", code, message, apperr.ErrBusiness)
}

// NewBankTranID returns a fresh idempotency key: the institution code, the
// letter U, and nine random characters, as the gateway requires.
func NewBankTranID(orgCode string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return orgCode + "U" + id[:9]
}
