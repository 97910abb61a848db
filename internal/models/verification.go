package models

// VerificationStatus is the state of a micro-deposit verification session.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationExpired  VerificationStatus = "EXPIRED"
	VerificationFailed   VerificationStatus = "FAILED"
)

// AccountVerification is a "1-won" session proving a user controls a bank
// account: a token deposit carries a 4-digit code in its memo and the user
// reads it back.
type AccountVerification struct {
	ID         string
	UserID     string
	BankCode   string
	AccountNum string
	HolderName string

	// VerifyCodeHash is the bcrypt hash of the code; the code itself is never stored.
	VerifyCodeHash string

	// BankTranID is the idempotency key sent with the deposit, stored exactly as sent.
	BankTranID string

	// FintechUseNum is the bank-issued token for the account, returned by the gateway.
	FintechUseNum string

	AttemptCount int
	MaxAttempts  int

	Status VerificationStatus

	ExpiresAt  int64
	VerifiedAt int64
	CreatedAt  int64
}

// RemainingAttempts is how many more codes may be tried.
func (v *AccountVerification) RemainingAttempts() int {
	if left := v.MaxAttempts - v.AttemptCount; left > 0 {
		return left
	}
	return 0
}

// ExpiresIn returns the seconds left before the session expires at now.
func (v *AccountVerification) ExpiresIn(now int64) int64 {
	if left := v.ExpiresAt - now; left > 0 {
		return left
	}
	return 0
}
