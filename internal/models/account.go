package models

// Account is a user's verified payout destination. At most one Account per
// user is active; deactivated accounts stay readable for audit.
type Account struct {
	ID     string
	UserID string

	BankCode string

	// AccountNumMasked keeps only the last four digits.
	AccountNumMasked string

	HolderName string

	// FintechUseNum identifies the account for transfers instead of the raw number.
	FintechUseNum string

	// VerificationID is the session that proved ownership.
	VerificationID string

	Active bool

	CreatedAt     int64
	DeactivatedAt int64
}

// MaskAccountNum hides all but the last four digits of an account number.
func MaskAccountNum(num string) string {
	if len(num) <= 4 {
		return num
	}
	masked := make([]byte, len(num))
	for i := range masked {
		if i < len(num)-4 {
			masked[i] = '*'
		} else {
			masked[i] = num[i]
		}
	}
	return string(masked)
}
