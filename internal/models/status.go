package models

// statusLabels holds display text for every status tag. State machine code
// compares tags only.
var statusLabels = map[string]string{
	string(PartyPendingPayment): "Awaiting payment",
	string(PartyRecruiting):     "Recruiting",
	string(PartyActive):         "Active",
	string(PartyClosed):         "Closed",

	string(MemberInactive): "Leaving",
	string(MemberLeft):     "Left",

	string(DepositHeld):      "Held",
	string(DepositRefunded):  "Refunded",
	string(DepositForfeited): "Forfeited",

	string(PaymentPending):   "Pending",
	string(PaymentCompleted): "Completed",
	string(PaymentFailed):    "Failed",

	string(VerificationVerified): "Verified",
	string(VerificationExpired):  "Expired",

	string(TransferSuccess): "Succeeded",
}

// StatusLabel returns the display text for a status tag, or the tag itself
// when none is registered.
func StatusLabel[S ~string](status S) string {
	if label, ok := statusLabels[string(status)]; ok {
		return label
	}
	return string(status)
}
