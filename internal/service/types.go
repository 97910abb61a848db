package service

import "github.com/mmynk/partypay/internal/models"

// Party is the wire form of a party.
type Party struct {
	ID            string `json:"id"`
	LeaderID      string `json:"leaderId"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	StatusLabel   string `json:"statusLabel"`
	Capacity      int    `json:"capacity"`
	MonthlyFee    int64  `json:"monthlyFee"`
	DepositAmount int64  `json:"depositAmount"`
	CreatedAt     int64  `json:"createdAt"`
	ClosedAt      int64  `json:"closedAt,omitempty"`
}

// Member is the wire form of a membership.
type Member struct {
	ID          string `json:"id"`
	PartyID     string `json:"partyId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	JoinedAt    int64  `json:"joinedAt"`
	ActivatedAt int64  `json:"activatedAt,omitempty"`
	LeftAt      int64  `json:"leftAt,omitempty"`
}

// Deposit is the wire form of a deposit.
type Deposit struct {
	ID             string `json:"id"`
	PartyID        string `json:"partyId"`
	PartyMemberID  string `json:"partyMemberId"`
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	RefundPaid     bool   `json:"refundPaid"`
	RefundStuck    bool   `json:"refundStuck"`
	RefundAttempts int    `json:"refundAttempts"`
	CreatedAt      int64  `json:"createdAt"`
	ResolvedAt     int64  `json:"resolvedAt,omitempty"`
}

// Payment is the wire form of a monthly due.
type Payment struct {
	ID            string `json:"id"`
	PartyID       string `json:"partyId"`
	PartyMemberID string `json:"partyMemberId"`
	UserID        string `json:"userId"`
	TargetMonth   string `json:"targetMonth"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	OrderID       string `json:"orderId"`
	FailReason    string `json:"failReason,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// Settlement is the wire form of a monthly settlement.
type Settlement struct {
	ID            string `json:"id"`
	PartyID       string `json:"partyId"`
	LeaderID      string `json:"leaderId"`
	TargetMonth   string `json:"targetMonth"`
	GrossAmount   int64  `json:"grossAmount"`
	FeeAmount     int64  `json:"feeAmount"`
	NetAmount     int64  `json:"netAmount"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"nextAttemptAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	Halted        bool   `json:"halted"`
	Archived      bool   `json:"archived"`
	CreatedAt     int64  `json:"createdAt"`
	CompletedAt   int64  `json:"completedAt,omitempty"`
}

// SettlementDetail is one payment included in a settlement.
type SettlementDetail struct {
	PaymentID     string `json:"paymentId"`
	PartyMemberID string `json:"partyMemberId"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`
}

// Transfer is the wire form of a transfer attempt.
type Transfer struct {
	ID              string `json:"id"`
	Attempt         int    `json:"attempt"`
	BankTranID      string `json:"bankTranId"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	ResponseCode    string `json:"responseCode,omitempty"`
	ResponseMessage string `json:"responseMessage,omitempty"`
	FailureClass    string `json:"failureClass,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

// Verification is the wire form of a verification session. The code hash and
// raw account number never leave the server.
type Verification struct {
	BankTranID        string `json:"bankTranId"`
	BankCode          string `json:"bankCode"`
	Status            string `json:"status"`
	RemainingAttempts int    `json:"remainingAttempts"`
	ExpiresAt         int64  `json:"expiresAt"`
}

// Account is the wire form of a payout account.
type Account struct {
	ID               string `json:"id"`
	BankCode         string `json:"bankCode"`
	AccountNumMasked string `json:"accountNumMasked"`
	HolderName       string `json:"holderName"`
	Active           bool   `json:"active"`
	CreatedAt        int64  `json:"createdAt"`
}

func toParty(p *models.Party) *Party {
	return &Party{
		ID:            p.ID,
		LeaderID:      p.LeaderID,
		Title:         p.Title,
		Status:        string(p.Status),
		StatusLabel:   models.StatusLabel(p.Status),
		Capacity:      p.Capacity,
		MonthlyFee:    p.MonthlyFee,
		DepositAmount: p.DepositAmount,
		CreatedAt:     p.CreatedAt,
		ClosedAt:      p.ClosedAt,
	}
}

func toMember(m *models.PartyMember) *Member {
	return &Member{
		ID:          m.ID,
		PartyID:     m.PartyID,
		UserID:      m.UserID,
		Role:        string(m.Role),
		Status:      string(m.Status),
		JoinedAt:    m.JoinedAt,
		ActivatedAt: m.ActivatedAt,
		LeftAt:      m.LeftAt,
	}
}

func toDeposit(d *models.Deposit) *Deposit {
	return &Deposit{
		ID:             d.ID,
		PartyID:        d.PartyID,
		PartyMemberID:  d.PartyMemberID,
		UserID:         d.UserID,
		Amount:         d.Amount,
		Status:         string(d.Status),
		Reason:         d.Reason,
		RefundPaid:     d.RefundPaid,
		RefundStuck:    d.RefundStuck,
		RefundAttempts: d.RefundAttempts,
		CreatedAt:      d.CreatedAt,
		ResolvedAt:     d.ResolvedAt,
	}
}

func toPayment(p *models.Payment) *Payment {
	return &Payment{
		ID:            p.ID,
		PartyID:       p.PartyID,
		PartyMemberID: p.PartyMemberID,
		UserID:        p.UserID,
		TargetMonth:   p.TargetMonth,
		Amount:        p.Amount,
		Status:        string(p.Status),
		OrderID:       p.OrderID,
		FailReason:    p.FailReason,
		CreatedAt:     p.CreatedAt,
	}
}

func toSettlement(s *models.Settlement) *Settlement {
	return &Settlement{
		ID:            s.ID,
		PartyID:       s.PartyID,
		LeaderID:      s.LeaderID,
		TargetMonth:   s.TargetMonth,
		GrossAmount:   s.GrossAmount,
		FeeAmount:     s.FeeAmount,
		NetAmount:     s.NetAmount,
		Status:        string(s.Status),
		Attempts:      s.Attempts,
		NextAttemptAt: s.NextAttemptAt,
		LastError:     s.LastError,
		Halted:        s.Halted,
		Archived:      s.Archived,
		CreatedAt:     s.CreatedAt,
		CompletedAt:   s.CompletedAt,
	}
}

func toTransfer(t *models.TransferTransaction) *Transfer {
	if t == nil {
		return nil
	}
	return &Transfer{
		ID:              t.ID,
		Attempt:         t.Attempt,
		BankTranID:      t.BankTranID,
		Amount:          t.Amount,
		Status:          string(t.Status),
		ResponseCode:    t.ResponseCode,
		ResponseMessage: t.ResponseMessage,
		FailureClass:    string(t.FailureClass),
		CreatedAt:       t.CreatedAt,
	}
}

func toVerification(v *models.AccountVerification) *Verification {
	return &Verification{
		BankTranID:        v.BankTranID,
		BankCode:          v.BankCode,
		Status:            string(v.Status),
		RemainingAttempts: v.RemainingAttempts(),
		ExpiresAt:         v.ExpiresAt,
	}
}

func toAccount(a *models.Account) *Account {
	return &Account{
		ID:               a.ID,
		BankCode:         a.BankCode,
		AccountNumMasked: a.AccountNumMasked,
		HolderName:       a.HolderName,
		Active:           a.Active,
		CreatedAt:        a.CreatedAt,
	}
}
