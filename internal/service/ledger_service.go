package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/partypay/internal/deposit"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/party"
	"github.com/mmynk/partypay/internal/payment"
)

// LedgerServiceName is the fully-qualified name of the ledger service.
const LedgerServiceName = "partypay.v1.LedgerService"

const (
	LedgerServiceCreateDepositProcedure       = "/" + LedgerServiceName + "/CreateDeposit"
	LedgerServiceGetDepositProcedure          = "/" + LedgerServiceName + "/GetDeposit"
	LedgerServiceRefundDepositProcedure       = "/" + LedgerServiceName + "/RefundDeposit"
	LedgerServiceForfeitDepositProcedure      = "/" + LedgerServiceName + "/ForfeitDeposit"
	LedgerServiceProcessWithdrawalProcedure   = "/" + LedgerServiceName + "/ProcessWithdrawal"
	LedgerServiceRecordPaymentProcedure       = "/" + LedgerServiceName + "/RecordPayment"
	LedgerServiceUpdatePaymentStatusProcedure = "/" + LedgerServiceName + "/UpdatePaymentStatus"
	LedgerServiceReissuePaymentProcedure      = "/" + LedgerServiceName + "/ReissuePayment"
	LedgerServiceGetPaymentProcedure          = "/" + LedgerServiceName + "/GetPayment"
)

type CreateDepositRequest struct {
	PartyID       string `json:"partyId"`
	PartyMemberID string `json:"partyMemberId"`
	Amount        int64  `json:"amount"`
	PaymentKey    string `json:"paymentKey"`
	OrderID       string `json:"orderId"`
	PaymentMethod string `json:"paymentMethod"`
}

type DepositRequest struct {
	DepositID string `json:"depositId"`
	Reason    string `json:"reason,omitempty"`
}

// DepositResponse carries a deposit and, when a payout was attempted, its
// transfer. PayoutError is set when the deposit was resolved but the payout
// has not gone through yet; it is retried in the background.
type DepositResponse struct {
	Deposit     *Deposit  `json:"deposit"`
	Action      string    `json:"action,omitempty"`
	Transfer    *Transfer `json:"transfer,omitempty"`
	PayoutError string    `json:"payoutError,omitempty"`
}

type RecordPaymentRequest struct {
	PartyMemberID string `json:"partyMemberId"`
	TargetMonth   string `json:"targetMonth"`
	Amount        int64  `json:"amount"`
	OrderID       string `json:"orderId"`
	PaymentKey    string `json:"paymentKey"`
	PaymentMethod string `json:"paymentMethod"`
}

type UpdatePaymentStatusRequest struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type ReissuePaymentRequest struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
}

// GetPaymentRequest looks a payment up by ID, or by member and month when no
// ID is given.
type GetPaymentRequest struct {
	PaymentID     string `json:"paymentId,omitempty"`
	PartyMemberID string `json:"partyMemberId,omitempty"`
	TargetMonth   string `json:"targetMonth,omitempty"`
}

type PaymentResponse struct {
	Payment *Payment `json:"payment"`
}

// LedgerService exposes deposits and monthly payments.
type LedgerService struct {
	deposits *deposit.Ledger
	payments *payment.Ledger
	parties  *party.Machine
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(deposits *deposit.Ledger, payments *payment.Ledger, parties *party.Machine) *LedgerService {
	return &LedgerService{deposits: deposits, payments: payments, parties: parties}
}

// NewLedgerServiceHandler builds an HTTP handler for the service and returns
// the path prefix to mount it on.
func NewLedgerServiceHandler(svc *LedgerService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(LedgerServiceCreateDepositProcedure, unary(LedgerServiceCreateDepositProcedure, svc.CreateDeposit, opts))
	mux.Handle(LedgerServiceGetDepositProcedure, unary(LedgerServiceGetDepositProcedure, svc.GetDeposit, opts))
	mux.Handle(LedgerServiceRefundDepositProcedure, unary(LedgerServiceRefundDepositProcedure, svc.RefundDeposit, opts))
	mux.Handle(LedgerServiceForfeitDepositProcedure, unary(LedgerServiceForfeitDepositProcedure, svc.ForfeitDeposit, opts))
	mux.Handle(LedgerServiceProcessWithdrawalProcedure, unary(LedgerServiceProcessWithdrawalProcedure, svc.ProcessWithdrawal, opts))
	mux.Handle(LedgerServiceRecordPaymentProcedure, unary(LedgerServiceRecordPaymentProcedure, svc.RecordPayment, opts))
	mux.Handle(LedgerServiceUpdatePaymentStatusProcedure, unary(LedgerServiceUpdatePaymentStatusProcedure, svc.UpdatePaymentStatus, opts))
	mux.Handle(LedgerServiceReissuePaymentProcedure, unary(LedgerServiceReissuePaymentProcedure, svc.ReissuePayment, opts))
	mux.Handle(LedgerServiceGetPaymentProcedure, unary(LedgerServiceGetPaymentProcedure, svc.GetPayment, opts))
	return "/" + LedgerServiceName + "/", mux
}

// CreateDeposit records the caller's cleared deposit for a party they lead.
func (s *LedgerService) CreateDeposit(ctx context.Context, req *connect.Request[CreateDepositRequest]) (*connect.Response[DepositResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("CreateDeposit request received", "party_id", req.Msg.PartyID, "user_id", userID, "amount", req.Msg.Amount)

	d, err := s.deposits.CreateDeposit(ctx, deposit.CreateInput{
		PartyID:       req.Msg.PartyID,
		PartyMemberID: req.Msg.PartyMemberID,
		UserID:        userID,
		Amount:        req.Msg.Amount,
		PaymentKey:    req.Msg.PaymentKey,
		OrderID:       req.Msg.OrderID,
		PaymentMethod: req.Msg.PaymentMethod,
	})
	if err != nil {
		slog.Error("CreateDeposit failed", "party_id", req.Msg.PartyID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DepositResponse{Deposit: toDeposit(d)}), nil
}

// GetDeposit returns a deposit to its owner or an operator.
func (s *LedgerService) GetDeposit(ctx context.Context, req *connect.Request[DepositRequest]) (*connect.Response[DepositResponse], error) {
	d, err := s.deposits.GetDeposit(ctx, req.Msg.DepositID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, d.UserID); err != nil {
		return nil, err
	}
	return connect.NewResponse(&DepositResponse{Deposit: toDeposit(d)}), nil
}

// RefundDeposit releases a held deposit. Operators only.
func (s *LedgerService) RefundDeposit(ctx context.Context, req *connect.Request[DepositRequest]) (*connect.Response[DepositResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("RefundDeposit request received", "deposit_id", req.Msg.DepositID, "reason", req.Msg.Reason)

	d, t, err := s.deposits.RefundDeposit(ctx, req.Msg.DepositID, req.Msg.Reason)
	if d == nil {
		slog.Error("RefundDeposit failed", "deposit_id", req.Msg.DepositID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DepositResponse{
		Deposit:     toDeposit(d),
		Transfer:    toTransfer(t),
		PayoutError: payoutError(err),
	}), nil
}

// ForfeitDeposit keeps a held deposit for the platform. Operators only.
func (s *LedgerService) ForfeitDeposit(ctx context.Context, req *connect.Request[DepositRequest]) (*connect.Response[DepositResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("ForfeitDeposit request received", "deposit_id", req.Msg.DepositID, "reason", req.Msg.Reason)

	d, err := s.deposits.ForfeitDeposit(ctx, req.Msg.DepositID, req.Msg.Reason)
	if err != nil {
		slog.Error("ForfeitDeposit failed", "deposit_id", req.Msg.DepositID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DepositResponse{Deposit: toDeposit(d)}), nil
}

// ProcessWithdrawal applies the withdrawal policy to the owner's deposit.
func (s *LedgerService) ProcessWithdrawal(ctx context.Context, req *connect.Request[DepositRequest]) (*connect.Response[DepositResponse], error) {
	d, err := s.deposits.GetDeposit(ctx, req.Msg.DepositID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, d.UserID); err != nil {
		return nil, err
	}

	result, err := s.deposits.ProcessWithdrawalRefund(ctx, req.Msg.DepositID)
	if result == nil {
		slog.Error("ProcessWithdrawal failed", "deposit_id", req.Msg.DepositID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DepositResponse{
		Deposit:     toDeposit(result.Deposit),
		Action:      string(result.Decision.Action),
		Transfer:    toTransfer(result.Transfer),
		PayoutError: payoutError(err),
	}), nil
}

// RecordPayment issues a pending monthly due for a membership.
func (s *LedgerService) RecordPayment(ctx context.Context, req *connect.Request[RecordPaymentRequest]) (*connect.Response[PaymentResponse], error) {
	m, err := s.parties.GetMember(ctx, req.Msg.PartyMemberID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, m.UserID); err != nil {
		return nil, err
	}
	slog.Info("RecordPayment request received", "member_id", m.ID, "month", req.Msg.TargetMonth, "order_id", req.Msg.OrderID)

	p, err := s.payments.RecordPayment(ctx, payment.RecordInput{
		PartyMemberID: req.Msg.PartyMemberID,
		TargetMonth:   req.Msg.TargetMonth,
		Amount:        req.Msg.Amount,
		OrderID:       req.Msg.OrderID,
		PaymentKey:    req.Msg.PaymentKey,
		PaymentMethod: req.Msg.PaymentMethod,
	})
	if err != nil {
		slog.Error("RecordPayment failed", "member_id", m.ID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PaymentResponse{Payment: toPayment(p)}), nil
}

// UpdatePaymentStatus applies the collection result of a pending payment.
// Operators only.
func (s *LedgerService) UpdatePaymentStatus(ctx context.Context, req *connect.Request[UpdatePaymentStatusRequest]) (*connect.Response[PaymentResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("UpdatePaymentStatus request received", "payment_id", req.Msg.PaymentID, "status", req.Msg.Status)

	p, err := s.payments.UpdatePaymentStatus(ctx, req.Msg.PaymentID, models.PaymentStatus(req.Msg.Status), req.Msg.Reason)
	if err != nil {
		slog.Error("UpdatePaymentStatus failed", "payment_id", req.Msg.PaymentID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PaymentResponse{Payment: toPayment(p)}), nil
}

// ReissuePayment opens a new pending payment in place of a failed one.
func (s *LedgerService) ReissuePayment(ctx context.Context, req *connect.Request[ReissuePaymentRequest]) (*connect.Response[PaymentResponse], error) {
	failed, err := s.payments.GetPayment(ctx, req.Msg.PaymentID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, failed.UserID); err != nil {
		return nil, err
	}

	p, err := s.payments.Reissue(ctx, req.Msg.PaymentID, req.Msg.OrderID)
	if err != nil {
		slog.Error("ReissuePayment failed", "payment_id", req.Msg.PaymentID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PaymentResponse{Payment: toPayment(p)}), nil
}

// GetPayment returns a payment to its payer or an operator.
func (s *LedgerService) GetPayment(ctx context.Context, req *connect.Request[GetPaymentRequest]) (*connect.Response[PaymentResponse], error) {
	var (
		p   *models.Payment
		err error
	)
	if req.Msg.PaymentID != "" {
		p, err = s.payments.GetPayment(ctx, req.Msg.PaymentID)
	} else {
		p, err = s.payments.FindByPartyMemberIDAndTargetMonth(ctx, req.Msg.PartyMemberID, req.Msg.TargetMonth)
	}
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, p.UserID); err != nil {
		return nil, err
	}
	return connect.NewResponse(&PaymentResponse{Payment: toPayment(p)}), nil
}
