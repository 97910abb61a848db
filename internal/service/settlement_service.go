package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/partypay/internal/settlement"
)

// SettlementServiceName is the fully-qualified name of the settlement service.
const SettlementServiceName = "partypay.v1.SettlementService"

const (
	SettlementServiceCreateMonthlySettlementProcedure = "/" + SettlementServiceName + "/CreateMonthlySettlement"
	SettlementServiceGetSettlementProcedure           = "/" + SettlementServiceName + "/GetSettlement"
	SettlementServiceCompleteSettlementProcedure      = "/" + SettlementServiceName + "/CompleteSettlement"
	SettlementServiceResumeSettlementProcedure        = "/" + SettlementServiceName + "/ResumeSettlement"
	SettlementServiceMarkUnrecoverableProcedure       = "/" + SettlementServiceName + "/MarkUnrecoverable"
	SettlementServiceListAttentionProcedure           = "/" + SettlementServiceName + "/ListAttention"
	SettlementServiceRunMonthlySettlementProcedure    = "/" + SettlementServiceName + "/RunMonthlySettlement"
)

type CreateMonthlySettlementRequest struct {
	PartyID     string `json:"partyId"`
	TargetMonth string `json:"targetMonth"`
}

type SettlementRequest struct {
	SettlementID string `json:"settlementId"`
	Reason       string `json:"reason,omitempty"`
}

// SettlementResponse carries a settlement. PayoutError is set when the
// settlement exists but its payout did not go through.
type SettlementResponse struct {
	Settlement  *Settlement `json:"settlement"`
	PayoutError string      `json:"payoutError,omitempty"`
}

type GetSettlementResponse struct {
	Settlement *Settlement          `json:"settlement"`
	Details    []*SettlementDetail `json:"details"`
	Transfers  []*Transfer          `json:"transfers"`
}

type ListAttentionRequest struct{}

type ListAttentionResponse struct {
	Settlements []*Settlement `json:"settlements"`
}

type RunMonthlySettlementRequest struct {
	TargetMonth string `json:"targetMonth"`
}

type RunMonthlySettlementResponse struct {
	TargetMonth string `json:"targetMonth"`
	Parties     int    `json:"parties"`
	Created     int    `json:"created"`
	Completed   int    `json:"completed"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
}

// SettlementService exposes monthly settlements. Everything except reading a
// settlement is for operators.
type SettlementService struct {
	settlements *settlement.Engine
}

// NewSettlementService creates a new SettlementService.
func NewSettlementService(settlements *settlement.Engine) *SettlementService {
	return &SettlementService{settlements: settlements}
}

// NewSettlementServiceHandler builds an HTTP handler for the service and
// returns the path prefix to mount it on.
func NewSettlementServiceHandler(svc *SettlementService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(SettlementServiceCreateMonthlySettlementProcedure, unary(SettlementServiceCreateMonthlySettlementProcedure, svc.CreateMonthlySettlement, opts))
	mux.Handle(SettlementServiceGetSettlementProcedure, unary(SettlementServiceGetSettlementProcedure, svc.GetSettlement, opts))
	mux.Handle(SettlementServiceCompleteSettlementProcedure, unary(SettlementServiceCompleteSettlementProcedure, svc.CompleteSettlement, opts))
	mux.Handle(SettlementServiceResumeSettlementProcedure, unary(SettlementServiceResumeSettlementProcedure, svc.ResumeSettlement, opts))
	mux.Handle(SettlementServiceMarkUnrecoverableProcedure, unary(SettlementServiceMarkUnrecoverableProcedure, svc.MarkUnrecoverable, opts))
	mux.Handle(SettlementServiceListAttentionProcedure, unary(SettlementServiceListAttentionProcedure, svc.ListAttention, opts))
	mux.Handle(SettlementServiceRunMonthlySettlementProcedure, unary(SettlementServiceRunMonthlySettlementProcedure, svc.RunMonthlySettlement, opts))
	return "/" + SettlementServiceName + "/", mux
}

// CreateMonthlySettlement settles one party for one month and attempts the payout.
func (s *SettlementService) CreateMonthlySettlement(ctx context.Context, req *connect.Request[CreateMonthlySettlementRequest]) (*connect.Response[SettlementResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("CreateMonthlySettlement request received", "party_id", req.Msg.PartyID, "month", req.Msg.TargetMonth)

	st, err := s.settlements.CreateMonthlySettlement(ctx, req.Msg.PartyID, req.Msg.TargetMonth)
	if st == nil {
		slog.Error("CreateMonthlySettlement failed", "party_id", req.Msg.PartyID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SettlementResponse{Settlement: toSettlement(st), PayoutError: payoutError(err)}), nil
}

// GetSettlement returns a settlement with its line items and transfers, to
// the party leader or an operator.
func (s *SettlementService) GetSettlement(ctx context.Context, req *connect.Request[SettlementRequest]) (*connect.Response[GetSettlementResponse], error) {
	st, details, err := s.settlements.GetSettlement(ctx, req.Msg.SettlementID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, st.LeaderID); err != nil {
		return nil, err
	}
	transfers, err := s.settlements.Transfers(ctx, st.ID)
	if err != nil {
		return nil, toConnectError(err)
	}

	res := &GetSettlementResponse{
		Settlement: toSettlement(st),
		Details:    make([]*SettlementDetail, len(details)),
		Transfers:  make([]*Transfer, len(transfers)),
	}
	for i, d := range details {
		res.Details[i] = &SettlementDetail{
			PaymentID:     d.PaymentID,
			PartyMemberID: d.PartyMemberID,
			UserID:        d.UserID,
			Amount:        d.Amount,
		}
	}
	for i, t := range transfers {
		res.Transfers[i] = toTransfer(t)
	}
	return connect.NewResponse(res), nil
}

// CompleteSettlement marks a paid-out settlement COMPLETED.
func (s *SettlementService) CompleteSettlement(ctx context.Context, req *connect.Request[SettlementRequest]) (*connect.Response[SettlementResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	st, err := s.settlements.CompleteSettlement(ctx, req.Msg.SettlementID)
	if err != nil {
		slog.Error("CompleteSettlement failed", "settlement_id", req.Msg.SettlementID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SettlementResponse{Settlement: toSettlement(st)}), nil
}

// ResumeSettlement retries a settlement halted by a bank rejection.
func (s *SettlementService) ResumeSettlement(ctx context.Context, req *connect.Request[SettlementRequest]) (*connect.Response[SettlementResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("ResumeSettlement request received", "settlement_id", req.Msg.SettlementID)

	st, err := s.settlements.ResumeSettlement(ctx, req.Msg.SettlementID)
	if st == nil {
		slog.Error("ResumeSettlement failed", "settlement_id", req.Msg.SettlementID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SettlementResponse{Settlement: toSettlement(st), PayoutError: payoutError(err)}), nil
}

// MarkUnrecoverable archives a settlement so the month can be settled again.
func (s *SettlementService) MarkUnrecoverable(ctx context.Context, req *connect.Request[SettlementRequest]) (*connect.Response[SettlementResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("MarkUnrecoverable request received", "settlement_id", req.Msg.SettlementID, "reason", req.Msg.Reason)

	st, err := s.settlements.MarkUnrecoverable(ctx, req.Msg.SettlementID, req.Msg.Reason)
	if err != nil {
		slog.Error("MarkUnrecoverable failed", "settlement_id", req.Msg.SettlementID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SettlementResponse{Settlement: toSettlement(st)}), nil
}

// ListAttention lists settlements that are halted or failed.
func (s *SettlementService) ListAttention(ctx context.Context, _ *connect.Request[ListAttentionRequest]) (*connect.Response[ListAttentionResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	list, err := s.settlements.ListAttention(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	res := &ListAttentionResponse{Settlements: make([]*Settlement, len(list))}
	for i, st := range list {
		res.Settlements[i] = toSettlement(st)
	}
	return connect.NewResponse(res), nil
}

// RunMonthlySettlement runs the monthly batch on demand.
func (s *SettlementService) RunMonthlySettlement(ctx context.Context, req *connect.Request[RunMonthlySettlementRequest]) (*connect.Response[RunMonthlySettlementResponse], error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	slog.Info("RunMonthlySettlement request received", "month", req.Msg.TargetMonth)

	report, err := s.settlements.RunMonthly(ctx, req.Msg.TargetMonth)
	if err != nil {
		slog.Error("RunMonthlySettlement failed", "month", req.Msg.TargetMonth, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&RunMonthlySettlementResponse{
		TargetMonth: report.Month,
		Parties:     report.Parties,
		Created:     report.Created,
		Completed:   report.Completed,
		Skipped:     report.Skipped,
		Failed:      report.Failed,
	}), nil
}
