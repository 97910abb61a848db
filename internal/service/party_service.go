package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/partypay/internal/middleware"
	"github.com/mmynk/partypay/internal/party"
)

// PartyServiceName is the fully-qualified name of the party service.
const PartyServiceName = "partypay.v1.PartyService"

const (
	PartyServiceCreatePartyProcedure = "/" + PartyServiceName + "/CreateParty"
	PartyServiceGetPartyProcedure    = "/" + PartyServiceName + "/GetParty"
	PartyServiceJoinPartyProcedure   = "/" + PartyServiceName + "/JoinParty"
	PartyServiceLeavePartyProcedure  = "/" + PartyServiceName + "/LeaveParty"
	PartyServiceClosePartyProcedure  = "/" + PartyServiceName + "/CloseParty"
)

type CreatePartyRequest struct {
	Title         string `json:"title"`
	Capacity      int    `json:"capacity"`
	MonthlyFee    int64  `json:"monthlyFee"`
	DepositAmount int64  `json:"depositAmount"`
}

type CreatePartyResponse struct {
	Party  *Party  `json:"party"`
	Leader *Member `json:"leader"`
}

type GetPartyRequest struct {
	PartyID string `json:"partyId"`
}

type GetPartyResponse struct {
	Party   *Party    `json:"party"`
	Members []*Member `json:"members"`
}

type JoinPartyRequest struct {
	PartyID string `json:"partyId"`
}

type LeavePartyRequest struct {
	MemberID string `json:"memberId"`
}

type MemberResponse struct {
	Member *Member `json:"member"`
}

type ClosePartyRequest struct {
	PartyID string `json:"partyId"`
}

type PartyResponse struct {
	Party *Party `json:"party"`
}

// PartyService exposes the party lifecycle.
type PartyService struct {
	parties *party.Machine
}

// NewPartyService creates a new PartyService.
func NewPartyService(parties *party.Machine) *PartyService {
	return &PartyService{parties: parties}
}

// NewPartyServiceHandler builds an HTTP handler for the service and returns
// the path prefix to mount it on.
func NewPartyServiceHandler(svc *PartyService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(PartyServiceCreatePartyProcedure, unary(PartyServiceCreatePartyProcedure, svc.CreateParty, opts))
	mux.Handle(PartyServiceGetPartyProcedure, unary(PartyServiceGetPartyProcedure, svc.GetParty, opts))
	mux.Handle(PartyServiceJoinPartyProcedure, unary(PartyServiceJoinPartyProcedure, svc.JoinParty, opts))
	mux.Handle(PartyServiceLeavePartyProcedure, unary(PartyServiceLeavePartyProcedure, svc.LeaveParty, opts))
	mux.Handle(PartyServiceClosePartyProcedure, unary(PartyServiceClosePartyProcedure, svc.CloseParty, opts))
	return "/" + PartyServiceName + "/", mux
}

// CreateParty opens a party led by the caller.
func (s *PartyService) CreateParty(ctx context.Context, req *connect.Request[CreatePartyRequest]) (*connect.Response[CreatePartyResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("CreateParty request received", "user_id", userID, "capacity", req.Msg.Capacity)

	p, leader, err := s.parties.CreateParty(ctx, party.CreatePartyInput{
		LeaderID:      userID,
		Title:         req.Msg.Title,
		Capacity:      req.Msg.Capacity,
		MonthlyFee:    req.Msg.MonthlyFee,
		DepositAmount: req.Msg.DepositAmount,
	})
	if err != nil {
		slog.Error("CreateParty failed", "error", err)
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&CreatePartyResponse{Party: toParty(p), Leader: toMember(leader)}), nil
}

// GetParty returns a party and its members.
func (s *PartyService) GetParty(ctx context.Context, req *connect.Request[GetPartyRequest]) (*connect.Response[GetPartyResponse], error) {
	p, members, err := s.parties.GetParty(ctx, req.Msg.PartyID)
	if err != nil {
		return nil, toConnectError(err)
	}

	res := &GetPartyResponse{Party: toParty(p), Members: make([]*Member, len(members))}
	for i, m := range members {
		res.Members[i] = toMember(m)
	}
	return connect.NewResponse(res), nil
}

// JoinParty adds the caller to a recruiting party.
func (s *PartyService) JoinParty(ctx context.Context, req *connect.Request[JoinPartyRequest]) (*connect.Response[MemberResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("JoinParty request received", "party_id", req.Msg.PartyID, "user_id", userID)

	m, err := s.parties.JoinParty(ctx, req.Msg.PartyID, userID)
	if err != nil {
		slog.Error("JoinParty failed", "party_id", req.Msg.PartyID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&MemberResponse{Member: toMember(m)}), nil
}

// LeaveParty ends a non-leader membership.
func (s *PartyService) LeaveParty(ctx context.Context, req *connect.Request[LeavePartyRequest]) (*connect.Response[MemberResponse], error) {
	m, err := s.parties.GetMember(ctx, req.Msg.MemberID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, m.UserID); err != nil {
		return nil, err
	}

	m, err = s.parties.LeaveParty(ctx, req.Msg.MemberID)
	if err != nil {
		slog.Error("LeaveParty failed", "member_id", req.Msg.MemberID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&MemberResponse{Member: toMember(m)}), nil
}

// CloseParty terminates a party. Only its leader or an operator may close it.
func (s *PartyService) CloseParty(ctx context.Context, req *connect.Request[ClosePartyRequest]) (*connect.Response[PartyResponse], error) {
	p, _, err := s.parties.GetParty(ctx, req.Msg.PartyID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := requireSelfOrAdmin(ctx, p.LeaderID); err != nil {
		return nil, err
	}

	p, err = s.parties.CloseParty(ctx, req.Msg.PartyID)
	if err != nil {
		slog.Error("CloseParty failed", "party_id", req.Msg.PartyID, "error", err, "caller", middleware.GetUserID(ctx))
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PartyResponse{Party: toParty(p)}), nil
}
