package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/partypay/internal/verification"
)

// AccountServiceName is the fully-qualified name of the account service.
const AccountServiceName = "partypay.v1.AccountService"

const (
	AccountServiceRequestVerificationProcedure = "/" + AccountServiceName + "/RequestVerification"
	AccountServiceVerifyAccountProcedure       = "/" + AccountServiceName + "/VerifyAccount"
	AccountServiceChangeAccountProcedure       = "/" + AccountServiceName + "/ChangeAccount"
	AccountServiceGetAccountProcedure          = "/" + AccountServiceName + "/GetAccount"
	AccountServiceGetVerificationProcedure     = "/" + AccountServiceName + "/GetVerification"
)

// AccountInput identifies a bank account to verify.
type AccountInput struct {
	BankCode   string `json:"bankCode"`
	AccountNum string `json:"accountNum"`
	HolderName string `json:"holderName"`
}

type VerificationResponse struct {
	Verification *Verification `json:"verification"`
}

type VerifyAccountRequest struct {
	BankTranID string `json:"bankTranId"`
	Code       string `json:"code"`
}

type AccountResponse struct {
	Account *Account `json:"account"`
}

type GetAccountRequest struct{}

type GetAccountResponse struct {
	Active  *Account   `json:"active,omitempty"`
	History []*Account `json:"history"`
}

type GetVerificationRequest struct {
	BankTranID string `json:"bankTranId"`
}

// AccountService verifies and registers payout accounts for the caller.
type AccountService struct {
	verifier *verification.Engine
}

// NewAccountService creates a new AccountService.
func NewAccountService(verifier *verification.Engine) *AccountService {
	return &AccountService{verifier: verifier}
}

// NewAccountServiceHandler builds an HTTP handler for the service and returns
// the path prefix to mount it on.
func NewAccountServiceHandler(svc *AccountService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(AccountServiceRequestVerificationProcedure, unary(AccountServiceRequestVerificationProcedure, svc.RequestVerification, opts))
	mux.Handle(AccountServiceVerifyAccountProcedure, unary(AccountServiceVerifyAccountProcedure, svc.VerifyAccount, opts))
	mux.Handle(AccountServiceChangeAccountProcedure, unary(AccountServiceChangeAccountProcedure, svc.ChangeAccount, opts))
	mux.Handle(AccountServiceGetAccountProcedure, unary(AccountServiceGetAccountProcedure, svc.GetAccount, opts))
	mux.Handle(AccountServiceGetVerificationProcedure, unary(AccountServiceGetVerificationProcedure, svc.GetVerification, opts))
	return "/" + AccountServiceName + "/", mux
}

func (in *AccountInput) forUser(userID string) verification.RequestInput {
	return verification.RequestInput{
		UserID:     userID,
		BankCode:   in.BankCode,
		AccountNum: in.AccountNum,
		HolderName: in.HolderName,
	}
}

// RequestVerification sends a micro-deposit carrying a code to the account.
func (s *AccountService) RequestVerification(ctx context.Context, req *connect.Request[AccountInput]) (*connect.Response[VerificationResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("RequestVerification request received", "user_id", userID, "bank_code", req.Msg.BankCode)

	v, err := s.verifier.RequestVerification(ctx, req.Msg.forUser(userID))
	if err != nil {
		slog.Error("RequestVerification failed", "user_id", userID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&VerificationResponse{Verification: toVerification(v)}), nil
}

// VerifyAccount checks the code and registers the account on a match. A wrong
// code fails with InvalidArgument and the Remaining-Attempts header.
func (s *AccountService) VerifyAccount(ctx context.Context, req *connect.Request[VerifyAccountRequest]) (*connect.Response[AccountResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	a, err := s.verifier.VerifyAndRegister(ctx, userID, req.Msg.BankTranID, req.Msg.Code)
	if err != nil {
		slog.Warn("VerifyAccount failed", "user_id", userID, "bank_tran_id", req.Msg.BankTranID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&AccountResponse{Account: toAccount(a)}), nil
}

// ChangeAccount retires the current account and starts verifying a new one.
func (s *AccountService) ChangeAccount(ctx context.Context, req *connect.Request[AccountInput]) (*connect.Response[VerificationResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("ChangeAccount request received", "user_id", userID, "bank_code", req.Msg.BankCode)

	v, err := s.verifier.ChangeAccount(ctx, req.Msg.forUser(userID))
	if err != nil {
		slog.Error("ChangeAccount failed", "user_id", userID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&VerificationResponse{Verification: toVerification(v)}), nil
}

// GetAccount returns the caller's active account, if any, and all past ones.
func (s *AccountService) GetAccount(ctx context.Context, _ *connect.Request[GetAccountRequest]) (*connect.Response[GetAccountResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	accounts, err := s.verifier.ListAccounts(ctx, userID)
	if err != nil {
		return nil, toConnectError(err)
	}
	res := &GetAccountResponse{History: make([]*Account, len(accounts))}
	for i, a := range accounts {
		res.History[i] = toAccount(a)
		if a.Active {
			res.Active = res.History[i]
		}
	}
	return connect.NewResponse(res), nil
}

// GetVerification returns one of the caller's verification sessions.
func (s *AccountService) GetVerification(ctx context.Context, req *connect.Request[GetVerificationRequest]) (*connect.Response[VerificationResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	v, err := s.verifier.GetVerification(ctx, userID, req.Msg.BankTranID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&VerificationResponse{Verification: toVerification(v)}), nil
}
