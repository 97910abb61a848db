// Package banktest provides a scriptable in-memory bank gateway.
package banktest

import (
	"context"
	"errors"
	"sync"

	"github.com/mmynk/partypay/internal/bank"
)

type behavior int

const (
	succeed behavior = iota
	reject
	timeoutAfterSend
	failBeforeSend
	processing
)

type step struct {
	behavior behavior
	code     string
	message  string
	// landed is what the bank actually did with a request whose response was lost.
	landed bool
}

// Gateway is a fake bank.Gateway. Deposit calls consume scripted steps in
// order; with no step queued a call succeeds.
type Gateway struct {
	mu         sync.Mutex
	steps      []step
	calls      []bank.TransferRequest
	outcomes   map[string]*bank.Result
	inquiries  int
	inquireErr error
}

var _ bank.Gateway = (*Gateway)(nil)

// New creates an empty fake gateway.
func New() *Gateway {
	return &Gateway{outcomes: make(map[string]*bank.Result)}
}

// Succeed queues a successful deposit.
func (g *Gateway) Succeed() *Gateway {
	return g.push(step{behavior: succeed})
}

// Reject queues a business rejection.
func (g *Gateway) Reject(code, message string) *Gateway {
	return g.push(step{behavior: reject, code: code, message: message})
}

// TimeoutAfterSend queues a call whose response is lost. landed decides
// whether the bank executed it, which a later Inquire reveals.
func (g *Gateway) TimeoutAfterSend(landed bool) *Gateway {
	return g.push(step{behavior: timeoutAfterSend, landed: landed})
}

// FailBeforeSend queues a transport failure that never reached the bank.
func (g *Gateway) FailBeforeSend() *Gateway {
	return g.push(step{behavior: failBeforeSend})
}

// Processing queues a call the bank accepts without a final outcome yet.
func (g *Gateway) Processing() *Gateway {
	return g.push(step{behavior: processing})
}

// FailInquiries makes every Inquire call return err; nil restores them.
func (g *Gateway) FailInquiries(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inquireErr = err
}

// Settle fixes the outcome the bank reports for a transaction id.
func (g *Gateway) Settle(bankTranID, code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[bankTranID] = &bank.Result{ResponseCode: code, BankTranID: bankTranID}
}

func (g *Gateway) push(s step) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, s)
	return g
}

// Calls returns every deposit request received, in order.
func (g *Gateway) Calls() []bank.TransferRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bank.TransferRequest(nil), g.calls...)
}

// Inquiries returns how many Inquire calls were made.
func (g *Gateway) Inquiries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inquiries
}

// Deposit implements bank.Gateway.
func (g *Gateway) Deposit(ctx context.Context, req bank.TransferRequest) (*bank.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &bank.SendError{Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, req)
	s := step{behavior: succeed}
	if len(g.steps) > 0 {
		s, g.steps = g.steps[0], g.steps[1:]
	}

	ok := &bank.Result{
		ResponseCode:    bank.CodeSuccess,
		ResponseMessage: "processed",
		BankTranID:      req.BankTranID,
		FintechUseNum:   fintechUseNum(req),
	}

	switch s.behavior {
	case reject:
		res := &bank.Result{ResponseCode: s.code, ResponseMessage: s.message, BankTranID: req.BankTranID}
		g.outcomes[req.BankTranID] = res
		return res, bank.Rejected(s.code, s.message)
	case timeoutAfterSend:
		if s.landed {
			g.outcomes[req.BankTranID] = ok
		}
		return nil, &bank.SendError{Sent: true, Err: context.DeadlineExceeded}
	case failBeforeSend:
		return nil, &bank.SendError{Err: errors.New("connection refused")}
	case processing:
		res := &bank.Result{ResponseCode: bank.CodeProcessing, BankTranID: req.BankTranID}
		g.outcomes[req.BankTranID] = res
		return res, &bank.SendError{Sent: true, Err: errors.New("bank still processing")}
	default:
		g.outcomes[req.BankTranID] = ok
		return ok, nil
	}
}

// Inquire implements bank.Gateway.
func (g *Gateway) Inquire(ctx context.Context, bankTranID string) (*bank.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inquiries++
	if g.inquireErr != nil {
		return nil, &bank.SendError{Err: g.inquireErr}
	}
	if res, ok := g.outcomes[bankTranID]; ok {
		out := *res
		return &out, nil
	}
	return &bank.Result{ResponseCode: bank.CodeNoSuchTransaction, BankTranID: bankTranID}, nil
}

func fintechUseNum(req bank.TransferRequest) string {
	if req.FintechUseNum != "" {
		return req.FintechUseNum
	}
	return "FT" + req.BankCode + req.AccountNum
}
