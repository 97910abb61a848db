package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/mmynk/partypay/internal/metrics"
)

// ClientConfig configures the HTTP gateway client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	// OrgCode prefixes every bank transaction id this platform issues.
	OrgCode    string
	ClientName string
	// Timeout bounds one call, including the wait for a rate-limit token.
	Timeout time.Duration
	// RateLimit is the sustained requests per second allowed towards the bank.
	RateLimit float64
	Burst     int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is the open-banking HTTP implementation of Gateway.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ Gateway = (*Client)(nil)

// NewClient creates a gateway client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "partypay"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
}

// OrgCode returns the institution code used for bank transaction ids.
func (c *Client) OrgCode() string {
	return c.cfg.OrgCode
}

type depositBody struct {
	BankTranID      string `json:"bank_tran_id"`
	BankCodeStd     string `json:"bank_code_std,omitempty"`
	AccountNum      string `json:"account_num,omitempty"`
	AccountHolder   string `json:"account_holder_name,omitempty"`
	FintechUseNum   string `json:"fintech_use_num,omitempty"`
	TranAmt         string `json:"tran_amt"`
	PrintContent    string `json:"print_content"`
	ReqClientName   string `json:"req_client_name"`
	TransferPurpose string `json:"transfer_purpose"`
}

// Deposit sends money to a bank account.
func (c *Client) Deposit(ctx context.Context, req TransferRequest) (*Result, error) {
	body := depositBody{
		BankTranID:      req.BankTranID,
		BankCodeStd:     req.BankCode,
		AccountNum:      req.AccountNum,
		AccountHolder:   req.HolderName,
		FintechUseNum:   req.FintechUseNum,
		TranAmt:         strconv.FormatInt(req.Amount, 10),
		PrintContent:    req.Memo,
		ReqClientName:   c.cfg.ClientName,
		TransferPurpose: "TR",
	}
	res, err := c.call(ctx, "deposit", "/v2.0/transfer/deposit/acnt_num", body)
	if err != nil {
		return nil, err
	}
	if res.BankTranID == "" {
		res.BankTranID = req.BankTranID
	}

	switch Classify(res.ResponseCode) {
	case OutcomeSuccess:
		return res, nil
	case OutcomeProcessing:
		return res, &SendError{Sent: true, Err: fmt.Errorf("bank still processing %s", req.BankTranID)}
	default:
		return res, Rejected(res.ResponseCode, res.ResponseMessage)
	}
}

// Inquire looks up the outcome of a previously sent deposit.
func (c *Client) Inquire(ctx context.Context, bankTranID string) (*Result, error) {
	res, err := c.call(ctx, "inquire", "/v2.0/transfer/result", map[string]string{
		"org_bank_tran_id": bankTranID,
	})
	if err != nil {
		return nil, err
	}
	res.BankTranID = bankTranID
	return res, nil
}

func (c *Client) call(ctx context.Context, operation, path string, payload any) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.do(ctx, path, payload)
	metrics.RecordBankCall(operation, outcomeLabel(res, err), time.Since(start))
	if err != nil {
		slog.WarnContext(ctx, "Bank gateway call failed", "operation", operation, "error", err)
	}
	return res, err
}

func (c *Client) do(ctx context.Context, path string, payload any) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &SendError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Sent: !notSent(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SendError{Sent: true, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests:
		// Refused at the door; nothing was executed.
		return nil, &SendError{Err: fmt.Errorf("gateway returned %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &SendError{Sent: true, Err: fmt.Errorf("gateway returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, Rejected("HTTP_"+strconv.Itoa(resp.StatusCode), gjson.GetBytes(raw, "rsp_message").String())
	}

	if !gjson.ValidBytes(raw) {
		return nil, &SendError{Sent: true, Err: errors.New("malformed gateway response")}
	}
	parsed := gjson.ParseBytes(raw)
	return &Result{
		ResponseCode:    parsed.Get("rsp_code").String(),
		ResponseMessage: parsed.Get("rsp_message").String(),
		BankTranID:      parsed.Get("res_list.0.bank_tran_id").String(),
		FintechUseNum:   parsed.Get("res_list.0.fintech_use_num").String(),
	}, nil
}

// notSent reports whether a transport error happened before the request
// could reach the gateway.
func notSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case IsAmbiguous(err):
		return "unknown"
	case err != nil:
		return "not_sent"
	case res == nil:
		return "empty"
	}
	switch Classify(res.ResponseCode) {
	case OutcomeSuccess:
		return "success"
	case OutcomeProcessing:
		return "processing"
	case OutcomeNotReceived:
		return "not_received"
	default:
		return "rejected"
	}
}
