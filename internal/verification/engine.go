// Package verification proves bank-account ownership with a "1-won"
// micro-deposit: a token deposit carries a 4-digit code in its memo and the
// user reads the code back.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/bank"
	"github.com/mmynk/partypay/internal/metrics"
	"github.com/mmynk/partypay/internal/models"
	"github.com/mmynk/partypay/internal/notify"
	"github.com/mmynk/partypay/internal/storage"
)

// Config holds the verification policy.
type Config struct {
	CodeTTL       time.Duration
	MaxAttempts   int
	MemoPrefix    string
	DepositAmount int64
	OrgCode       string
	// BcryptCost is the cost used to hash codes; tests lower it.
	BcryptCost int
}

// DefaultConfig is the production policy.
var DefaultConfig = Config{
	CodeTTL:       5 * time.Minute,
	MaxAttempts:   3,
	MemoPrefix:    "PARTY",
	DepositAmount: 1,
	BcryptCost:    bcrypt.DefaultCost,
}

// Engine runs verification sessions and owns users' payout accounts.
type Engine struct {
	store     storage.Store
	gateway   bank.Gateway
	publisher notify.Publisher
	cfg       Config
	now       func() time.Time
	newCode   func() (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCodeSource overrides how verify codes are generated.
func WithCodeSource(newCode func() (string, error)) Option {
	return func(e *Engine) { e.newCode = newCode }
}

// New creates an Engine.
func New(store storage.Store, gateway bank.Gateway, publisher notify.Publisher, cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultConfig.CodeTTL
	}
	if cfg.DepositAmount <= 0 {
		cfg.DepositAmount = DefaultConfig.DepositAmount
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = DefaultConfig.BcryptCost
	}
	e := &Engine{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		newCode:   randomCode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// randomCode returns a uniformly random 4-digit code.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("failed to generate verify code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// RequestInput identifies the account to verify.
type RequestInput struct {
	UserID     string
	BankCode   string
	AccountNum string
	HolderName string
}

func (in RequestInput) validate() error {
	switch {
	case in.UserID == "":
		return apperr.Validation("user_id", "required")
	case len(in.BankCode) != 3 || !digits(in.BankCode):
		return apperr.Validation("bank_code", "must be 3 digits")
	case len(in.AccountNum) < 6 || len(in.AccountNum) > 20 || !digits(in.AccountNum):
		return apperr.Validation("account_num", "must be 6 to 20 digits")
	case in.HolderName == "":
		return apperr.Validation("holder_name", "required")
	}
	return nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RequestVerification sends the micro-deposit and opens a PENDING session.
// Earlier pending sessions of the user are expired. If the gateway fails or
// rejects the deposit no session is created and the error wraps
// apperr.ErrGateway or apperr.ErrBusiness.
func (e *Engine) RequestVerification(ctx context.Context, in RequestInput) (*models.AccountVerification, error) {
	return e.openSession(ctx, in, false)
}

// openSession sends the micro-deposit and, only once the bank accepted it,
// persists the new session. With retire set the user's active accounts are
// deactivated in the same transaction.
func (e *Engine) openSession(ctx context.Context, in RequestInput, retire bool) (*models.AccountVerification, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	code, err := e.newCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), e.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash verify code: %w", err)
	}

	tranID := bank.NewBankTranID(e.cfg.OrgCode)
	res, err := e.gateway.Deposit(ctx, bank.TransferRequest{
		BankTranID: tranID,
		BankCode:   in.BankCode,
		AccountNum: in.AccountNum,
		HolderName: in.HolderName,
		Amount:     e.cfg.DepositAmount,
		Memo:       e.cfg.MemoPrefix + code,
	})
	if err != nil {
		slog.WarnContext(ctx, "Verification deposit failed", "user_id", in.UserID, "bank_code", in.BankCode, "error", err)
		return nil, fmt.Errorf("verification deposit: %w", err)
	}

	now := e.now()
	v := &models.AccountVerification{
		UserID:         in.UserID,
		BankCode:       in.BankCode,
		AccountNum:     in.AccountNum,
		HolderName:     in.HolderName,
		VerifyCodeHash: string(hash),
		BankTranID:     tranID,
		FintechUseNum:  res.FintechUseNum,
		MaxAttempts:    e.cfg.MaxAttempts,
		Status:         models.VerificationPending,
		ExpiresAt:      now.Add(e.cfg.CodeTTL).Unix(),
		CreatedAt:      now.Unix(),
	}
	err = e.store.InTx(ctx, func(tx storage.Store) error {
		if retire {
			n, err := tx.DeactivateAccounts(ctx, in.UserID, now.Unix())
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "Payout account deactivated for change", "user_id", in.UserID, "count", n)
		}
		if _, err := tx.ExpireUserVerifications(ctx, in.UserID); err != nil {
			return err
		}
		return tx.CreateVerification(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Verification requested", "user_id", in.UserID, "bank_tran_id", tranID, "expires_at", v.ExpiresAt)
	return v, nil
}

// VerifyAndRegister checks a code against the session and, on a match,
// registers the account as the user's only active payout account.
//
// The attempt is counted and committed before the code is compared. A wrong
// code returns *apperr.CodeMismatchError; the miss that uses the last attempt
// fails the session, after which every call returns apperr.ErrAttemptsExceeded.
func (e *Engine) VerifyAndRegister(ctx context.Context, userID, bankTranID, code string) (*models.Account, error) {
	v, err := e.store.GetVerificationByBankTranID(ctx, bankTranID)
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, apperr.NotFound("verification", bankTranID)
	}
	if err := e.checkOpen(ctx, v); err != nil {
		return nil, err
	}

	attempts, err := e.store.IncrementVerificationAttempts(ctx, v.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			// Expired or failed between the read and the increment.
			return nil, e.closedError(ctx, bankTranID)
		}
		return nil, err
	}
	if attempts > v.MaxAttempts {
		e.fail(ctx, v)
		return nil, apperr.ErrAttemptsExceeded
	}

	if bcrypt.CompareHashAndPassword([]byte(v.VerifyCodeHash), []byte(code)) != nil {
		metrics.RecordVerification("mismatch")
		remaining := v.MaxAttempts - attempts
		if remaining <= 0 {
			e.fail(ctx, v)
		}
		slog.InfoContext(ctx, "Verification code mismatch", "bank_tran_id", bankTranID, "remaining", remaining)
		return nil, &apperr.CodeMismatchError{Remaining: remaining, ExpiresAt: v.ExpiresAt}
	}

	var account *models.Account
	err = e.store.InTx(ctx, func(tx storage.Store) error {
		current, err := tx.GetVerificationByBankTranID(ctx, bankTranID)
		if err != nil {
			return err
		}
		now := e.now().Unix()
		if current.Status == models.VerificationPending && now >= current.ExpiresAt {
			return apperr.ErrExpired
		}
		if err := tx.UpdateVerificationStatus(ctx, v.ID, models.VerificationPending, models.VerificationVerified, now); err != nil {
			return err
		}
		if _, err := tx.DeactivateAccounts(ctx, userID, now); err != nil {
			return err
		}
		account = &models.Account{
			UserID:           userID,
			BankCode:         v.BankCode,
			AccountNumMasked: models.MaskAccountNum(v.AccountNum),
			HolderName:       v.HolderName,
			FintechUseNum:    v.FintechUseNum,
			VerificationID:   v.ID,
			Active:           true,
			CreatedAt:        now,
		}
		return tx.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordVerification("verified")
	slog.InfoContext(ctx, "Account verified", "user_id", userID, "account_id", account.ID, "bank_code", account.BankCode)
	e.publisher.Publish(ctx, models.Event{
		Type:        models.EventAccountVerified,
		UserID:      userID,
		ReferenceID: account.ID,
		OccurredAt:  account.CreatedAt,
	})
	return account, nil
}

// checkOpen maps a session that can no longer be used to its error,
// expiring it if its deadline passed.
func (e *Engine) checkOpen(ctx context.Context, v *models.AccountVerification) error {
	switch v.Status {
	case models.VerificationExpired:
		return apperr.ErrExpired
	case models.VerificationFailed:
		return apperr.ErrAttemptsExceeded
	case models.VerificationVerified:
		return apperr.InvalidState("verification", v.BankTranID, v.Status, models.VerificationPending)
	}

	now := e.now().Unix()
	if now >= v.ExpiresAt {
		if err := e.store.UpdateVerificationStatus(ctx, v.ID, models.VerificationPending, models.VerificationExpired, now); err != nil &&
			!errors.Is(err, apperr.ErrInvalidState) {
			return err
		}
		return apperr.ErrExpired
	}
	if v.AttemptCount >= v.MaxAttempts {
		e.fail(ctx, v)
		return apperr.ErrAttemptsExceeded
	}
	return nil
}

func (e *Engine) closedError(ctx context.Context, bankTranID string) error {
	v, err := e.store.GetVerificationByBankTranID(ctx, bankTranID)
	if err != nil {
		return err
	}
	if err := e.checkOpen(ctx, v); err != nil {
		return err
	}
	return apperr.InvalidState("verification", bankTranID, v.Status)
}

func (e *Engine) fail(ctx context.Context, v *models.AccountVerification) {
	err := e.store.UpdateVerificationStatus(ctx, v.ID, models.VerificationPending, models.VerificationFailed, e.now().Unix())
	if err != nil && !errors.Is(err, apperr.ErrInvalidState) {
		slog.ErrorContext(ctx, "Failed to lock verification", "bank_tran_id", v.BankTranID, "error", err)
		return
	}
	metrics.RecordVerification("locked")
	slog.InfoContext(ctx, "Verification locked after too many attempts", "bank_tran_id", v.BankTranID)
}

// UpdateExpiredSessions expires PENDING sessions past their deadline.
func (e *Engine) UpdateExpiredSessions(ctx context.Context) (int, error) {
	n, err := e.store.ExpireVerifications(ctx, e.now().Unix())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Expired verification sessions", "count", n)
	}
	return n, nil
}

// ChangeAccount deactivates the user's current account and starts verifying
// a new one. The old account stays readable for audit. If the bank does not
// accept the verification deposit the current account stays active.
func (e *Engine) ChangeAccount(ctx context.Context, in RequestInput) (*models.AccountVerification, error) {
	return e.openSession(ctx, in, true)
}

// ActiveAccount returns the user's verified payout account, or an error
// wrapping apperr.ErrNoVerifiedAccount.
func (e *Engine) ActiveAccount(ctx context.Context, userID string) (*models.Account, error) {
	a, err := e.store.FindActiveAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("user %q: %w", userID, apperr.ErrNoVerifiedAccount)
	}
	return a, nil
}

// ListAccounts returns every account of a user, active or not.
func (e *Engine) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	return e.store.ListAccounts(ctx, userID)
}

// GetVerification returns one of the user's sessions.
func (e *Engine) GetVerification(ctx context.Context, userID, bankTranID string) (*models.AccountVerification, error) {
	v, err := e.store.GetVerificationByBankTranID(ctx, bankTranID)
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, apperr.NotFound("verification", bankTranID)
	}
	return v, nil
}
