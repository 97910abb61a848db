// Package config reads server settings from the environment, after loading an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mmynk/partypay/internal/calculator"
	"github.com/mmynk/partypay/internal/retry"
)

// Config is the complete server configuration.
type Config struct {
	Port      int
	DBPath    string
	JWTSecret string
	Timezone  *time.Location

	Bank         BankConfig
	Verification VerificationConfig
	Settlement   SettlementConfig
	Worker       WorkerConfig

	NotifyWebhookURL string
}

// BankConfig configures the open-banking gateway client.
type BankConfig struct {
	BaseURL     string
	AccessToken string
	OrgCode     string
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
}

// VerificationConfig configures micro-deposit verification.
type VerificationConfig struct {
	CodeTTL       time.Duration
	MaxAttempts   int
	MemoPrefix    string
	DepositAmount int64
}

// SettlementConfig configures settlement fees and payout retries.
type SettlementConfig struct {
	FeeRate     decimal.Decimal
	Retry       retry.Policy
	Concurrency int
	// Cron is the schedule of the monthly run, in Timezone.
	Cron string
}

// WorkerConfig configures the background poller.
type WorkerConfig struct {
	Interval time.Duration
	// ReconcileAfter is how long a transfer stays PENDING before the bank is asked.
	ReconcileAfter time.Duration
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	var errs []error
	p := parser{errs: &errs}

	tz, err := time.LoadLocation(getEnv("TIMEZONE", "Asia/Seoul"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
		tz = time.UTC
	}

	feeRate, err := decimal.NewFromString(getEnv("SETTLEMENT_FEE_RATE", calculator.DefaultFeeRate.String()))
	if err != nil {
		errs = append(errs, fmt.Errorf("SETTLEMENT_FEE_RATE: %w", err))
	} else if feeRate.IsNegative() || feeRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("SETTLEMENT_FEE_RATE: must be within [0, 1], got %s", feeRate))
	}

	cfg := &Config{
		Port:      p.integer("PORT", 8080),
		DBPath:    getEnv("DB_PATH", "./data/partypay.db"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Timezone:  tz,
		Bank: BankConfig{
			BaseURL:     getEnv("BANK_BASE_URL", "https://testapi.openbanking.or.kr"),
			AccessToken: os.Getenv("BANK_ACCESS_TOKEN"),
			OrgCode:     getEnv("BANK_ORG_CODE", "M202300001"),
			Timeout:     p.duration("BANK_TIMEOUT", 10*time.Second),
			RateLimit:   p.number("BANK_RATE_LIMIT", 20),
			Burst:       p.integer("BANK_RATE_BURST", 5),
		},
		Verification: VerificationConfig{
			CodeTTL:       p.duration("VERIFY_CODE_TTL", 5*time.Minute),
			MaxAttempts:   p.integer("VERIFY_MAX_ATTEMPTS", 3),
			MemoPrefix:    getEnv("VERIFY_MEMO_PREFIX", "PARTY"),
			DepositAmount: int64(p.integer("VERIFY_DEPOSIT_AMOUNT", 1)),
		},
		Settlement: SettlementConfig{
			FeeRate: feeRate,
			Retry: retry.Policy{
				MaxAttempts: p.integer("SETTLEMENT_MAX_ATTEMPTS", retry.DefaultPolicy.MaxAttempts),
				Base:        p.duration("SETTLEMENT_RETRY_BASE", retry.DefaultPolicy.Base),
				Max:         p.duration("SETTLEMENT_RETRY_MAX", retry.DefaultPolicy.Max),
			},
			Concurrency: p.integer("SETTLEMENT_CONCURRENCY", 4),
			Cron:        getEnv("SETTLEMENT_CRON", "0 3 1 * *"),
		},
		Worker: WorkerConfig{
			Interval:       p.duration("WORKER_INTERVAL", 30*time.Second),
			ReconcileAfter: p.duration("RECONCILE_AFTER", time.Minute),
		},
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.Settlement.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_ATTEMPTS must be at least 1"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parser collects conversion errors so every bad key is reported at once.
type parser struct {
	errs *[]error
}

func (p parser) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p parser) number(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
