package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "TIMEZONE", "SETTLEMENT_FEE_RATE", "SETTLEMENT_MAX_ATTEMPTS", "VERIFY_CODE_TTL"} {
		t.Setenv(key, "")
	}
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := fromEnv()
	if err != nil {
		t.Fatalf("fromEnv failed: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if got := cfg.Settlement.FeeRate.String(); got != "0.15" {
		t.Errorf("FeeRate = %s, want 0.15", got)
	}
	if cfg.Settlement.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Settlement.Retry.MaxAttempts)
	}
	if cfg.Verification.CodeTTL != 5*time.Minute {
		t.Errorf("CodeTTL = %v, want 5m", cfg.Verification.CodeTTL)
	}
	if cfg.Timezone.String() != "Asia/Seoul" {
		t.Errorf("Timezone = %v, want Asia/Seoul", cfg.Timezone)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("SETTLEMENT_FEE_RATE", "0.1")
	t.Setenv("SETTLEMENT_RETRY_BASE", "30s")
	t.Setenv("BANK_RATE_LIMIT", "2.5")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := fromEnv()
	if err != nil {
		t.Fatalf("fromEnv failed: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if got := cfg.Settlement.FeeRate.String(); got != "0.1" {
		t.Errorf("FeeRate = %s, want 0.1", got)
	}
	if cfg.Settlement.Retry.Base != 30*time.Second {
		t.Errorf("Retry.Base = %v, want 30s", cfg.Settlement.Retry.Base)
	}
	if cfg.Bank.RateLimit != 2.5 {
		t.Errorf("RateLimit = %v, want 2.5", cfg.Bank.RateLimit)
	}
}

func TestFromEnv_ReportsEveryBadKey(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PORT", "eighty")
	t.Setenv("SETTLEMENT_FEE_RATE", "1.5")
	t.Setenv("WORKER_INTERVAL", "soon")

	_, err := fromEnv()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, key := range []string{"JWT_SECRET", "PORT", "SETTLEMENT_FEE_RATE", "WORKER_INTERVAL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}
