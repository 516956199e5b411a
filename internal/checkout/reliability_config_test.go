package checkout

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadReliabilityConfig_Defaults(t *testing.T) {
	cfg, err := LoadReliabilityConfig("", envMap(nil))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	for _, class := range Classes {
		if cfg[class].RetryMaxAttempts < 1 {
			t.Fatalf("class %s has no attempts", class)
		}
	}
	if cfg[ClassPersistence].BreakerMaxFailures != 0 {
		t.Fatalf("persistence must not carry a breaker")
	}
}

func TestLoadReliabilityConfig_EnvOverrides(t *testing.T) {
	cfg, err := LoadReliabilityConfig("", envMap(map[string]string{
		"CHECKOUT_PAYMENT_RETRY_MAX_ATTEMPTS":      "5",
		"CHECKOUT_PAYMENT_RETRY_BASE_DELAY":        "10ms",
		"CHECKOUT_PAYMENT_ATTEMPT_TIMEOUT":         "750ms",
		"CHECKOUT_PAYMENT_STATUS_MAX_ATTEMPTS":     "7",
		"CHECKOUT_RESERVATION_RATE_LIMIT_BURST":    "20",
		"CHECKOUT_RESERVATION_RATE_LIMIT_INTERVAL": "5ms",
	}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	payment := cfg[ClassPayment]
	if payment.RetryMaxAttempts != 5 || payment.RetryBaseDelay != 10*time.Millisecond {
		t.Fatalf("unexpected payment retry: %+v", payment)
	}
	if payment.AttemptTimeout != 750*time.Millisecond || payment.StatusMaxAttempts != 7 {
		t.Fatalf("unexpected payment timeouts: %+v", payment)
	}
	if cfg[ClassReservation].RateLimitBurst != 20 || cfg[ClassReservation].RateLimitInterval != 5*time.Millisecond {
		t.Fatalf("unexpected reservation limiter: %+v", cfg[ClassReservation])
	}

	policies := cfg.Policies()
	if policies[ClassPayment].StatusRetry.MaxAttempts != 7 {
		t.Fatalf("status retry not carried into policy: %+v", policies[ClassPayment])
	}
}

func TestLoadReliabilityConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"CHECKOUT_LEDGER_RETRY_MAX_ATTEMPTS": "x",
		"CHECKOUT_LEDGER_RETRY_BASE_DELAY":   "-1s",
	}
	for key, value := range cases {
		if _, err := LoadReliabilityConfig("", envMap(map[string]string{key: value})); err == nil {
			t.Fatalf("expected error for %s=%s", key, value)
		}
	}
	if _, err := LoadReliabilityConfig("", envMap(map[string]string{"CHECKOUT_LEDGER_RETRY_MAX_ATTEMPTS": "0"})); err == nil {
		t.Fatalf("expected validation error for zero attempts")
	}
}

func TestLoadReliabilityConfig_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := []byte(`classes:
  payment:
    retry_max_attempts: 2
    attempt_timeout: 3s
  persistence:
    retry_max_attempts: 12
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	cfg, err := LoadReliabilityConfig(path, envMap(map[string]string{
		"CHECKOUT_PERSISTENCE_RETRY_MAX_ATTEMPTS": "20",
	}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg[ClassPayment].RetryMaxAttempts != 2 || cfg[ClassPayment].AttemptTimeout != 3*time.Second {
		t.Fatalf("yaml not applied: %+v", cfg[ClassPayment])
	}
	if cfg[ClassPayment].StatusMaxAttempts != DefaultReliabilityConfig()[ClassPayment].StatusMaxAttempts {
		t.Fatalf("yaml reset an unspecified field: %+v", cfg[ClassPayment])
	}
	if cfg[ClassPersistence].RetryMaxAttempts != 20 {
		t.Fatalf("env should win over yaml, got %d", cfg[ClassPersistence].RetryMaxAttempts)
	}
}

func TestLoadReliabilityConfig_UnknownYAMLClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("classes:\n  shipping:\n    retry_max_attempts: 2\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadReliabilityConfig(path, envMap(nil)); err == nil {
		t.Fatalf("expected unknown class error")
	}
}
