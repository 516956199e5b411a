package checkout

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ClassConfig is the tunable reliability policy of one operation class.
type ClassConfig struct {
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	StatusMaxAttempts   int           `yaml:"status_max_attempts"`
	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
	RateLimitInterval   time.Duration `yaml:"rate_limit_interval"`
	RateLimitBurst      int           `yaml:"rate_limit_burst"`
}

// ReliabilityConfig holds a ClassConfig per operation class.
type ReliabilityConfig map[OperationClass]ClassConfig

// DefaultReliabilityConfig returns the built-in policies. Payment calls retry
// little and query status hard; persistence retries longest because it runs
// after the customer has been charged. Persistence and ledger carry no breaker.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		ClassReservation: {
			RetryMaxAttempts:    4,
			RetryBaseDelay:      50 * time.Millisecond,
			RetryMaxDelay:       time.Second,
			AttemptTimeout:      2 * time.Second,
			StatusMaxAttempts:   1,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 5 * time.Second,
		},
		ClassPayment: {
			RetryMaxAttempts:    3,
			RetryBaseDelay:      100 * time.Millisecond,
			RetryMaxDelay:       2 * time.Second,
			AttemptTimeout:      5 * time.Second,
			StatusMaxAttempts:   5,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 10 * time.Second,
		},
		ClassPersistence: {
			RetryMaxAttempts:  8,
			RetryBaseDelay:    50 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
			AttemptTimeout:    3 * time.Second,
			StatusMaxAttempts: 1,
		},
		ClassLedger: {
			RetryMaxAttempts:  3,
			RetryBaseDelay:    20 * time.Millisecond,
			RetryMaxDelay:     500 * time.Millisecond,
			AttemptTimeout:    time.Second,
			StatusMaxAttempts: 1,
		},
	}
}

// LoadReliabilityConfig starts from the defaults, applies the YAML file at
// path (if non-empty) and then CHECKOUT_<CLASS>_* environment overrides.
func LoadReliabilityConfig(path string, getenv func(string) string) (ReliabilityConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := DefaultReliabilityConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := cfg.applyYAML(raw); err != nil {
			return nil, fmt.Errorf("policy file %s: %w", path, err)
		}
	}
	for _, class := range Classes {
		cc, err := applyClassEnv(class, cfg[class], getenv)
		if err != nil {
			return nil, err
		}
		cfg[class] = cc
	}
	return cfg, cfg.Validate()
}

type policyFile struct {
	Classes map[OperationClass]yaml.Node `yaml:"classes"`
}

func (c ReliabilityConfig) applyYAML(raw []byte) error {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return err
	}
	for class, node := range file.Classes {
		cc, ok := c[class]
		if !ok {
			return fmt.Errorf("unknown operation class %q", class)
		}
		if err := node.Decode(&cc); err != nil {
			return fmt.Errorf("class %s: %w", class, err)
		}
		c[class] = cc
	}
	return nil
}

func applyClassEnv(class OperationClass, cc ClassConfig, getenv func(string) string) (ClassConfig, error) {
	prefix := "CHECKOUT_" + strings.ToUpper(string(class)) + "_"
	var err error

	if cc.RetryMaxAttempts, err = parseOptionalInt(getenv, prefix+"RETRY_MAX_ATTEMPTS", cc.RetryMaxAttempts); err != nil {
		return cc, err
	}
	if cc.RetryBaseDelay, err = parseOptionalDuration(getenv, prefix+"RETRY_BASE_DELAY", cc.RetryBaseDelay); err != nil {
		return cc, err
	}
	if cc.RetryMaxDelay, err = parseOptionalDuration(getenv, prefix+"RETRY_MAX_DELAY", cc.RetryMaxDelay); err != nil {
		return cc, err
	}
	if cc.AttemptTimeout, err = parseOptionalDuration(getenv, prefix+"ATTEMPT_TIMEOUT", cc.AttemptTimeout); err != nil {
		return cc, err
	}
	if cc.StatusMaxAttempts, err = parseOptionalInt(getenv, prefix+"STATUS_MAX_ATTEMPTS", cc.StatusMaxAttempts); err != nil {
		return cc, err
	}
	if cc.BreakerMaxFailures, err = parseOptionalInt(getenv, prefix+"BREAKER_MAX_FAILURES", cc.BreakerMaxFailures); err != nil {
		return cc, err
	}
	if cc.BreakerResetTimeout, err = parseOptionalDuration(getenv, prefix+"BREAKER_RESET_TIMEOUT", cc.BreakerResetTimeout); err != nil {
		return cc, err
	}
	if cc.RateLimitInterval, err = parseOptionalDuration(getenv, prefix+"RATE_LIMIT_INTERVAL", cc.RateLimitInterval); err != nil {
		return cc, err
	}
	if cc.RateLimitBurst, err = parseOptionalInt(getenv, prefix+"RATE_LIMIT_BURST", cc.RateLimitBurst); err != nil {
		return cc, err
	}
	return cc, nil
}

// Validate checks every class.
func (c ReliabilityConfig) Validate() error {
	for _, class := range Classes {
		cc, ok := c[class]
		if !ok {
			return fmt.Errorf("missing policy for class %s", class)
		}
		if cc.RetryMaxAttempts < 1 {
			return fmt.Errorf("%s: retry max attempts must be >= 1", class)
		}
		if cc.RetryMaxDelay > 0 && cc.RetryMaxDelay < cc.RetryBaseDelay {
			return fmt.Errorf("%s: retry max delay must be >= base delay", class)
		}
		if cc.RateLimitInterval > 0 && cc.RateLimitBurst < 1 {
			return fmt.Errorf("%s: rate limit burst must be >= 1", class)
		}
	}
	return nil
}

// Policies converts the config to supervisor policies.
func (c ReliabilityConfig) Policies() map[OperationClass]Policy {
	out := make(map[OperationClass]Policy, len(c))
	for class, cc := range c {
		out[class] = Policy{
			Retry: RetryPolicy{
				MaxAttempts: cc.RetryMaxAttempts,
				BaseDelay:   cc.RetryBaseDelay,
				MaxDelay:    cc.RetryMaxDelay,
			},
			AttemptTimeout: cc.AttemptTimeout,
			StatusRetry: RetryPolicy{
				MaxAttempts: cc.StatusMaxAttempts,
				BaseDelay:   cc.RetryBaseDelay,
				MaxDelay:    cc.RetryMaxDelay,
			},
		}
	}
	return out
}

// SupervisorOptions builds the breakers and limiters the config asks for.
func (c ReliabilityConfig) SupervisorOptions() []SupervisorOption {
	var opts []SupervisorOption
	for class, cc := range c {
		if cc.BreakerMaxFailures > 0 {
			opts = append(opts, WithBreaker(class, NewCircuitBreaker(CircuitBreakerConfig{
				MaxFailures:  cc.BreakerMaxFailures,
				ResetTimeout: cc.BreakerResetTimeout,
			})))
		}
		if cc.RateLimitInterval > 0 {
			opts = append(opts, WithLimiter(class, rate.NewLimiter(rate.Every(cc.RateLimitInterval), cc.RateLimitBurst)))
		}
	}
	return opts
}

// NewSupervisorFromConfig builds a Supervisor with every policy, breaker and limiter.
func NewSupervisorFromConfig(c ReliabilityConfig, opts ...SupervisorOption) *Supervisor {
	return NewSupervisor(c.Policies(), append(c.SupervisorOptions(), opts...)...)
}

func parseOptionalDuration(getenv func(string) string, name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseOptionalInt(getenv func(string) string, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
