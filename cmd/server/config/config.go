package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds Redis connection settings. URL is empty when Redis is not
// configured.
type RedisConfig struct {
	URL                string
	Prefix             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// ServerConfig holds process level settings.
type ServerConfig struct {
	GRPCAddr  string
	Env       string
	LogLevel  string
	LogFormat string
}

// Production reports whether the process runs with APP_ENV=production.
func (c ServerConfig) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// CheckoutConfig holds checkout backend and timing settings. Zero durations
// mean "use the built-in default".
type CheckoutConfig struct {
	DatabaseURL    string
	Retention      time.Duration
	ReservationTTL time.Duration
	InProgressWait time.Duration
	InProgressPoll time.Duration
	PurgeInterval  time.Duration
	JournalPath    string
	StockFile      string
	PolicyFile     string
	ClaimLease     time.Duration
	KafkaBrokers   string
	KafkaTopic     string
}

// LoadRedis reads Redis config from env. A missing REDIS_URL is not an error;
// the returned config is simply not Enabled.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Prefix: strings.TrimSpace(os.Getenv("REDIS_PREFIX")),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads gRPC ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// LoadServer reads the listen address and logging settings.
func LoadServer() ServerConfig {
	return ServerConfig{
		GRPCAddr:  stringOr("GRPC_ADDR", ":50051"),
		Env:       strings.TrimSpace(os.Getenv("APP_ENV")),
		LogLevel:  stringOr("LOG_LEVEL", "info"),
		LogFormat: stringOr("LOG_FORMAT", "json"),
	}
}

// LoadCheckout reads checkout backends and timing from env.
func LoadCheckout() (CheckoutConfig, error) {
	cfg := CheckoutConfig{
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		JournalPath:  strings.TrimSpace(os.Getenv("CHECKOUT_RECONCILE_JOURNAL")),
		StockFile:    strings.TrimSpace(os.Getenv("CHECKOUT_STOCK_FILE")),
		PolicyFile:   strings.TrimSpace(os.Getenv("CHECKOUT_POLICY_FILE")),
		KafkaBrokers: strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   stringOr("KAFKA_TOPIC", "checkout.events"),
	}

	var err error
	if cfg.Retention, err = durationOr("CHECKOUT_IDEMPOTENCY_RETENTION", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.ReservationTTL, err = durationOr("CHECKOUT_RESERVATION_TTL", 0); err != nil {
		return cfg, err
	}
	if cfg.InProgressWait, err = durationOr("CHECKOUT_INPROGRESS_WAIT", 0); err != nil {
		return cfg, err
	}
	if cfg.InProgressPoll, err = durationOr("CHECKOUT_INPROGRESS_POLL", 0); err != nil {
		return cfg, err
	}
	if cfg.PurgeInterval, err = durationOr("CHECKOUT_LEDGER_PURGE_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.ClaimLease, err = durationOr("CHECKOUT_INPROGRESS_LEASE", 10*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadStock reads a YAML stock seed of the form
//
//	stock:
//	  sku-mug: 10
//
// An empty path yields an empty seed.
func LoadStock(path string) (map[string]int, error) {
	stock := map[string]int{}
	if path == "" {
		return stock, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stock file: %w", err)
	}
	var doc struct {
		Stock map[string]int `yaml:"stock"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse stock file: %w", err)
	}
	for sku, qty := range doc.Stock {
		if strings.TrimSpace(sku) == "" {
			return nil, errors.New("stock file: empty sku")
		}
		if qty < 0 {
			return nil, fmt.Errorf("stock file: %s must be >= 0", sku)
		}
		stock[sku] = qty
	}
	return stock, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return fallback, nil
	}
	return *val, nil
}
