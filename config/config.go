package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration to support TOML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// RateLimits carries the per-window request ceilings.
type RateLimits struct {
	GlobalPerIP     int `toml:"global_per_ip"`
	QuotePerIP      int `toml:"quote_per_ip"`
	SubmitPerIP     int `toml:"submit_per_ip"`
	QuotePerWallet  int `toml:"quote_per_wallet"`
	SubmitPerWallet int `toml:"submit_per_wallet"`
}

// Anomaly tunes the detector thresholds and learning behaviour.
type Anomaly struct {
	Learn           bool `toml:"learn"`
	WalletThreshold int  `toml:"wallet_threshold"`
	IPThreshold     int  `toml:"ip_threshold"`
	GlobalThreshold int  `toml:"global_threshold"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Traces   bool   `toml:"traces"`
	Metrics  bool   `toml:"metrics"`
}

// LogFile configures optional rotated file logging.
type LogFile struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Token describes an accepted payment token advertised on the token listing.
type Token struct {
	Mint     string `toml:"mint"`
	Symbol   string `toml:"symbol"`
	Name     string `toml:"name"`
	Decimals uint8  `toml:"decimals"`
}

// Config captures runtime configuration for relayd.
type Config struct {
	ListenAddress string `toml:"listen"`
	Network       string `toml:"network"`
	Environment   string `toml:"environment"`

	FeePayerPrivateKeys []string `toml:"fee_payer_private_keys"`
	TreasuryAddress     string   `toml:"treasury_address"`
	GasSinkAddress      string   `toml:"gas_sink_address"`
	RPCURLs             []string `toml:"rpc_urls"`

	StoreURL       string `toml:"store_url"`
	AuditDSN       string `toml:"audit_dsn"`
	BurnLedgerPath string `toml:"burn_ledger_path"`

	OracleURL     string   `toml:"oracle_url"`
	EngagementURL string   `toml:"engagement_url"`
	OracleTimeout Duration `toml:"oracle_timeout"`

	BaseFeeLamports        uint64  `toml:"base_fee_lamports"`
	NetworkFeeLamports     uint64  `toml:"network_fee_lamports"`
	PriorityMicroLamports  uint64  `toml:"priority_micro_lamports"`
	DefaultComputeUnits    uint32  `toml:"default_compute_units"`
	TreasuryRatio          float64 `toml:"treasury_ratio"`
	MaxExpectedGasLamports uint64  `toml:"max_expected_gas_lamports"`

	QuoteTTL                Duration `toml:"quote_ttl"`
	ReservationTTL          Duration `toml:"reservation_ttl"`
	ReplayTTL               Duration `toml:"replay_ttl"`
	MinHealthyBalance       uint64   `toml:"min_healthy_balance_lamports"`
	MaxReservationsPerPayer int      `toml:"max_reservations_per_payer"`

	RateLimits RateLimits `toml:"rate_limits"`
	Anomaly    Anomaly    `toml:"anomaly"`
	Telemetry  Telemetry  `toml:"telemetry"`
	LogFile    LogFile    `toml:"log_file"`

	AllowedOrigins []string `toml:"allowed_origins"`
	MetricsAPIKey  string   `toml:"metrics_api_key"`
	AdminJWTSecret string   `toml:"admin_jwt_secret"`
	CompatMode     string   `toml:"compat_mode"`

	Tokens []Token `toml:"tokens"`
}

const (
	envFeePayerKeys      = "FEE_PAYER_PRIVATE_KEYS"
	envTreasuryAddress   = "TREASURY_ADDRESS"
	envGasSink           = "GAS_SINK_ADDRESS"
	envRPCURLs           = "RPC_URLS"
	envStoreURL          = "STORE_URL"
	envNetwork           = "NETWORK"
	envBaseFee           = "BASE_FEE_LAMPORTS"
	envNetworkFee        = "NETWORK_FEE_LAMPORTS"
	envQuoteTTL          = "QUOTE_TTL_SECONDS"
	envReservationTTL    = "RESERVATION_TTL_MS"
	envMinHealthy        = "MIN_HEALTHY_BALANCE_LAMPORTS"
	envMaxReservations   = "MAX_RESERVATIONS_PER_PAYER"
	envAllowedOrigins    = "ALLOWED_ORIGINS"
	envMetricsAPIKey     = "METRICS_API_KEY"
	envAdminJWTSecret    = "ADMIN_JWT_SECRET"
	envListenAddress     = "RELAY_LISTEN"
	envOracleURL         = "ORACLE_URL"
	envEngagementURL     = "ENGAGEMENT_URL"
	envAuditDSN          = "AUDIT_DSN"
	envBurnLedger        = "BURN_LEDGER_PATH"
	envRateGlobalIP      = "RATE_LIMIT_GLOBAL_PER_IP"
	envRateQuoteIP       = "RATE_LIMIT_QUOTE_PER_IP"
	envRateSubmitIP      = "RATE_LIMIT_SUBMIT_PER_IP"
	envRateQuoteWallet   = "RATE_LIMIT_QUOTE_PER_WALLET"
	envRateSubmitWallet  = "RATE_LIMIT_SUBMIT_PER_WALLET"
	envAnomalyWallet     = "ANOMALY_WALLET_THRESHOLD"
	envAnomalyIP         = "ANOMALY_IP_THRESHOLD"
	envAnomalyGlobal     = "ANOMALY_GLOBAL_THRESHOLD"
	envAnomalyLearn      = "ANOMALY_LEARN"
	envTelemetryEndpoint = "OTEL_EXPORTER_ENDPOINT"
	envCompatMode        = "COMPAT_MODE"
)

// Default returns the configuration with every tunable at its documented default.
func Default() Config {
	return Config{
		ListenAddress:           ":8080",
		Network:                 "devnet",
		OracleTimeout:           Duration{5 * time.Second},
		BaseFeeLamports:         5_000,
		NetworkFeeLamports:      5_000,
		PriorityMicroLamports:   5_000,
		DefaultComputeUnits:     200_000,
		TreasuryRatio:           0.7,
		MaxExpectedGasLamports:  50_000,
		QuoteTTL:                Duration{60 * time.Second},
		ReservationTTL:          Duration{90 * time.Second},
		ReplayTTL:               Duration{150 * time.Second},
		MinHealthyBalance:       50_000_000,
		MaxReservationsPerPayer: 50,
		RateLimits: RateLimits{
			GlobalPerIP:     100,
			QuotePerIP:      30,
			SubmitPerIP:     10,
			QuotePerWallet:  20,
			SubmitPerWallet: 10,
		},
		Anomaly: Anomaly{
			Learn:           true,
			WalletThreshold: 50,
			IPThreshold:     100,
			GlobalThreshold: 1_000,
		},
	}
}

// Load reads the optional TOML file then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		raw, err := os.ReadFile(trimmed)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envListenAddress)); v != "" {
		c.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(envNetwork)); v != "" {
		c.Network = strings.ToLower(v)
	}
	if v := os.Getenv(envFeePayerKeys); v != "" {
		c.FeePayerPrivateKeys = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(envTreasuryAddress)); v != "" {
		c.TreasuryAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(envGasSink)); v != "" {
		c.GasSinkAddress = v
	}
	if v := os.Getenv(envRPCURLs); v != "" {
		c.RPCURLs = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(envStoreURL)); v != "" {
		c.StoreURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envAuditDSN)); v != "" {
		c.AuditDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(envBurnLedger)); v != "" {
		c.BurnLedgerPath = v
	}
	if v := strings.TrimSpace(os.Getenv(envOracleURL)); v != "" {
		c.OracleURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envEngagementURL)); v != "" {
		c.EngagementURL = v
	}
	if v, ok := parseUintEnv(envBaseFee); ok {
		c.BaseFeeLamports = v
	}
	if v, ok := parseUintEnv(envNetworkFee); ok {
		c.NetworkFeeLamports = v
	}
	if v, ok := parseUintEnv(envQuoteTTL); ok {
		c.QuoteTTL = Duration{time.Duration(v) * time.Second}
	}
	if v, ok := parseUintEnv(envReservationTTL); ok {
		c.ReservationTTL = Duration{time.Duration(v) * time.Millisecond}
	}
	if v, ok := parseUintEnv(envMinHealthy); ok {
		c.MinHealthyBalance = v
	}
	if v, ok := parseIntEnv(envMaxReservations); ok {
		c.MaxReservationsPerPayer = v
	}
	if v, ok := parseIntEnv(envRateGlobalIP); ok {
		c.RateLimits.GlobalPerIP = v
	}
	if v, ok := parseIntEnv(envRateQuoteIP); ok {
		c.RateLimits.QuotePerIP = v
	}
	if v, ok := parseIntEnv(envRateSubmitIP); ok {
		c.RateLimits.SubmitPerIP = v
	}
	if v, ok := parseIntEnv(envRateQuoteWallet); ok {
		c.RateLimits.QuotePerWallet = v
	}
	if v, ok := parseIntEnv(envRateSubmitWallet); ok {
		c.RateLimits.SubmitPerWallet = v
	}
	if v, ok := parseIntEnv(envAnomalyWallet); ok {
		c.Anomaly.WalletThreshold = v
	}
	if v, ok := parseIntEnv(envAnomalyIP); ok {
		c.Anomaly.IPThreshold = v
	}
	if v, ok := parseIntEnv(envAnomalyGlobal); ok {
		c.Anomaly.GlobalThreshold = v
	}
	if v := strings.TrimSpace(os.Getenv(envAnomalyLearn)); v != "" {
		c.Anomaly.Learn = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(envAllowedOrigins); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(envMetricsAPIKey)); v != "" {
		c.MetricsAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envAdminJWTSecret)); v != "" {
		c.AdminJWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(envTelemetryEndpoint)); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(envCompatMode)); v != "" {
		c.CompatMode = v
	}
}

// Validate enforces the invariants the relay depends on.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Network)) {
	case "mainnet", "devnet":
	default:
		return fmt.Errorf("network must be mainnet or devnet, got %q", c.Network)
	}
	if len(c.FeePayerPrivateKeys) == 0 {
		return fmt.Errorf("at least one fee payer key must be configured")
	}
	if strings.TrimSpace(c.TreasuryAddress) == "" {
		return fmt.Errorf("treasury address must be configured")
	}
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("at least one RPC URL must be configured")
	}
	if c.QuoteTTL.Duration < 30*time.Second {
		c.QuoteTTL = Duration{30 * time.Second}
	}
	if c.QuoteTTL.Duration > 120*time.Second {
		c.QuoteTTL = Duration{120 * time.Second}
	}
	if c.ReservationTTL.Duration < c.QuoteTTL.Duration {
		c.ReservationTTL = Duration{c.QuoteTTL.Duration + 30*time.Second}
	}
	if c.TreasuryRatio <= 0 || c.TreasuryRatio > 1 {
		return fmt.Errorf("treasury ratio must be in (0, 1], got %v", c.TreasuryRatio)
	}
	if c.MaxReservationsPerPayer <= 0 {
		c.MaxReservationsPerPayer = 50
	}
	return nil
}

// ExplorerBaseURL returns the transaction explorer prefix for the network.
func (c *Config) ExplorerBaseURL() string {
	if strings.EqualFold(strings.TrimSpace(c.Network), "mainnet") {
		return "https://explorer.solana.com/tx/"
	}
	return "https://explorer.solana.com/tx/?cluster=devnet&tx="
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseUintEnv(name string) (uint64, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseIntEnv(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
