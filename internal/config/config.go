package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/leafsii/leafsii-intents/internal/calc"
	"github.com/leafsii/leafsii-intents/internal/intent"
)

type Config struct {
	Env      string `mapstructure:"LFS_ENV"`
	LogLevel string `mapstructure:"LFS_LOG_LEVEL"`
	HTTPAddr string `mapstructure:"LFS_HTTP_ADDR"`

	Store    StoreConfig    `mapstructure:",squash"`
	Policy   PolicyConfig   `mapstructure:",squash"`
	Chains   ChainConfig    `mapstructure:",squash"`
	Jobs     JobsConfig     `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"LFS_STORE_BACKEND"` // "memory", "kv", "postgres"
	PostgresDSN string `mapstructure:"LFS_POSTGRES_DSN"`
	Migrate     bool   `mapstructure:"LFS_POSTGRES_MIGRATE"`
	RedisAddr   string `mapstructure:"LFS_REDIS_ADDR"`
	RedisURL    string `mapstructure:"LFS_REDIS_URL"`
}

type PolicyConfig struct {
	ProtocolFeeBps  uint32        `mapstructure:"LFS_PROTOCOL_FEE_BPS"`
	MinAmount       string        `mapstructure:"LFS_MIN_AMOUNT"`
	MaxAmount       string        `mapstructure:"LFS_MAX_AMOUNT"` // "0" disables the bound
	MinDeadline     time.Duration `mapstructure:"LFS_MIN_DEADLINE"`
	MaxDeadline     time.Duration `mapstructure:"LFS_MAX_DEADLINE"`
	Collateral      string        `mapstructure:"LFS_COLLATERAL_POLICY"` // "source", "source_plus_fee"
	SolverAllowlist []string      `mapstructure:"LFS_SOLVER_ALLOWLIST"`  // empty admits every solver
	Verifiers       []string      `mapstructure:"LFS_VERIFIERS"`
	Admins          []string      `mapstructure:"LFS_ADMINS"`
}

type ChainConfig struct {
	SignerSeed       string        `mapstructure:"LFS_SIGNER_SEED"`
	EVMRPCURLs       []string      `mapstructure:"LFS_EVM_RPC_URLS"`  // chain=url
	UTXOAPIURLs      []string      `mapstructure:"LFS_UTXO_API_URLS"` // chain=url
	RPCRateLimit     float64       `mapstructure:"LFS_RPC_RATE_LIMIT"` // requests per second per chain
	BreakerThreshold int           `mapstructure:"LFS_BREAKER_THRESHOLD"`
	BreakerReset     time.Duration `mapstructure:"LFS_BREAKER_RESET"`
}

type JobsConfig struct {
	SweepInterval time.Duration `mapstructure:"LFS_SWEEP_INTERVAL"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"LFS_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"LFS_CORS_ALLOWED_ORIGINS"`
}

var listKeys = []string{
	"LFS_SOLVER_ALLOWLIST",
	"LFS_VERIFIERS",
	"LFS_ADMINS",
	"LFS_EVM_RPC_URLS",
	"LFS_UTXO_API_URLS",
	"LFS_CORS_ALLOWED_ORIGINS",
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LFS_ENV", "dev")
	v.SetDefault("LFS_LOG_LEVEL", "")
	v.SetDefault("LFS_HTTP_ADDR", ":8080")
	v.SetDefault("LFS_STORE_BACKEND", "memory")
	v.SetDefault("LFS_POSTGRES_DSN", "")
	v.SetDefault("LFS_POSTGRES_MIGRATE", true)
	v.SetDefault("LFS_REDIS_ADDR", "")
	v.SetDefault("LFS_REDIS_URL", "")
	v.SetDefault("LFS_PROTOCOL_FEE_BPS", 30)
	v.SetDefault("LFS_MIN_AMOUNT", "1")
	v.SetDefault("LFS_MAX_AMOUNT", "0")
	v.SetDefault("LFS_MIN_DEADLINE", "5m")
	v.SetDefault("LFS_MAX_DEADLINE", "168h")
	v.SetDefault("LFS_COLLATERAL_POLICY", string(intent.CollateralSourceOnly))
	v.SetDefault("LFS_SIGNER_SEED", "")
	v.SetDefault("LFS_RPC_RATE_LIMIT", 10)
	v.SetDefault("LFS_BREAKER_THRESHOLD", 5)
	v.SetDefault("LFS_BREAKER_RESET", "30s")
	v.SetDefault("LFS_SWEEP_INTERVAL", "30s")
	v.SetDefault("LFS_RATE_LIMIT_RPM", 120)
	v.SetDefault("LFS_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	for _, key := range listKeys {
		if key != "LFS_CORS_ALLOWED_ORIGINS" {
			v.SetDefault(key, "")
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	// Handle array parsing for comma-separated values
	for _, key := range listKeys {
		v.Set(key, splitList(v.GetString(key)))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	if _, err := c.IntentPolicy(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "memory", "kv":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("LFS_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid LFS_STORE_BACKEND %q (must be memory, kv, or postgres)", c.Store.Backend)
	}
	if c.IsProd() && c.Chains.SignerSeed == "" {
		return fmt.Errorf("LFS_SIGNER_SEED is required in prod")
	}
	if _, err := c.Chains.EVMEndpoints(); err != nil {
		return err
	}
	if _, err := c.Chains.UTXOEndpoints(); err != nil {
		return err
	}
	if c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("LFS_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// IntentPolicy converts the policy keys into an intent.Policy and validates it.
func (c *Config) IntentPolicy() (intent.Policy, error) {
	p := c.Policy
	minAmount, err := decimal.NewFromString(p.MinAmount)
	if err != nil {
		return intent.Policy{}, fmt.Errorf("LFS_MIN_AMOUNT: %w", err)
	}
	maxAmount, err := decimal.NewFromString(p.MaxAmount)
	if err != nil {
		return intent.Policy{}, fmt.Errorf("LFS_MAX_AMOUNT: %w", err)
	}
	collateral, err := intent.ParseCollateralPolicy(p.Collateral)
	if err != nil {
		return intent.Policy{}, fmt.Errorf("LFS_COLLATERAL_POLICY: %w", err)
	}
	if !minAmount.IsInteger() || !maxAmount.IsInteger() {
		return intent.Policy{}, fmt.Errorf("%w: amount bounds must be whole base units", calc.ErrInvalidAmount)
	}

	policy := intent.Policy{
		ProtocolFeeBps:  p.ProtocolFeeBps,
		MinAmount:       minAmount,
		MaxAmount:       maxAmount,
		MinDeadline:     p.MinDeadline,
		MaxDeadline:     p.MaxDeadline,
		Collateral:      collateral,
		SolverAllowlist: p.SolverAllowlist,
		Verifiers:       p.Verifiers,
		Admins:          p.Admins,
	}
	if err := policy.Validate(); err != nil {
		return intent.Policy{}, err
	}
	return policy, nil
}

// EVMEndpoints parses LFS_EVM_RPC_URLS into chain -> url.
func (c ChainConfig) EVMEndpoints() (map[string]string, error) {
	return parseEndpoints("LFS_EVM_RPC_URLS", c.EVMRPCURLs)
}

// UTXOEndpoints parses LFS_UTXO_API_URLS into chain -> url.
func (c ChainConfig) UTXOEndpoints() (map[string]string, error) {
	return parseEndpoints("LFS_UTXO_API_URLS", c.UTXOAPIURLs)
}

func parseEndpoints(key string, items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		chain, url, ok := strings.Cut(item, "=")
		chain, url = strings.TrimSpace(chain), strings.TrimSpace(url)
		if !ok || chain == "" || url == "" {
			return nil, fmt.Errorf("%s: entry %q must be chain=url", key, item)
		}
		out[chain] = url
	}
	return out, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// RedisConnURL prefers LFS_REDIS_URL and falls back to LFS_REDIS_ADDR. Empty
// means Redis is not configured.
func (s StoreConfig) RedisConnURL() string {
	if s.RedisURL != "" {
		return s.RedisURL
	}
	return s.RedisAddr
}
