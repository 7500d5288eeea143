// Package config loads server settings from defaults, an optional YAML file, a .env file
// and SETTLE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"solana-settlement/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. SETTLE_SOLANA_RPC_ENDPOINT.
const EnvPrefix = "SETTLE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Solana    SolanaConfig    `mapstructure:"solana"`
	Jupiter   JupiterConfig   `mapstructure:"jupiter"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Wallets   WalletConfig    `mapstructure:"wallets"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Swap      SwapConfig      `mapstructure:"swap"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type SolanaConfig struct {
	RPCEndpoint string        `mapstructure:"rpc_endpoint" validate:"required,url"`
	WSEndpoint  string        `mapstructure:"ws_endpoint" validate:"omitempty,url"`
	Commitment  string        `mapstructure:"commitment" validate:"oneof=processed confirmed finalized"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"gte=0"`
}

type JupiterConfig struct {
	Endpoint   string        `mapstructure:"endpoint" validate:"required,url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
}

type StorageConfig struct {
	// Driver selects the primary store: memory for local runs, postgres for production.
	Driver      string `mapstructure:"driver" validate:"oneof=memory postgres"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	// ClickHouseDSN enables the analytics ledger mirror when set.
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
	// Migrate applies embedded migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

// WalletConfig holds base58-encoded 64-byte secret keys.
type WalletConfig struct {
	VaultSecretKey    string `mapstructure:"vault_secret_key" validate:"required"`
	OperatorSecretKey string `mapstructure:"operator_secret_key" validate:"required"`
}

type EngineConfig struct {
	RequirePayment     bool          `mapstructure:"require_payment"`
	MinWalletBudgetSOL string        `mapstructure:"min_wallet_budget_sol" validate:"sol_amount"`
	FailureThreshold   float64       `mapstructure:"failure_threshold" validate:"gt=0,lte=1"`
	WalletTradeTimeout time.Duration `mapstructure:"wallet_trade_timeout" validate:"gt=0"`
	Parallelism        int           `mapstructure:"parallelism" validate:"min=1,max=64"`
	FeeReserveSOL      string        `mapstructure:"fee_reserve_sol" validate:"sol_amount"`
	MaxRoundTrips      int           `mapstructure:"max_round_trips" validate:"min=1"`
	SubmitInterval     time.Duration `mapstructure:"submit_interval" validate:"gt=0"`
	// Resume restarts sessions left running by a previous process.
	Resume bool `mapstructure:"resume"`
}

type SwapConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RollbackTimeout time.Duration `mapstructure:"rollback_timeout" validate:"gt=0"`
	SlippageBps     int           `mapstructure:"slippage_bps" validate:"min=1,max=5000"`
	AutoReverse     bool          `mapstructure:"auto_reverse"`
}

type PreflightConfig struct {
	MaxPriceImpact       string `mapstructure:"max_price_impact" validate:"fraction"`
	MinLiquidityLamports uint64 `mapstructure:"min_liquidity_lamports"`
	FeeBufferSOL         string `mapstructure:"fee_buffer_sol" validate:"sol_amount"`
	ProbeAmount          uint64 `mapstructure:"probe_amount" validate:"gt=0"`
}

type SchedulerConfig struct {
	JitterMin time.Duration `mapstructure:"jitter_min" validate:"gte=0"`
	JitterMax time.Duration `mapstructure:"jitter_max" validate:"gtefield=JitterMin"`
	Spacing   time.Duration `mapstructure:"spacing" validate:"gte=0"`
	Workers   int           `mapstructure:"workers" validate:"min=1,max=64"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Load reads the configuration. An empty path searches ./config.yaml and ./config/config.yaml;
// a missing file is not an error. envFile, when non-empty, is loaded into the process
// environment first without overriding variables that are already set.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("solana.rpc_endpoint", "")
	v.SetDefault("solana.ws_endpoint", "")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.timeout", 30*time.Second)
	v.SetDefault("solana.max_retries", 3)

	v.SetDefault("jupiter.endpoint", "https://quote-api.jup.ag/v6")
	v.SetDefault("jupiter.api_key", "")
	v.SetDefault("jupiter.timeout", 15*time.Second)
	v.SetDefault("jupiter.max_retries", 3)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.clickhouse_dsn", "")
	v.SetDefault("storage.migrate", false)

	v.SetDefault("wallets.vault_secret_key", "")
	v.SetDefault("wallets.operator_secret_key", "")

	v.SetDefault("engine.require_payment", true)
	v.SetDefault("engine.min_wallet_budget_sol", "0.03")
	v.SetDefault("engine.failure_threshold", 0.5)
	v.SetDefault("engine.wallet_trade_timeout", 5*time.Minute)
	v.SetDefault("engine.parallelism", 4)
	v.SetDefault("engine.fee_reserve_sol", "0.02")
	v.SetDefault("engine.max_round_trips", 5)
	v.SetDefault("engine.submit_interval", 10*time.Second)
	v.SetDefault("engine.resume", true)

	v.SetDefault("swap.timeout", 60*time.Second)
	v.SetDefault("swap.rollback_timeout", 30*time.Second)
	v.SetDefault("swap.slippage_bps", 100)
	v.SetDefault("swap.auto_reverse", false)

	v.SetDefault("preflight.max_price_impact", "0.20")
	v.SetDefault("preflight.min_liquidity_lamports", 10_000)
	v.SetDefault("preflight.fee_buffer_sol", "0.01")
	v.SetDefault("preflight.probe_amount", 1_000_000)

	v.SetDefault("scheduler.jitter_min", 30*time.Second)
	v.SetDefault("scheduler.jitter_max", 60*time.Second)
	v.SetDefault("scheduler.spacing", 0)
	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sol_amount", func(fl validator.FieldLevel) bool {
		l, err := domain.SOLToLamports(fl.Field().String())
		return err == nil && l >= 0
	})
	_ = v.RegisterValidation("fraction", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive() && d.LessThanOrEqual(decimal.NewFromInt(1))
	})
	return v
}

// Validate checks every field and reports all failures in one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// MinWalletBudget returns the minimum per-wallet share in lamports.
func (c EngineConfig) MinWalletBudget() int64 {
	l, _ := domain.SOLToLamports(c.MinWalletBudgetSOL)
	return l
}

// FeeReserve returns the SOL kept in each trading wallet for fees, in lamports.
func (c EngineConfig) FeeReserve() uint64 {
	l, _ := domain.SOLToLamports(c.FeeReserveSOL)
	return uint64(l)
}

// FeeBuffer returns the preflight fee buffer in lamports.
func (c PreflightConfig) FeeBuffer() uint64 {
	l, _ := domain.SOLToLamports(c.FeeBufferSOL)
	return uint64(l)
}

// PriceImpactCeiling returns the maximum accepted price impact as a fraction.
func (c PreflightConfig) PriceImpactCeiling() decimal.Decimal {
	d, _ := decimal.NewFromString(c.MaxPriceImpact)
	return d
}
