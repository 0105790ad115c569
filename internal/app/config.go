package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/janitor"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"" usage:"Storage backend: postgres or memory (memory when no database URL is set)"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	AdminKey    string `usage:"Key required in X-Admin-Key for admin routes; admin routes are off when empty" flag:"admin-key"`
	SeedFile    string `default:"" usage:"Fixture of products, stock, coupons and wallets applied at startup" flag:"seed-file"`
	Redis       RedisConfig
	Kafka       KafkaConfig
	Gateway     GatewayConfig
	Pricing     PricingConfig
	Checkout    CheckoutConfig
	Wallet      WalletConfig
	Outbox      OutboxConfig
	Janitor     janitor.Config
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// RedisConfig points at the shared idempotency key store.
type RedisConfig struct {
	URL string `default:"" usage:"Redis URL for idempotency keys (in-process store when empty)"`
}

// KafkaConfig points at the broker that receives order events.
type KafkaConfig struct {
	Brokers string `default:"" usage:"Comma separated Kafka brokers (events are logged when empty)"`
}

// GatewayConfig selects the external payment provider.
type GatewayConfig struct {
	URL      string        `default:"" usage:"Payment gateway base URL"`
	APIKey   string        `default:"" usage:"Payment gateway API key" flag:"gateway-api-key"`
	Timeout  time.Duration `default:"10s" usage:"Payment gateway request timeout"`
	Simulate bool          `default:"true" usage:"Settle gateway methods in-process when no URL is set"`
	FeeRate  string        `default:"0.029" usage:"Fee share kept by the simulated gateway"`
}

// PricingConfig sets the flat tax and shipping rates.
type PricingConfig struct {
	TaxRate          string `default:"0.08" usage:"Tax rate applied to the discounted subtotal"`
	ShippingPerStore string `default:"5.99" usage:"Flat shipping fee per store"`
	FreeShippingOver string `default:"0"    usage:"Store subtotal that ships free (0 disables)"`
	ExpressSurcharge string `default:"10"   usage:"Extra fee for express shipping"`
}

// CheckoutConfig tunes the checkout saga.
type CheckoutConfig struct {
	Currency       string        `default:"USD" usage:"Order currency"`
	SettleTimeout  time.Duration `default:"15s" usage:"Deadline of one gateway settlement"`
	IdempotencyTTL time.Duration `default:"24h" usage:"Lifetime of idempotency keys"`
}

// WalletConfig sets the defaults of lazily created wallets.
type WalletConfig struct {
	HoldTTL        time.Duration `default:"24h" usage:"Default wallet hold lifetime"`
	MinTransaction string        `default:"0" usage:"Default minimum wallet transaction (0 disables)"`
	MaxTransaction string        `default:"0" usage:"Default maximum wallet transaction (0 disables)"`
	Daily          string        `default:"0" usage:"Default daily wallet debit limit (0 disables)"`
	Monthly        string        `default:"0" usage:"Default monthly wallet debit limit (0 disables)"`
}

// OutboxConfig controls the event relay.
type OutboxConfig struct {
	Interval  time.Duration `default:"1s" usage:"How often pending events are published"`
	BatchSize int           `default:"100" usage:"Events published per relay run"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if c.Storage == "" {
		c.Storage = StorageMemory
		if c.DatabaseURL != "" {
			c.Storage = StoragePostgres
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	switch {
	case c.Outbox.Interval <= 0:
		return errors.New("outbox.interval must be positive")
	case c.Janitor.Interval <= 0:
		return errors.New("janitor.interval must be positive")
	case c.Janitor.ReservationTTL <= 0:
		return errors.New("janitor.reservationttl must be positive")
	case c.Janitor.StaleCheckout <= c.Checkout.SettleTimeout:
		// A shorter cutoff would compensate checkouts that are still settling.
		return errors.Errorf("janitor.stalecheckout (%s) must exceed checkout.settletimeout (%s)",
			c.Janitor.StaleCheckout, c.Checkout.SettleTimeout)
	}
	for name, v := range map[string]string{
		"gateway.feerate":          c.Gateway.FeeRate,
		"pricing.taxrate":          c.Pricing.TaxRate,
		"pricing.shippingperstore": c.Pricing.ShippingPerStore,
		"pricing.freeshippingover": c.Pricing.FreeShippingOver,
		"pricing.expresssurcharge": c.Pricing.ExpressSurcharge,
		"wallet.mintransaction":    c.Wallet.MinTransaction,
		"wallet.maxtransaction":    c.Wallet.MaxTransaction,
		"wallet.daily":             c.Wallet.Daily,
		"wallet.monthly":           c.Wallet.Monthly,
	} {
		if _, err := parseAmount(v); err != nil {
			return errors.Wrapf(err, "%s", name)
		}
	}
	return nil
}

// parseAmount reads a decimal setting. An empty value is zero.
func parseAmount(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

// amount is parseAmount for values validate already accepted.
func amount(v string) decimal.Decimal {
	d, _ := parseAmount(v)
	return d
}
