package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/janitor"
)

func validConfig() *Config {
	cfg := testConfig()
	cfg.Checkout.SettleTimeout = 15 * time.Second
	cfg.Janitor = janitor.Config{
		Interval:        30 * time.Second,
		ReservationTTL:  15 * time.Minute,
		StaleCheckout:   5 * time.Minute,
		CartAbandonment: 72 * time.Hour,
		BatchSize:       100,
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(*Config) {},
		},
		{
			name:    "postgres without url",
			modify:  func(c *Config) { c.Storage = StoragePostgres },
			wantErr: "database URL is required",
		},
		{
			name:    "unknown storage",
			modify:  func(c *Config) { c.Storage = "sqlite" },
			wantErr: "unknown storage",
		},
		{
			name:    "zero outbox interval",
			modify:  func(c *Config) { c.Outbox.Interval = 0 },
			wantErr: "outbox.interval",
		},
		{
			name:    "zero janitor interval",
			modify:  func(c *Config) { c.Janitor.Interval = 0 },
			wantErr: "janitor.interval",
		},
		{
			name:    "zero reservation ttl",
			modify:  func(c *Config) { c.Janitor.ReservationTTL = 0 },
			wantErr: "janitor.reservationttl",
		},
		{
			name:    "stale cutoff shorter than settlement",
			modify:  func(c *Config) { c.Janitor.StaleCheckout = 10 * time.Second },
			wantErr: "must exceed checkout.settletimeout",
		},
		{
			name:    "stale cutoff equal to settlement",
			modify:  func(c *Config) { c.Janitor.StaleCheckout = c.Checkout.SettleTimeout },
			wantErr: "must exceed checkout.settletimeout",
		},
		{
			name:    "bad money value",
			modify:  func(c *Config) { c.Pricing.TaxRate = "eight percent" },
			wantErr: "pricing.taxrate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
