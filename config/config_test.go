package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const sampleYAML = `
venues:
  - name: binance-main
    platform: binance
    taker_fee: "0.0002"
    min_quote_amount: "5"
  - name: paper
    platform: simulate
    taker_fee: "0.002"
    book_source: bybit
    balances:
      btc: "5"
      USDT: "1000"
symbols: [BTC_USDT, eth/usdt]
risk:
  total_budget: "2000"
  per_symbol_limit: "400"
execution:
  leg_timeout: 80ms
reconciler:
  max_attempts: 6
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, domain.VenueID("binance-main"), cfg.Venues[0].ID)
	assert.True(t, cfg.Venues[0].TakerFee.Equal(decimal.RequireFromString("0.0002")))
	assert.True(t, cfg.Venues[0].MakerFee.Equal(decimal.RequireFromString("0.001")), "maker fee defaulted")
	assert.True(t, cfg.Venues[0].MinQuoteAmount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, float64(10), cfg.Venues[0].RateLimit)

	assert.Equal(t, PlatformSimulate, cfg.Venues[1].Platform)
	assert.Equal(t, "bybit", cfg.Venues[1].BookSource)
	assert.True(t, cfg.Venues[1].Balances["BTC"].Equal(decimal.NewFromInt(5)))
	assert.True(t, cfg.Venues[1].Balances["USDT"].Equal(decimal.NewFromInt(1000)))

	assert.Equal(t, []domain.Symbol{domain.NewSymbol("BTC", "USDT"), domain.NewSymbol("ETH", "USDT")}, cfg.Symbols)

	assert.True(t, cfg.Risk.TotalBudget.Equal(decimal.NewFromInt(2000)))
	assert.True(t, cfg.Risk.PerSymbolLimit.Equal(decimal.NewFromInt(400)))
	assert.True(t, cfg.Risk.MinMarginBps.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 3, cfg.Risk.MaxReconciliationFailures)

	assert.Equal(t, 80*time.Millisecond, cfg.Execution.LegTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Execution.CycleDeadline)
	assert.Equal(t, 6, cfg.Reconciler.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconciler.BaseTimeout)
	assert.True(t, cfg.Reconciler.Dust.Equal(decimal.RequireFromString("0.00001")))
	assert.Equal(t, 4, cfg.Reconciler.Workers)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "./wal/audit", cfg.AuditDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Redis.Enabled())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "single venue",
			yaml: "venues: [{name: a, platform: binance}]\nsymbols: [BTC_USDT]\n",
			want: "min",
		},
		{
			name: "unknown platform",
			yaml: "venues: [{name: a, platform: kraken}, {name: b, platform: bybit}]\nsymbols: [BTC_USDT]\n",
			want: "oneof",
		},
		{
			name: "fee not a number",
			yaml: "venues: [{name: a, platform: binance, taker_fee: lots}, {name: b, platform: bybit}]\nsymbols: [BTC_USDT]\n",
			want: "numeric",
		},
		{
			name: "duplicate venue",
			yaml: "venues: [{name: a, platform: binance}, {name: a, platform: bybit}]\nsymbols: [BTC_USDT]\n",
			want: "duplicate venue",
		},
		{
			name: "bad symbol",
			yaml: "venues: [{name: a, platform: binance}, {name: b, platform: bybit}]\nsymbols: [BTC_USDT_X]\n",
			want: "symbols",
		},
		{
			name: "per symbol limit above budget",
			yaml: "venues: [{name: a, platform: binance}, {name: b, platform: bybit}]\nsymbols: [BTC_USDT]\nrisk: {total_budget: \"100\", per_symbol_limit: \"200\"}\n",
			want: "per_symbol_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Venues, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestVenueCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "platform-key")
	t.Setenv("BINANCE_API_SECRET", "platform-secret")
	t.Setenv("BINANCE_MAIN_API_KEY", "venue-key")
	t.Setenv("BINANCE_MAIN_API_SECRET", "venue-secret")

	key, secret := Venue{ID: "binance-main", Platform: PlatformBinance}.Credentials()
	assert.Equal(t, "venue-key", key)
	assert.Equal(t, "venue-secret", secret)

	key, secret = Venue{ID: "binance-alt", Platform: PlatformBinance}.Credentials()
	assert.Equal(t, "platform-key", key)
	assert.Equal(t, "platform-secret", secret)

	t.Setenv("HYPERLIQUID_PRIVATE_KEY", "0xabc")
	t.Setenv("HL_ACCOUNT_ADDRESS", "0xmain")
	hl := Venue{ID: "hl", Platform: PlatformHyperliquid}
	assert.Equal(t, "0xabc", hl.PrivateKey())
	assert.Equal(t, "0xmain", hl.AccountAddress())
	assert.Empty(t, Venue{ID: "hl2", Platform: PlatformHyperliquid}.AccountAddress())
}
