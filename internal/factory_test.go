package internal

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/config"
	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/services/venue"
)

func TestNewVenue_Paper(t *testing.T) {
	ex, err := NewVenue(config.Venue{
		ID:        "paper",
		Platform:  config.PlatformSimulate,
		TakerFee:  dec("0.001"),
		RateLimit: 10,
		Burst:     5,
		Balances:  map[string]decimal.Decimal{"USDT": dec("250")},
	}, zap.NewNop())
	require.NoError(t, err)

	sim, ok := ex.(*venue.Simulated)
	require.True(t, ok, "paper venues are not wrapped in a limiter")
	assert.Equal(t, domain.VenueID("paper"), sim.Venue())

	bal, err := sim.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("250")))
}

func TestNewVenue_LiveIsRateLimited(t *testing.T) {
	t.Setenv("BYBIT_MAIN_API_KEY", "key")
	t.Setenv("BYBIT_MAIN_API_SECRET", "secret")

	ex, err := NewVenue(config.Venue{ID: "bybit-main", Platform: config.PlatformBybit, RateLimit: 10, Burst: 5}, zap.NewNop())
	require.NoError(t, err)

	limited, ok := ex.(*venue.Limited)
	require.True(t, ok)
	assert.Equal(t, domain.VenueID("bybit-main"), limited.Venue())
	_, isBybit := limited.Unwrap().(*venue.Bybit)
	assert.True(t, isBybit)
}

func TestNewVenue_MissingCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	_, err := NewVenue(config.Venue{ID: "spot", Platform: config.PlatformBinance, RateLimit: 10, Burst: 5}, zap.NewNop())
	require.Error(t, err)
}
