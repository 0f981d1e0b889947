package internal

import (
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/config"
	"github.com/vadiminshakov/arbiter/internal/clients"
	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/services/venue"
)

// venueProvider builds the exchange adapter for a configured venue.
type venueProvider interface {
	Exchange(v config.Venue) (domain.Exchange, error)
}

// newVenueProvider creates a provider based on the client type.
// This is the single point of truth for dispatching to platform-specific implementations.
func newVenueProvider(client any, logger *zap.Logger) (venueProvider, error) {
	switch c := client.(type) {
	case *binance.Client:
		return &binanceProvider{client: c}, nil
	case *bybit.Client:
		return &bybitProvider{client: c}, nil
	case *clients.HyperliquidClient:
		return &hyperliquidProvider{client: c}, nil
	case *clients.SimulateClient:
		return &simulateProvider{client: c, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported client type: %T", client)
	}
}

type binanceProvider struct {
	client *binance.Client
}

func (p *binanceProvider) Exchange(v config.Venue) (domain.Exchange, error) {
	return venue.NewBinance(p.client, v.ID), nil
}

type bybitProvider struct {
	client *bybit.Client
}

func (p *bybitProvider) Exchange(v config.Venue) (domain.Exchange, error) {
	return venue.NewBybit(p.client, v.ID, v.QuotePrecision), nil
}

type hyperliquidProvider struct {
	client *clients.HyperliquidClient
}

func (p *hyperliquidProvider) Exchange(v config.Venue) (domain.Exchange, error) {
	return venue.NewHyperliquid(p.client.Exchange(), p.client.AccountAddress(), v.ID)
}

type simulateProvider struct {
	client *clients.SimulateClient
	logger *zap.Logger
}

func (p *simulateProvider) Exchange(v config.Venue) (domain.Exchange, error) {
	opts := []venue.SimulatedOption{
		venue.WithTakerRate(v.TakerFee),
		venue.WithBalances(v.Balances),
	}
	if p.client.Source != nil {
		source, err := newVenueProvider(p.client.Source, p.logger)
		if err != nil {
			return nil, errors.Wrap(err, "book source")
		}
		books, err := source.Exchange(config.Venue{ID: v.ID, Platform: v.BookSource, QuotePrecision: v.QuotePrecision})
		if err != nil {
			return nil, errors.Wrap(err, "book source")
		}
		opts = append(opts, venue.WithBookSource(venue.NewLimited(books, v.RateLimit, v.Burst)))
	}
	return venue.NewSimulated(v.ID, p.logger, opts...), nil
}

// NewVenue creates the SDK client and the rate limited adapter of a configured venue.
func NewVenue(v config.Venue, logger *zap.Logger) (domain.Exchange, error) {
	client, err := clients.New(v)
	if err != nil {
		return nil, errors.Wrapf(err, "create client for venue %s", v.ID)
	}
	provider, err := newVenueProvider(client, logger)
	if err != nil {
		return nil, err
	}
	ex, err := provider.Exchange(v)
	if err != nil {
		return nil, errors.Wrapf(err, "create venue %s", v.ID)
	}
	if v.Platform == config.PlatformSimulate {
		// paper fills are local, only the book source is limited
		return ex, nil
	}
	return venue.NewLimited(ex, v.RateLimit, v.Burst), nil
}
