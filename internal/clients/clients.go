package clients

import (
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/hirokisan/bybit/v2"

	"github.com/vadiminshakov/arbiter/config"
)

func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}

func NewBybitClient(apiKey, apiSecret string) *bybit.Client {
	client := bybit.NewClient()
	if apiKey != "" {
		client = client.WithAuth(apiKey, apiSecret)
	}
	return client
}

// SimulateClient is a paper account. Books come from the public API of
// Source when it is set.
type SimulateClient struct {
	Source any
}

// NewSimulateClient creates a paper client reading books from the public
// endpoints of platform, or a static-book client when platform is empty.
func NewSimulateClient(platform string) (*SimulateClient, error) {
	switch platform {
	case "":
		return &SimulateClient{}, nil
	case config.PlatformBinance:
		// no keys needed for market data
		return &SimulateClient{Source: NewBinanceClient("", "")}, nil
	case config.PlatformBybit:
		return &SimulateClient{Source: NewBybitClient("", "")}, nil
	default:
		return nil, fmt.Errorf("unsupported book source: %s", platform)
	}
}

// New creates the SDK client of a configured venue with credentials from the environment.
func New(v config.Venue) (any, error) {
	switch v.Platform {
	case config.PlatformBinance:
		key, secret := v.Credentials()
		if key == "" {
			return nil, fmt.Errorf("API key and secret for venue %s must be set", v.ID)
		}
		return NewBinanceClient(key, secret), nil
	case config.PlatformBybit:
		key, secret := v.Credentials()
		if key == "" {
			return nil, fmt.Errorf("API key and secret for venue %s must be set", v.ID)
		}
		return NewBybitClient(key, secret), nil
	case config.PlatformHyperliquid:
		pk := v.PrivateKey()
		if pk == "" {
			return nil, fmt.Errorf("private key for venue %s must be set", v.ID)
		}
		return NewHyperliquidClient(pk, v.AccountAddress(), v.BaseURL)
	case config.PlatformSimulate:
		return NewSimulateClient(v.BookSource)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", v.Platform)
	}
}
