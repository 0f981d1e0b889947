// Package domain defines core data structures shared by the arbitrage pipeline.
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// knownQuotes is used to split concatenated symbols like BTCUSDT.
// Longer quotes go first so FDUSD wins over USD.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "EUR", "USD", "BTC", "ETH"}

// Symbol is a base/quote asset pair. It is comparable and safe to use as a map key
// once built through NewSymbol or ParseSymbol.
type Symbol struct {
	// Base asset, e.g. BTC.
	Base string
	// Quote asset, e.g. USDT.
	Quote string
}

// NewSymbol returns a normalized symbol.
func NewSymbol(base, quote string) Symbol {
	return Symbol{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParseSymbol accepts BTC_USDT, btc/usdt, BTC-USDT and BTCUSDT forms.
func ParseSymbol(s string) (Symbol, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return Symbol{}, errors.Errorf("empty symbol")
	}

	for _, sep := range []string{"_", "/", "-", ":"} {
		if !strings.Contains(raw, sep) {
			continue
		}
		parts := strings.Split(raw, sep)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Symbol{}, errors.Errorf("invalid symbol %q", s)
		}
		return NewSymbol(parts[0], parts[1]), nil
	}

	for _, q := range knownQuotes {
		if strings.HasSuffix(raw, q) && len(raw) > len(q) {
			return NewSymbol(strings.TrimSuffix(raw, q), q), nil
		}
	}

	return Symbol{}, errors.Errorf("cannot split symbol %q into base and quote", s)
}

// String returns the string representation, e.g. BTC_USDT.
func (s Symbol) String() string {
	return fmt.Sprintf("%s_%s", s.Base, s.Quote)
}

// Concat returns the venue style concatenated form, e.g. BTCUSDT.
func (s Symbol) Concat() string {
	return s.Base + s.Quote
}

// IsZero reports whether the symbol is unset.
func (s Symbol) IsZero() bool {
	return s.Base == "" && s.Quote == ""
}

// MarshalText implements encoding.TextMarshaler so symbols serialize as BTC_USDT.
// The zero symbol serializes as an empty string.
func (s Symbol) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string yields the zero symbol.
func (s *Symbol) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = Symbol{}
		return nil
	}
	parsed, err := ParseSymbol(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
