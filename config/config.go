package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// Platforms supported by the venue factory.
const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformSimulate    = "simulate"
)

// Config is the parsed configuration of the arbitrage service.
type Config struct {
	Venues     []Venue
	Symbols    []domain.Symbol
	Detector   Detector
	Risk       Risk
	Execution  Execution
	Reconciler Reconciler
	AuditDir   string
	Redis      Redis
	HTTPAddr   string
	Log        Log
}

// Venue is one exchange account.
type Venue struct {
	ID             domain.VenueID
	Platform       string
	TakerFee       decimal.Decimal
	MakerFee       decimal.Decimal
	MinQuoteAmount decimal.Decimal
	MinBaseAmount  decimal.Decimal
	BasePrecision  int32
	QuotePrecision int32
	RateLimit      float64
	Burst          int
	BaseURL        string
	// paper venues only
	Balances   map[string]decimal.Decimal
	BookSource string
}

type Detector struct {
	MaxNotional     decimal.Decimal
	MinNotional     decimal.Decimal
	Ladder          []int64
	MaxDeviationPct decimal.Decimal
	Depth           int
	Freshness       time.Duration
	FetchTimeout    time.Duration
	StaticTTL       time.Duration
	HealthWindow    time.Duration
}

type Risk struct {
	MinMarginBps              decimal.Decimal
	MinTradeValue             decimal.Decimal
	MaxSpreadPct              decimal.Decimal
	MaxImpactBps              decimal.Decimal
	PerSymbolLimit            decimal.Decimal
	TotalBudget               decimal.Decimal
	MaxDailyLoss              decimal.Decimal
	MaxReconciliationFailures int
	BalanceTimeout            time.Duration
}

type Execution struct {
	LegTimeout    time.Duration
	CycleDeadline time.Duration
	PollInterval  time.Duration
}

type Reconciler struct {
	MaxAttempts   int
	BaseTimeout   time.Duration
	TimeoutStep   time.Duration
	Backoff       time.Duration
	Dust          decimal.Decimal
	QuoteDust     decimal.Decimal
	DriftInterval time.Duration
	JournalDir    string
	Workers       int
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Enabled reports whether the redis event sink is configured.
func (r Redis) Enabled() bool { return r.Addr != "" }

// Credentials returns the API key and secret of a venue from the environment.
// VENUE_API_KEY wins over PLATFORM_API_KEY so two accounts on one platform can coexist.
func (v Venue) Credentials() (key, secret string) {
	for _, prefix := range []string{envName(string(v.ID)), envName(v.Platform)} {
		key, secret = os.Getenv(prefix+"_API_KEY"), os.Getenv(prefix+"_API_SECRET")
		if key != "" && secret != "" {
			return key, secret
		}
	}
	return "", ""
}

// PrivateKey returns the signing key of a hyperliquid venue from the environment.
func (v Venue) PrivateKey() string {
	return v.env("_PRIVATE_KEY")
}

// AccountAddress is the hyperliquid account traded for when the private key
// belongs to an API wallet. Empty means the key's own address.
func (v Venue) AccountAddress() string {
	return v.env("_ACCOUNT_ADDRESS")
}

func (v Venue) env(suffix string) string {
	if val := os.Getenv(envName(string(v.ID)) + suffix); val != "" {
		return val
	}
	return os.Getenv(envName(v.Platform) + suffix)
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s))
}

type configTmp struct {
	Venues     []venueTmp    `yaml:"venues" validate:"min=2,dive"`
	Symbols    []string      `yaml:"symbols" validate:"min=1,dive,required"`
	Detector   detectorTmp   `yaml:"detector"`
	Risk       riskTmp       `yaml:"risk"`
	Execution  executionTmp  `yaml:"execution"`
	Reconciler reconcilerTmp `yaml:"reconciler"`
	Audit      struct {
		Dir string `yaml:"dir" default:"./wal/audit"`
	} `yaml:"audit"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
		Stream   string `yaml:"stream" default:"arbiter:events"`
		MaxLen   int64  `yaml:"max_len" default:"100000" validate:"gte=0"`
	} `yaml:"redis"`
	HTTP struct {
		Addr string `yaml:"addr" default:":8080"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb" default:"100" validate:"gt=0"`
		MaxBackups int    `yaml:"max_backups" default:"5" validate:"gte=0"`
		MaxAgeDays int    `yaml:"max_age_days" default:"14" validate:"gte=0"`
	} `yaml:"log"`
}

type venueTmp struct {
	Name           string            `yaml:"name" validate:"required"`
	Platform       string            `yaml:"platform" validate:"required,oneof=binance bybit hyperliquid simulate"`
	TakerFee       string            `yaml:"taker_fee" default:"0.001" validate:"numeric"`
	MakerFee       string            `yaml:"maker_fee" default:"0.001" validate:"numeric"`
	MinQuoteAmount string            `yaml:"min_quote_amount" default:"0" validate:"numeric"`
	MinBaseAmount  string            `yaml:"min_base_amount" default:"0" validate:"numeric"`
	BasePrecision  int32             `yaml:"base_precision" validate:"gte=0"`
	QuotePrecision int32             `yaml:"quote_precision" validate:"gte=0"`
	RateLimit      float64           `yaml:"rate_limit_rps" default:"10" validate:"gt=0"`
	Burst          int               `yaml:"burst" default:"5" validate:"gt=0"`
	BaseURL        string            `yaml:"base_url"`
	Balances       map[string]string `yaml:"balances" validate:"dive,keys,required,endkeys,numeric"`
	BookSource     string            `yaml:"book_source" validate:"omitempty,oneof=binance bybit"`
}

type detectorTmp struct {
	MaxNotional     string        `yaml:"max_notional" default:"50" validate:"numeric"`
	MinNotional     string        `yaml:"min_notional" default:"5" validate:"numeric"`
	Ladder          []int64       `yaml:"ladder" validate:"dive,gt=0"`
	MaxDeviationPct string        `yaml:"max_deviation_pct" default:"10" validate:"numeric"`
	Depth           int           `yaml:"depth" default:"20" validate:"gt=0"`
	Freshness       time.Duration `yaml:"freshness" default:"500ms" validate:"gt=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" default:"200ms" validate:"gt=0"`
	StaticTTL       time.Duration `yaml:"static_ttl" default:"1h" validate:"gt=0"`
	HealthWindow    time.Duration `yaml:"health_window" default:"30s" validate:"gt=0"`
}

type riskTmp struct {
	MinMarginBps              string        `yaml:"min_margin_bps" default:"10" validate:"numeric"`
	MinTradeValue             string        `yaml:"min_trade_value" default:"10" validate:"numeric"`
	MaxSpreadPct              string        `yaml:"max_spread_pct" default:"5" validate:"numeric"`
	MaxImpactBps              string        `yaml:"max_impact_bps" default:"50" validate:"numeric"`
	PerSymbolLimit            string        `yaml:"per_symbol_limit" default:"500" validate:"numeric"`
	TotalBudget               string        `yaml:"total_budget" default:"1000" validate:"numeric"`
	MaxDailyLoss              string        `yaml:"max_daily_loss" default:"50" validate:"numeric"`
	MaxReconciliationFailures int           `yaml:"max_reconciliation_failures" default:"3" validate:"gt=0"`
	BalanceTimeout            time.Duration `yaml:"balance_timeout" default:"250ms" validate:"gt=0"`
}

type executionTmp struct {
	LegTimeout    time.Duration `yaml:"leg_timeout" default:"50ms" validate:"gt=0"`
	CycleDeadline time.Duration `yaml:"cycle_deadline" default:"100ms" validate:"gt=0"`
	PollInterval  time.Duration `yaml:"poll_interval" default:"1s" validate:"gt=0"`
}

type reconcilerTmp struct {
	MaxAttempts   int           `yaml:"max_attempts" default:"4" validate:"gt=0"`
	BaseTimeout   time.Duration `yaml:"base_timeout" default:"2s" validate:"gt=0"`
	TimeoutStep   time.Duration `yaml:"timeout_step" default:"1s" validate:"gte=0"`
	Backoff       time.Duration `yaml:"backoff" default:"250ms" validate:"gt=0"`
	Dust          string        `yaml:"dust" default:"0.00001" validate:"numeric"`
	QuoteDust     string        `yaml:"quote_dust" default:"1" validate:"numeric"`
	DriftInterval time.Duration `yaml:"drift_interval" default:"1m" validate:"gt=0"`
	JournalDir    string        `yaml:"journal_dir" default:"./wal/reconciler"`
	Workers       int           `yaml:"workers" default:"4" validate:"gt=0"`
}

var validate = validator.New()

// Load reads, defaults, validates and parses the yaml config at path.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(f)
}

// Parse builds a Config from yaml bytes.
func Parse(data []byte) (Config, error) {
	var tmp configTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}
	if err := defaults.Set(&tmp); err != nil {
		return Config{}, errors.Wrap(err, "apply config defaults")
	}
	if err := validate.Struct(&tmp); err != nil {
		return Config{}, validationError(err)
	}
	return tmp.parse()
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s", fe.Namespace(), fe.Tag()))
	}
	return errors.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// decParser collects the first parse failure so field conversions stay linear.
type decParser struct{ err error }

func (p *decParser) dec(field, value string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.err = errors.Wrapf(err, "incorrect '%s' param in yaml config", field)
	}
	return d
}

func (c configTmp) parse() (Config, error) {
	var p decParser

	cfg := Config{
		AuditDir: c.Audit.Dir,
		HTTPAddr: c.HTTP.Addr,
		Redis: Redis{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Stream:   c.Redis.Stream,
			MaxLen:   c.Redis.MaxLen,
		},
		Log: Log{
			Level:      c.Log.Level,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		},
		Detector: Detector{
			MaxNotional:     p.dec("detector.max_notional", c.Detector.MaxNotional),
			MinNotional:     p.dec("detector.min_notional", c.Detector.MinNotional),
			Ladder:          c.Detector.Ladder,
			MaxDeviationPct: p.dec("detector.max_deviation_pct", c.Detector.MaxDeviationPct),
			Depth:           c.Detector.Depth,
			Freshness:       c.Detector.Freshness,
			FetchTimeout:    c.Detector.FetchTimeout,
			StaticTTL:       c.Detector.StaticTTL,
			HealthWindow:    c.Detector.HealthWindow,
		},
		Risk: Risk{
			MinMarginBps:              p.dec("risk.min_margin_bps", c.Risk.MinMarginBps),
			MinTradeValue:             p.dec("risk.min_trade_value", c.Risk.MinTradeValue),
			MaxSpreadPct:              p.dec("risk.max_spread_pct", c.Risk.MaxSpreadPct),
			MaxImpactBps:              p.dec("risk.max_impact_bps", c.Risk.MaxImpactBps),
			PerSymbolLimit:            p.dec("risk.per_symbol_limit", c.Risk.PerSymbolLimit),
			TotalBudget:               p.dec("risk.total_budget", c.Risk.TotalBudget),
			MaxDailyLoss:              p.dec("risk.max_daily_loss", c.Risk.MaxDailyLoss),
			MaxReconciliationFailures: c.Risk.MaxReconciliationFailures,
			BalanceTimeout:            c.Risk.BalanceTimeout,
		},
		Execution: Execution{
			LegTimeout:    c.Execution.LegTimeout,
			CycleDeadline: c.Execution.CycleDeadline,
			PollInterval:  c.Execution.PollInterval,
		},
		Reconciler: Reconciler{
			MaxAttempts:   c.Reconciler.MaxAttempts,
			BaseTimeout:   c.Reconciler.BaseTimeout,
			TimeoutStep:   c.Reconciler.TimeoutStep,
			Backoff:       c.Reconciler.Backoff,
			Dust:          p.dec("reconciler.dust", c.Reconciler.Dust),
			QuoteDust:     p.dec("reconciler.quote_dust", c.Reconciler.QuoteDust),
			DriftInterval: c.Reconciler.DriftInterval,
			JournalDir:    c.Reconciler.JournalDir,
			Workers:       c.Reconciler.Workers,
		},
	}

	seen := make(map[string]bool)
	for _, v := range c.Venues {
		if seen[v.Name] {
			return Config{}, errors.Errorf("duplicate venue name %q", v.Name)
		}
		seen[v.Name] = true

		venue := Venue{
			ID:             domain.VenueID(v.Name),
			Platform:       v.Platform,
			TakerFee:       p.dec("venues."+v.Name+".taker_fee", v.TakerFee),
			MakerFee:       p.dec("venues."+v.Name+".maker_fee", v.MakerFee),
			MinQuoteAmount: p.dec("venues."+v.Name+".min_quote_amount", v.MinQuoteAmount),
			MinBaseAmount:  p.dec("venues."+v.Name+".min_base_amount", v.MinBaseAmount),
			BasePrecision:  v.BasePrecision,
			QuotePrecision: v.QuotePrecision,
			RateLimit:      v.RateLimit,
			Burst:          v.Burst,
			BaseURL:        v.BaseURL,
			BookSource:     v.BookSource,
		}
		if len(v.Balances) > 0 {
			venue.Balances = make(map[string]decimal.Decimal, len(v.Balances))
			for asset, amount := range v.Balances {
				venue.Balances[strings.ToUpper(asset)] = p.dec("venues."+v.Name+".balances."+asset, amount)
			}
		}
		cfg.Venues = append(cfg.Venues, venue)
	}

	for _, s := range c.Symbols {
		symbol, err := domain.ParseSymbol(s)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect 'symbols' entry %q in yaml config", s)
		}
		cfg.Symbols = append(cfg.Symbols, symbol)
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.Risk.PerSymbolLimit.GreaterThan(cfg.Risk.TotalBudget) {
		return Config{}, errors.New("risk.per_symbol_limit must not exceed risk.total_budget")
	}
	if cfg.Detector.MaxNotional.LessThan(cfg.Detector.MinNotional) {
		return Config{}, errors.New("detector.max_notional must not be below detector.min_notional")
	}
	return cfg, nil
}
