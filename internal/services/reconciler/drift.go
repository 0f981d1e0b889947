package reconciler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// DriftAction is what the drift check did about a balance.
type DriftAction string

const (
	DriftCorrected DriftAction = "corrected"
	DriftAlerted   DriftAction = "alerted"
	DriftFailed    DriftAction = "failed"
)

// Drift is a tracked balance whose live value moved away from the ledger.
type Drift struct {
	Venue    domain.VenueID  `json:"venue"`
	Asset    string          `json:"asset"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	Action   DriftAction     `json:"action"`
}

// Delta is actual minus expected.
func (d Drift) Delta() decimal.Decimal { return d.Actual.Sub(d.Expected) }

// CheckDrift compares every tracked balance with its live value. Base asset
// drift above dust is traded away when the venue accepts an order of that
// size; anything else raises an operator alert and the ledger accepts the live
// balance. Symbols held by an open imbalance are skipped.
func (r *Reconciler) CheckDrift(ctx context.Context) ([]Drift, error) {
	if r.Ledger == nil {
		return nil, nil
	}

	var drifts []Drift
	for _, key := range r.Ledger.Keys() {
		if err := ctx.Err(); err != nil {
			return drifts, err
		}

		symbol, isBase := r.symbolFor(key.Asset)
		if isBase && r.Guard.Blocked(symbol) {
			continue
		}

		expected, ok := r.Ledger.Expected(key.Venue, key.Asset)
		if !ok {
			continue
		}
		actual, err := r.Market.Balance(ctx, key.Venue, key.Asset)
		if err != nil {
			r.logger.Warn("drift check skipped balance",
				zap.String("venue", string(key.Venue)),
				zap.String("asset", key.Asset),
				zap.Error(err))
			continue
		}

		delta := actual.Sub(expected)
		threshold := r.cfg.Dust
		if !isBase {
			threshold = r.cfg.QuoteDust
		}
		if delta.Abs().LessThanOrEqual(threshold) {
			continue
		}

		drift := Drift{Venue: key.Venue, Asset: key.Asset, Expected: expected, Actual: actual}
		r.logger.Warn("balance drift detected",
			zap.String("venue", string(key.Venue)),
			zap.String("asset", key.Asset),
			zap.String("expected", expected.String()),
			zap.String("actual", actual.String()))

		price, closable := r.closable(ctx, key.Venue, symbol, delta.Abs(), isBase)
		if !closable {
			drift.Action = DriftAlerted
			r.Ledger.Set(key.Venue, key.Asset, actual)
			r.emit(ctx, domain.NewAlertEvent(domain.OperatorAlert{
				Severity: domain.SeverityWarning,
				Symbol:   symbol,
				Venue:    key.Venue,
				Asset:    key.Asset,
				Message: fmt.Sprintf("%s balance on %s drifted by %s (expected %s, actual %s) and cannot be closed by a trade",
					key.Asset, key.Venue, delta, expected, actual),
			}, r.now()))
			drifts = append(drifts, drift)
			continue
		}

		now := r.now()
		imb := domain.PositionImbalance{
			ID:                 uuid.NewString(),
			Symbol:             symbol,
			Asset:              key.Asset,
			Venue:              key.Venue,
			AlternateVenue:     key.Venue,
			ExpectedBalance:    expected,
			ActualBalance:      actual,
			Amount:             delta,
			Corrected:          decimal.Zero,
			RefPrice:           price,
			CorrectionRequired: true,
			Status:             domain.ImbalanceOpen,
			CreatedAt:          now,
			UpdatedAt:          now,
			Drift:              true,
		}
		if !r.begin(imb.ID) {
			continue
		}
		r.open(ctx, imb)
		_, err = r.correct(ctx, imb, "")
		r.end(imb.ID)

		drift.Action = DriftCorrected
		if err != nil {
			drift.Action = DriftFailed
		}
		drifts = append(drifts, drift)
	}

	return drifts, nil
}

// symbolFor returns the first monitored symbol with asset as base.
func (r *Reconciler) symbolFor(asset string) (domain.Symbol, bool) {
	for _, s := range r.Symbols {
		if s.Base == asset {
			return s, true
		}
	}
	for _, s := range r.Symbols {
		if s.Quote == asset {
			return s, false
		}
	}
	return domain.Symbol{}, false
}

// closable reports whether amount of the base asset can be traded on venue,
// and at which reference price.
func (r *Reconciler) closable(ctx context.Context, venue domain.VenueID, symbol domain.Symbol, amount decimal.Decimal, isBase bool) (decimal.Decimal, bool) {
	if !isBase {
		return decimal.Zero, false
	}
	book, err := r.Market.OrderBook(ctx, venue, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	price := book.Mid()
	if !price.IsPositive() {
		return decimal.Zero, false
	}
	info, err := r.Static.Get(ctx, venue, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	tradable := amount
	if info.BasePrecision > 0 {
		tradable = amount.Truncate(info.BasePrecision)
	}
	return price, info.Admits(tradable, price)
}
