package market

import (
	"context"
	"fmt"

	"github.com/powguess/market-engine/internal/metrics"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/pricing"
	"github.com/powguess/market-engine/internal/snowfall"
)

// OutcomeFor applies the settlement rule: YES wins iff the actual snowfall
// meets or exceeds the target. Both values are inches × 100.
func OutcomeFor(target, actual int64) model.Outcome {
	if actual >= target {
		return model.OutcomeYes
	}
	return model.OutcomeNo
}

// ResolveMarket fixes the outcome of an active market from the observed
// snowfall. Only authorized resolvers may call it, and only once per market.
// The pool at this moment becomes the payout basis.
func (e *Engine) ResolveMarket(ctx context.Context, caller string, marketID int64, actualSnowfall int64) (*model.Market, error) {
	if !e.auth.IsAuthorizedResolver(ctx, caller) {
		e.log.Warn("unauthorized resolve attempt", "market", marketID)
		return nil, fmt.Errorf("%w: caller may not resolve markets", model.ErrUnauthorized)
	}
	if actualSnowfall < 0 {
		return nil, fmt.Errorf("%w: actual snowfall must not be negative", model.ErrInvalidParameters)
	}

	unlock, err := e.lockMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: %d", model.ErrAlreadyResolved, marketID)
	}

	outcome := OutcomeFor(m.TargetSnowfall, actualSnowfall)
	resolved, err := e.store.ResolveMarket(ctx, model.Resolution{
		MarketID:       marketID,
		Outcome:        outcome,
		ActualSnowfall: actualSnowfall,
		ResolvedAt:     e.now(),
	})
	if err != nil {
		return nil, err
	}

	metrics.Resolutions.WithLabelValues(outcome.String()).Inc()
	metrics.ActiveMarkets.Dec()

	e.log.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"actual", snowfall.Format(actualSnowfall),
		"target", snowfall.Format(m.TargetSnowfall),
		"pool", pricing.ToCurrency(resolved.SettledPool).String(),
		"early", e.now().Unix() < m.ResolutionTime,
	)
	e.publish(Event{
		Type:     EventMarketResolved,
		MarketID: marketID,
		Outcome:  outcome.String(),
		Amount:   resolved.SettledPool,
	})
	return resolved, nil
}
