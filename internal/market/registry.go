package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/powguess/market-engine/internal/metrics"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/pricing"
	"github.com/powguess/market-engine/internal/snowfall"
)

// CreateParams describes a new market.
type CreateParams struct {
	ResortName     string
	Description    string // generated from resort and target when empty
	TargetSnowfall int64  // inches × 100
	ResolutionTime int64  // unix seconds, strictly in the future
}

// CreateMarket registers a new Active market and returns its sequential ID.
func (e *Engine) CreateMarket(ctx context.Context, p CreateParams) (int64, error) {
	now := e.now()
	resort := strings.TrimSpace(p.ResortName)

	switch {
	case resort == "":
		return 0, fmt.Errorf("%w: resort name is required", model.ErrInvalidParameters)
	case p.TargetSnowfall <= 0:
		return 0, fmt.Errorf("%w: target snowfall must be positive", model.ErrInvalidParameters)
	case p.ResolutionTime <= now.Unix():
		return 0, fmt.Errorf("%w: resolution time must be in the future", model.ErrInvalidParameters)
	}

	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		horizon := time.Unix(p.ResolutionTime, 0).Sub(now)
		desc = snowfall.Describe(resort, p.TargetSnowfall, horizon)
	}

	m := &model.Market{
		ResortName:     resort,
		Description:    desc,
		TargetSnowfall: p.TargetSnowfall,
		ResolutionTime: p.ResolutionTime,
		Status:         model.StatusActive,
		Outcome:        model.OutcomeUndecided,
		CreatedAt:      now,
	}
	id, err := e.store.CreateMarket(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("create market: %w", err)
	}

	metrics.MarketsCreated.Inc()
	metrics.ActiveMarkets.Inc()

	e.log.Info("market created",
		"id", id,
		"resort", resort,
		"target", snowfall.Format(p.TargetSnowfall),
		"resolution_time", p.ResolutionTime,
	)
	e.publish(Event{Type: EventMarketCreated, MarketID: id})
	return id, nil
}

// GetMarket returns the market record. model.ErrNotFound for unknown IDs.
func (e *Engine) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return e.store.GetMarket(ctx, id)
}

// MarketCount is the number of markets ever created, which is also the next
// market ID.
func (e *Engine) MarketCount(ctx context.Context) (int64, error) {
	return e.store.MarketCount(ctx)
}

// ListMarkets returns every market ordered by ID.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// ActiveMarkets returns the IDs of markets still accepting purchases.
func (e *Engine) ActiveMarkets(ctx context.Context) ([]int64, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(markets))
	for _, m := range markets {
		if m.Status == model.StatusActive {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// GetOdds returns the implied YES/NO percentages for a market.
func (e *Engine) GetOdds(ctx context.Context, id int64) (model.Odds, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return model.Odds{}, err
	}
	return pricing.Odds(m.TotalYesShares, m.TotalNoShares), nil
}

// Snapshot is a market with its odds and display-friendly values.
type Snapshot struct {
	model.Market
	model.Odds
	TotalPoolUSDC  decimal.Decimal `json:"total_pool_usdc"`
	TargetInches   string          `json:"target_inches"`
	ActualInches   string          `json:"actual_inches,omitempty"`
	Expired        bool            `json:"expired"`
	SharePriceUSDC decimal.Decimal `json:"share_price_usdc"`
}

// Snapshot returns a market view for clients.
func (e *Engine) Snapshot(ctx context.Context, id int64) (*Snapshot, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(m), nil
}

// Snapshots returns views of every market, or only active ones.
func (e *Engine) Snapshots(ctx context.Context, activeOnly bool) ([]Snapshot, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(markets))
	for i := range markets {
		if activeOnly && markets[i].Status != model.StatusActive {
			continue
		}
		out = append(out, *e.snapshot(&markets[i]))
	}
	return out, nil
}

func (e *Engine) snapshot(m *model.Market) *Snapshot {
	s := &Snapshot{
		Market:         *m,
		Odds:           pricing.Odds(m.TotalYesShares, m.TotalNoShares),
		TotalPoolUSDC:  pricing.ToCurrency(m.TotalPool),
		TargetInches:   snowfall.Format(m.TargetSnowfall),
		Expired:        e.now().Unix() >= m.ResolutionTime,
		SharePriceUSDC: pricing.ToCurrency(pricing.SharePrice),
	}
	if m.Status == model.StatusResolved {
		s.ActualInches = snowfall.Format(m.ActualSnowfall)
	}
	return s
}

// SeedDefaults creates the default resort catalog when the registry is
// empty. It returns the number of markets created.
func (e *Engine) SeedDefaults(ctx context.Context, resorts []snowfall.Resort, horizon time.Duration) (int, error) {
	n, err := e.store.MarketCount(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	resolveAt := e.now().Add(horizon).Unix()
	for i, r := range resorts {
		if _, err := e.CreateMarket(ctx, CreateParams{
			ResortName:     r.Name,
			TargetSnowfall: r.Target,
			ResolutionTime: resolveAt,
		}); err != nil {
			return i, fmt.Errorf("seed %s: %w", r.Name, err)
		}
	}
	return len(resorts), nil
}
