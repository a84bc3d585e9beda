package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/powguess/market-engine/internal/metrics"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/pricing"
)

// BuyShares buys shareAmount shares on one side of a market for user at the
// fixed share price. The cost is pulled into the market escrow first; the
// ledger is only updated once the funds are held. On any error no ledger
// state has changed.
func (e *Engine) BuyShares(ctx context.Context, marketID int64, user string, isYes bool, shareAmount uint64) (*model.LedgerEntry, error) {
	start := time.Now()
	side := model.SideOf(isYes)

	entry, err := e.buyShares(ctx, marketID, user, side, shareAmount)
	if err != nil {
		metrics.PurchaseFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	metrics.SharesBought.WithLabelValues(string(side)).Add(float64(entry.Shares))
	metrics.PurchaseVolume.WithLabelValues(string(side)).Add(float64(entry.Amount))
	metrics.PurchaseLatency.Observe(time.Since(start).Seconds())
	return entry, nil
}

func (e *Engine) buyShares(ctx context.Context, marketID int64, user string, side model.Side, shares uint64) (*model.LedgerEntry, error) {
	user, err := NormalizeAddress(user)
	if err != nil {
		return nil, err
	}
	if shares == 0 {
		return nil, fmt.Errorf("%w: share amount must be at least 1", model.ErrInvalidParameters)
	}
	cost, err := pricing.Cost(shares)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("%w: %d", model.ErrMarketNotActive, marketID)
	}

	// Reject before moving funds if any running total would wrap.
	if _, err := pricing.Add(m.TotalPool, cost); err != nil {
		return nil, err
	}
	sideTotal := m.TotalNoShares
	if side == model.SideYes {
		sideTotal = m.TotalYesShares
	}
	if _, err := pricing.Add(sideTotal, shares); err != nil {
		return nil, err
	}

	if err := e.custody.Collect(ctx, marketID, user, cost); err != nil {
		return nil, fmt.Errorf("collect %d from %s: %w", cost, user, err)
	}

	entry := model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		User:      user,
		Kind:      model.EntryBuy,
		Side:      side,
		Shares:    shares,
		Amount:    cost,
		Timestamp: e.now(),
	}
	err = e.store.RecordPurchase(ctx, model.Purchase{
		MarketID: marketID,
		User:     user,
		Side:     side,
		Shares:   shares,
		Cost:     cost,
		Entry:    entry,
	})
	if err != nil {
		e.refund(ctx, marketID, user, cost, err)
		return nil, fmt.Errorf("record purchase: %w", err)
	}

	var odds model.Odds
	if side == model.SideYes {
		odds = pricing.Odds(m.TotalYesShares+shares, m.TotalNoShares)
	} else {
		odds = pricing.Odds(m.TotalYesShares, m.TotalNoShares+shares)
	}

	e.log.Info("shares bought",
		"market", marketID,
		"user", user,
		"side", side,
		"shares", shares,
		"cost", pricing.ToCurrency(cost).String(),
		"yes_odds", odds.Yes,
	)
	e.publish(Event{
		Type:     EventSharesBought,
		MarketID: marketID,
		User:     user,
		Side:     side,
		Shares:   shares,
		Amount:   cost,
		Odds:     &odds,
	})
	return &entry, nil
}

// refund returns collected funds after the ledger write failed. A failed
// refund leaves value stranded in escrow and is logged for manual repair;
// Reconcile reports it as surplus.
func (e *Engine) refund(ctx context.Context, marketID int64, user string, amount uint64, cause error) {
	// The request context may be what failed the write.
	ctx = context.WithoutCancel(ctx)
	if err := e.custody.Disburse(ctx, marketID, user, amount); err != nil {
		metrics.CustodyCompensations.WithLabelValues("refund", "failed").Inc()
		e.log.Error("purchase refund failed",
			"market", marketID, "user", user, "amount", amount,
			"cause", cause, "error", err)
		return
	}
	metrics.CustodyCompensations.WithLabelValues("refund", "ok").Inc()
	e.log.Warn("purchase refunded after ledger failure",
		"market", marketID, "user", user, "amount", amount, "cause", cause)
}

// GetPosition returns user's holdings in a market, zero-valued if the user
// never bought.
func (e *Engine) GetPosition(ctx context.Context, marketID int64, user string) (*model.Position, error) {
	user, err := NormalizeAddress(user)
	if err != nil {
		return nil, err
	}
	return e.store.GetPosition(ctx, marketID, user)
}

// ListPositions returns all positions in a market.
func (e *Engine) ListPositions(ctx context.Context, marketID int64) ([]model.Position, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.ListPositions(ctx, marketID)
}

// History returns the purchase and claim records of a market.
func (e *Engine) History(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.GetLedgerEntriesByMarket(ctx, marketID)
}

// UserHistory returns every ledger record of a user.
func (e *Engine) UserHistory(ctx context.Context, user string) ([]model.LedgerEntry, error) {
	user, err := NormalizeAddress(user)
	if err != nil {
		return nil, err
	}
	return e.store.GetLedgerEntriesByUser(ctx, user)
}

func failureReason(err error) string {
	for _, target := range []error{
		model.ErrNotFound,
		model.ErrMarketNotActive,
		model.ErrInsufficientAllowance,
		model.ErrInsufficientFunds,
		model.ErrInvalidParameters,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "internal"
}
