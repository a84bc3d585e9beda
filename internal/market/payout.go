package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/powguess/market-engine/internal/metrics"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/pricing"
)

// quote computes what user is owed in a resolved market without checking
// the claimed flag.
func quote(m *model.Market, p *model.Position) (uint64, error) {
	if m.Status != model.StatusResolved {
		return 0, fmt.Errorf("%w: %d", model.ErrMarketNotResolved, m.ID)
	}
	shares := p.WinningShares(m.Outcome)
	if shares == 0 {
		return 0, fmt.Errorf("%w: no winning shares in market %d", model.ErrNothingToClaim, m.ID)
	}
	return pricing.Payout(m.SettledPool, shares, m.WinningTotal())
}

// ClaimWinnings pays a winner their proportional share of the settled pool,
// at most once. The position is marked claimed before the transfer and
// restored if the transfer fails.
func (e *Engine) ClaimWinnings(ctx context.Context, marketID int64, user string) (uint64, error) {
	user, err := NormalizeAddress(user)
	if err != nil {
		return 0, err
	}

	unlock, err := e.lockMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	pos, err := e.store.GetPosition(ctx, marketID, user)
	if err != nil {
		return 0, err
	}
	if m.Status == model.StatusResolved && pos.Claimed {
		return 0, fmt.Errorf("%w: %s in market %d", model.ErrAlreadyClaimed, user, marketID)
	}
	amount, err := quote(m, pos)
	if err != nil {
		return 0, err
	}

	claim := model.Claim{MarketID: marketID, User: user, Amount: amount}
	if err := e.store.RecordClaim(ctx, claim); err != nil {
		return 0, err
	}

	if err := e.custody.Disburse(ctx, marketID, user, amount); err != nil {
		e.revertClaim(ctx, claim, err)
		return 0, fmt.Errorf("disburse %d to %s: %w", amount, user, err)
	}

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		User:      user,
		Kind:      model.EntryClaim,
		Side:      model.SideOf(m.Outcome == model.OutcomeYes),
		Shares:    pos.WinningShares(m.Outcome),
		Amount:    amount,
		Timestamp: e.now(),
	}
	if err := e.store.InsertLedgerEntry(ctx, entry); err != nil {
		// Funds already moved and the position is marked; only the audit
		// record is missing.
		e.log.Error("claim ledger entry not recorded",
			"market", marketID, "user", user, "amount", amount, "error", err)
	}

	metrics.Claims.Inc()
	metrics.PayoutVolume.Add(float64(amount))

	e.log.Info("winnings claimed",
		"market", marketID,
		"user", user,
		"amount", pricing.ToCurrency(amount).String(),
	)
	e.publish(Event{
		Type:     EventWinningsClaimed,
		MarketID: marketID,
		User:     user,
		Amount:   amount,
	})
	return amount, nil
}

func (e *Engine) revertClaim(ctx context.Context, c model.Claim, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.RevertClaim(ctx, c); err != nil {
		metrics.CustodyCompensations.WithLabelValues("revert_claim", "failed").Inc()
		e.log.Error("claim rollback failed",
			"market", c.MarketID, "user", c.User, "amount", c.Amount,
			"cause", cause, "error", err)
		return
	}
	metrics.CustodyCompensations.WithLabelValues("revert_claim", "ok").Inc()
	e.log.Warn("claim rolled back after failed transfer",
		"market", c.MarketID, "user", c.User, "amount", c.Amount, "cause", cause)
}

// Preview is a read-only payout quote.
type Preview struct {
	MarketID int64  `json:"market_id"`
	User     string `json:"user"`
	Shares   uint64 `json:"winning_shares"`
	Amount   uint64 `json:"amount"`
	Claimed  bool   `json:"claimed"`
}

// PreviewPayout quotes what ClaimWinnings would pay user. For a claimed
// position it reports the amount that was paid.
func (e *Engine) PreviewPayout(ctx context.Context, marketID int64, user string) (*Preview, error) {
	user, err := NormalizeAddress(user)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pos, err := e.store.GetPosition(ctx, marketID, user)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		MarketID: marketID,
		User:     user,
		Shares:   pos.WinningShares(m.Outcome),
		Claimed:  pos.Claimed,
	}
	if pos.Claimed {
		p.Amount = pos.Payout
		return p, nil
	}
	amount, err := quote(m, pos)
	if err != nil {
		return nil, err
	}
	p.Amount = amount
	return p, nil
}

// Audit compares a market's ledger with the funds held in custody.
type Audit struct {
	MarketID      int64    `json:"market_id"`
	Status        string   `json:"status"`
	TotalPool     uint64   `json:"total_pool"`
	SettledPool   uint64   `json:"settled_pool"`
	Escrowed      uint64   `json:"escrowed"`
	Purchased     uint64   `json:"purchased"` // (yes + no shares) × share price
	Paid          uint64   `json:"paid"`
	Unclaimed     uint64   `json:"unclaimed"` // owed to winners who have not claimed
	Dust          uint64   `json:"dust"`      // remainder no claim will ever take
	Balanced      bool     `json:"balanced"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

// Reconcile checks the accounting invariants of one market: the pool matches
// purchases minus payouts, and custody holds exactly the pool.
func (e *Engine) Reconcile(ctx context.Context, marketID int64) (*Audit, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	escrowed, err := e.custody.Escrowed(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("read escrow: %w", err)
	}

	a := &Audit{
		MarketID:    marketID,
		Status:      m.Status.String(),
		TotalPool:   m.TotalPool,
		SettledPool: m.SettledPool,
		Escrowed:    escrowed,
	}

	shares, err := pricing.Add(m.TotalYesShares, m.TotalNoShares)
	if err != nil {
		return nil, err
	}
	if a.Purchased, err = pricing.Cost(shares); err != nil {
		return nil, err
	}

	for i := range positions {
		p := &positions[i]
		if p.Claimed {
			a.Paid += p.Payout
			continue
		}
		if m.Status == model.StatusResolved && p.WinningShares(m.Outcome) > 0 {
			owed, err := quote(m, p)
			if err != nil {
				return nil, err
			}
			a.Unclaimed += owed
		}
	}

	if a.Purchased != a.Paid+a.TotalPool {
		a.Discrepancies = append(a.Discrepancies,
			fmt.Sprintf("pool %d + paid %d != purchased %d", a.TotalPool, a.Paid, a.Purchased))
	}
	if escrowed != a.TotalPool {
		a.Discrepancies = append(a.Discrepancies,
			fmt.Sprintf("escrow %d != pool %d", escrowed, a.TotalPool))
	}
	if m.Status == model.StatusResolved {
		if a.Unclaimed > a.TotalPool {
			a.Discrepancies = append(a.Discrepancies,
				fmt.Sprintf("unclaimed %d exceeds pool %d", a.Unclaimed, a.TotalPool))
		} else {
			a.Dust = a.TotalPool - a.Unclaimed
		}
	}
	a.Balanced = len(a.Discrepancies) == 0
	return a, nil
}
