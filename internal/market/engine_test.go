package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powguess/market-engine/internal/auth"
	"github.com/powguess/market-engine/internal/custody"
	"github.com/powguess/market-engine/internal/market"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/pricing"
	"github.com/powguess/market-engine/internal/snowfall"
	"github.com/powguess/market-engine/internal/store"
)

const (
	adminKey = "let-it-snow"
	alice    = "0x1000000000000000000000000000000000000001"
	bob      = "0x2000000000000000000000000000000000000002"
	carol    = "0x3000000000000000000000000000000000000003"
	dave     = "0x4000000000000000000000000000000000000004"
)

var now = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []market.Event
}

func (r *recorder) Publish(ev market.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// flakyStore fails RecordPurchase while failPurchase is set.
type flakyStore struct {
	store.Store
	failPurchase bool
}

func (s *flakyStore) RecordPurchase(ctx context.Context, p model.Purchase) error {
	if s.failPurchase {
		return errors.New("connection reset")
	}
	return s.Store.RecordPurchase(ctx, p)
}

// flakyVault fails Disburse while failDisburse is set.
type flakyVault struct {
	*custody.Vault
	failDisburse bool
}

func (v *flakyVault) Disburse(ctx context.Context, marketID int64, to string, amount uint64) error {
	if v.failDisburse {
		return errors.New("transfer reverted")
	}
	return v.Vault.Disburse(ctx, marketID, to, amount)
}

type env struct {
	engine *market.Engine
	store  *flakyStore
	vault  *flakyVault
	events *recorder
	clock  *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := now
	e := &env{
		store:  &flakyStore{Store: store.NewMemoryStore()},
		vault:  &flakyVault{Vault: custody.NewVault()},
		events: &recorder{},
		clock:  &clock,
	}
	e.engine = market.New(e.store, e.vault, auth.NewStaticKey(adminKey),
		market.WithPublisher(e.events),
		market.WithClock(func() time.Time { return *e.clock }),
	)
	return e
}

func (e *env) createMarket(t *testing.T, target int64) int64 {
	t.Helper()
	id, err := e.engine.CreateMarket(context.Background(), market.CreateParams{
		ResortName:     "Mammoth Mountain",
		TargetSnowfall: target,
		ResolutionTime: now.Add(7 * 24 * time.Hour).Unix(),
	})
	require.NoError(t, err)
	return id
}

// fund mints and approves enough for shares purchases.
func (e *env) fund(t *testing.T, user string, shares uint64) {
	t.Helper()
	ctx := context.Background()
	amount := shares * pricing.SharePrice
	require.NoError(t, e.vault.Mint(ctx, norm(t, user), amount))
	require.NoError(t, e.vault.Approve(ctx, norm(t, user), amount))
}

func (e *env) buy(t *testing.T, id int64, user string, yes bool, shares uint64) {
	t.Helper()
	e.fund(t, user, shares)
	_, err := e.engine.BuyShares(context.Background(), id, user, yes, shares)
	require.NoError(t, err)
}

func (e *env) resolve(t *testing.T, id int64, actual int64) *model.Market {
	t.Helper()
	m, err := e.engine.ResolveMarket(context.Background(), adminKey, id, actual)
	require.NoError(t, err)
	return m
}

func (e *env) balance(t *testing.T, user string) uint64 {
	t.Helper()
	b, err := e.vault.BalanceOf(context.Background(), norm(t, user))
	require.NoError(t, err)
	return b
}

func norm(t *testing.T, addr string) string {
	t.Helper()
	a, err := market.NormalizeAddress(addr)
	require.NoError(t, err)
	return a
}

func assertBalanced(t *testing.T, e *env, id int64) *market.Audit {
	t.Helper()
	a, err := e.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, a.Balanced, "discrepancies: %v", a.Discrepancies)
	return a
}

// --- Registry ---

func TestCreateMarket_SequentialIDs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for want := int64(0); want < 3; want++ {
		assert.Equal(t, want, e.createMarket(t, 1200))
	}

	n, err := e.engine.MarketCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	m, err := e.engine.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, m.Status)
	assert.Equal(t, model.OutcomeUndecided, m.Outcome)
	assert.Zero(t, m.TotalPool)
	assert.Equal(t, "Will Mammoth Mountain receive >= 12 inches of snow in the next 7 days?", m.Description)
	assert.Equal(t, now, m.CreatedAt)
}

func TestCreateMarket_InvalidParameters(t *testing.T) {
	e := newEnv(t)
	future := now.Add(time.Hour).Unix()

	cases := map[string]market.CreateParams{
		"zero target":     {ResortName: "Aspen", TargetSnowfall: 0, ResolutionTime: future},
		"negative target": {ResortName: "Aspen", TargetSnowfall: -5, ResolutionTime: future},
		"past resolution": {ResortName: "Aspen", TargetSnowfall: 600, ResolutionTime: now.Add(-time.Hour).Unix()},
		"now resolution":  {ResortName: "Aspen", TargetSnowfall: 600, ResolutionTime: now.Unix()},
		"blank resort":    {ResortName: "  ", TargetSnowfall: 600, ResolutionTime: future},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.engine.CreateMarket(context.Background(), p)
			assert.ErrorIs(t, err, model.ErrInvalidParameters)
		})
	}

	n, _ := e.engine.MarketCount(context.Background())
	assert.Zero(t, n)
}

func TestGetMarket_NotFound(t *testing.T) {
	e := newEnv(t)
	e.createMarket(t, 1200)

	_, err := e.engine.GetMarket(context.Background(), 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.engine.GetOdds(context.Background(), 42)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestActiveMarketsAndSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.createMarket(t, 1200)
	b := e.createMarket(t, 800)
	e.buy(t, b, alice, true, 3)
	e.resolve(t, a, 100)

	ids, err := e.engine.ActiveMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, ids)

	snap, err := e.engine.Snapshot(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "8.00", snap.TargetInches)
	assert.Equal(t, "1.5", snap.TotalPoolUSDC.String())
	assert.Equal(t, uint64(100), snap.Yes)
	assert.False(t, snap.Expired)

	*e.clock = now.Add(8 * 24 * time.Hour)
	snap, err = e.engine.Snapshot(ctx, a)
	require.NoError(t, err)
	assert.True(t, snap.Expired)
	assert.Equal(t, "1.00", snap.ActualInches)

	active, err := e.engine.Snapshots(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSeedDefaults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	n, err := e.engine.SeedDefaults(ctx, snowfall.DefaultResorts, snowfall.DefaultHorizon)
	require.NoError(t, err)
	assert.Equal(t, len(snowfall.DefaultResorts), n)

	// Second call is a no-op once markets exist.
	n, err = e.engine.SeedDefaults(ctx, snowfall.DefaultResorts, snowfall.DefaultHorizon)
	require.NoError(t, err)
	assert.Zero(t, n)

	m, err := e.engine.GetMarket(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Jackson Hole", m.ResortName)
	assert.Equal(t, int64(1500), m.TargetSnowfall)
	assert.Equal(t, now.Add(snowfall.DefaultHorizon).Unix(), m.ResolutionTime)
}

// --- Odds ---

func TestGetOdds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)

	odds, err := e.engine.GetOdds(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Odds{Yes: 50, No: 50}, odds)

	e.buy(t, id, alice, true, 3)
	e.buy(t, id, bob, false, 1)

	odds, err = e.engine.GetOdds(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Odds{Yes: 75, No: 25}, odds)

	e.buy(t, id, carol, false, 2)
	odds, _ = e.engine.GetOdds(ctx, id)
	assert.Equal(t, uint64(100), odds.Yes+odds.No)
	assert.Equal(t, uint64(50), odds.Yes)
}

// --- Share ledger ---

func TestBuyShares(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)

	e.fund(t, alice, 10)
	entry, err := e.engine.BuyShares(ctx, id, alice, true, 4)
	require.NoError(t, err)
	assert.Equal(t, model.EntryBuy, entry.Kind)
	assert.Equal(t, uint64(2_000_000), entry.Amount)

	_, err = e.engine.BuyShares(ctx, id, alice, false, 2)
	require.NoError(t, err)

	pos, err := e.engine.GetPosition(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos.YesShares)
	assert.Equal(t, uint64(2), pos.NoShares)
	assert.False(t, pos.Claimed)

	m, _ := e.engine.GetMarket(ctx, id)
	assert.Equal(t, uint64(6*pricing.SharePrice), m.TotalPool)
	assert.Equal(t, (m.TotalYesShares+m.TotalNoShares)*pricing.SharePrice, m.TotalPool)
	assert.Equal(t, uint64(4*pricing.SharePrice), e.balance(t, alice))

	history, err := e.engine.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	assertBalanced(t, e, id)
	assert.Equal(t, []string{market.EventMarketCreated, market.EventSharesBought, market.EventSharesBought}, e.events.types())
}

func TestBuyShares_NormalizesAddress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	lower := "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"

	e.buy(t, id, lower, true, 1)

	pos, err := e.engine.GetPosition(ctx, id, "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.YesShares)
	assert.Equal(t, norm(t, lower), pos.User)
}

func TestBuyShares_FailuresLeaveNoResidue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	resolved := e.createMarket(t, 1200)
	e.resolve(t, resolved, 0)

	// bob approves 2 shares worth but only holds 1.
	require.NoError(t, e.vault.Mint(ctx, norm(t, bob), pricing.SharePrice))
	require.NoError(t, e.vault.Approve(ctx, norm(t, bob), 2*pricing.SharePrice))
	// carol holds plenty but approved nothing.
	require.NoError(t, e.vault.Mint(ctx, norm(t, carol), 10*pricing.SharePrice))
	e.fund(t, alice, 5)

	cases := []struct {
		name   string
		market int64
		user   string
		shares uint64
		want   error
	}{
		{"zero shares", id, alice, 0, model.ErrInvalidParameters},
		{"bad address", id, "not-an-address", 1, model.ErrInvalidParameters},
		{"overflowing amount", id, alice, ^uint64(0), model.ErrInvalidParameters},
		{"unknown market", 99, alice, 1, model.ErrNotFound},
		{"resolved market", resolved, alice, 1, model.ErrMarketNotActive},
		{"insufficient funds", id, bob, 2, model.ErrInsufficientFunds},
		{"insufficient allowance", id, carol, 1, model.ErrInsufficientAllowance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.engine.BuyShares(ctx, tc.market, tc.user, true, tc.shares)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	m, _ := e.engine.GetMarket(ctx, id)
	assert.Zero(t, m.TotalPool)
	assert.Zero(t, m.TotalYesShares)
	positions, _ := e.engine.ListPositions(ctx, id)
	assert.Empty(t, positions)
	assert.Equal(t, uint64(5*pricing.SharePrice), e.balance(t, alice))
	assert.Equal(t, uint64(pricing.SharePrice), e.balance(t, bob))
	assert.Equal(t, uint64(10*pricing.SharePrice), e.balance(t, carol))
	assertBalanced(t, e, id)
}

func TestBuyShares_LedgerFailureRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.fund(t, alice, 2)

	e.store.failPurchase = true
	_, err := e.engine.BuyShares(ctx, id, alice, true, 2)
	require.Error(t, err)

	m, _ := e.engine.GetMarket(ctx, id)
	assert.Zero(t, m.TotalPool)
	pos, _ := e.engine.GetPosition(ctx, id, alice)
	assert.Zero(t, pos.YesShares)
	assert.Equal(t, uint64(2*pricing.SharePrice), e.balance(t, alice))

	escrow, _ := e.vault.Escrowed(ctx, id)
	assert.Zero(t, escrow)
	assertBalanced(t, e, id)
}

// --- Settlement ---

func TestResolveMarket_Outcome(t *testing.T) {
	cases := []struct {
		name   string
		actual int64
		want   model.Outcome
	}{
		{"below target", 1199, model.OutcomeNo},
		{"exactly target", 1200, model.OutcomeYes},
		{"above target", 3000, model.OutcomeYes},
		{"no snow", 0, model.OutcomeNo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			id := e.createMarket(t, 1200)
			m := e.resolve(t, id, tc.actual)
			assert.Equal(t, tc.want, m.Outcome)
			assert.Equal(t, model.StatusResolved, m.Status)
			assert.Equal(t, tc.actual, m.ActualSnowfall)
		})
	}
}

func TestResolveMarket_Guards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 2)

	_, err := e.engine.ResolveMarket(ctx, "wrong-key", id, 1500)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = e.engine.ResolveMarket(ctx, adminKey, id, -1)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	_, err = e.engine.ResolveMarket(ctx, adminKey, 7, 1500)
	assert.ErrorIs(t, err, model.ErrNotFound)

	m := e.resolve(t, id, 1500)
	assert.Equal(t, model.OutcomeYes, m.Outcome)
	assert.Equal(t, uint64(2*pricing.SharePrice), m.SettledPool)

	_, err = e.engine.ResolveMarket(ctx, adminKey, id, 0)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	m, _ = e.engine.GetMarket(ctx, id)
	assert.Equal(t, model.OutcomeYes, m.Outcome)

	e.fund(t, bob, 1)
	_, err = e.engine.BuyShares(ctx, id, bob, false, 1)
	assert.ErrorIs(t, err, model.ErrMarketNotActive)
}

func TestResolveMarket_Allowlist(t *testing.T) {
	resolver := "0x5000000000000000000000000000000000000005"
	eng := market.New(store.NewMemoryStore(), custody.NewVault(), auth.NewAllowlist(resolver),
		market.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	id, err := eng.CreateMarket(ctx, market.CreateParams{
		ResortName: "Aspen", TargetSnowfall: 600, ResolutionTime: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = eng.ResolveMarket(ctx, alice, id, 700)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = eng.ResolveMarket(ctx, resolver, id, 700)
	assert.NoError(t, err)
}

// --- Payouts ---

func TestClaimWinnings_Proportional(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 1)
	e.buy(t, id, bob, true, 3)
	e.buy(t, id, carol, false, 4)
	e.resolve(t, id, 1200)

	pool := uint64(8 * pricing.SharePrice)

	got, err := e.engine.ClaimWinnings(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, pool/4, got)

	got, err = e.engine.ClaimWinnings(ctx, id, bob)
	require.NoError(t, err)
	assert.Equal(t, pool*3/4, got)

	_, err = e.engine.ClaimWinnings(ctx, id, carol)
	assert.ErrorIs(t, err, model.ErrNothingToClaim)

	m, _ := e.engine.GetMarket(ctx, id)
	assert.Zero(t, m.TotalPool)
	assert.Equal(t, pool, m.SettledPool)
	assert.Equal(t, pool/4, e.balance(t, alice))
	assert.Equal(t, pool*3/4, e.balance(t, bob))

	a := assertBalanced(t, e, id)
	assert.Zero(t, a.Dust)
}

func TestClaimWinnings_RoundingDustStays(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, false, 1)
	e.buy(t, id, bob, false, 1)
	e.buy(t, id, carol, false, 1)
	e.buy(t, id, dave, true, 1)
	e.resolve(t, id, 500)

	var paid uint64
	for _, u := range []string{alice, bob, carol} {
		got, err := e.engine.ClaimWinnings(ctx, id, u)
		require.NoError(t, err)
		assert.Equal(t, uint64(666_666), got)
		paid += got
	}

	m, _ := e.engine.GetMarket(ctx, id)
	assert.Equal(t, uint64(2), m.TotalPool)
	assert.Equal(t, m.SettledPool, paid+m.TotalPool)

	a := assertBalanced(t, e, id)
	assert.Equal(t, uint64(2), a.Dust)
}

func TestClaimWinnings_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	empty := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 2)

	_, err := e.engine.ClaimWinnings(ctx, id, alice)
	assert.ErrorIs(t, err, model.ErrMarketNotResolved)

	e.resolve(t, id, 1300)
	e.resolve(t, empty, 1300)

	_, err = e.engine.ClaimWinnings(ctx, empty, alice)
	assert.ErrorIs(t, err, model.ErrNothingToClaim)
	_, err = e.engine.ClaimWinnings(ctx, id, bob)
	assert.ErrorIs(t, err, model.ErrNothingToClaim)
	_, err = e.engine.ClaimWinnings(ctx, 9, alice)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = e.engine.ClaimWinnings(ctx, id, alice)
	require.NoError(t, err)
	_, err = e.engine.ClaimWinnings(ctx, id, alice)
	assert.ErrorIs(t, err, model.ErrAlreadyClaimed)

	pos, _ := e.engine.GetPosition(ctx, id, alice)
	assert.True(t, pos.Claimed)
	assert.Equal(t, uint64(2*pricing.SharePrice), pos.Payout)
}

func TestClaimWinnings_ConcurrentSinglePayout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 2)
	e.buy(t, id, bob, false, 2)
	e.resolve(t, id, 1200)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, dup int
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.engine.ClaimWinnings(ctx, id, alice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrAlreadyClaimed):
				dup++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 24, dup)
	assert.Equal(t, uint64(4*pricing.SharePrice), e.balance(t, alice))
	assertBalanced(t, e, id)
}

func TestClaimWinnings_TransferFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 2)
	e.resolve(t, id, 1200)

	e.vault.failDisburse = true
	_, err := e.engine.ClaimWinnings(ctx, id, alice)
	require.Error(t, err)

	pos, _ := e.engine.GetPosition(ctx, id, alice)
	assert.False(t, pos.Claimed)
	m, _ := e.engine.GetMarket(ctx, id)
	assert.Equal(t, uint64(2*pricing.SharePrice), m.TotalPool)
	assertBalanced(t, e, id)

	e.vault.failDisburse = false
	got, err := e.engine.ClaimWinnings(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*pricing.SharePrice), got)
}

func TestPreviewPayout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 1)
	e.buy(t, id, bob, true, 1)
	e.buy(t, id, carol, false, 2)

	_, err := e.engine.PreviewPayout(ctx, id, alice)
	assert.ErrorIs(t, err, model.ErrMarketNotResolved)

	e.resolve(t, id, 2000)

	p, err := e.engine.PreviewPayout(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), p.Amount)
	assert.False(t, p.Claimed)

	got, err := e.engine.ClaimWinnings(ctx, id, alice)
	require.NoError(t, err)

	p, err = e.engine.PreviewPayout(ctx, id, alice)
	require.NoError(t, err)
	assert.True(t, p.Claimed)
	assert.Equal(t, got, p.Amount)

	// Later claimers still get their share of the frozen pool.
	p, err = e.engine.PreviewPayout(ctx, id, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), p.Amount)

	_, err = e.engine.PreviewPayout(ctx, id, carol)
	assert.ErrorIs(t, err, model.ErrNothingToClaim)
}

func TestEventsForFullLifecycle(t *testing.T) {
	e := newEnv(t)
	id := e.createMarket(t, 1200)
	e.buy(t, id, alice, true, 1)
	e.resolve(t, id, 1200)
	_, err := e.engine.ClaimWinnings(context.Background(), id, alice)
	require.NoError(t, err)

	assert.Equal(t, []string{
		market.EventMarketCreated,
		market.EventSharesBought,
		market.EventMarketResolved,
		market.EventWinningsClaimed,
	}, e.events.types())
}
