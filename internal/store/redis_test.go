package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func cachedMarket(t *testing.T, mr *miniredis.Miniredis, key string) model.Market {
	t.Helper()
	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("%s not cached: %v", key, err)
	}
	var m model.Market
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode cached market: %v", err)
	}
	return m
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCached(t)
	id := seed(t, primary, "Aspen")

	if mr.Exists("market:0") {
		t.Fatal("market cached before first read")
	}
	m, err := cs.GetMarket(ctx, id)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if m.ResortName != "Aspen" {
		t.Errorf("resort = %q", m.ResortName)
	}
	if got := cachedMarket(t, mr, "market:0"); got.ResortName != "Aspen" {
		t.Errorf("cached resort = %q", got.ResortName)
	}
	if ttl := mr.TTL("market:0"); ttl != time.Minute {
		t.Errorf("ttl = %s, want 1m", ttl)
	}

	if _, err := cs.GetPosition(ctx, id, "alice"); err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !mr.Exists("position:0:alice") {
		t.Error("position not cached")
	}
}

func TestCachedStore_PurchaseInvalidates(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCached(t)
	id := seed(t, primary, "Vail")

	// Warm both keys with the empty state.
	if _, err := cs.GetMarket(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.GetPosition(ctx, id, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := cs.RecordPurchase(ctx, buy("alice", id, model.SideYes, 4)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if mr.Exists("market:0") || mr.Exists("position:0:alice") {
		t.Fatal("purchase left stale cache entries")
	}

	m, _ := cs.GetMarket(ctx, id)
	if m.TotalYesShares != 4 || m.TotalPool != 2_000_000 {
		t.Errorf("stale market after purchase: %+v", m)
	}
	p, _ := cs.GetPosition(ctx, id, "alice")
	if p.YesShares != 4 {
		t.Errorf("stale position after purchase: %+v", p)
	}
}

func TestCachedStore_FailedPurchaseStillInvalidates(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCached(t)
	id := seed(t, primary, "Vail")

	if _, err := cs.GetMarket(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := cs.RecordPurchase(ctx, buy("alice", id, model.Side("MAYBE"), 1)); err == nil {
		t.Fatal("expected error for bad side")
	}
	if mr.Exists("market:0") {
		t.Error("market key should be dropped even when the write fails")
	}
}

func TestCachedStore_ResolveOverwritesStaleMarket(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCached(t)
	id := seed(t, primary, "Alta")

	if err := cs.RecordPurchase(ctx, buy("alice", id, model.SideYes, 2)); err != nil {
		t.Fatal(err)
	}
	if m, _ := cs.GetMarket(ctx, id); m.Status != model.StatusActive {
		t.Fatalf("status = %s, want Active", m.Status)
	}

	if _, err := cs.ResolveMarket(ctx, model.Resolution{MarketID: id, Outcome: model.OutcomeYes, ActualSnowfall: 1500}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cached := cachedMarket(t, mr, "market:0")
	if cached.Status != model.StatusResolved || cached.SettledPool != 1_000_000 {
		t.Errorf("cache still holds the active market: %+v", cached)
	}
	m, _ := cs.GetMarket(ctx, id)
	if m.Status != model.StatusResolved || m.Outcome != model.OutcomeYes || m.ActualSnowfall != 1500 {
		t.Errorf("read after resolve: %+v", m)
	}
}

func TestCachedStore_ClaimInvalidates(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCached(t)
	id := seed(t, primary, "Jackson Hole")

	if err := cs.RecordPurchase(ctx, buy("alice", id, model.SideYes, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.ResolveMarket(ctx, model.Resolution{MarketID: id, Outcome: model.OutcomeYes}); err != nil {
		t.Fatal(err)
	}
	if p, _ := cs.GetPosition(ctx, id, "alice"); p.Claimed {
		t.Fatal("claimed before claim")
	}

	claim := model.Claim{MarketID: id, User: "alice", Amount: 1_000_000}
	if err := cs.RecordClaim(ctx, claim); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if mr.Exists("market:0") || mr.Exists("position:0:alice") {
		t.Fatal("claim left stale cache entries")
	}
	p, _ := cs.GetPosition(ctx, id, "alice")
	if !p.Claimed || p.Payout != 1_000_000 {
		t.Errorf("position after claim: %+v", p)
	}
	m, _ := cs.GetMarket(ctx, id)
	if m.TotalPool != 0 || m.SettledPool != 1_000_000 {
		t.Errorf("market after claim: %+v", m)
	}

	if err := cs.RevertClaim(ctx, claim); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if mr.Exists("position:0:alice") {
		t.Error("revert left a stale position")
	}
	if p, _ := cs.GetPosition(ctx, id, "alice"); p.Claimed {
		t.Errorf("position still claimed after revert: %+v", p)
	}
}
