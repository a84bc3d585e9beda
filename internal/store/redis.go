package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/powguess/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) (int64, error) {
	id, err := s.primary.CreateMarket(ctx, m)
	if err != nil {
		return 0, err
	}
	s.cacheMarket(ctx, m)
	return id, nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, r model.Resolution) (*model.Market, error) {
	m, err := s.primary.ResolveMarket(ctx, r)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) RecordPurchase(ctx context.Context, p model.Purchase) error {
	err := s.primary.RecordPurchase(ctx, p)
	// Invalidate even on error; next read will re-populate.
	s.rdb.Del(ctx, marketKey(p.MarketID), positionCacheKey(p.MarketID, p.User))
	return err
}

func (s *CachedStore) RecordClaim(ctx context.Context, c model.Claim) error {
	err := s.primary.RecordClaim(ctx, c)
	s.rdb.Del(ctx, marketKey(c.MarketID), positionCacheKey(c.MarketID, c.User))
	return err
}

func (s *CachedStore) RevertClaim(ctx context.Context, c model.Claim) error {
	err := s.primary.RevertClaim(ctx, c)
	s.rdb.Del(ctx, marketKey(c.MarketID), positionCacheKey(c.MarketID, c.User))
	return err
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, entry)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID int64, user string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionCacheKey(marketID, user)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, marketID, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionCacheKey(marketID, user), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) MarketCount(ctx context.Context) (int64, error) {
	return s.primary.MarketCount(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, marketID int64) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, user)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id int64) string { return fmt.Sprintf("market:%d", id) }

func positionCacheKey(marketID int64, user string) string {
	return fmt.Sprintf("position:%d:%s", marketID, user)
}
