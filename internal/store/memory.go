package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/powguess/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   []*model.Market // index == market ID
	positions map[positionKey]*model.Position
	ledger    []model.LedgerEntry
}

type positionKey struct {
	marketID int64
	user     string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[positionKey]*model.Position),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *m
	copy.ID = int64(len(s.markets))
	s.markets = append(s.markets, &copy)
	m.ID = copy.ID
	return copy.ID, nil
}

func (s *MemoryStore) market(id int64) (*model.Market, error) {
	if id < 0 || id >= int64(len(s.markets)) {
		return nil, fmt.Errorf("%w: %d", model.ErrNotFound, id)
	}
	return s.markets[id], nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) MarketCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.markets)), nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, r model.Resolution) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(r.MarketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: %d", model.ErrAlreadyResolved, r.MarketID)
	}

	m.Status = model.StatusResolved
	m.Outcome = r.Outcome
	m.ActualSnowfall = r.ActualSnowfall
	m.SettledPool = m.TotalPool
	m.ResolvedAt = r.ResolvedAt
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID int64, user string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.market(marketID); err != nil {
		return nil, err
	}
	if p, ok := s.positions[positionKey{marketID, user}]; ok {
		copy := *p
		return &copy, nil
	}
	return &model.Position{MarketID: marketID, User: user}, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, marketID int64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.marketID == marketID {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) RecordPurchase(_ context.Context, p model.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(p.MarketID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusActive {
		return fmt.Errorf("%w: %d", model.ErrMarketNotActive, p.MarketID)
	}
	if p.Side != model.SideYes && p.Side != model.SideNo {
		return fmt.Errorf("%w: side %q", model.ErrInvalidParameters, p.Side)
	}

	key := positionKey{p.MarketID, p.User}
	pos, ok := s.positions[key]
	if !ok {
		pos = &model.Position{MarketID: p.MarketID, User: p.User}
	}

	if p.Side == model.SideYes {
		m.TotalYesShares += p.Shares
		pos.YesShares += p.Shares
	} else {
		m.TotalNoShares += p.Shares
		pos.NoShares += p.Shares
	}
	m.TotalPool += p.Cost
	s.positions[key] = pos
	s.ledger = append(s.ledger, p.Entry)
	return nil
}

func (s *MemoryStore) RecordClaim(_ context.Context, c model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(c.MarketID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusResolved {
		return fmt.Errorf("%w: %d", model.ErrMarketNotResolved, c.MarketID)
	}
	pos, ok := s.positions[positionKey{c.MarketID, c.User}]
	if !ok {
		return fmt.Errorf("%w: no position for %s", model.ErrNothingToClaim, c.User)
	}
	if pos.Claimed {
		return fmt.Errorf("%w: %s in market %d", model.ErrAlreadyClaimed, c.User, c.MarketID)
	}
	if c.Amount > m.TotalPool {
		return fmt.Errorf("%w: pool %d below claim %d", model.ErrInsufficientFunds, m.TotalPool, c.Amount)
	}

	pos.Claimed = true
	pos.Payout = c.Amount
	m.TotalPool -= c.Amount
	return nil
}

func (s *MemoryStore) RevertClaim(_ context.Context, c model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(c.MarketID)
	if err != nil {
		return err
	}
	pos, ok := s.positions[positionKey{c.MarketID, c.User}]
	if !ok || !pos.Claimed || pos.Payout != c.Amount {
		return fmt.Errorf("revert claim %s in market %d: no matching claim", c.User, c.MarketID)
	}

	pos.Claimed = false
	pos.Payout = 0
	m.TotalPool += c.Amount
	return nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID int64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, user string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.User == user {
			result = append(result, e)
		}
	}
	return result, nil
}
