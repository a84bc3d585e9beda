// Package market is the snowfall prediction market engine. It owns the
// market registry, the share ledger, settlement and payouts, and keeps the
// persisted ledger and the custody escrow consistent with each other.
//
// Every state-changing call runs under a per-market lock. Reads go straight
// to the store.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/powguess/market-engine/internal/auth"
	"github.com/powguess/market-engine/internal/custody"
	"github.com/powguess/market-engine/internal/lock"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/store"
)

// Event types pushed to the Publisher.
const (
	EventMarketCreated   = "market_created"
	EventSharesBought    = "shares_bought"
	EventMarketResolved  = "market_resolved"
	EventWinningsClaimed = "winnings_claimed"
)

// Event is a state change worth telling connected clients about.
type Event struct {
	Type     string      `json:"type"`
	MarketID int64       `json:"market_id"`
	User     string      `json:"user,omitempty"`
	Side     model.Side  `json:"side,omitempty"`
	Shares   uint64      `json:"shares,omitempty"`
	Amount   uint64      `json:"amount,omitempty"`
	Outcome  string      `json:"outcome,omitempty"`
	Odds     *model.Odds `json:"odds,omitempty"`
}

// Publisher receives engine events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Engine coordinates the store, custody and authorization.
type Engine struct {
	store   store.Store
	custody custody.Custodian
	auth    auth.Authorizer
	locks   lock.Locker
	events  Publisher
	now     func() time.Time
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the default in-process market lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locks = l }
}

// WithPublisher sets the sink for engine events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine.
func New(st store.Store, cust custody.Custodian, authz auth.Authorizer, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		custody: cust,
		auth:    authz,
		locks:   lock.NewKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorized reports whether caller may resolve and create markets.
func (e *Engine) Authorized(ctx context.Context, caller string) bool {
	return e.auth.IsAuthorizedResolver(ctx, caller)
}

func (e *Engine) lockMarket(ctx context.Context, marketID int64) (func(), error) {
	unlock, err := e.locks.Lock(ctx, fmt.Sprintf("market:%d", marketID))
	if err != nil {
		return nil, fmt.Errorf("lock market %d: %w", marketID, err)
	}
	return unlock, nil
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// NormalizeAddress validates a hex account address and returns its EIP-55
// checksum form, so the same account always maps to the same position.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: invalid address %q", model.ErrInvalidParameters, addr)
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", model.ErrInvalidParameters)
	}
	return a.Hex(), nil
}
