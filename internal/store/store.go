// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutating method is atomic and guarded by its own precondition
// (market active, position unclaimed), so a write that races past the
// engine's market lock is still rejected.
package store

import (
	"context"

	"github.com/powguess/market-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market registry ---

	// CreateMarket assigns the next sequential ID to m and persists it.
	CreateMarket(ctx context.Context, m *model.Market) (int64, error)

	// GetMarket retrieves a market by ID. model.ErrNotFound if absent.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// ListMarkets returns all markets ordered by ID.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// MarketCount returns the number of markets ever created.
	MarketCount(ctx context.Context) (int64, error)

	// ResolveMarket moves an active market to Resolved, fixing outcome and
	// actual snowfall and freezing the settled pool. model.ErrAlreadyResolved
	// if it is not active.
	ResolveMarket(ctx context.Context, r model.Resolution) (*model.Market, error)

	// --- Share ledger ---

	// GetPosition returns the user's position, zero-valued if none exists.
	GetPosition(ctx context.Context, marketID int64, user string) (*model.Position, error)

	// ListPositions returns every position in a market.
	ListPositions(ctx context.Context, marketID int64) ([]model.Position, error)

	// RecordPurchase adds shares to the position and market totals, adds the
	// cost to the pool and appends the ledger entry, all or nothing.
	// model.ErrMarketNotActive if the market is resolved.
	RecordPurchase(ctx context.Context, p model.Purchase) error

	// --- Payouts ---

	// RecordClaim marks the position claimed and deducts the amount from the
	// market pool. model.ErrAlreadyClaimed if it was already claimed.
	RecordClaim(ctx context.Context, c model.Claim) error

	// RevertClaim undoes RecordClaim after a failed funds transfer.
	RevertClaim(ctx context.Context, c model.Claim) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByMarket returns all records for a market.
	GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByUser returns all records for a user.
	GetLedgerEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error)
}
