// Package model defines the core domain types shared across the market engine.
// Share counts and money are unsigned integers in the settlement currency's
// smallest unit; snowfall is inches scaled by 100. Never float64.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a market. Active → Resolved is one-way.
type Status uint8

const (
	StatusActive Status = iota
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusResolved:
		return "Resolved"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "active":
		*s = StatusActive
	case "resolved":
		*s = StatusResolved
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Outcome is fixed exactly once, when a market resolves.
type Outcome uint8

const (
	OutcomeUndecided Outcome = iota
	OutcomeYes
	OutcomeNo
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUndecided:
		return "Undecided"
	case OutcomeYes:
		return "Yes"
	case OutcomeNo:
		return "No"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "undecided":
		*o = OutcomeUndecided
	case "yes":
		*o = OutcomeYes
	case "no":
		*o = OutcomeNo
	default:
		return fmt.Errorf("unknown outcome %q", b)
	}
	return nil
}

// Side names the half of a market a share belongs to.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// SideOf maps the isYes flag used by buy calls to a Side.
func SideOf(isYes bool) Side {
	if isYes {
		return SideYes
	}
	return SideNo
}

// Market is a binary snowfall market for one resort.
type Market struct {
	ID             int64     `json:"id"`
	ResortName     string    `json:"resort_name"`
	Description    string    `json:"description"`
	TargetSnowfall int64     `json:"target_snowfall"` // inches × 100
	ResolutionTime int64     `json:"resolution_time"` // unix seconds
	Status         Status    `json:"status"`
	Outcome        Outcome   `json:"outcome"`
	TotalYesShares uint64    `json:"total_yes_shares"`
	TotalNoShares  uint64    `json:"total_no_shares"`
	TotalPool      uint64    `json:"total_pool"`      // remaining escrowed value
	SettledPool    uint64    `json:"settled_pool"`    // pool frozen at resolution, the payout basis
	ActualSnowfall int64     `json:"actual_snowfall"` // inches × 100, set at resolution
	CreatedAt      time.Time `json:"created_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// WinningTotal returns the market-wide share count on the winning side.
// Zero while the market is undecided.
func (m *Market) WinningTotal() uint64 {
	switch m.Outcome {
	case OutcomeYes:
		return m.TotalYesShares
	case OutcomeNo:
		return m.TotalNoShares
	default:
		return 0
	}
}

// Position is one user's holdings in one market.
type Position struct {
	MarketID  int64  `json:"market_id"`
	User      string `json:"user"`
	YesShares uint64 `json:"yes_shares"`
	NoShares  uint64 `json:"no_shares"`
	Claimed   bool   `json:"claimed"`
	Payout    uint64 `json:"payout"`
}

// WinningShares returns the holder's shares on the given outcome's side.
func (p *Position) WinningShares(o Outcome) uint64 {
	switch o {
	case OutcomeYes:
		return p.YesShares
	case OutcomeNo:
		return p.NoShares
	default:
		return 0
	}
}

// Odds are integer percentages that always sum to 100.
type Odds struct {
	Yes uint64 `json:"yes_odds"`
	No  uint64 `json:"no_odds"`
}

// EntryKind classifies ledger entries.
type EntryKind string

const (
	EntryBuy   EntryKind = "BUY"
	EntryClaim EntryKind = "CLAIM"
)

// LedgerEntry is an immutable record of a purchase or a claim.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string    `json:"id"`
	MarketID  int64     `json:"market_id"`
	User      string    `json:"user"`
	Kind      EntryKind `json:"kind"`
	Side      Side      `json:"side,omitempty"`
	Shares    uint64    `json:"shares"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Purchase is the atomic write applied by the share ledger.
type Purchase struct {
	MarketID int64
	User     string
	Side     Side
	Shares   uint64
	Cost     uint64
	Entry    LedgerEntry
}

// Resolution is the atomic write applied by the settlement engine.
type Resolution struct {
	MarketID       int64
	Outcome        Outcome
	ActualSnowfall int64
	ResolvedAt     time.Time
}

// Claim is the atomic write applied by the payout calculator.
type Claim struct {
	MarketID int64
	User     string
	Amount   uint64
}
