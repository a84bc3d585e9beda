package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/powguess/market-engine/internal/market"
	"github.com/powguess/market-engine/internal/model"
	"github.com/powguess/market-engine/internal/pricing"
	"github.com/powguess/market-engine/internal/snowfall"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	ResortName     string `json:"resort_name"`
	Description    string `json:"description"`     // optional, generated when empty
	TargetSnowfall string `json:"target_snowfall"` // inches, e.g. "12.5"
	ResolutionTime int64  `json:"resolution_time"` // unix seconds
}

// BuyRequest is the JSON body for POST /markets/{id}/buy. User may be
// omitted when caller binding supplies it.
type BuyRequest struct {
	User   string `json:"user"`
	Side   string `json:"side"` // "YES" or "NO"
	Shares uint64 `json:"shares"`
}

// BuyResponse is returned from a successful purchase.
type BuyResponse struct {
	Entry    model.LedgerEntry `json:"entry"`
	CostUSDC decimal.Decimal   `json:"cost_usdc"`
	Position *model.Position   `json:"position"`
	Odds     model.Odds        `json:"odds"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	ActualSnowfall string `json:"actual_snowfall"` // inches
}

// ClaimRequest is the JSON body for POST /markets/{id}/claim.
type ClaimRequest struct {
	User string `json:"user"`
}

// ClaimResponse reports a paid claim.
type ClaimResponse struct {
	MarketID   int64           `json:"market_id"`
	User       string          `json:"user"`
	Amount     uint64          `json:"amount"`
	AmountUSDC decimal.Decimal `json:"amount_usdc"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Authorized(r.Context(), resolverIdentity(r)) {
		writeError(w, model.ErrUnauthorized.Error(), http.StatusForbidden)
		return
	}

	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target, err := snowfall.ParseInches(req.TargetSnowfall)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id, err := s.engine.CreateMarket(ctx, market.CreateParams{
		ResortName:     req.ResortName,
		Description:    req.Description,
		TargetSnowfall: target,
		ResolutionTime: req.ResolutionTime,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	snap, err := s.engine.Snapshot(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, or only active ones with ?status=active.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("status") == "active"

	snaps, err := s.engine.Snapshots(r.Context(), activeOnly)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// MarketCount handles GET /api/v1/markets/count
func (s *Service) MarketCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.MarketCount(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetOdds handles GET /api/v1/markets/{marketID}/odds
func (s *Service) GetOdds(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	odds, err := s.engine.GetOdds(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, odds)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.engine.History(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetUserHistory handles GET /api/v1/users/{address}/history
func (s *Service) GetUserHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.UserHistory(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Reconcile handles GET /api/v1/markets/{marketID}/audit
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	audit, err := s.engine.Reconcile(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{address}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	pos, err := s.engine.GetPosition(r.Context(), id, chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// PreviewPayout handles GET /api/v1/markets/{marketID}/positions/{address}/payout
func (s *Service) PreviewPayout(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.engine.PreviewPayout(r.Context(), id, chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// BuyShares handles POST /api/v1/markets/{marketID}/buy
func (s *Service) BuyShares(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	user, err := s.actingUser(r, req.User)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if req.Side != string(model.SideYes) && req.Side != string(model.SideNo) {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return
	}
	if req.Shares == 0 {
		writeError(w, "shares must be at least 1", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	entry, err := s.engine.BuyShares(ctx, id, user, req.Side == string(model.SideYes), req.Shares)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	pos, err := s.engine.GetPosition(ctx, id, entry.User)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	odds, err := s.engine.GetOdds(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BuyResponse{
		Entry:    *entry,
		CostUSDC: pricing.ToCurrency(entry.Amount),
		Position: pos,
		Odds:     odds,
	})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actual, err := snowfall.ParseInches(req.ActualSnowfall)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.engine.ResolveMarket(ctx, resolverIdentity(r), id, actual); err != nil {
		writeEngineError(w, err)
		return
	}

	snap, err := s.engine.Snapshot(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ClaimWinnings handles POST /api/v1/markets/{marketID}/claim
func (s *Service) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := s.actingUser(r, req.User)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	amount, err := s.engine.ClaimWinnings(r.Context(), id, user)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{
		MarketID:   id,
		User:       user,
		Amount:     amount,
		AmountUSDC: pricing.ToCurrency(amount),
	})
}
