package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/powguess/market-engine/internal/market"
	"github.com/powguess/market-engine/internal/pricing"
)

// AmountRequest carries a USDC amount, e.g. {"amount": "25.5"}.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// WalletResponse is the demo token view of one account.
type WalletResponse struct {
	Address       string          `json:"address"`
	Balance       uint64          `json:"balance"`
	Allowance     uint64          `json:"allowance"`
	BalanceUSDC   decimal.Decimal `json:"balance_usdc"`
	AllowanceUSDC decimal.Decimal `json:"allowance_usdc"`
}

// GetWallet handles GET /api/v1/wallets/{address}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	addr, err := market.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeWallet(w, r, addr)
}

// Mint handles POST /api/v1/wallets/{address}/mint
// Credits test funds, like the faucet of a mock settlement token.
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	addr, units, ok := s.amountRequest(w, r)
	if !ok {
		return
	}
	if err := s.wallet.Mint(r.Context(), addr, units); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeWallet(w, r, addr)
}

// Approve handles POST /api/v1/wallets/{address}/approve
// Sets the amount the engine may collect from the account.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	addr, units, ok := s.amountRequest(w, r)
	if !ok {
		return
	}
	if _, err := s.actingUser(r, addr); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.wallet.Approve(r.Context(), addr, units); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeWallet(w, r, addr)
}

func (s *Service) amountRequest(w http.ResponseWriter, r *http.Request) (string, uint64, bool) {
	addr, err := market.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return "", 0, false
	}

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return "", 0, false
	}
	units, err := pricing.FromCurrency(req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return "", 0, false
	}
	return addr, units, true
}

func (s *Service) writeWallet(w http.ResponseWriter, r *http.Request, addr string) {
	ctx := r.Context()
	balance, err := s.wallet.BalanceOf(ctx, addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	allowance, err := s.wallet.Allowance(ctx, addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WalletResponse{
		Address:       addr,
		Balance:       balance,
		Allowance:     allowance,
		BalanceUSDC:   pricing.ToCurrency(balance),
		AllowanceUSDC: pricing.ToCurrency(allowance),
	})
}
