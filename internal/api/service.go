// Package api provides the HTTP handlers for creating markets, buying
// shares, resolving markets and claiming winnings.
//
// Money crosses the wire both as integer smallest units and as decimal USDC
// strings; snowfall is accepted and shown in inches. Never float64.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/powguess/market-engine/internal/custody"
	"github.com/powguess/market-engine/internal/market"
	"github.com/powguess/market-engine/internal/model"
)

// Headers identifying a resolver. X-Admin-Key carries the shared key;
// X-Resolver-Address carries an allowlisted address.
//
// X-Caller-Address is the user address verified by the authenticating proxy
// in front of the service. It is only read with caller binding enabled.
const (
	HeaderAdminKey        = "X-Admin-Key"
	HeaderResolverAddress = "X-Resolver-Address"
	HeaderCallerAddress   = "X-Caller-Address"
)

// Service handles market operations over HTTP.
type Service struct {
	engine     *market.Engine
	wallet     custody.Wallet // optional demo token endpoints
	bindCaller bool
}

// Option configures a Service.
type Option func(*Service)

// WithCallerBinding makes buy, claim and approve act only for the address in
// HeaderCallerAddress. A request naming a different user gets 403.
func WithCallerBinding() Option {
	return func(s *Service) { s.bindCaller = true }
}

// NewService creates a new API service. Pass nil for wallet to disable the
// demo token endpoints.
func NewService(engine *market.Engine, wallet custody.Wallet, opts ...Option) *Service {
	s := &Service{engine: engine, wallet: wallet}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts every endpoint on r, which is expected at /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/count", s.MarketCount)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/odds", s.GetOdds)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Get("/markets/{marketID}/audit", s.Reconcile)
	r.Get("/markets/{marketID}/positions/{address}", s.GetPosition)
	r.Get("/markets/{marketID}/positions/{address}/payout", s.PreviewPayout)
	r.Post("/markets/{marketID}/buy", s.BuyShares)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	r.Post("/markets/{marketID}/claim", s.ClaimWinnings)

	r.Get("/users/{address}/history", s.GetUserHistory)

	if s.wallet != nil {
		r.Get("/wallets/{address}", s.GetWallet)
		r.Post("/wallets/{address}/mint", s.Mint)
		r.Post("/wallets/{address}/approve", s.Approve)
	}
}

// resolverIdentity returns the caller credential presented to the authorizer.
func resolverIdentity(r *http.Request) string {
	if key := r.Header.Get(HeaderAdminKey); key != "" {
		return key
	}
	return r.Header.Get(HeaderResolverAddress)
}

// actingUser returns the normalized address a request acts for. Without
// caller binding that is the requested user; with it, the verified caller,
// and a requested user that differs is refused.
func (s *Service) actingUser(r *http.Request, requested string) (string, error) {
	if !s.bindCaller {
		if requested == "" {
			return "", fmt.Errorf("%w: user is required", model.ErrInvalidParameters)
		}
		return market.NormalizeAddress(requested)
	}

	caller, err := market.NormalizeAddress(r.Header.Get(HeaderCallerAddress))
	if err != nil {
		return "", fmt.Errorf("%w: missing or invalid %s", model.ErrUnauthorized, HeaderCallerAddress)
	}
	if requested == "" {
		return caller, nil
	}
	user, err := market.NormalizeAddress(requested)
	if err != nil {
		return "", err
	}
	if user != caller {
		return "", fmt.Errorf("%w: %s may not act for %s", model.ErrUnauthorized, caller, user)
	}
	return caller, nil
}

func marketID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil || id < 0 {
		return 0, errors.New("invalid market id")
	}
	return id, nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrMarketNotActive),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrMarketNotResolved),
		errors.Is(err, model.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientAllowance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNothingToClaim):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with its mapped status. Internal errors are
// not echoed to the client.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
