package model

import "errors"

// Error taxonomy surfaced by the engine. Every error is terminal for the
// call that produced it; callers decide whether to resubmit.
var (
	ErrNotFound              = errors.New("market not found")
	ErrInvalidParameters     = errors.New("invalid parameters")
	ErrMarketNotActive       = errors.New("market not active")
	ErrAlreadyResolved       = errors.New("market already resolved")
	ErrMarketNotResolved     = errors.New("market not resolved")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNothingToClaim        = errors.New("nothing to claim")
	ErrAlreadyClaimed        = errors.New("winnings already claimed")
	ErrUnauthorized          = errors.New("unauthorized")
)
