package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Signal / Registration Errors
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrNoReferenceData   = errors.New("reference candle unavailable")
	ErrTradeLimitReached = errors.New("maximum number of active trades reached")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrPriceUnavailable     = errors.New("failed to fetch price")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrConnectionFailed     = errors.New("connection to exchange failed")
	ErrContextCanceled      = errors.New("operation canceled via context")

	// Ledger Errors
	ErrTradeNotFound     = errors.New("trade not found in ledger")
	ErrTradeClosed       = errors.New("trade is in a terminal state")
	ErrInvalidTransition = errors.New("invalid trade status transition")
	ErrInsufficientQty   = errors.New("quantity exceeds remaining position size")

	// Persistence Errors
	ErrStoreWriteFailed = errors.New("failed to persist trade set")
	ErrStoreLoadFailed  = errors.New("failed to load trade set")
)
