package trade

import "errors"

// Domain errors are detected before anything is committed. Transient errors
// (ErrContention, ErrStoreUnavailable) are safe to retry.
var (
	ErrInsufficientFunds  = errors.New("trade: insufficient funds")
	ErrInsufficientShares = errors.New("trade: insufficient shares")
	ErrQuoteUnavailable   = errors.New("trade: quote unavailable")
	ErrContention         = errors.New("trade: too many concurrent writers on account")
	ErrAccountNotFound    = errors.New("trade: account not found")
	ErrAccountExists      = errors.New("trade: account already exists")
	ErrStoreUnavailable   = errors.New("trade: store unavailable")
	ErrInvalidQuantity    = errors.New("trade: quantity must be positive")
	ErrInvalidSymbol      = errors.New("trade: invalid symbol")
	ErrInvalidAccount     = errors.New("trade: invalid account parameters")
)

// IsTransient reports whether err is an infrastructure or contention
// failure the caller may retry as-is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrStoreUnavailable)
}

// outcome is the metrics label for a finished trade request.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrQuoteUnavailable):
		return "quote_unavailable"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidSymbol):
		return "invalid"
	default:
		return "error"
	}
}
