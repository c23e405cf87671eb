package status

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// Store integrity errors. Hitting these from the resolver's own
	// flow is a programming error, not an operator mistake.
	ErrDuplicateID = errors.New("store: ticket id already exists")
	ErrNotFound    = errors.New("store: ticket not found")

	// ErrStoreUnavailable wraps transient backend failures. The sale is
	// not lost; the operator is asked to retry.
	ErrStoreUnavailable = errors.New("store: backend unavailable")

	// ErrConcurrentModification means the ticket changed between quote
	// and commit. The resolver re-quotes automatically once before
	// surfacing this to the operator.
	ErrConcurrentModification = errors.New("resolver: ticket changed since quote")

	ErrInvalidQuote         = errors.New("resolver: a new sale needs at least one guest")
	ErrTargetUserUnresolved = errors.New("resolver: scanned user cannot be resolved")
	ErrPaymentRequired      = errors.New("resolver: a payment method is required when money is due")
	ErrTicketExists         = errors.New("store: user already has a redeemable ticket")

	// ErrScanInFlight is the per-device debounce: a second scan arrived
	// while the first one is still being resolved.
	ErrScanInFlight = errors.New("resolver: another scan is already in progress")

	ErrPaymentFailed = errors.New("payment: payment failed")
)

// Transaction is a settled transfer pushed from a bank gateway's
// notification channel.
type Transaction struct {
	UUID      string          `json:"uuid"`
	RefID     string          `json:"ref_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Payer     string          `json:"payer"`
	Status    string          `json:"status"`
	Timestamp int64           `json:"timestamp"`
}

