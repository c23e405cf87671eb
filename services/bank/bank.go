// Package bank settles bank_qr gate payments through an external
// payment gateway: it renders a payment QR for the amount due and
// reports the transaction outcome pushed back by the gateway.
package bank

import (
	"context"

	"github.com/shopspring/decimal"

	"festival-gate/internal/status"
)

type PaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	UUID            string          `json:"uuid"`
	ReferenceNumber string          `json:"reference_number"`
	Description     string          `json:"description,omitempty"`
	ExpiryMinutes   int             `json:"expiry_minutes,omitempty"`
}

// Provider is the common surface of bank payment gateways.
type Provider interface {
	// GenerateQR returns the scannable payment string for a request.
	GenerateQR(ctx context.Context, req *PaymentRequest) (string, error)

	// CheckTransaction polls the gateway for a transaction's status.
	CheckTransaction(ctx context.Context, uuid string) (*status.Transaction, error)

	// SetTransactionChannel sets the channel receiving pushed
	// transaction notifications.
	SetTransactionChannel(ch chan *status.Transaction)

	// Close gracefully closes gateway connections.
	Close(ctx context.Context) error
}
