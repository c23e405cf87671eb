package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TicketStatusPending = "pending"
	TicketStatusActive  = "active"
	TicketStatusExpired = "expired"
	TicketStatusUsed    = "used"
)

type Ticket struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	UserName      string          `json:"user_name"`
	UserEmail     string          `json:"user_email"`
	Code          string          `json:"code"`
	Status        string          `json:"status"` // pending, active, expired, used
	Kids          int             `json:"kids"`
	Adults        int             `json:"adults"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PurchaseDate  time.Time       `json:"purchase_date"`
	ExpiryDate    time.Time       `json:"expiry_date"`
	PaymentMethod string          `json:"payment_method,omitempty"` // cash, card, bank_qr
	IssuerID      string          `json:"issuer_id,omitempty"`
	Version       int64           `json:"version"`
}

// EffectiveStatus applies expiry at read time. Nothing ever writes the
// expired status back; a ticket past its expiry date simply reads as
// expired from now on.
func (t *Ticket) EffectiveStatus(now time.Time) string {
	if (t.Status == TicketStatusActive || t.Status == TicketStatusPending) && now.After(t.ExpiryDate) {
		return TicketStatusExpired
	}
	return t.Status
}

// Redeemable reports whether this ticket is the one a scan of its owner
// should top up.
func (t *Ticket) Redeemable(now time.Time) bool {
	s := t.EffectiveStatus(now)
	return s == TicketStatusActive || s == TicketStatusPending
}

func (t *Ticket) Clone() *Ticket {
	c := *t
	return &c
}
