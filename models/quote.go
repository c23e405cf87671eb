package models

import (
	"github.com/shopspring/decimal"
)

const (
	// Scan outcomes. A scan either opens a brand-new sale, tops up the
	// user's current ticket, or resolves to nothing.
	OutcomeNewSale  = "new_sale"
	OutcomeTopUp    = "topup"
	OutcomeNotFound = "not_found"
)

// ScanResult is what a resolved scan hands back to the operator's
// device before anything is committed.
type ScanResult struct {
	Outcome string  `json:"outcome"`
	User    *User   `json:"user,omitempty"`
	Ticket  *Ticket `json:"ticket,omitempty"`
}

// Quote is a computed, not-yet-committed proposal of counts and amount.
// Confirming a quote is the only way the redemption flow mutates the
// store.
type Quote struct {
	Kind string `json:"kind"` // new_sale, topup

	// Top-up target. TicketVersion pins the version the quote was
	// computed against; the commit is conditional on it.
	TicketID      string `json:"ticket_id,omitempty"`
	TicketVersion int64  `json:"ticket_version,omitempty"`

	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`

	ExistingKids   int `json:"existing_kids"`
	ExistingAdults int `json:"existing_adults"`
	AddedKids      int `json:"added_kids"`
	AddedAdults    int `json:"added_adults"`

	PrepaidAmount decimal.Decimal `json:"prepaid_amount"`
	AddedAmount   decimal.Decimal `json:"added_amount"`
	NewTotal      decimal.Decimal `json:"new_total"`
}

func (q *Quote) TotalKids() int   { return q.ExistingKids + q.AddedKids }
func (q *Quote) TotalAdults() int { return q.ExistingAdults + q.AddedAdults }
