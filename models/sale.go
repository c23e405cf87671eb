package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sale is one confirmed commit at the gate, recorded for the seller's
// history and end-of-shift summary. New sales and top-ups both produce
// one.
type Sale struct {
	ID            string          `json:"id"`
	TicketID      string          `json:"ticket_id"`
	SellerID      string          `json:"seller_id"`
	CustomerName  string          `json:"customer_name"`
	Kids          int             `json:"kids"` // guests added by this sale, not ticket totals
	Adults        int             `json:"adults"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	SaleDate      time.Time       `json:"sale_date"`
}

type ShiftSummary struct {
	SellerID   string          `json:"seller_id"`
	Day        string          `json:"day"` // YYYY-MM-DD
	SaleCount  int             `json:"sale_count"`
	Kids       int             `json:"kids"`
	Adults     int             `json:"adults"`
	CashTotal  decimal.Decimal `json:"cash_total"`
	CardTotal  decimal.Decimal `json:"card_total"`
	BankTotal  decimal.Decimal `json:"bank_total"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}
