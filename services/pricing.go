package services

import (
	"github.com/shopspring/decimal"

	"festival-gate/internal/status"
	"festival-gate/models"
)

// PriceTable holds the fixed per-category gate prices. Ticket totals
// are always recomputed from it; they never drift independently.
type PriceTable struct {
	Kids   decimal.Decimal
	Adults decimal.Decimal
}

func (p PriceTable) Calculate(kids, adults int) decimal.Decimal {
	return p.Kids.Mul(decimal.NewFromInt(int64(kids))).
		Add(p.Adults.Mul(decimal.NewFromInt(int64(adults))))
}

// BuildQuote computes a pending sale proposal. Pure: nothing is
// written until the quote is committed.
//
// existing is nil for a brand-new sale. A new sale with zero added
// guests is rejected; a zero-delta top-up is allowed and later commits
// as a no-op status check.
func BuildQuote(prices PriceTable, user *models.User, existing *models.Ticket, addedKids, addedAdults int) (*models.Quote, error) {
	if addedKids < 0 || addedAdults < 0 {
		return nil, status.ErrInvalidQuote
	}

	q := &models.Quote{
		Kind:        models.OutcomeNewSale,
		UserID:      user.ID,
		UserName:    user.Name,
		UserEmail:   user.Email,
		AddedKids:   addedKids,
		AddedAdults: addedAdults,
	}

	if existing != nil {
		q.Kind = models.OutcomeTopUp
		q.TicketID = existing.ID
		q.TicketVersion = existing.Version
		q.ExistingKids = existing.Kids
		q.ExistingAdults = existing.Adults
		q.PrepaidAmount = existing.TotalAmount
	} else {
		q.PrepaidAmount = decimal.Zero
	}

	q.AddedAmount = prices.Calculate(addedKids, addedAdults)
	q.NewTotal = q.PrepaidAmount.Add(q.AddedAmount)

	if existing == nil && q.AddedAmount.IsZero() {
		return nil, status.ErrInvalidQuote
	}
	return q, nil
}
