package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/monitoring"
	"festival-gate/qr"
	"festival-gate/utils"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCard   = "card"
	PaymentMethodBankQR = "bank_qr"
)

// RedemptionService maps a scanned code onto a ticket mutation: a
// brand-new sale when the user has no redeemable ticket, a top-up of
// the existing one otherwise. Nothing is written until Commit.
type RedemptionService struct {
	store    *TicketStore
	identity IdentityProvider
	sales    *SaleService
	redis    *redis.Client
	prices   PriceTable
	validity time.Duration
	lockTTL  time.Duration
}

func NewRedemptionService(store *TicketStore, identity IdentityProvider, sales *SaleService, redisClient *redis.Client, prices PriceTable, validity, lockTTL time.Duration) *RedemptionService {
	return &RedemptionService{
		store:    store,
		identity: identity,
		sales:    sales,
		redis:    redisClient,
		prices:   prices,
		validity: validity,
		lockTTL:  lockTTL,
	}
}

// Resolve classifies a scanned code and decides the flow. Malformed or
// unmatched codes resolve to a clean not-found outcome, never an
// error; errors are reserved for infrastructure and identity failures.
//
// A successful user resolution holds a per-device scan lock until the
// flow is committed or cancelled, so rapid re-scans on the same device
// cannot start a second flow. The lock TTL is the backstop for
// abandoned flows.
func (r *RedemptionService) Resolve(ctx context.Context, deviceID, raw string) (*models.ScanResult, error) {
	acquired, err := r.redis.SetNX(ctx, scanLockKey(deviceID), raw, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan lock: %v", status.ErrStoreUnavailable, err)
	}
	if !acquired {
		return nil, status.ErrScanInFlight
	}

	result, err := r.resolve(ctx, raw)
	if err != nil || result.Outcome == models.OutcomeNotFound {
		// Terminal: nothing to confirm, free the device immediately.
		r.releaseLock(ctx, deviceID)
	}
	if err == nil {
		monitoring.ScanResolved(result.Outcome)
	}
	return result, err
}

func (r *RedemptionService) resolve(ctx context.Context, raw string) (*models.ScanResult, error) {
	switch qr.Classify(raw) {
	case qr.KindUser:
		user := qr.DecodeUserCode(raw)
		if user == nil {
			return &models.ScanResult{Outcome: models.OutcomeNotFound}, nil
		}
		return r.resolveUser(ctx, user)

	case qr.KindTicket:
		ticket := r.store.FindByCode(raw)
		if ticket == nil {
			return &models.ScanResult{Outcome: models.OutcomeNotFound}, nil
		}
		if !ticket.Redeemable(time.Now()) {
			// Expired or used: surfaced so the operator sees why, but
			// terminal all the same.
			return &models.ScanResult{Outcome: models.OutcomeNotFound, Ticket: ticket}, nil
		}
		user := &models.User{
			ID:    ticket.UserID,
			Name:  ticket.UserName,
			Email: ticket.UserEmail,
		}
		return &models.ScanResult{Outcome: models.OutcomeTopUp, User: user, Ticket: ticket}, nil

	default:
		return &models.ScanResult{Outcome: models.OutcomeNotFound}, nil
	}
}

// resolveUser fills in profile details for a decoded user code and
// routes between the new-sale and top-up flows.
func (r *RedemptionService) resolveUser(ctx context.Context, user *models.User) (*models.ScanResult, error) {
	existing := r.store.FindRedeemableForUser(user.ID)

	if user.Name == "" && user.Email == "" {
		// Legacy id-only code: the profile has to come from
		// somewhere else.
		full, err := r.identity.ResolveUserByID(ctx, user.ID)
		if err != nil {
			log.Printf("Identity lookup failed for %s: %v", user.ID, err)
		}
		switch {
		case full != nil:
			user = full
		case existing != nil:
			user.Name = existing.UserName
			user.Email = existing.UserEmail
		default:
			return nil, status.ErrTargetUserUnresolved
		}
	}

	if existing != nil {
		return &models.ScanResult{Outcome: models.OutcomeTopUp, User: user, Ticket: existing}, nil
	}
	return &models.ScanResult{Outcome: models.OutcomeNewSale, User: user}, nil
}

// QuoteFor computes the pending proposal for a resolved scan plus the
// operator-entered additional guest counts.
func (r *RedemptionService) QuoteFor(result *models.ScanResult, addedKids, addedAdults int) (*models.Quote, error) {
	if result == nil || result.User == nil || result.Outcome == models.OutcomeNotFound {
		return nil, status.ErrInvalidQuote
	}
	return BuildQuote(r.prices, result.User, result.Ticket, addedKids, addedAdults)
}

// Commit applies a confirmed quote. It re-reads current state first
// and re-quotes automatically once when the state moved since the
// quote was shown; only a second conflict surfaces to the operator.
func (r *RedemptionService) Commit(ctx context.Context, deviceID string, quote *models.Quote, paymentMethod, issuerID string) (*models.Ticket, error) {
	if quote.AddedAmount.Sign() > 0 && !validPaymentMethod(paymentMethod) {
		return nil, status.ErrPaymentRequired
	}

	// Documented choice: a zero-delta top-up is a plain status check.
	// Nothing is written, no payment recorded.
	if quote.Kind == models.OutcomeTopUp && quote.AddedAmount.IsZero() {
		ticket := r.store.FindByID(quote.TicketID)
		if ticket == nil {
			return nil, status.ErrNotFound
		}
		r.releaseLock(ctx, deviceID)
		return ticket, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		ticket, current, err := r.commitOnce(ctx, quote, paymentMethod, issuerID)
		if errors.Is(err, status.ErrConcurrentModification) || errors.Is(err, status.ErrDuplicateID) {
			log.Printf("Commit conflict for user %s (attempt %d), re-quoting", quote.UserID, attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}

		r.recordSale(ctx, ticket, current, paymentMethod, issuerID)
		monitoring.Commit(current.Kind, paymentMethod)
		r.releaseLock(ctx, deviceID)
		return ticket, nil
	}
	return nil, status.ErrConcurrentModification
}

// commitOnce performs one re-read/re-quote/write cycle under the
// per-user commit lock. Two seller devices racing on the same user
// serialize here; the loser re-quotes.
func (r *RedemptionService) commitOnce(ctx context.Context, quote *models.Quote, paymentMethod, issuerID string) (*models.Ticket, *models.Quote, error) {
	unlock, ok := r.acquireUserLock(ctx, quote.UserID)
	if !ok {
		return nil, nil, status.ErrConcurrentModification
	}
	defer unlock()

	existing := r.store.FindRedeemableForUser(quote.UserID)

	current, err := BuildQuote(r.prices, quoteUser(quote), existing, quote.AddedKids, quote.AddedAdults)
	if err != nil {
		return nil, nil, err
	}

	var ticket *models.Ticket
	if existing == nil {
		ticket, err = r.createTicket(ctx, current, paymentMethod, issuerID)
	} else {
		ticket, err = r.topUpTicket(ctx, current, existing, paymentMethod, issuerID)
	}
	if err != nil {
		return nil, nil, err
	}
	return ticket, current, nil
}

// Cancel abandons a resolved-but-unconfirmed flow. Nothing was ever
// written, so there is no compensating action beyond freeing the
// device for the next scan.
func (r *RedemptionService) Cancel(ctx context.Context, deviceID string) {
	r.releaseLock(ctx, deviceID)
}

// Reserve is the self-serve path: the customer books guests ahead and
// pays at the gate. The ticket starts pending and the first gate scan
// settles it through the top-up flow.
func (r *RedemptionService) Reserve(ctx context.Context, user *models.User, kids, adults int) (*models.Ticket, error) {
	quote, err := BuildQuote(r.prices, user, nil, kids, adults)
	if err != nil {
		return nil, err
	}

	unlock, ok := r.acquireUserLock(ctx, user.ID)
	if !ok {
		return nil, status.ErrConcurrentModification
	}
	defer unlock()

	if existing := r.store.FindRedeemableForUser(user.ID); existing != nil {
		return nil, status.ErrTicketExists
	}

	ticket := r.newTicket(quote, "", user.ID)
	ticket.Status = models.TicketStatusPending
	if err := r.store.Create(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

func (r *RedemptionService) createTicket(ctx context.Context, quote *models.Quote, paymentMethod, issuerID string) (*models.Ticket, error) {
	ticket := r.newTicket(quote, paymentMethod, issuerID)
	if err := r.store.Create(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

func (r *RedemptionService) newTicket(quote *models.Quote, paymentMethod, issuerID string) *models.Ticket {
	now := time.Now()
	suffix, err := utils.GenerateCode(2)
	if err != nil {
		suffix = "0000"
	}

	return &models.Ticket{
		ID:            fmt.Sprintf("TKT-%d-%s", now.UnixMilli(), suffix),
		UserID:        quote.UserID,
		UserName:      quote.UserName,
		UserEmail:     quote.UserEmail,
		Code:          qr.EncodeTicketCode(),
		Status:        models.TicketStatusActive,
		Kids:          quote.TotalKids(),
		Adults:        quote.TotalAdults(),
		TotalAmount:   quote.NewTotal,
		PurchaseDate:  now,
		ExpiryDate:    now.Add(r.validity),
		PaymentMethod: paymentMethod,
		IssuerID:      issuerID,
	}
}

func (r *RedemptionService) topUpTicket(ctx context.Context, quote *models.Quote, existing *models.Ticket, paymentMethod, issuerID string) (*models.Ticket, error) {
	kids := quote.TotalKids()
	adults := quote.TotalAdults()
	total := quote.NewTotal
	nextStatus := models.TicketStatusActive // settles pending reservations at the gate

	update := TicketUpdate{
		Status:      &nextStatus,
		Kids:        &kids,
		Adults:      &adults,
		TotalAmount: &total,
		IssuerID:    &issuerID,
	}
	if quote.AddedAmount.Sign() > 0 {
		update.PaymentMethod = &paymentMethod
	}

	return r.store.Update(ctx, existing.ID, existing.Version, update)
}

func (r *RedemptionService) recordSale(ctx context.Context, ticket *models.Ticket, quote *models.Quote, paymentMethod, issuerID string) {
	if quote.AddedAmount.IsZero() {
		return
	}

	sale := &models.Sale{
		TicketID:      ticket.ID,
		SellerID:      issuerID,
		CustomerName:  ticket.UserName,
		Kids:          quote.AddedKids,
		Adults:        quote.AddedAdults,
		Amount:        quote.AddedAmount,
		PaymentMethod: paymentMethod,
		SaleDate:      time.Now(),
	}
	if err := r.sales.Record(ctx, sale); err != nil {
		// History must not undo a committed ticket mutation.
		log.Printf("Failed to record sale for ticket %s: %v", ticket.ID, err)
	}
}

// acquireUserLock serializes commits per user across devices. The TTL
// is a crash backstop; normal flow releases explicitly.
func (r *RedemptionService) acquireUserLock(ctx context.Context, userID string) (func(), bool) {
	key := fmt.Sprintf("commit:lock:%s", userID)
	ok, err := r.redis.SetNX(ctx, key, "1", 10*time.Second).Result()
	if err != nil || !ok {
		return nil, false
	}
	return func() { r.redis.Del(ctx, key) }, true
}

func (r *RedemptionService) releaseLock(ctx context.Context, deviceID string) {
	if deviceID == "" {
		return
	}
	if err := r.redis.Del(ctx, scanLockKey(deviceID)).Err(); err != nil {
		log.Printf("Failed to release scan lock for %s: %v", deviceID, err)
	}
}

func quoteUser(q *models.Quote) *models.User {
	return &models.User{ID: q.UserID, Name: q.UserName, Email: q.UserEmail}
}

func validPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodBankQR:
		return true
	}
	return false
}

func scanLockKey(deviceID string) string {
	return fmt.Sprintf("scan:lock:%s", deviceID)
}
