package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/qr"
)

const (
	testLockTTL  = 30 * time.Second
	testValidity = 7 * 24 * time.Hour
)

type fakeIdentity struct {
	users map[string]*models.User
	err   error
}

func (f *fakeIdentity) ResolveUserByID(ctx context.Context, id string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func setupRedemption(t *testing.T) (*RedemptionService, *TicketStore, *fakeBackend, redismock.ClientMock, *fakeIdentity) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	backend := newFakeBackend()
	store := NewTicketStore(backend, db, nil, time.Second)
	identity := &fakeIdentity{users: make(map[string]*models.User)}
	sales := NewSaleService(backend, time.Second)
	service := NewRedemptionService(store, identity, sales, db, testPrices(), testValidity, testLockTTL)
	return service, store, backend, mock, identity
}

// matchAnyArgs lets an ordered expectation match regardless of the
// dynamic parts of the command (generated ticket ids).
func matchAnyArgs(expected, actual []interface{}) error {
	return nil
}

func TestResolve_UserCodeNewSale(t *testing.T) {
	service, _, _, mock, _ := setupRedemption(t)

	raw := qr.EncodeUserCode("user-1", "Elif Şahin", "elif@example.com")
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)

	result, err := service.Resolve(context.Background(), "dev-1", raw)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNewSale, result.Outcome)
	require.NotNil(t, result.User)
	assert.Equal(t, "user-1", result.User.ID)
	assert.Equal(t, "Elif Şahin", result.User.Name)
	assert.Nil(t, result.Ticket)
}

func TestResolve_Debounce(t *testing.T) {
	service, _, _, mock, _ := setupRedemption(t)

	raw := qr.EncodeUserCode("user-1", "Elif Şahin", "elif@example.com")
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(false)

	_, err := service.Resolve(context.Background(), "dev-1", raw)
	assert.ErrorIs(t, err, status.ErrScanInFlight)
}

func TestResolve_MalformedCodeIsNotFound(t *testing.T) {
	service, _, _, mock, _ := setupRedemption(t)

	raw := "definitely not a wallet code"
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)
	mock.ExpectDel("scan:lock:dev-1").SetVal(1)

	result, err := service.Resolve(context.Background(), "dev-1", raw)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNotFound, result.Outcome)

	// Terminal outcome frees the device immediately.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_TicketCodeTopUp(t *testing.T) {
	service, store, _, mock, _ := setupRedemption(t)

	mock.ExpectSet("ticket:ver:TKT-1", int64(1), 0).SetVal("OK")
	ticket := activeTicket("TKT-1", "user-1", 0)
	require.NoError(t, store.Create(context.Background(), ticket))

	mock.ExpectSetNX("scan:lock:dev-1", ticket.Code, testLockTTL).SetVal(true)

	result, err := service.Resolve(context.Background(), "dev-1", ticket.Code)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeTopUp, result.Outcome)
	require.NotNil(t, result.User)
	assert.Equal(t, "user-1", result.User.ID)
	assert.Equal(t, "Test User", result.User.Name)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, "TKT-1", result.Ticket.ID)
}

func TestResolve_ExpiredTicketCodeIsNotFound(t *testing.T) {
	service, store, _, mock, _ := setupRedemption(t)

	mock.ExpectSet("ticket:ver:TKT-1", int64(1), 0).SetVal("OK")
	ticket := activeTicket("TKT-1", "user-1", 0)
	ticket.ExpiryDate = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(context.Background(), ticket))

	mock.ExpectSetNX("scan:lock:dev-1", ticket.Code, testLockTTL).SetVal(true)
	mock.ExpectDel("scan:lock:dev-1").SetVal(1)

	result, err := service.Resolve(context.Background(), "dev-1", ticket.Code)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNotFound, result.Outcome)
	// The stale ticket rides along so the operator sees why.
	require.NotNil(t, result.Ticket)
	assert.Equal(t, models.TicketStatusExpired, result.Ticket.Status)
}

func TestResolve_LegacyCodeViaIdentity(t *testing.T) {
	service, _, _, mock, identity := setupRedemption(t)
	identity.users["user-1"] = &models.User{ID: "user-1", Name: "Elif Şahin", Email: "elif@example.com"}

	raw := "USER:user-1:550e8400-e29b-41d4-a716-446655440000"
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)

	result, err := service.Resolve(context.Background(), "dev-1", raw)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNewSale, result.Outcome)
	assert.Equal(t, "Elif Şahin", result.User.Name)
	assert.Equal(t, "elif@example.com", result.User.Email)
}

func TestResolve_LegacyCodeFallsBackToTicketProfile(t *testing.T) {
	service, store, _, mock, identity := setupRedemption(t)
	identity.err = errors.New("identity provider down")

	mock.ExpectSet("ticket:ver:TKT-1", int64(1), 0).SetVal("OK")
	require.NoError(t, store.Create(context.Background(), activeTicket("TKT-1", "user-1", 0)))

	raw := "USER:user-1:550e8400-e29b-41d4-a716-446655440000"
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)

	result, err := service.Resolve(context.Background(), "dev-1", raw)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeTopUp, result.Outcome)
	assert.Equal(t, "Test User", result.User.Name)
	assert.Equal(t, "test@example.com", result.User.Email)
}

func TestResolve_LegacyCodeUnresolvable(t *testing.T) {
	service, _, _, mock, _ := setupRedemption(t)

	raw := "USER:ghost-user:550e8400-e29b-41d4-a716-446655440000"
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)
	mock.ExpectDel("scan:lock:dev-1").SetVal(1)

	_, err := service.Resolve(context.Background(), "dev-1", raw)
	assert.ErrorIs(t, err, status.ErrTargetUserUnresolved)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteFor_RejectsNotFound(t *testing.T) {
	service, _, _, _, _ := setupRedemption(t)

	_, err := service.QuoteFor(&models.ScanResult{Outcome: models.OutcomeNotFound}, 1, 0)
	assert.ErrorIs(t, err, status.ErrInvalidQuote)

	_, err = service.QuoteFor(nil, 1, 0)
	assert.ErrorIs(t, err, status.ErrInvalidQuote)
}

func TestCommit_NewSale(t *testing.T) {
	service, store, backend, mock, _ := setupRedemption(t)

	user := &models.User{ID: "user-1", Name: "Elif Şahin", Email: "elif@example.com"}
	quote, err := BuildQuote(testPrices(), user, nil, 2, 1)
	require.NoError(t, err)

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	mock.CustomMatch(matchAnyArgs).ExpectSet("ticket:ver:x", 1, 0).SetVal("OK")

	ticket, err := service.Commit(context.Background(), "dev-1", quote, PaymentMethodCash, "seller-9")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ticket.ID, "TKT-"))
	assert.True(t, strings.HasPrefix(ticket.Code, "TKT:"))
	assert.Equal(t, models.TicketStatusActive, ticket.Status)
	assert.Equal(t, 2, ticket.Kids)
	assert.Equal(t, 1, ticket.Adults)
	assert.True(t, ticket.TotalAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, PaymentMethodCash, ticket.PaymentMethod)
	assert.Equal(t, "seller-9", ticket.IssuerID)
	assert.WithinDuration(t, time.Now().Add(testValidity), ticket.ExpiryDate, time.Minute)

	found := store.FindActiveForUser("user-1")
	require.NotNil(t, found)
	assert.Equal(t, ticket.ID, found.ID)

	require.Len(t, backend.sales, 1)
	sale := backend.sales[0]
	assert.Equal(t, "seller-9", sale.SellerID)
	assert.Equal(t, 2, sale.Kids)
	assert.Equal(t, 1, sale.Adults)
	assert.True(t, sale.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, PaymentMethodCash, sale.PaymentMethod)
}

func TestCommit_PaymentMethodRequired(t *testing.T) {
	service, _, _, _, _ := setupRedemption(t)

	user := &models.User{ID: "user-1"}
	quote, err := BuildQuote(testPrices(), user, nil, 2, 1)
	require.NoError(t, err)

	_, err = service.Commit(context.Background(), "dev-1", quote, "", "seller-9")
	assert.ErrorIs(t, err, status.ErrPaymentRequired)

	_, err = service.Commit(context.Background(), "dev-1", quote, "iou", "seller-9")
	assert.ErrorIs(t, err, status.ErrPaymentRequired)
}

func TestCommit_ZeroDeltaTopUpIsNoOp(t *testing.T) {
	service, store, backend, mock, _ := setupRedemption(t)

	mock.ExpectSet("ticket:ver:TKT-1", int64(1), 0).SetVal("OK")
	existing := activeTicket("TKT-1", "user-1", 0)
	require.NoError(t, store.Create(context.Background(), existing))

	quote, err := BuildQuote(testPrices(), &models.User{ID: "user-1"}, existing, 0, 0)
	require.NoError(t, err)

	mock.ExpectDel("scan:lock:dev-1").SetVal(1)

	ticket, err := service.Commit(context.Background(), "dev-1", quote, "", "seller-9")
	require.NoError(t, err)

	assert.Equal(t, "TKT-1", ticket.ID)
	assert.Equal(t, int64(1), backend.tickets["TKT-1"].Version)
	assert.Empty(t, backend.sales)
}

func TestCommit_StaleQuoteIsRecomputed(t *testing.T) {
	service, store, backend, mock, _ := setupRedemption(t)

	// Current state: another device already topped this ticket up to
	// 3 kids / 1 adult at version 2.
	current := activeTicket("TKT-1", "user-1", 2)
	current.Kids = 3
	current.TotalAmount = decimal.NewFromInt(125)
	backend.tickets["TKT-1"] = current
	require.NoError(t, store.Hydrate(context.Background()))

	// The operator's quote was computed before that, against version 1.
	stale := &models.Quote{
		Kind:           models.OutcomeTopUp,
		TicketID:       "TKT-1",
		TicketVersion:  1,
		UserID:         "user-1",
		UserName:       "Test User",
		ExistingKids:   2,
		ExistingAdults: 1,
		AddedKids:      0,
		AddedAdults:    1,
		PrepaidAmount:  decimal.NewFromInt(100),
		AddedAmount:    decimal.NewFromInt(50),
		NewTotal:       decimal.NewFromInt(150),
	}

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	mock.ExpectEval(ticketVersionScript, []string{"ticket:ver:TKT-1"}, int64(2)).
		SetVal([]interface{}{int64(1), int64(3)})

	ticket, err := service.Commit(context.Background(), "dev-1", stale, PaymentMethodCard, "seller-9")
	require.NoError(t, err)

	// Committed against the fresh read, not the stale numbers.
	assert.Equal(t, 3, ticket.Kids)
	assert.Equal(t, 2, ticket.Adults)
	assert.True(t, ticket.TotalAmount.Equal(decimal.NewFromInt(175)))
	assert.Equal(t, int64(3), ticket.Version)

	require.Len(t, backend.sales, 1)
	assert.True(t, backend.sales[0].Amount.Equal(decimal.NewFromInt(50)))
}

func TestCommit_SecondConflictSurfaces(t *testing.T) {
	service, store, _, mock, _ := setupRedemption(t)

	mock.ExpectSet("ticket:ver:TKT-1", int64(1), 0).SetVal("OK")
	existing := activeTicket("TKT-1", "user-1", 0)
	require.NoError(t, store.Create(context.Background(), existing))

	quote, err := BuildQuote(testPrices(), &models.User{ID: "user-1"}, existing, 1, 0)
	require.NoError(t, err)

	// Both attempts lose the version race.
	for i := 0; i < 2; i++ {
		mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
		mock.ExpectEval(ticketVersionScript, []string{"ticket:ver:TKT-1"}, int64(1)).
			SetVal([]interface{}{int64(0), int64(5)})
	}

	_, err = service.Commit(context.Background(), "dev-1", quote, PaymentMethodCash, "seller-9")
	assert.ErrorIs(t, err, status.ErrConcurrentModification)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_UserLockBusy(t *testing.T) {
	service, _, _, mock, _ := setupRedemption(t)

	user := &models.User{ID: "user-1"}
	quote, err := BuildQuote(testPrices(), user, nil, 1, 0)
	require.NoError(t, err)

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(false)
	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(false)

	_, err = service.Commit(context.Background(), "dev-1", quote, PaymentMethodCash, "seller-9")
	assert.ErrorIs(t, err, status.ErrConcurrentModification)
}

func TestCommit_TopUpSettlesPendingReservation(t *testing.T) {
	service, store, backend, mock, _ := setupRedemption(t)

	mock.ExpectSet("ticket:ver:TKT-1", int64(1), 0).SetVal("OK")
	reserved := activeTicket("TKT-1", "user-1", 0)
	reserved.Status = models.TicketStatusPending
	require.NoError(t, store.Create(context.Background(), reserved))

	// Gate scan settles the reservation: zero added guests would be a
	// no-op, so the visitor pays for what was reserved plus one more.
	quote, err := BuildQuote(testPrices(), &models.User{ID: "user-1"}, reserved, 0, 1)
	require.NoError(t, err)

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	mock.ExpectEval(ticketVersionScript, []string{"ticket:ver:TKT-1"}, int64(1)).
		SetVal([]interface{}{int64(1), int64(2)})

	ticket, err := service.Commit(context.Background(), "dev-1", quote, PaymentMethodCash, "seller-9")
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusActive, ticket.Status)
	assert.Equal(t, 2, ticket.Adults)
	require.Len(t, backend.sales, 1)
}

func TestReserve(t *testing.T) {
	service, store, _, mock, _ := setupRedemption(t)

	user := &models.User{ID: "user-1", Name: "Elif Şahin", Email: "elif@example.com"}

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	mock.CustomMatch(matchAnyArgs).ExpectSet("ticket:ver:x", 1, 0).SetVal("OK")

	ticket, err := service.Reserve(context.Background(), user, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusPending, ticket.Status)
	assert.Empty(t, ticket.PaymentMethod)
	assert.True(t, ticket.TotalAmount.Equal(decimal.NewFromInt(100)))

	// The reservation occupies the user's one redeemable slot.
	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	_, err = service.Reserve(context.Background(), user, 1, 0)
	assert.ErrorIs(t, err, status.ErrTicketExists)

	require.NotNil(t, store.FindRedeemableForUser("user-1"))
}

func TestReserve_ZeroGuests(t *testing.T) {
	service, _, _, _, _ := setupRedemption(t)

	_, err := service.Reserve(context.Background(), &models.User{ID: "user-1"}, 0, 0)
	assert.ErrorIs(t, err, status.ErrInvalidQuote)
}

// TestScanFlow_EndToEnd walks a full gate visit: a family of two kids
// and one adult buys at the gate for 100, then a second scan adds one
// adult for 50 more on the same ticket.
func TestScanFlow_EndToEnd(t *testing.T) {
	service, store, backend, mock, _ := setupRedemption(t)

	raw := qr.EncodeUserCode("user-1", "Elif Şahin", "elif@example.com")

	// First scan: no ticket yet.
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)

	result, err := service.Resolve(context.Background(), "dev-1", raw)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeNewSale, result.Outcome)

	quote, err := service.QuoteFor(result, 2, 1)
	require.NoError(t, err)
	assert.True(t, quote.AddedAmount.Equal(decimal.NewFromInt(100)))

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	mock.CustomMatch(matchAnyArgs).ExpectSet("ticket:ver:x", 1, 0).SetVal("OK")

	ticket, err := service.Commit(context.Background(), "dev-1", quote, PaymentMethodCash, "seller-9")
	require.NoError(t, err)
	assert.True(t, ticket.TotalAmount.Equal(decimal.NewFromInt(100)))

	// Second scan: same wallet code now resolves to a top-up.
	mock.ExpectSetNX("scan:lock:dev-1", raw, testLockTTL).SetVal(true)

	result, err = service.Resolve(context.Background(), "dev-1", raw)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeTopUp, result.Outcome)
	require.NotNil(t, result.Ticket)

	quote, err = service.QuoteFor(result, 0, 1)
	require.NoError(t, err)
	assert.True(t, quote.AddedAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, quote.NewTotal.Equal(decimal.NewFromInt(150)))

	mock.ExpectSetNX("commit:lock:user-1", "1", 10*time.Second).SetVal(true)
	mock.CustomMatch(matchAnyArgs).
		ExpectEval(ticketVersionScript, []string{"ticket:ver:x"}, 1).
		SetVal([]interface{}{int64(1), int64(2)})

	ticket, err = service.Commit(context.Background(), "dev-1", quote, PaymentMethodCard, "seller-9")
	require.NoError(t, err)

	assert.Equal(t, 2, ticket.Kids)
	assert.Equal(t, 2, ticket.Adults)
	assert.True(t, ticket.TotalAmount.Equal(decimal.NewFromInt(150)))

	// Still exactly one ticket for the user, with two sales behind it.
	assert.Equal(t, 1, backend.ticketCount())
	require.Len(t, backend.sales, 2)
	assert.True(t, backend.sales[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, backend.sales[1].Amount.Equal(decimal.NewFromInt(50)))

	require.NotNil(t, store.FindActiveForUser("user-1"))
}
