package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/services/bank"
)

type fakeGateway struct {
	emv    string
	tran   *status.Transaction
	genErr error
	ch     chan *status.Transaction
}

func (f *fakeGateway) GenerateQR(ctx context.Context, req *bank.PaymentRequest) (string, error) {
	if f.genErr != nil {
		return "", f.genErr
	}
	return f.emv, nil
}

func (f *fakeGateway) CheckTransaction(ctx context.Context, uuid string) (*status.Transaction, error) {
	return f.tran, nil
}

func (f *fakeGateway) SetTransactionChannel(ch chan *status.Transaction) { f.ch = ch }

func (f *fakeGateway) Close(ctx context.Context) error { return nil }

func setupPaymentService(t *testing.T, gateway bank.Provider) (*PaymentService, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	service := NewPaymentService(context.Background(), db, nil, gateway, "ZAR", 10*time.Minute)
	return service, mock
}

func TestWebhookSecret_RoundTrip(t *testing.T) {
	hash, err := HashWebhookSecret("topsecret")
	require.NoError(t, err)

	assert.True(t, VerifyWebhookSecret(hash, "topsecret"))
	assert.False(t, VerifyWebhookSecret(hash, "wrong"))
	assert.False(t, VerifyWebhookSecret("", "topsecret"))
}

func TestCreatePaymentQR(t *testing.T) {
	service, mock := setupPaymentService(t, &fakeGateway{emv: "00020101021226..."})

	quote := &models.Quote{
		Kind:        models.OutcomeTopUp,
		TicketID:    "TKT-1",
		UserID:      "user-1",
		UserName:    "Elif Şahin",
		AddedAmount: decimal.NewFromInt(50),
	}

	// Session key carries a generated payment id.
	mock.CustomMatch(matchAnyArgs).ExpectHSet("payment:x", "k", "v").SetVal(7)
	mock.CustomMatch(matchAnyArgs).ExpectExpire("payment:x", 10*time.Minute).SetVal(true)

	session, err := service.CreatePaymentQR(context.Background(), "dev-1", quote)
	require.NoError(t, err)

	assert.NotEmpty(t, session.PaymentID)
	assert.Equal(t, "00020101021226...", session.EMVCode)
	assert.Equal(t, "ZAR", session.Currency)
	assert.True(t, session.Amount.Equal(decimal.NewFromInt(50)))
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), session.ExpiresAt, time.Minute)
}

func TestCreatePaymentQR_NoGateway(t *testing.T) {
	service, _ := setupPaymentService(t, nil)

	quote := &models.Quote{AddedAmount: decimal.NewFromInt(50)}
	_, err := service.CreatePaymentQR(context.Background(), "dev-1", quote)
	assert.ErrorIs(t, err, status.ErrPaymentFailed)
}

func TestCreatePaymentQR_NothingDue(t *testing.T) {
	service, _ := setupPaymentService(t, &fakeGateway{emv: "emv"})

	quote := &models.Quote{AddedAmount: decimal.Zero}
	_, err := service.CreatePaymentQR(context.Background(), "dev-1", quote)
	assert.ErrorIs(t, err, status.ErrInvalidQuote)
}

func TestPaymentStatus_ExpiredSession(t *testing.T) {
	service, mock := setupPaymentService(t, nil)

	mock.ExpectHGetAll("payment:p1").SetVal(map[string]string{})

	st, err := service.PaymentStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusExpired, st)
}

func TestSettle_MarksCompleted(t *testing.T) {
	service, mock := setupPaymentService(t, nil)

	mock.ExpectHGetAll("payment:p1").SetVal(map[string]string{
		"payment_id": "p1",
		"device_id":  "dev-1",
		"ticket_id":  "TKT-1",
		"amount":     "50",
		"status":     PaymentStatusPending,
	})
	mock.ExpectHSet("payment:p1", "status", PaymentStatusCompleted).SetVal(0)

	service.Settle(context.Background(), &status.Transaction{
		UUID:   "p1",
		Amount: decimal.NewFromInt(50),
		Status: "success",
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettle_AmountMismatchRejected(t *testing.T) {
	service, mock := setupPaymentService(t, nil)

	mock.ExpectHGetAll("payment:p1").SetVal(map[string]string{
		"payment_id": "p1",
		"amount":     "50",
		"status":     PaymentStatusPending,
	})

	service.Settle(context.Background(), &status.Transaction{
		UUID:   "p1",
		Amount: decimal.NewFromInt(5),
		Status: "success",
	})

	// No status write happened.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPayment_LateSettlement(t *testing.T) {
	gateway := &fakeGateway{tran: &status.Transaction{
		UUID:   "p1",
		Amount: decimal.NewFromInt(50),
		Status: "success",
	}}
	service, mock := setupPaymentService(t, gateway)

	mock.ExpectHGetAll("payment:p1").SetVal(map[string]string{
		"payment_id": "p1",
		"amount":     "50",
		"status":     PaymentStatusPending,
	})
	mock.ExpectHGetAll("payment:p1").SetVal(map[string]string{
		"payment_id": "p1",
		"amount":     "50",
		"status":     PaymentStatusPending,
	})
	mock.ExpectHSet("payment:p1", "status", PaymentStatusCompleted).SetVal(0)

	st, err := service.VerifyPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, st)
}

func TestVerifyPayment_AlreadyCompleted(t *testing.T) {
	service, mock := setupPaymentService(t, nil)

	mock.ExpectHGetAll("payment:p1").SetVal(map[string]string{
		"status": PaymentStatusCompleted,
	})

	st, err := service.VerifyPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, st)
}
