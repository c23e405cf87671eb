package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"festival-gate/internal/status"
	"festival-gate/models"
	"festival-gate/services/bank"
)

// Payment session states kept in Redis.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusExpired   = "expired"
)

// PaymentSession is a pending bank_qr settlement at the gate. The
// operator shows the EMV code to the visitor; the gateway pushes a
// settlement notification once the visitor's bank confirms.
type PaymentSession struct {
	PaymentID string          `json:"payment_id"`
	EMVCode   string          `json:"emv_code"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type PaymentService struct {
	redis    *redis.Client
	gateway  bank.Provider
	pubnub   *pubnub.PubNub
	currency string
	expiry   time.Duration

	trans chan *status.Transaction
}

func NewPaymentService(ctx context.Context, redisClient *redis.Client, pn *pubnub.PubNub, gateway bank.Provider, currency string, expiry time.Duration) *PaymentService {
	service := &PaymentService{
		redis:    redisClient,
		gateway:  gateway,
		pubnub:   pn,
		currency: currency,
		expiry:   expiry,
		trans:    make(chan *status.Transaction, 16),
	}

	if gateway != nil {
		gateway.SetTransactionChannel(service.trans)
		go service.watchSettlements(ctx)
	}

	return service
}

// CreatePaymentQR opens a payment session for the amount a quote still
// owes and returns the bank's scannable EMV code.
func (s *PaymentService) CreatePaymentQR(ctx context.Context, deviceID string, quote *models.Quote) (*PaymentSession, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("create payment qr: %w", status.ErrPaymentFailed)
	}
	if !quote.AddedAmount.IsPositive() {
		return nil, fmt.Errorf("create payment qr: nothing due: %w", status.ErrInvalidQuote)
	}

	paymentID := uuid.NewString()

	emv, err := s.gateway.GenerateQR(ctx, &bank.PaymentRequest{
		Amount:          quote.AddedAmount,
		Currency:        s.currency,
		UUID:            paymentID,
		ReferenceNumber: quote.TicketID,
		Description:     fmt.Sprintf("gate sale for %s", quote.UserName),
		ExpiryMinutes:   int(s.expiry.Minutes()),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment qr: %w", err)
	}

	paymentKey := paymentKey(paymentID)
	s.redis.HSet(ctx, paymentKey, map[string]any{
		"payment_id": paymentID,
		"device_id":  deviceID,
		"ticket_id":  quote.TicketID,
		"user_id":    quote.UserID,
		"amount":     quote.AddedAmount.String(),
		"status":     PaymentStatusPending,
		"created_at": time.Now().Unix(),
	})
	s.redis.Expire(ctx, paymentKey, s.expiry)

	return &PaymentSession{
		PaymentID: paymentID,
		EMVCode:   emv,
		Amount:    quote.AddedAmount,
		Currency:  s.currency,
		ExpiresAt: time.Now().Add(s.expiry),
	}, nil
}

// PaymentStatus reports a session's state. A pending session past its
// Redis TTL reads as expired.
func (s *PaymentService) PaymentStatus(ctx context.Context, paymentID string) (string, error) {
	data, err := s.redis.HGetAll(ctx, paymentKey(paymentID)).Result()
	if err != nil {
		return "", fmt.Errorf("payment status: %w", status.ErrStoreUnavailable)
	}
	if len(data) == 0 {
		return PaymentStatusExpired, nil
	}
	return data["status"], nil
}

// VerifyPayment confirms a pending session against the gateway. The
// push notification is the normal path; this is the operator's manual
// recheck when the push is late.
func (s *PaymentService) VerifyPayment(ctx context.Context, paymentID string) (string, error) {
	st, err := s.PaymentStatus(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if st != PaymentStatusPending {
		return st, nil
	}
	if s.gateway == nil {
		return st, nil
	}

	tran, err := s.gateway.CheckTransaction(ctx, paymentID)
	if err != nil {
		return st, fmt.Errorf("verify payment: %w", err)
	}
	if tran.Status == "success" {
		s.settle(ctx, tran)
		return PaymentStatusCompleted, nil
	}

	return st, nil
}

// Settle records a settlement delivered out of band, such as the
// gateway's HTTP webhook. Callers authenticate the webhook first.
func (s *PaymentService) Settle(ctx context.Context, tran *status.Transaction) {
	s.settle(ctx, tran)
}

// VerifyWebhookSecret checks a presented webhook secret against the
// stored bcrypt hash of the shared secret.
func VerifyWebhookSecret(storedHash, presented string) bool {
	if storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil
}

// HashWebhookSecret produces the bcrypt hash an operator stores in
// configuration for VerifyWebhookSecret.
func HashWebhookSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *PaymentService) watchSettlements(ctx context.Context) {
	for {
		select {
		case tran := <-s.trans:
			s.settle(context.Background(), tran)

		case <-ctx.Done():
			return
		}
	}
}

func (s *PaymentService) settle(ctx context.Context, tran *status.Transaction) {
	key := paymentKey(tran.UUID)

	data, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		log.Printf("payment settle: read session %s: %v", tran.UUID, err)
		return
	}
	if len(data) == 0 {
		log.Printf("payment settle: unknown or expired session %s", tran.UUID)
		return
	}
	if data["status"] == PaymentStatusCompleted {
		return
	}

	expected, err := decimal.NewFromString(data["amount"])
	if err == nil && !expected.Equal(tran.Amount) {
		log.Printf("payment settle: session %s amount mismatch: expected %s, got %s", tran.UUID, expected, tran.Amount)
		return
	}

	s.redis.HSet(ctx, key, "status", PaymentStatusCompleted)

	if s.pubnub != nil {
		channel := fmt.Sprintf("device-%s", data["device_id"])
		s.pubnub.Publish().
			Channel(channel).
			Message(map[string]any{
				"type":       "payment_success",
				"payment_id": tran.UUID,
				"ticket_id":  data["ticket_id"],
				"amount":     tran.Amount.String(),
				"payer":      tran.Payer,
			}).
			Execute()
	}
}

func paymentKey(paymentID string) string {
	return fmt.Sprintf("payment:%s", paymentID)
}
