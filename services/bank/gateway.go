package bank

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"github.com/shopspring/decimal"

	"festival-gate/internal/status"
)

type Config struct {
	BaseURL    string `json:"baseUrl"`
	MerchantID string `json:"merchantId"`
	ClientID   string `json:"clientId"`
	ClientKey  string `json:"clientKey"`
	HMACKey    string `json:"hmacKey"`

	PNSubKey  string `json:"pn_subkey"`
	PNChannel string `json:"pn_channel"`
	PNUUID    string `json:"pn_uuid"`
}

// Gateway talks to the festival's acquiring bank. Payment QRs are
// generated through its REST API; settlement notifications arrive
// asynchronously over the bank's PubNub channel.
type Gateway struct {
	merchantID string

	client *client
	sub    *subscription
}

// New connects to the gateway, starts the access token refresher and
// subscribes to the bank's notification channel.
func New(ctx context.Context, cfg *Config) (*Gateway, error) {
	c := newClient(cfg)

	token, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.setAccessToken(token)

	go c.notifyAccessTokenExpired(ctx)

	g := &Gateway{
		merchantID: cfg.MerchantID,
		client:     c,
	}

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PNUUID))
	pnCfg.SubscribeKey = cfg.PNSubKey

	sub := &subscription{
		pn:  pubnub.NewPubNub(pnCfg),
		lis: pubnub.NewListener(),
	}
	sub.pn.AddListener(sub.lis)
	go sub.processSubscription(ctx)

	if cfg.PNChannel != "" {
		sub.pn.Subscribe().Channels([]string{cfg.PNChannel}).Execute()
	}
	g.sub = sub

	return g, nil
}

// GenerateQR requests a payment QR string from the bank and subscribes
// to the per-transaction channel so the settlement push is not missed.
func (g *Gateway) GenerateQR(ctx context.Context, req *PaymentRequest) (string, error) {
	emv, err := g.client.generateQR(ctx, g.merchantID, req)
	if err != nil {
		return "", err
	}

	g.addChannel(req.UUID)

	return emv, nil
}

func (g *Gateway) CheckTransaction(ctx context.Context, uuid string) (*status.Transaction, error) {
	return g.client.checkTransaction(ctx, uuid)
}

func (g *Gateway) SetTransactionChannel(ch chan *status.Transaction) {
	g.sub.ch = ch
}

func (g *Gateway) Close(_ context.Context) error {
	g.sub.pn.UnsubscribeAll()
	g.sub.pn.Destroy()
	return nil
}

func (g *Gateway) addChannel(uuid string) {
	channel := fmt.Sprintf("%s_%s", g.merchantID, uuid)

	// Replay the last 2 minutes in case the push raced the subscribe.
	tt := time.Now().Add(-2*time.Minute).Unix() * 10000

	g.sub.pn.Subscribe().Channels([]string{channel}).Timetoken(tt).Execute()
}

func (g *Gateway) Unsubscribe(uuid string) {
	g.sub.pn.Unsubscribe().Channels([]string{fmt.Sprintf("%s_%s", g.merchantID, uuid)}).Execute()
}

type subscription struct {
	pn  *pubnub.PubNub
	lis *pubnub.Listener
	ch  chan *status.Transaction
}

func (s *subscription) processSubscription(ctx context.Context) {
	for {
		select {
		case st := <-s.lis.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				log.Println("bank gateway: connected to pubnub")

			case pubnub.PNReconnectedCategory:
				log.Println("bank gateway: reconnected to pubnub")

			case pubnub.PNDisconnectedCategory:
				log.Println("bank gateway: disconnected from pubnub")

			case pubnub.PNAccessDeniedCategory:
				log.Println("bank gateway: pubnub access denied")

			case pubnub.PNTimeoutCategory:
				log.Println("bank gateway: pubnub timeout")

			default:
				log.Printf("bank gateway: pubnub status category %v", st.Category)
			}

		case message := <-s.lis.Message:
			raw, ok := message.Message.(string)
			if !ok {
				log.Printf("bank gateway: unexpected message type %T", message.Message)
				continue
			}

			var p payload
			dec := json.NewDecoder(strings.NewReader(raw))
			if err := dec.Decode(&p); err != nil {
				log.Printf("bank gateway: decode notification: %v", err)
				continue
			}

			if s.ch != nil {
				s.ch <- p.toDomain()
			}

		case <-ctx.Done():
			log.Println("bank gateway: subscription closed")
			return
		}
	}
}

// payload is the bank's settlement notification body.
type payload struct {
	RefID     string          `json:"refNo"`
	UUID      string          `json:"billNumber"`
	Ccy       string          `json:"sourceCurrency"`
	Payer     string          `json:"sourceName"`
	Amount    decimal.Decimal `json:"txnAmount"`
	Status    string          `json:"status"`
	Timestamp int64           `json:"txnTimestamp"`
}

func (p *payload) toDomain() *status.Transaction {
	st := p.Status
	if st == "" {
		st = "success"
	}
	return &status.Transaction{
		UUID:      p.UUID,
		RefID:     p.RefID,
		Amount:    p.Amount,
		Currency:  p.Ccy,
		Payer:     p.Payer,
		Status:    st,
		Timestamp: p.Timestamp,
	}
}

type client struct {
	baseURL    string
	merchantID string
	clientID   string
	clientKey  string
	hmacKey    string

	// accessToken authenticates signed requests, guarded by mu.
	accessToken string
	mu          sync.Mutex

	// toggleTokenRefresher wakes the refresher on a 401.
	toggleTokenRefresher chan struct{}

	hc *http.Client
}

func newClient(cfg *Config) *client {
	return &client{
		baseURL:    cfg.BaseURL,
		merchantID: cfg.MerchantID,
		clientID:   cfg.ClientID,
		clientKey:  cfg.ClientKey,
		hmacKey:    cfg.HMACKey,

		// buffered so a request path never blocks on the refresher
		toggleTokenRefresher: make(chan struct{}, 1),

		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notifyAccessTokenExpired renews the token periodically and whenever
// a request is rejected with 401, retrying with exponential backoff.
func (c *client) notifyAccessTokenExpired(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return

		case <-ticker.C:

		case <-c.toggleTokenRefresher:
			log.Println("bank gateway: access token rejected, refreshing")
		}

		backOff := time.Second

	Retry:
		for {
			token, err := c.connect(ctx)
			switch err {
			case nil:
				c.setAccessToken(token)

				break Retry

			default:
				log.Printf("bank gateway: refresh token: %v", err)
				select {
				case <-ctx.Done():
					return

				case <-time.After(backOff):
					backOff *= 2
				}
			}
		}
	}
}

func (c *client) setAccessToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
}

func (c *client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// connect authenticates with the bank and returns a bearer token.
func (c *client) connect(ctx context.Context) (string, error) {
	number, err := requestID()
	if err != nil {
		return "", fmt.Errorf("bank connect: requestID: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"merchantId":%q,"clientId":%q,"clientSecret":%q}`, number, c.merchantID, c.clientID, c.clientKey)

	req, err := c.newSignedRequest(ctx, "/api/merchant/authenticate", body)
	if err != nil {
		return "", fmt.Errorf("bank connect: %v", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("bank connect: http.Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return "", errors.New("bank connect: 401 Unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bank connect: unexpected status %d", resp.StatusCode)
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AccessToken string `json:"accessToken"`
			TokenType   string `json:"tokenType"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return "", fmt.Errorf("bank connect: json.Decode: %v", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("bank connect: status %v, message %v", reply.Status, reply.Message)
	}

	return fmt.Sprintf("%s %s", reply.Data.TokenType, reply.Data.AccessToken), nil
}

func (c *client) generateQR(ctx context.Context, merchantID string, f *PaymentRequest) (string, error) {
	number, err := requestID()
	if err != nil {
		return "", fmt.Errorf("bank generateQR: requestID: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"merchantId":%q,"txnAmount":%s,"txnCurrency":%q,"billNumber":%q,"referenceLabel":%q,"description":%q,"expiryMinutes":%d}`,
		number, merchantID, f.Amount, f.Currency, f.UUID, f.ReferenceNumber, f.Description, f.ExpiryMinutes)

	req, err := c.newSignedRequest(ctx, "/api/merchant/generateQr", body)
	if err != nil {
		return "", fmt.Errorf("bank generateQR: %w", err)
	}
	req.Header.Set("Authorization", c.getAccessToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("bank generateQR: http.Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return "", errors.New("bank generateQR: 401 Unauthorized")
	}

	var reply struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Data    struct {
			MerchantID string `json:"mcid"`
			EmvCode    string `json:"emv"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return "", fmt.Errorf("bank generateQR: json.Decode: %w", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("bank generateQR: status %v, message %v", reply.Status, reply.Message)
	}

	return reply.Data.EmvCode, nil
}

func (c *client) checkTransaction(ctx context.Context, uuid string) (*status.Transaction, error) {
	number, err := requestID()
	if err != nil {
		return nil, fmt.Errorf("bank checkTransaction: requestID: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"billNumber":%q}`, number, uuid)

	req, err := c.newSignedRequest(ctx, "/api/merchant/checkTransaction", body)
	if err != nil {
		return nil, fmt.Errorf("bank checkTransaction: %v", err)
	}
	req.Header.Set("Authorization", c.getAccessToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bank checkTransaction: http.Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return nil, errors.New("bank checkTransaction: 401 Unauthorized")
	}

	var reply struct {
		Message string  `json:"message"`
		Status  string  `json:"status"`
		Data    payload `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("bank checkTransaction: json.Decode: %v", err)
	}
	if reply.Status != "OK" {
		return nil, fmt.Errorf("bank checkTransaction: status %v, message %v", reply.Status, reply.Message)
	}

	return reply.Data.toDomain(), nil
}

func (c *client) newSignedRequest(ctx context.Context, path, body string) (*http.Request, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+path, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, fmt.Errorf("http.NewReq: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256([]byte(body), []byte(c.hmacKey)))

	return req, nil
}

// Hmac256 signs a request body with the merchant's HMAC key.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// VerifyHMAC reports whether a received signature matches the body.
func VerifyHMAC(body, key []byte, receivedHMAC string) bool {
	expected := Hmac256(body, key)
	return hmac.Equal([]byte(receivedHMAC), []byte(expected))
}

func requestID() (string, error) {
	min := big.NewInt(100000000000000000)
	max := big.NewInt(999999999999999999)
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(max, min))
	if err != nil {
		return "", err
	}

	n.Add(n, min)
	return n.String(), nil
}
