package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration (ticket change fanout)
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Pricing. Fixed per-category gate prices; totals are always
	// derived from these, never stored independently.
	KidsPrice   decimal.Decimal
	AdultsPrice decimal.Decimal
	Currency    string

	// TicketValidity is the window between purchase and expiry.
	TicketValidity time.Duration

	// Timeout configuration
	StoreTimeout    time.Duration
	ScanLockTTL     time.Duration
	ProfileCacheTTL time.Duration
	BankQRExpiry    time.Duration

	// Bank gateway (gate settlement of bank_qr payments)
	BankBaseURL    string
	BankMerchantID string
	BankClientID   string
	BankClientKey  string
	BankHMACKey    string
	BankPNSubKey   string
	BankPNChannel  string
	BankPNUUID     string

	// BankWebhookSecretHash is the bcrypt hash of the shared secret
	// the gateway presents on its HTTP settlement webhook.
	BankWebhookSecretHash string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Pricing
		KidsPrice:   getEnvAsDecimal("KIDS_PRICE", "25"),
		AdultsPrice: getEnvAsDecimal("ADULTS_PRICE", "50"),
		Currency:    getEnv("CURRENCY", "ZAR"),

		// Tickets expire 7 days after purchase.
		TicketValidity: getEnvAsDuration("TICKET_VALIDITY", "168h"),

		// Timeouts
		StoreTimeout:    getEnvAsDuration("STORE_TIMEOUT", "5s"),
		ScanLockTTL:     getEnvAsDuration("SCAN_LOCK_TTL", "30s"),
		ProfileCacheTTL: getEnvAsDuration("PROFILE_CACHE_TTL", "10m"),
		BankQRExpiry:    getEnvAsDuration("BANK_QR_EXPIRY", "10m"),

		// Bank gateway
		BankBaseURL:    getEnv("BANK_BASE_URL", ""),
		BankMerchantID: getEnv("BANK_MERCHANT_ID", ""),
		BankClientID:   getEnv("BANK_CLIENT_ID", ""),
		BankClientKey:  getEnv("BANK_CLIENT_KEY", ""),
		BankHMACKey:    getEnv("BANK_HMAC_KEY", ""),
		BankPNSubKey:   getEnv("BANK_PN_SUBKEY", ""),
		BankPNChannel:  getEnv("BANK_PN_CHANNEL", ""),
		BankPNUUID:     getEnv("BANK_PN_UUID", ""),

		BankWebhookSecretHash: getEnv("BANK_WEBHOOK_SECRET_HASH", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	value, _ := decimal.NewFromString(defaultValue)
	return value
}
