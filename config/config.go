package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every externally supplied option the process recognizes.
// Values are read once at startup; nothing else in the codebase touches the
// environment.
type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string
	RedisPass   string
	RedisDB     int

	// Source cache freshness windows.
	PriceTTL   time.Duration
	IoTTTL     time.Duration
	WeatherTTL time.Duration

	// Recurring data-sync scan interval.
	DataSyncInterval time.Duration

	// Market / device / weather feed credentials.
	MarketAPIKey   string
	MarketBaseURL  string
	DeviceAPIKey   string
	DeviceBaseURL  string
	WeatherAPIKey  string
	WeatherBaseURL string

	// E-sign provider.
	EsignBaseURL        string
	EsignAccountID      string
	EsignIntegrationKey string
	EsignUserID         string
	EsignPrivateKey     string
	EsignWebhookSecret  string

	// Payment provider.
	PaymentAPIKey        string
	PaymentWebhookSecret string

	// Messaging / mail providers.
	SMSAccountSID string
	SMSAuthToken  string
	SMSFromNumber string
	MailAPIKey    string
	MailFromAddr  string

	// Admin surface.
	AdminUser         string
	AdminPasswordHash string
	AdminTokenSecret  string
}

// Load reads configuration from environment variables, applying defaults for
// everything that has a sane one.
func Load() *Config {
	return &Config{
		Port:        envDefault("PORT", "3000"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   envDefault("REDIS_ADDR", "localhost:6379"),
		RedisPass:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:     envInt("REDIS_DB", 0),

		PriceTTL:   envSeconds("PRICE_CACHE_TTL_SECONDS", 300),
		IoTTTL:     envSeconds("IOT_CACHE_TTL_SECONDS", 60),
		WeatherTTL: envSeconds("WEATHER_CACHE_TTL_SECONDS", 1800),

		DataSyncInterval: envSeconds("DATA_SYNC_INTERVAL_SECONDS", 300),

		MarketAPIKey:   os.Getenv("MARKET_API_KEY"),
		MarketBaseURL:  envDefault("MARKET_BASE_URL", "https://www.alphavantage.co"),
		DeviceAPIKey:   os.Getenv("DEVICE_API_KEY"),
		DeviceBaseURL:  envDefault("DEVICE_BASE_URL", "https://api.losant.com"),
		WeatherAPIKey:  os.Getenv("WEATHER_API_KEY"),
		WeatherBaseURL: envDefault("WEATHER_BASE_URL", "https://api.openweathermap.org"),

		EsignBaseURL:        envDefault("ESIGN_BASE_URL", "https://demo.docusign.net/restapi"),
		EsignAccountID:      os.Getenv("ESIGN_ACCOUNT_ID"),
		EsignIntegrationKey: os.Getenv("ESIGN_INTEGRATION_KEY"),
		EsignUserID:         os.Getenv("ESIGN_USER_ID"),
		EsignPrivateKey:     os.Getenv("ESIGN_PRIVATE_KEY"),
		EsignWebhookSecret:  os.Getenv("ESIGN_WEBHOOK_SECRET"),

		PaymentAPIKey:        os.Getenv("PAYMENT_API_KEY"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),

		SMSAccountSID: os.Getenv("SMS_ACCOUNT_SID"),
		SMSAuthToken:  os.Getenv("SMS_AUTH_TOKEN"),
		SMSFromNumber: os.Getenv("SMS_FROM_NUMBER"),
		MailAPIKey:    os.Getenv("MAIL_API_KEY"),
		MailFromAddr:  os.Getenv("MAIL_FROM_ADDRESS"),

		AdminUser:         envDefault("ADMIN_USER", "admin"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminTokenSecret:  os.Getenv("ADMIN_TOKEN_SECRET"),
	}
}

// Validate rejects configurations that cannot possibly run. Provider
// credentials for optional integrations are checked lazily by their clients;
// only the options every code path depends on are required here.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required")
	}
	if c.EsignWebhookSecret == "" {
		return fmt.Errorf("config: ESIGN_WEBHOOK_SECRET is required")
	}
	if c.PriceTTL <= 0 || c.IoTTTL <= 0 || c.WeatherTTL <= 0 {
		return fmt.Errorf("config: cache TTLs must be positive")
	}
	if c.DataSyncInterval <= 0 {
		return fmt.Errorf("config: data sync interval must be positive")
	}
	return nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
