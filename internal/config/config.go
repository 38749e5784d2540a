package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the global configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Business  BusinessConfig  `mapstructure:"business"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Gateways  GatewaysConfig  `mapstructure:"gateways"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PublicURL is where payment providers reach the callback endpoints.
	PublicURL string `mapstructure:"public_url"`
	// CallbackRPS bounds unauthenticated callback traffic per remote IP.
	CallbackRPS   float64 `mapstructure:"callback_rps"`
	CallbackBurst int     `mapstructure:"callback_burst"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means the socket peer is the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderEvents   string `mapstructure:"order_events"`
	DepositEvents string `mapstructure:"deposit_events"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BusinessConfig struct {
	VeteranDiscountPercent int `mapstructure:"veteran_discount_percent"`
	CashbackPercent        int `mapstructure:"cashback_percent"`
	MaxOrderItems          int `mapstructure:"max_order_items"`
	MaxItemQuantity        int `mapstructure:"max_item_quantity"`
	// MaxDepositAmount is expressed in the store currency.
	MaxDepositAmount      int64 `mapstructure:"max_deposit_amount"`
	DepositTimeoutMinutes int   `mapstructure:"deposit_timeout_minutes"`
	// OrderReconcileMinutes is the grace period before a balance order stuck
	// in pending is reconciled against the ledger.
	OrderReconcileMinutes int `mapstructure:"order_reconcile_minutes"`
	MaxRetryCount         int `mapstructure:"max_retry_count"`
}

// RatePolicy is the rate limit applied to one endpoint.
type RatePolicy struct {
	MaxRequests   int  `mapstructure:"max_requests"`
	WindowMinutes int  `mapstructure:"window_minutes"`
	FailOpen      bool `mapstructure:"fail_open"`
}

type RateLimitConfig struct {
	CreateOrder   RatePolicy `mapstructure:"create_order"`
	CardPayment   RatePolicy `mapstructure:"card_payment"`
	CryptoPayment RatePolicy `mapstructure:"crypto_payment"`
	Read          RatePolicy `mapstructure:"read"`
}

type GatewaysConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Card    CardConfig    `mapstructure:"card"`
	Crypto  CryptoConfig  `mapstructure:"crypto"`
}

type CardConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	APIURL          string `mapstructure:"api_url"`
	MerchantAccount string `mapstructure:"merchant_account"`
	MerchantDomain  string `mapstructure:"merchant_domain"`
	SecretKey       string `mapstructure:"secret_key"`
	Currency        string `mapstructure:"currency"`
	ReturnURL       string `mapstructure:"return_url"`
	Language        string `mapstructure:"language"`
}

type CryptoConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	APIURL        string `mapstructure:"api_url"`
	APIKey        string `mapstructure:"api_key"`
	IPNSecret     string `mapstructure:"ipn_secret"`
	PriceCurrency string `mapstructure:"price_currency"`
	PayCurrency   string `mapstructure:"pay_currency"`
	InvoiceURL    string `mapstructure:"invoice_url"`
}

// CatalogConfig lists products upserted at startup when SeedOnStart is set.
type CatalogConfig struct {
	SeedOnStart bool          `mapstructure:"seed_on_start"`
	Products    []ProductSeed `mapstructure:"products"`
}

type ProductSeed struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Price  string `mapstructure:"price"`
	Active *bool  `mapstructure:"active"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.callback_rps", 10)
	v.SetDefault("server.callback_burst", 20)
	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("kafka.topic.order_events", "order_events")
	v.SetDefault("kafka.topic.deposit_events", "deposit_events")

	v.SetDefault("business.veteran_discount_percent", 10)
	v.SetDefault("business.cashback_percent", 0)
	v.SetDefault("business.max_order_items", 50)
	v.SetDefault("business.max_item_quantity", 100)
	v.SetDefault("business.max_deposit_amount", 100000)
	v.SetDefault("business.deposit_timeout_minutes", 60)
	v.SetDefault("business.order_reconcile_minutes", 5)
	v.SetDefault("business.max_retry_count", 5)

	v.SetDefault("rate_limit.create_order.max_requests", 10)
	v.SetDefault("rate_limit.create_order.window_minutes", 1)
	v.SetDefault("rate_limit.card_payment.max_requests", 5)
	v.SetDefault("rate_limit.card_payment.window_minutes", 1)
	v.SetDefault("rate_limit.crypto_payment.max_requests", 5)
	v.SetDefault("rate_limit.crypto_payment.window_minutes", 1)
	v.SetDefault("rate_limit.read.max_requests", 120)
	v.SetDefault("rate_limit.read.window_minutes", 1)
	v.SetDefault("rate_limit.read.fail_open", true)

	v.SetDefault("gateways.timeout", 10*time.Second)
	v.SetDefault("gateways.card.api_url", "https://api.wayforpay.com/api")
	v.SetDefault("gateways.card.currency", "UAH")
	v.SetDefault("gateways.card.language", "UA")
	v.SetDefault("gateways.crypto.api_url", "https://api.nowpayments.io/v1")
	v.SetDefault("gateways.crypto.price_currency", "uah")
	v.SetDefault("gateways.crypto.pay_currency", "usdttrc20")
	v.SetDefault("gateways.crypto.invoice_url", "https://nowpayments.io/payment/?iid=")
}

// Load reads the YAML config file; STOREFRONT_* environment variables override it.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("storefront")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	b := c.Business
	switch {
	case b.VeteranDiscountPercent < 0 || b.VeteranDiscountPercent > 100:
		return errors.New("business.veteran_discount_percent must be within [0,100]")
	case b.CashbackPercent < 0 || b.CashbackPercent > 100:
		return errors.New("business.cashback_percent must be within [0,100]")
	case b.MaxOrderItems <= 0 || b.MaxItemQuantity <= 0:
		return errors.New("business item limits must be positive")
	case b.MaxDepositAmount <= 0:
		return errors.New("business.max_deposit_amount must be positive")
	}

	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("server.trusted_proxies: invalid entry %q", proxy)
			}
		}
	}

	if c.Database.Driver != "mysql" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Gateways.Card.Enabled && (c.Gateways.Card.SecretKey == "" || c.Gateways.Card.MerchantAccount == "") {
		return errors.New("gateways.card requires merchant_account and secret_key")
	}
	if c.Gateways.Crypto.Enabled && (c.Gateways.Crypto.APIKey == "" || c.Gateways.Crypto.IPNSecret == "") {
		return errors.New("gateways.crypto requires api_key and ipn_secret")
	}

	for name, p := range map[string]RatePolicy{
		"create_order":   c.RateLimit.CreateOrder,
		"card_payment":   c.RateLimit.CardPayment,
		"crypto_payment": c.RateLimit.CryptoPayment,
		"read":           c.RateLimit.Read,
	} {
		if p.MaxRequests <= 0 || p.WindowMinutes <= 0 {
			return fmt.Errorf("rate_limit.%s needs positive max_requests and window_minutes", name)
		}
	}
	return nil
}
