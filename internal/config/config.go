package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Store struct {
		// Driver is "postgres" or "memory".
		Driver string `yaml:"driver"`
	} `yaml:"store"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addr          string `yaml:"addr"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		NotifyChannel string `yaml:"notify_channel"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers    []string `yaml:"brokers"`
		AuditTopic string   `yaml:"audit_topic"`
	} `yaml:"kafka"`
	Providers struct {
		Stripe struct {
			WebhookSecret    string `yaml:"webhook_secret"`
			ToleranceSeconds int64  `yaml:"tolerance_seconds"`
		} `yaml:"stripe"`
		PayPal struct {
			BaseURL        string `yaml:"base_url"`
			ClientID       string `yaml:"client_id"`
			ClientSecret   string `yaml:"client_secret"`
			TimeoutSeconds int64  `yaml:"timeout_seconds"`
		} `yaml:"paypal"`
		Alipay struct {
			AppID     string `yaml:"app_id"`
			PublicKey string `yaml:"public_key"`
		} `yaml:"alipay"`
		WeChatPay struct {
			AppID  string `yaml:"app_id"`
			MchID  string `yaml:"mch_id"`
			APIKey string `yaml:"api_key"`
		} `yaml:"wechatpay"`
	} `yaml:"providers"`
	Transfer struct {
		BaseURL        string `yaml:"base_url"`
		SecretKey      string `yaml:"secret_key"`
		TimeoutSeconds int64  `yaml:"timeout_seconds"`
		Concurrency    int    `yaml:"concurrency"`
	} `yaml:"transfer"`
	Ledger struct {
		AmountTolerance string `yaml:"amount_tolerance"`
	} `yaml:"ledger"`
	Deposits struct {
		RefundGraceBusinessDays int    `yaml:"refund_grace_business_days"`
		Currency                string `yaml:"currency"`
	} `yaml:"deposits"`
	Commissions struct {
		DueDays int `yaml:"due_days"`
	} `yaml:"commissions"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
		BatchSize       int   `yaml:"batch_size"`
	} `yaml:"worker"`
	FX struct {
		// Rates maps "FROM/TO" to a decimal factor.
		Rates map[string]string `yaml:"rates"`
	} `yaml:"fx"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.DB.DSN == "" {
			return nil, errors.New("db.dsn is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if _, err := cfg.AmountTolerance(); err != nil {
		return nil, fmt.Errorf("ledger.amount_tolerance: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}
	if cfg.Redis.NotifyChannel == "" {
		cfg.Redis.NotifyChannel = "notifications"
	}
	if cfg.Kafka.AuditTopic == "" {
		cfg.Kafka.AuditTopic = "payments.audit"
	}
	if cfg.Providers.Stripe.ToleranceSeconds <= 0 {
		cfg.Providers.Stripe.ToleranceSeconds = 300
	}
	if cfg.Providers.PayPal.TimeoutSeconds <= 0 {
		cfg.Providers.PayPal.TimeoutSeconds = 15
	}
	if cfg.Transfer.TimeoutSeconds <= 0 {
		cfg.Transfer.TimeoutSeconds = 20
	}
	if cfg.Transfer.Concurrency <= 0 {
		cfg.Transfer.Concurrency = 4
	}
	if cfg.Ledger.AmountTolerance == "" {
		cfg.Ledger.AmountTolerance = "0.01"
	}
	if cfg.Deposits.RefundGraceBusinessDays <= 0 {
		cfg.Deposits.RefundGraceBusinessDays = 3
	}
	if cfg.Deposits.Currency == "" {
		cfg.Deposits.Currency = "USD"
	}
	if cfg.Commissions.DueDays <= 0 {
		cfg.Commissions.DueDays = 7
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 60
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitCommaList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.Redis.DB = atoiOr(cfg.Redis.DB, v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_AUDIT_TOPIC"); v != "" {
		cfg.Kafka.AuditTopic = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Providers.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("PAYPAL_BASE_URL"); v != "" {
		cfg.Providers.PayPal.BaseURL = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_ID"); v != "" {
		cfg.Providers.PayPal.ClientID = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_SECRET"); v != "" {
		cfg.Providers.PayPal.ClientSecret = v
	}
	if v := os.Getenv("ALIPAY_APP_ID"); v != "" {
		cfg.Providers.Alipay.AppID = v
	}
	if v := os.Getenv("ALIPAY_PUBLIC_KEY"); v != "" {
		cfg.Providers.Alipay.PublicKey = v
	}
	if v := os.Getenv("WECHATPAY_APP_ID"); v != "" {
		cfg.Providers.WeChatPay.AppID = v
	}
	if v := os.Getenv("WECHATPAY_MCH_ID"); v != "" {
		cfg.Providers.WeChatPay.MchID = v
	}
	if v := os.Getenv("WECHATPAY_API_KEY"); v != "" {
		cfg.Providers.WeChatPay.APIKey = v
	}
	if v := os.Getenv("TRANSFER_BASE_URL"); v != "" {
		cfg.Transfer.BaseURL = v
	}
	if v := os.Getenv("TRANSFER_SECRET_KEY"); v != "" {
		cfg.Transfer.SecretKey = v
	}
	if v := os.Getenv("TRANSFER_CONCURRENCY"); v != "" {
		cfg.Transfer.Concurrency = atoiOr(cfg.Transfer.Concurrency, v)
	}
	if v := os.Getenv("LEDGER_AMOUNT_TOLERANCE"); v != "" {
		cfg.Ledger.AmountTolerance = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
}

func (c *Config) AmountTolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Ledger.AmountTolerance)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
