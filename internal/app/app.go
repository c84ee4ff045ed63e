// Package app wires configuration into the store, processors and outbound
// clients shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/audit"
	"github.com/charlesnunot/Stratos-sub003/internal/auxiliary"
	"github.com/charlesnunot/Stratos-sub003/internal/commissions"
	"github.com/charlesnunot/Stratos-sub003/internal/config"
	"github.com/charlesnunot/Stratos-sub003/internal/db"
	"github.com/charlesnunot/Stratos-sub003/internal/debts"
	"github.com/charlesnunot/Stratos-sub003/internal/deposits"
	"github.com/charlesnunot/Stratos-sub003/internal/fx"
	internalhttp "github.com/charlesnunot/Stratos-sub003/internal/http"
	"github.com/charlesnunot/Stratos-sub003/internal/ledger"
	"github.com/charlesnunot/Stratos-sub003/internal/notify"
	"github.com/charlesnunot/Stratos-sub003/internal/orders"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/alipay"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/paypal"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/stripe"
	"github.com/charlesnunot/Stratos-sub003/internal/provider/wechatpay"
	"github.com/charlesnunot/Stratos-sub003/internal/reconcile"
	"github.com/charlesnunot/Stratos-sub003/internal/store"
	"github.com/charlesnunot/Stratos-sub003/internal/transfer"
	"github.com/charlesnunot/Stratos-sub003/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type App struct {
	Config *config.Config
	Log    *zap.Logger
	Store  store.Store

	Ledger      ledger.Ledger
	Orders      orders.Processor
	Deposits    deposits.Processor
	Commissions commissions.Processor
	Debts       debts.Processor
	Auxiliary   auxiliary.Processor
	Captures    *reconcile.Service

	Notifier notify.Notifier
	Audit    audit.Fanout
	Feed     *internalhttp.Feed

	closers []func()
}

// NewLogger builds the production logger, or the development one when asked.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory store; nothing survives a restart")
		a.Store = store.NewMem()
	default:
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.Store = store.New(pool)
	}

	rates, err := fx.NewStatic(cfg.FX.Rates)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("fx rates: %w", err)
	}
	tolerance, err := cfg.AmountTolerance()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Notifier = notify.LogNotifier{Log: log.Named("notify")}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis ping failed; notices will be retried per publish", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Notifier = notify.NewRedisNotifier(rdb, cfg.Redis.NotifyChannel)
	}

	a.Feed = internalhttp.NewFeed(log.Named("feed"))
	a.closers = append(a.closers, a.Feed.Close)
	a.Audit = audit.Fanout{a.Feed}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := audit.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, log.Named("kafka"))
		a.closers = append(a.closers, func() { _ = kp.Close() })
		a.Audit = append(a.Audit, kp)
	}

	var transfers transfer.Transferer
	if cfg.Transfer.SecretKey != "" {
		transfers = transfer.NewClient(cfg.Transfer.BaseURL, cfg.Transfer.SecretKey)
	}

	a.Ledger = ledger.Ledger{Rates: rates, Tolerance: tolerance, Log: log.Named("ledger")}
	a.Commissions = commissions.Processor{
		Transfers:       transfers,
		Concurrency:     cfg.Transfer.Concurrency,
		TransferTimeout: time.Duration(cfg.Transfer.TimeoutSeconds) * time.Second,
		DueDays:         cfg.Commissions.DueDays,
		Log:             log.Named("commissions"),
	}
	a.Orders = orders.Processor{Commissions: a.Commissions, Log: log.Named("orders")}
	a.Deposits = deposits.Processor{
		Rates:           rates,
		Ledger:          a.Ledger,
		RefundGraceDays: cfg.Deposits.RefundGraceBusinessDays,
		Currency:        cfg.Deposits.Currency,
		Log:             log.Named("deposits"),
	}
	a.Debts = debts.Processor{Rates: rates, Log: log.Named("debts")}
	a.Auxiliary = auxiliary.Processor{Log: log.Named("auxiliary")}
	a.Captures = &reconcile.Service{
		Store:     a.Store,
		Ledger:    a.Ledger,
		Orders:    a.Orders,
		Deposits:  a.Deposits,
		Auxiliary: a.Auxiliary,
		Notifier:  a.Notifier,
		Audit:     a.Audit,
		Log:       log.Named("reconcile"),
	}
	return a, nil
}

// Handler builds the HTTP handler with every configured provider adapter.
func (a *App) Handler() (*internalhttp.Handler, error) {
	p := a.Config.Providers
	ali, err := alipay.New(p.Alipay.AppID, p.Alipay.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("alipay: %w", err)
	}
	return &internalhttp.Handler{
		Store:       a.Store,
		Captures:    a.Captures,
		Stripe:      stripe.New(p.Stripe.WebhookSecret, time.Duration(p.Stripe.ToleranceSeconds)*time.Second),
		PayPal:      paypal.NewClient(p.PayPal.BaseURL, p.PayPal.ClientID, p.PayPal.ClientSecret, time.Duration(p.PayPal.TimeoutSeconds)*time.Second),
		Alipay:      ali,
		WeChatPay:   wechatpay.New(p.WeChatPay.AppID, p.WeChatPay.MchID, p.WeChatPay.APIKey),
		Deposits:    a.Deposits,
		Commissions: a.Commissions,
		Debts:       a.Debts,
		Notifier:    a.Notifier,
		Audit:       a.Audit,
		Log:         a.Log.Named("http"),
	}, nil
}

func (a *App) Worker() *worker.Worker {
	return &worker.Worker{
		Store:     a.Store,
		Debts:     a.Debts,
		Deposits:  a.Deposits,
		Notifier:  a.Notifier,
		Audit:     a.Audit,
		Interval:  a.Config.WorkerInterval(),
		BatchSize: a.Config.Worker.BatchSize,
		Log:       a.Log.Named("worker"),
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
