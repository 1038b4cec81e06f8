package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"

	"github.com/cartpilot/cartpilot/internal/bundle"
	"github.com/cartpilot/cartpilot/internal/cache"
	"github.com/cartpilot/cartpilot/internal/config"
	"github.com/cartpilot/cartpilot/internal/crypto"
	"github.com/cartpilot/cartpilot/internal/db"
	"github.com/cartpilot/cartpilot/internal/email"
	"github.com/cartpilot/cartpilot/internal/gateway"
	"github.com/cartpilot/cartpilot/internal/handlers"
	"github.com/cartpilot/cartpilot/internal/invoice"
	"github.com/cartpilot/cartpilot/internal/logging"
	"github.com/cartpilot/cartpilot/internal/notify"
	"github.com/cartpilot/cartpilot/internal/pricing"
	"github.com/cartpilot/cartpilot/internal/services"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Sweeper       *services.Sweeper
	Handlers      *handlers.Handlers
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	audit := logging.NewAuditLogger(logging.MultiHandler(
		logger.Handler(),
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}).
			WithAttrs([]slog.Attr{slog.String("log", "audit")}),
	))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	orderStore := db.NewOrderStore(database)
	productStore := db.NewProductStore(database)

	rules, err := pricing.LoadRules(cfg.CouponsFile)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to load pricing rules: %w", err)
	}
	pricer := pricing.NewPricer(rules)

	signer, err := bundle.NewSigner(cfg.BundleSigningSecret, time.Hour)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize bundle signer: %w", err)
	}

	adapters := []gateway.Adapter{
		gateway.NewCardpay(gateway.CardpayConfig{
			BaseURL:            cfg.CardpayBaseURL,
			KeyID:              cfg.CardpayKeyID,
			KeySecret:          cfg.CardpayKeySecret,
			WebhookSecret:      cfg.CardpayWebhookSecret,
			IntentTimeout:      cfg.IntentTimeout,
			StatusCheckTimeout: cfg.StatusCheckTimeout,
		}, cacheProvider, encryptor, logger.With("component", "cardpay")),
		gateway.NewWalletpay(gateway.WalletpayConfig{
			BaseURL:                       cfg.WalletpayBaseURL,
			MerchantID:                    cfg.WalletpayMerchantID,
			SaltKey:                       cfg.WalletpaySaltKey,
			SaltIndex:                     cfg.WalletpaySaltIndex,
			IntentTimeout:                 cfg.IntentTimeout,
			StatusCheckTimeout:            cfg.StatusCheckTimeout,
			PresumeSuccessOnReturnTimeout: cfg.WalletpayPresumePaid,
		}, logger.With("component", "walletpay")),
	}

	emailProvider, err := email.NewProvider(email.Config{
		Provider: cfg.EmailProvider,
		APIKey:   cfg.ResendAPIKey,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.NotificationURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotificationURL)
	}

	invoices, err := invoice.NewTextGenerator()
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, err
	}

	reconciler, err := services.NewReconciler(services.ReconcilerDeps{
		Orders:   orderStore,
		Products: productStore,
		Adapters: adapters,
		Pricer:   pricer,
		Signer:   signer,
		Cache:    cacheProvider,
		Audit:    audit,
		Email:    emailProvider,
		Notifier: notifier,
		Invoices: invoices,
		BaseURL:  cfg.BaseURL,
		Logger:   logger.With("component", "reconciler"),
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize reconciler: %w", err)
	}

	refunds, err := services.NewRefundEngine(orderStore, adapters, audit, logger.With("component", "refund_engine"))
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize refund engine: %w", err)
	}

	sweeper, err := services.NewSweeper(orderStore, audit, logger.With("component", "sweeper"), cfg.SweepInterval, cfg.PendingTimeout)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize sweeper: %w", err)
	}

	auth, err := handlers.NewAuth(cfg.AuthSigningSecret)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	h, err := handlers.New(handlers.Dependencies{
		Config:        cfg,
		DB:            database,
		CacheProvider: cacheProvider,
		Reconciler:    reconciler,
		Refunds:       refunds,
		Sweeper:       sweeper,
		Auth:          auth,
		Logger:        logger,
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	sweeper.Start()

	return &App{
		Config:        cfg,
		Logger:        logger,
		DB:            database,
		CacheProvider: cacheProvider,
		Sweeper:       sweeper,
		Handlers:      h,
	}, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level: cfg.LogLevel,
		}))
	}
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
