package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"referrald/auth"
	"referrald/config"
	"referrald/identity"
	"referrald/models"
	"referrald/observability/logging"
	"referrald/observability/otel"
	"referrald/recon"
	"referrald/referral"
	"referrald/registry"
	"referrald/rewards"
	"referrald/server"
	"referrald/tracking"
	"referrald/transfer"
	"referrald/vault"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("referrald", "").Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("referrald", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Traces || cfg.Otel.Metrics {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "referrald",
			Environment: cfg.Environment,
			Endpoint:    cfg.Otel.Endpoint,
			Insecure:    cfg.Otel.Insecure,
			Headers:     otel.ParseHeaders(cfg.Otel.Headers),
			Traces:      cfg.Otel.Traces,
			Metrics:     cfg.Otel.Metrics,
		})
		if err != nil {
			logger.Error("telemetry init error", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown error", "error", err)
			}
		}()
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection error", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", "error", err)
		os.Exit(1)
	}

	ledger := transfer.NewHTTPClient(transfer.Config{
		URL:     cfg.LedgerRPCURL,
		APIKey:  cfg.LedgerAPIKey,
		Timeout: cfg.TransferTimeout,
	})

	var holdings identity.Source
	if cfg.IdentityBaseURL != "" {
		client, err := identity.NewClient(identity.Config{
			BaseURL: cfg.IdentityBaseURL,
			APIKey:  cfg.IdentityAPIKey,
			Timeout: cfg.IdentityTimeout,
		})
		if err != nil {
			logger.Error("identity client error", "error", err)
			os.Exit(1)
		}
		holdings = client
	}

	registryEngine := registry.NewEngine(registry.Config{
		DB:              db,
		Transfer:        ledger,
		TransferTimeout: cfg.TransferTimeout,
	})
	referralEngine := referral.NewEngine(referral.Config{DB: db, Holdings: holdings})
	trackingEngine := tracking.NewEngine(tracking.Config{DB: db, PendingTTL: cfg.PendingTTL})
	rewardEngine := rewards.NewEngine(rewards.Config{
		DB:              db,
		Transfer:        ledger,
		TransferTimeout: cfg.TransferTimeout,
	})
	vaultService := vault.NewService(db)

	authMW, err := auth.NewMiddleware(auth.Options{
		Secret:         []byte(cfg.Auth.Secret),
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	})
	if err != nil {
		logger.Error("auth init error", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		DB:        db,
		Registry:  registryEngine,
		Referrals: referralEngine,
		Tracking:  trackingEngine,
		Rewards:   rewardEngine,
		Vaults:    vaultService,
		Auth:      authMW,
		Logger:    logger,
		RateLimit: cfg.RateLimit,
	})

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		DB:            db,
		Tracking:      trackingEngine,
		Rewards:       rewardEngine,
		SweepInterval: cfg.SweepInterval,
		RunHour:       cfg.ReconRunHour,
		RunMinute:     cfg.ReconRunMinute,
		Location:      time.UTC,
		Logger:        logger,
	})
	go scheduler.Start(ctx)

	handler := otelhttp.NewHandler(srv.Handler(), "referrald")
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting referrald", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
