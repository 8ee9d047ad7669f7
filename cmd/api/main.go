package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"docuflow/agreement"
	"docuflow/audit"
	"docuflow/auth"
	"docuflow/config"
	"docuflow/datasync"
	"docuflow/db"
	"docuflow/esign"
	"docuflow/jobs"
	"docuflow/notify"
	"docuflow/payment"
	"docuflow/server"
	"docuflow/template"
	"docuflow/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	auditRepo := audit.NewRepository()
	templateRepo := template.NewRepository()
	agreementRepo := agreement.NewRepository()

	templates := template.NewService(pool, templateRepo, auditRepo)
	agreements := agreement.NewService(pool, agreementRepo, templateRepo, auditRepo)
	lifecycle := agreement.NewLifecycle(pool, agreementRepo, auditRepo)

	sync := datasync.New(
		datasync.NewRedisKV(rdb),
		map[template.SourceKind]datasync.Fetcher{
			template.KindPrice:   datasync.NewPriceFetcher(cfg.MarketBaseURL, cfg.MarketAPIKey, nil),
			template.KindIoT:     datasync.NewDeviceFetcher(cfg.DeviceBaseURL, cfg.DeviceAPIKey, nil),
			template.KindWeather: datasync.NewWeatherFetcher(cfg.WeatherBaseURL, cfg.WeatherAPIKey, nil),
		},
		datasync.TTLs{Price: cfg.PriceTTL, IoT: cfg.IoTTTL, Weather: cfg.WeatherTTL},
		logger,
	)

	policies := jobs.DefaultPolicies()
	dataSyncPolicy := policies[jobs.QueueDataSync]
	dataSyncPolicy.Repeat = cfg.DataSyncInterval
	policies[jobs.QueueDataSync] = dataSyncPolicy

	orch := jobs.NewOrchestrator(jobs.NewRedisBackend(rdb), policies, logger)

	checker := agreement.NewChecker(agreements, sync, lifecycle, &breachNotifier{orch: orch}, logger)

	var esignClient *esign.Client
	if client, err := esign.NewClient(esign.ClientParams{
		BaseURL:        cfg.EsignBaseURL,
		AccountID:      cfg.EsignAccountID,
		IntegrationKey: cfg.EsignIntegrationKey,
		UserID:         cfg.EsignUserID,
		PrivateKeyPEM:  cfg.EsignPrivateKey,
		Tokens:         esign.NewRedisTokenCache(rdb),
	}); err == nil {
		esignClient = client
	} else if !errors.Is(err, esign.ErrNotConfigured) {
		return err
	} else {
		logger.Warn("e-sign integration disabled: credentials not configured")
	}

	var paymentClient *payment.Client
	if cfg.PaymentAPIKey != "" {
		paymentClient = payment.NewClient("", cfg.PaymentAPIKey, nil)
	}

	fanout := notify.NewFanout(
		notify.NewSMSClient("", cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFromNumber, nil),
		notify.NewEmailClient("", cfg.MailAPIKey, cfg.MailFromAddr, nil),
		logger,
	)

	registerWorkers(workerDeps{
		orch:       orch,
		checker:    checker,
		agreements: agreements,
		lifecycle:  lifecycle,
		esign:      esignClient,
		fanout:     fanout,
		logger:     logger,
	})

	// Completion events are confirmed against the provider before the
	// agreement moves to signed; without credentials there is nothing to ask.
	var envelopes webhook.Envelopes
	if esignClient != nil {
		envelopes = esignClient
	}

	ingestor := webhook.NewIngestor(
		[]byte(cfg.EsignWebhookSecret),
		[]byte(cfg.PaymentWebhookSecret),
		webhook.NewRedisDeduper(rdb),
		agreements,
		lifecycle,
		envelopes,
		orch,
		logger,
	)

	srv := server.New(server.Deps{
		Pool:         pool,
		Agreements:   agreements,
		Lifecycle:    lifecycle,
		Templates:    templates,
		AuditRepo:    auditRepo,
		Orchestrator: orch,
		Ingestor:     ingestor,
		Auth:         auth.NewService(cfg.AdminUser, cfg.AdminPasswordHash, cfg.AdminTokenSecret),
		Esign:        esignClient,
		Payments:     paymentClient,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("workers starting", "queues", len(jobs.DefaultPolicies()))
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
