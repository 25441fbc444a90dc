package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/checkout"
	"github.com/xenking/print-checkout/internal/domain/payment"
	"github.com/xenking/print-checkout/internal/handler"
	"github.com/xenking/print-checkout/internal/notify"
	"github.com/xenking/print-checkout/internal/paymentgw"
	"github.com/xenking/print-checkout/internal/remote"
	"github.com/xenking/print-checkout/internal/storage/postgres"
	"github.com/xenking/print-checkout/pkg/health"
	"github.com/xenking/print-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, resumes unfinished orders, starts the HTTP
// server, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	orders := postgres.NewOrderRepository(pool)
	jobs := postgres.NewJobRepository(pool)
	attempts := postgres.NewAttemptRepository(pool)

	// Remote services.
	service := remote.New(remote.Config{
		BaseURL:         cfg.OrderService.URL,
		APIKey:          cfg.OrderService.APIKey,
		Timeout:         cfg.OrderService.Timeout,
		CompressUploads: cfg.OrderService.CompressUploads,
	}, lg, remote.WithTelemetry(m.TracerProvider(), m.MeterProvider()))

	gateway := paymentgw.New(paymentgw.Config{
		BaseURL:      cfg.Payment.GatewayURL,
		APIKey:       cfg.Payment.APIKey,
		PollInterval: cfg.Payment.PollInterval,
		Timeout:      cfg.Payment.Timeout,
	}, lg, paymentgw.WithTelemetry(m.TracerProvider(), m.MeterProvider()))
	payments := payment.NewRouter(attempts, lg, gateway.Providers()...)

	// Order events.
	var writer notify.Writer
	if len(cfg.Kafka.Brokers) > 0 {
		writer = notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	publisher := notify.NewPublisher(lg, writer, cfg.Kafka.Buffer)
	publisherDone := make(chan error, 1)
	go func() { publisherDone <- publisher.Run(ctx) }()

	manager, err := checkout.NewManager(ctx, checkout.Deps{
		Orders:         orders,
		Jobs:           jobs,
		Source:         asset.DirSource{Dir: cfg.Assets.Dir},
		Uploader:       service,
		Service:        service,
		Payments:       payments,
		Delegate:       publisher,
		Logger:         lg,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	}, checkout.Options{
		UploadWorkers:         cfg.Pipeline.UploadWorkers,
		PollInterval:          cfg.Pipeline.PollInterval,
		MaxPolls:              cfg.Pipeline.MaxPolls,
		SubmitTimeout:         cfg.Pipeline.SubmitTimeout,
		AuthorizeDuringUpload: cfg.Pipeline.AuthorizeDuringUpload,
	})
	if err != nil {
		return errors.Wrap(err, "create checkout manager")
	}
	if err := manager.ResumeAll(ctx); err != nil {
		return errors.Wrap(err, "resume orders")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("order_service", 5*time.Second,
		health.HTTPCheck(&http.Client{}, cfg.OrderService.URL),
		health.WithThresholds(5, 1),
	)
	if len(cfg.Kafka.Brokers) > 0 {
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, kafkaCheck(cfg.Kafka.Brokers), health.WithThresholds(5, 1))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.New(handler.Config{DefaultCurrency: cfg.Pipeline.Currency}, orders,
		handler.ProcessorsFunc(func(orderID string) handler.Processing {
			return manager.Processor(orderID)
		}),
	)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", httpmiddleware.Wrap(h.Routes(),
		httpmiddleware.APIKey([]byte(cfg.APIKeyPepper), cfg.APIKeys...),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("checkout-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain requests and
	// running attempts, then flush events.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		if err := manager.Wait(shutdownCtx); err != nil {
			lg.Warn("Attempts still running at shutdown", zap.Error(err))
		}
		if err := <-publisherDone; err != nil {
			lg.Error("Publisher error", zap.Error(err))
		}
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		publisher.Flush(flushCtx)
		cancelFlush()
		if err := publisher.Close(); err != nil {
			lg.Error("Close publisher", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// kafkaCheck fails when none of the brokers accepts a connection.
func kafkaCheck(brokers []string) health.CheckFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for _, addr := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err != nil {
				lastErr = err
				continue
			}
			_ = conn.Close()
			return nil
		}
		return errors.Wrap(lastErr, "dial kafka")
	}
}
