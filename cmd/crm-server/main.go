package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"onboarding-crm/internal/api"
	"onboarding-crm/internal/applications"
	"onboarding-crm/internal/common/auth"
	awsclients "onboarding-crm/internal/common/aws"
	"onboarding-crm/internal/common/camunda"
	"onboarding-crm/internal/common/config"
	"onboarding-crm/internal/common/database"
	"onboarding-crm/internal/common/environment"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/observability"
	"onboarding-crm/internal/events"
	"onboarding-crm/internal/prospects"
	"onboarding-crm/internal/search"
	pdf "onboarding-crm/internal/workers/application/generate-application-pdf"
	sn "onboarding-crm/internal/workers/application/send-notification"
	"onboarding-crm/internal/workers/dispatch"
	"onboarding-crm/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	bootLog := logger.New("info", "console")

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.NewWithOutput(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{"service": cfg.App.Name})

	// run returns only after its deferred cleanup has completed.
	if err := run(cfg, log); err != nil {
		log.Error("CRM server failed", map[string]interface{}{"error": err.Error()})
		_ = zapLog.Sync()
		os.Exit(1)
	}
	_ = zapLog.Sync()
}

func run(cfg *config.Config, log logger.Logger) error {
	log.Info("Starting CRM server...", map[string]interface{}{"version": cfg.App.Version})

	obs := observability.New(cfg.Tracing, log)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	var gatewayOpts []database.GatewayOption
	if cfg.Environments.AutoMigrate {
		gatewayOpts = append(gatewayOpts, database.WithOnOpen(func(ctx context.Context, env environment.Environment, db *sql.DB) error {
			return database.Migrate(ctx, db)
		}))
	}
	gateway := database.NewGateway(cfg.Environments.Databases, log, gatewayOpts...)
	defer gateway.Close()

	// --- Environment selection ---
	fallback, err := environment.Parse(cfg.Environments.Default)
	if err != nil {
		return fmt.Errorf("invalid default environment: %w", err)
	}

	var store environment.Store
	switch {
	case cfg.Database.Redis.Address != "":
		redis := database.NewRedis(cfg.Database.Redis)
		defer redis.Close()
		err = retryWithBackoff(func() error {
			return redis.Ping(ctx)
		}, 5, time.Second, log, "Redis connection")
		if err != nil {
			return err
		}
		store = environment.NewRedisStore(redis.Client, cfg.Environments.SelectorKey)
		log.Info("Environment selector backed by Redis", nil)
	case cfg.Environments.Databases[string(fallback)].GetDSN() != "":
		store = database.NewSettingsStore(gateway, fallback, cfg.Environments.SelectorKey)
		log.Info("Environment selector backed by settings table", map[string]interface{}{"environment": string(fallback)})
	default:
		store = environment.NewMemoryStore()
		log.Warn("Environment selector is process-local", nil)
	}
	selector := environment.NewSelector(store, fallback, config.GetDuration(cfg.Environments.CacheTTL), log)
	resolver := environment.NewResolver(cfg.Environments.ProductionHosts, selector)

	// --- Templates ---
	reg, err := registry.LoadRegistry(cfg.Templates.RegistryPath)
	if err != nil {
		return fmt.Errorf("template registry load failed: %w", err)
	}
	for _, problem := range reg.Validate() {
		log.Warn("Template registry problem", map[string]interface{}{"error": problem.Error()})
	}

	// --- Core services ---
	bus := events.NewBus(config.GetDuration(cfg.Notifications.EventTimeout), log)
	controller := applications.NewController(gateway, reg, bus, obs, log)
	signatures := prospects.NewService(gateway, bus, cfg.Notifications.SignatureURL, log)

	// --- Search ---
	var searcher api.Searcher
	if cfg.Database.Elasticsearch.Enabled() {
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return fmt.Errorf("elasticsearch client failed: %w", err)
		}
		if err := es.Ping(ctx); err != nil {
			log.Warn("Elasticsearch unreachable, indexing will retry per event", map[string]interface{}{"error": err.Error()})
		}
		indexer := search.NewIndexer(es.Client, cfg.Database.Elasticsearch.IndexPrefix, log)
		bus.Register(indexer)
		searcher = indexer
	}

	// --- Workers ---
	messaging, err := awsclients.NewClients(ctx, cfg.Integrations.AWS.Region,
		cfg.Integrations.AWS.SES.Enabled, cfg.Integrations.AWS.SNS.Enabled)
	if err != nil {
		return fmt.Errorf("aws clients failed: %w", err)
	}
	notifier := sn.NewHandler(sn.LoadConfig(cfg), gateway, messaging, log)

	var pdfHandler *pdf.Handler
	var pdfGen api.PDFGenerator
	if cfg.PDF.Enabled() {
		pdfHandler = pdf.NewHandler(pdf.LoadConfig(cfg), controller, reg, log)
		pdfGen = pdfHandler
	}

	var zeebe *camunda.Client
	var jobWorkers []*camunda.CamundaWorker
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClient(cfg.Camunda)
			if err != nil {
				return err
			}
			if err = zeebe.HealthCheck(ctx); err != nil {
				zeebe.Close()
				return err
			}
			return nil
		}, 10, 2*time.Second, log, "Zeebe client initialization")
		if err != nil {
			return err
		}
		log.Info("Zeebe client connected successfully", nil)

		bus.Register(camunda.NewStatusPublisher(zeebe, cfg.Camunda.MessageName, config.GetDuration(cfg.Camunda.MessageTTL)))
		bus.Register(dispatch.NewLocalDispatcher(notifier, pdfGen, log, dispatch.SkipApplicationEvents()))

		handlers := map[string]camunda.JobHandler{sn.TaskType: notifier}
		if pdfHandler != nil {
			handlers[pdf.TaskType] = pdfHandler
		}
		for taskType, handler := range handlers {
			if !config.IsWorkerEnabled(cfg, taskType) {
				log.Info("worker disabled", map[string]interface{}{"taskType": taskType})
				continue
			}
			wcfg := config.GetWorkerConfig(cfg, taskType)
			jobWorkers = append(jobWorkers, camunda.NewWorker(
				zeebe.GetClient(), taskType, wcfg.MaxJobsActive, config.GetDuration(wcfg.Timeout), handler, obs, log,
			))
		}
	} else {
		bus.Register(dispatch.NewLocalDispatcher(notifier, pdfGen, log))
	}

	// --- HTTP ---
	server := api.NewServer(api.Deps{
		Applications: controller,
		Signatures:   signatures,
		Search:       searcher,
		PDF:          pdfGen,
		Resolver:     resolver,
		Verifier:     auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Pinger:       gateway,
		Logger:       log,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Routes(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
		IdleTimeout:  config.GetDuration(cfg.Server.IdleTimeout),
	}

	serveErr := make(chan error, 2)
	go func() {
		log.Info("HTTP server listening", map[string]interface{}{"address": cfg.Server.Address})
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux}
		go func() {
			log.Info("Metrics server listening", map[string]interface{}{"address": cfg.Server.MetricsAddress})
			if err := metricsServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// --- Graceful Shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case runErr = <-serveErr:
		log.Error("Server failed", map[string]interface{}{"error": runErr.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	for _, w := range jobWorkers {
		w.Stop()
	}
	bus.Wait()
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			log.Error("Error closing Zeebe client", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("CRM server stopped", nil)
	return runErr
}
