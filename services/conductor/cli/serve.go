package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imaginary-cherry/mageflow/internal/chain"
	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/handlers"
	"github.com/imaginary-cherry/mageflow/internal/inspect"
	"github.com/imaginary-cherry/mageflow/internal/invoker"
	"github.com/imaginary-cherry/mageflow/internal/kafka"
	"github.com/imaginary-cherry/mageflow/internal/postgres"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/internal/signature"
	"github.com/imaginary-cherry/mageflow/internal/swarm"
	"github.com/imaginary-cherry/mageflow/pkg/telemetry"
	"github.com/imaginary-cherry/mageflow/services/conductor"
	"github.com/imaginary-cherry/mageflow/services/conductor/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conductor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "",
		"PostgreSQL DSN for the execution journal; empty disables the journal")
	serveCmd.Flags().Int("max-retries", 3, "default maximum retry attempts per task")
	serveCmd.Flags().Duration("task-timeout", 30*time.Second, "per-attempt execution timeout")
	serveCmd.Flags().String("http-addr", ":8080", "inspection API server address")
	serveCmd.Flags().Int("api-rate-limit", 100, "max inspection requests per second per client (0 = disabled)")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("reconcile-schedule", "@every 30s", "cron schedule for the swarm reconciler sweep")
	serveCmd.Flags().String("smtp-host", "", "SMTP server host; empty disables the built-in email task")
	serveCmd.Flags().Int("smtp-port", 1025, "SMTP server port")
	serveCmd.Flags().String("smtp-from", "noreply@mageflow.dev", "SMTP sender address")
	serveCmd.Flags().String("smtp-username", "", "SMTP auth username")
	serveCmd.Flags().String("smtp-password", "", "SMTP auth password or app password")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("api_rate_limit", serveCmd.Flags(), "api-rate-limit")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("reconcile_schedule", serveCmd.Flags(), "reconcile-schedule")
	bindFlag("smtp_host", serveCmd.Flags(), "smtp-host")
	bindFlag("smtp_port", serveCmd.Flags(), "smtp-port")
	bindFlag("smtp_from", serveCmd.Flags(), "smtp-from")
	bindFlag("smtp_username", serveCmd.Flags(), "smtp-username")
	bindFlag("smtp_password", serveCmd.Flags(), "smtp-password")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("smtp_password", "SMTP_PASSWORD")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "conductor-" + uuid.New().String()[:8]

	logger := buildLogger(cfg.LogLevel, "conductor").With(
		slog.String("instance_id", instanceID),
	)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "conductor", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")

	consumer := kafka.NewConsumer(brokers, engine.TopicDispatch, engine.GroupConductor, logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	trigger := engine.NewKafkaTrigger(producer)

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStore(redisClient)

	var journal postgres.ExecutionJournal
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		journal = postgres.NewJournal(pool)
	}

	sigs := signature.NewService(store, trigger, logger)
	chains := chain.New(sigs, logger)
	swarms := swarm.New(sigs, logger)

	registry := engine.NewRegistry()
	chains.RegisterHandlers(registry)
	swarms.RegisterHandlers(registry)

	registry.Register(handlers.NewWebhook())
	if cfg.SMTPHost != "" {
		registry.Register(handlers.NewEmail(handlers.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}))
	}

	invOpts := []invoker.Option{
		invoker.WithRetries(cfg.MaxRetries),
		invoker.WithTimeout(cfg.TaskTimeout),
	}
	if journal != nil {
		invOpts = append(invOpts, invoker.WithJournal(journal))
	}
	inv := invoker.New(sigs, registry, logger, invOpts...)
	inv.RegisterContainer(domain.KindChain, chains)

	cond := conductor.New(consumer, inv, logger)
	reconciler := conductor.NewReconciler(
		store, redisClient, trigger, instanceID, cfg.ReconcileSchedule, logger,
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := reconciler.Start(runCtx); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(inspect.RequestLogger(logger))
	if cfg.APIRateLimit > 0 {
		limiter := redisstore.NewRateLimiter(redisClient, cfg.APIRateLimit, time.Second)
		r.Use(inspect.Throttle(limiter, logger))
		logger.Info("rate limiter enabled", slog.Int("limit_per_second", cfg.APIRateLimit))
	}
	inspect.NewREST(store, journal, logger).Routes(r)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("inspection API listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("inspection API server", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight jobs...")
		runCancel()
	}()

	logger.Info("conductor starting",
		slog.String("topic", engine.TopicDispatch),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Duration("task_timeout", cfg.TaskTimeout),
		slog.String("reconcile_schedule", cfg.ReconcileSchedule),
	)

	if err := cond.Run(runCtx); err != nil {
		return fmt.Errorf("conductor: %w", err)
	}

	cond.Wait()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped cleanly")
	return nil
}
