package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc/reflection"

	"github.com/bookstore/services/circulation/internal/config"
	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/events"
	grpcserver "github.com/bookstore/services/circulation/internal/grpc"
	"github.com/bookstore/services/circulation/internal/httpapi"
	"github.com/bookstore/services/circulation/internal/lending"
	"github.com/bookstore/services/circulation/internal/metrics"
	"github.com/bookstore/services/circulation/internal/repo"
	"github.com/bookstore/services/circulation/internal/sweeper"
	"github.com/bookstore/services/circulation/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Circulation service starting", zap.String("db_driver", cfg.DBDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Open(cfg.DBDriver, dsnFor(cfg))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize repositories
	ledger := repo.NewAvailabilityLedger(database, log)
	ledger.OnViolation = m.LedgerViolation
	loans := repo.NewLoanRepository(database, log)
	policies := repo.NewPolicyRepository(database, log, db.Policy{
		PickupWindowDays: cfg.DefaultPickupWindowDays,
		StandardLoanDays: cfg.DefaultLoanDays,
		DailyFineAmount:  cfg.DefaultDailyFine,
	})

	health := map[string]func() error{"database": database.Ping}

	// Connect to RabbitMQ. Loans keep working without it; events are lost.
	opts := lending.Options{
		Metrics:             m,
		ReservationCooldown: cfg.ReservationCooldown,
	}

	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Warn("RabbitMQ unavailable, loan events disabled", zap.Error(err))
	} else {
		defer publisher.Close()
		opts.Publisher = publisher
		health["publisher"] = brokerCheck(publisher.IsHealthy)
	}

	consumer := events.NewConsumer(cfg.ServiceName, ledger, log)
	if err := consumer.Connect(cfg.RabbitMQURL); err != nil {
		log.Warn("RabbitMQ unavailable, catalog events disabled", zap.Error(err))
	} else {
		defer consumer.Close()
		health["consumer"] = brokerCheck(consumer.IsHealthy)

		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error("Consumer error", zap.Error(err))
			}
		}()
		log.Info("Event consumer started")
	}

	engine := lending.NewEngine(database, loans, ledger, policies, log, opts)

	// Start sweeper
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := sweeper.New(engine, cfg.SweepInterval, log).Run(ctx); err != nil {
			log.Error("Sweeper error", zap.Error(err))
		}
	}()

	// Create gRPC server
	grpcChecks := make(map[string]grpcserver.Check, len(health))
	for name, check := range health {
		grpcChecks[name] = check
	}
	grpcServer := grpcserver.NewServer(grpcserver.NewHealthServer(cfg.ServiceName, grpcChecks, log), log)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Start HTTP API
	httpChecks := make(map[string]httpapi.HealthFunc, len(health))
	for name, check := range health {
		httpChecks[name] = check
	}
	app := httpapi.NewApp(httpapi.Config{
		Handler:  httpapi.NewHandler(engine, log),
		Gatherer: registry,
		Health:   httpChecks,
		Log:      log,
	})

	go func() {
		addr := fmt.Sprintf(":%s", cfg.HTTPPort)
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info("Shutting down server...")

	// Graceful shutdown
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	<-sweepDone

	log.Info("Server stopped")
}

func dsnFor(cfg *config.Config) string {
	if cfg.DBDriver == db.DriverSQLite {
		return cfg.SQLitePath
	}
	return cfg.PGDSN
}

func brokerCheck(healthy func() bool) func() error {
	return func() error {
		if !healthy() {
			return errors.New("rabbitmq connection closed")
		}
		return nil
	}
}
