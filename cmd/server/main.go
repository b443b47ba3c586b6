package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/poplovexz/qiyewenjian-sub002/internal/client"
	"github.com/poplovexz/qiyewenjian-sub002/internal/config"
	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/handler"
	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/notify"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUDIT_CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("database_driver", cfg.Database.Driver).
		Msg("Starting audit workflow service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	// Notification dispatcher, plus NATS fan-out when configured
	dispatcher := notify.NewDispatcher(store, notify.Config{
		Workers:        cfg.Notifications.Workers,
		QueueSize:      cfg.Notifications.QueueSize,
		MaxRetries:     cfg.Notifications.MaxRetries,
		InitialBackoff: cfg.Notifications.InitialBackoff,
		MaxBackoff:     cfg.Notifications.MaxBackoff,
	}, log)
	publishers := service.MultiPublisher{dispatcher}

	var natsConn *nats.Conn
	if cfg.Notifications.NATSURL != "" {
		natsConn, err = client.Connect(cfg.Notifications.NATSURL, log)
		if err != nil {
			// Fan-out is optional; in-app notifications still work without it.
			log.Error().Err(err).Str("url", cfg.Notifications.NATSURL).Msg("Failed to connect to NATS, event fan-out disabled")
		} else {
			publishers = append(publishers, client.NewEventPublisher(natsConn, cfg.Notifications.NATSSubjectPrefix, log))
			log.Info().Str("url", natsConn.ConnectedUrl()).Msg("NATS connection established")
		}
	}

	// Initialize services
	resolver := service.NewApproverResolver(service.ResolverConfig{
		DefaultApproverID: cfg.Audit.DefaultApproverID,
		FallbackRole:      cfg.Audit.FallbackRole,
		RoleAssignments:   cfg.Audit.RoleAssignments,
	}, log)
	auditService := service.NewAuditService(store, resolver, publishers, log)

	if len(cfg.Audit.Users) > 0 {
		if err := auditService.SeedDirectory(ctx, directoryUsers(cfg.Audit.Users)); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed user directory")
		}
	}
	if cfg.Audit.SeedDefaultRules {
		seeded, err := auditService.SeedDefaults(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed default audit rules")
		}
		log.Info().Int("rules", seeded).Msg("Default audit rules checked")
	}

	dispatcher.Start()

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(auditService, store.Ping, log)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Routes(handler.RouterOptions{
			Metrics:         cfg.Metrics.Enabled,
			RequestTimeout:  cfg.Server.WriteTimeout,
			EnforceApprover: cfg.Audit.EnforceApprover,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	// Start gRPC server: health and reflection only
	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort != 0 {
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryServerInterceptor(log)))
		healthServer := health.NewServer()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)

		grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create gRPC listener")
		}

		go func() {
			log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
			if err := grpcServer.Serve(grpcListener); err != nil {
				log.Error().Err(err).Msg("gRPC server failed")
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	// Pending notifications are flushed before the store closes.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Notification dispatcher did not drain in time")
	}
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
			natsConn.Close()
		}
	}

	log.Info().Msg("Server stopped")
}

// openStore returns the configured store and its cleanup function.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func()) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn().Msg("Using in-memory store; state is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}

	dbCfg := database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Name,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	}

	if cfg.Database.MigrateOnStart {
		if err := database.RunMigrations(dbCfg.URL(), "up"); err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}
		version, dirty, err := database.MigrationVersion(dbCfg.URL())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read migration version")
		} else {
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Database migrations applied")
		}
	}

	db, err := database.New(ctx, dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	return repository.NewPostgresStore(db), db.Close
}

func directoryUsers(entries []config.DirectoryUser) []*repository.User {
	users := make([]*repository.User, 0, len(entries))
	for _, e := range entries {
		users = append(users, &repository.User{
			ID:         e.ID,
			Name:       e.Name,
			Department: e.Department,
			Active:     e.IsActive(),
			Roles:      e.Roles,
		})
	}
	return users
}
