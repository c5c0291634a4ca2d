package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/relaycrm/outreach/internal/outreach_service/adapters/provider"
	"github.com/relaycrm/outreach/internal/outreach_service/app"
	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	httptransport "github.com/relaycrm/outreach/internal/outreach_service/transport/http"
	"github.com/relaycrm/outreach/internal/platform/clock"
	"github.com/relaycrm/outreach/internal/platform/config"
	"github.com/relaycrm/outreach/internal/platform/logger"
	"github.com/relaycrm/outreach/internal/platform/messagebroker"
)

const (
	serviceName     = "outreach-service"
	shutdownTimeout = 15 * time.Second
)

func main() {
	configDir := flag.String("config-dir", "", "directory containing config.defaults.yaml")
	dev := flag.Bool("dev", false, "seed sample contacts into the memory store and print an operator token")
	flag.Parse()

	if err := run(*configDir, *dev); err != nil {
		slog.Error("Service exited with error", "service", serviceName, "error", err)
		os.Exit(1)
	}
}

func run(configDir string, dev bool) error {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	appLogger, logCloser, err := logger.NewWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logCloser.Close()
	appLogger = appLogger.With("service", serviceName)
	slog.SetDefault(appLogger)
	appLogger.Info("Starting service", "store_driver", cfg.StoreDriver, "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	clk := clock.Real()

	st, err := openStore(mainCtx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	var publisher domain.EventPublisher = app.NoopPublisher{}
	if cfg.NATSUrl != "" {
		natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()
		publisher = natsClient
	} else {
		appLogger.Info("NATS_URL not set; lifecycle events are not published")
	}

	engine := app.NewEngine(st.repos, app.Collaborators{
		Provider:  provider.NewMockProvider(appLogger.With("component", "mock_provider"), clk, cfg.MockProviderFailRate),
		Contacts:  st.contacts,
		Publisher: publisher,
	}, clk, appLogger, engineConfig(cfg))

	if dev {
		if err := seedDevData(mainCtx, st, clk, cfg, appLogger); err != nil {
			return err
		}
	}

	handler := httptransport.NewSuggestionHandler(engine.Approval, engine.Correlator, appLogger, validator.New())
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httptransport.NewRouter(httptransport.RouterConfig{
			Handler:        handler,
			JWTSecret:      []byte(cfg.JWTSecret),
			Logger:         appLogger,
			RequestTimeout: cfg.ExternalCallTimeout * 3,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	g, gCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error { return engine.Scheduler.Run(gCtx) })
	g.Go(func() error { return engine.Correlator.Run(gCtx) })

	g.Go(func() error {
		appLogger.Info("HTTP server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		grpcAddr := fmt.Sprintf(":%d", cfg.GRPCPort)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		appLogger.Info("gRPC health server listening", "address", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		appLogger.Info("Received shutdown signal", "signal", sig.String())
	case <-watchGroup(g):
		appLogger.Warn("A service component exited; shutting down")
	}
	mainCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Service shut down gracefully")
	return nil
}

// watchGroup closes the returned channel once every goroutine in g has
// returned.
func watchGroup(g *errgroup.Group) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	return done
}

func engineConfig(cfg *config.Config) app.EngineConfig {
	return app.EngineConfig{
		Scheduler: app.SchedulerConfig{
			PollInterval: cfg.SchedulerPollInterval,
			BatchSize:    cfg.SchedulerBatchSize,
		},
		Send: app.SendConfig{
			MaxAttempts:   cfg.SendMaxAttempts,
			BackoffBase:   cfg.SendBackoffBase,
			BackoffMax:    cfg.SendBackoffMax,
			FollowUpDelay: cfg.FlowFollowUpDelay,
			Timeout:       cfg.ExternalCallTimeout,
		},
		Correlator: app.CorrelatorConfig{
			Accounts:     cfg.Accounts,
			PollInterval: cfg.IngestPollInterval,
			Timeout:      cfg.ExternalCallTimeout,
		},
		Drafts: app.DraftConfig{
			SenderName:   cfg.SenderName,
			DefaultDelay: cfg.DraftDefaultDelay,
			Timeout:      cfg.ExternalCallTimeout,
		},
		DefaultAccount: cfg.DefaultAccount,
	}
}
