package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/email-management-platform/backend/gmail-automation/internal/config"
)

const (
	defaultStartupRetries = 3
	defaultRetryDelay     = 5 * time.Second
)

var (
	serverStartupTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmail_automation_startup_timestamp",
		Help: "Timestamp when the server started.",
	})

	serverShutdownTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmail_automation_shutdown_timestamp",
		Help: "Timestamp when the server shut down.",
	})

	startupAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gmail_automation_startup_attempts_total",
		Help: "Total number of server startup attempts.",
	})

	startupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gmail_automation_startup_errors_total",
		Help: "Total number of server startup errors.",
	})
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(".", os.Getenv("ENV"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	srv, err := initializeServer(ctx, cfg, logger)
	cancelStartup()
	if err != nil {
		logger.Fatal("failed to initialize server",
			zap.Error(err),
			zap.Int("max_retries", defaultStartupRetries),
		)
	}

	serverStartupTime.SetToCurrentTime()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	sigChan := setupSignalHandler()
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	serverShutdownTime.SetToCurrentTime()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server gracefully", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("server shutdown completed successfully")
}

func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	return sigChan
}

// initializeServer attempts to construct the Server with retries, since
// provider construction can fail transiently (DNS not yet up, OAuth
// discovery endpoint unreachable) during container startup.
func initializeServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	var srv *Server
	var err error

	for attempt := 1; attempt <= defaultStartupRetries; attempt++ {
		startupAttempts.Inc()

		srv, err = newServer(ctx, cfg, logger)
		if err == nil {
			return srv, nil
		}

		startupErrors.Inc()
		logger.Warn("server initialization attempt failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", defaultStartupRetries),
		)

		if attempt < defaultStartupRetries {
			time.Sleep(defaultRetryDelay * time.Duration(attempt))
		}
	}

	return nil, err
}
