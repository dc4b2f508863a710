// Package main is the entry point for the rule automation service: it
// wires the rule store, provider adapter, pipeline executor, job manager,
// and optional audit repository behind an HTTP surface, with the
// teacher's gRPC health check and graceful-shutdown pattern carried over
// unchanged.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/email-management-platform/backend/gmail-automation/internal/config"
	"github.com/email-management-platform/backend/gmail-automation/internal/handlers"
	"github.com/email-management-platform/backend/gmail-automation/internal/jobs"
	"github.com/email-management-platform/backend/gmail-automation/internal/labels"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
	"github.com/email-management-platform/backend/gmail-automation/internal/pipeline"
	"github.com/email-management-platform/backend/gmail-automation/internal/repository"
	"github.com/email-management-platform/backend/gmail-automation/internal/rules"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider/gmail"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider/graph"
	"github.com/email-management-platform/backend/gmail-automation/pkg/ratelimit"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultRequestTimeout  = 30 * time.Second
)

var (
	serverUptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmail_automation_uptime_seconds",
		Help: "Time since server startup in seconds.",
	})

	activeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gmail_automation_active_connections",
		Help: "Number of active connections by protocol.",
	}, []string{"protocol"})
)

// Server bundles the HTTP surface, gRPC health check, and metrics
// endpoint, and owns the components wired to them.
type Server struct {
	cfg             *config.Config
	logger          *zap.Logger
	httpServer      *http.Server
	grpcServer      *grpc.Server
	metricsServer   *http.Server
	healthCheck     *health.Server
	auditRepo       *repository.AuditRepository
	db              *sql.DB
	shutdownTimeout time.Duration
	wg              sync.WaitGroup
}

// newServer constructs every domain component (provider adapter, rule
// store, label resolver, pipeline executor, job manager, optional audit
// repository) and wires them behind the HTTP handler surface.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store := rules.New(cfg.Store.Path, logger)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load rule store: %w", err)
	}

	prov, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	resolver := labels.New(prov)

	executor := pipeline.New(prov, resolver, pipeline.Config{
		ChunkSize:              cfg.Executor.ChunkSize,
		DetailFetchConcurrency: cfg.Executor.DetailFetchConcurrency,
		AllowDeletePermanent:   cfg.Executor.AllowDeletePermanent,
	}, logger)

	jobManager := jobs.New(logger)

	var auditRepo *repository.AuditRepository
	var db *sql.DB
	if cfg.Database.Host != "" {
		db, err = sql.Open("postgres", databaseDSN(cfg.Database))
		if err != nil {
			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}
		auditRepo, err = repository.NewAuditRepository(db)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit repository: %w", err)
		}
	} else {
		logger.Warn("database host not configured; audit log disabled, job tracking is memory-only")
	}

	startRun := func(runCtx context.Context, ruleIDs []string, dryRun bool) string {
		selected := selectRules(store.List(), ruleIDs)
		name := fmt.Sprintf("run:%d-rules", len(selected))
		taskIDCh := make(chan string, 1)
		taskID := jobManager.Submit(runCtx, name, func(jobCtx context.Context) (*models.RunSummary, error) {
			started := time.Now()
			summary, runErr := executor.Run(jobCtx, selected, dryRun, nil)
			if summary != nil && auditRepo != nil {
				ids := make([]string, len(selected))
				for i, r := range selected {
					ids[i] = r.ID
				}
				job := models.Job{ID: <-taskIDCh, Name: name, State: models.JobCompleted, Result: summary, StartTime: started, EndTime: time.Now()}
				if runErr != nil {
					job.State = models.JobFailed
					if jobCtx.Err() != nil {
						job.State = models.JobCancelled
					}
					job.Error = runErr.Error()
				}
				if recErr := auditRepo.Record(context.Background(), job, ids); recErr != nil {
					logger.Warn("failed to record audit log entry", zap.Error(recErr))
				}
			}
			return summary, runErr
		})
		taskIDCh <- taskID
		return taskID
	}

	handler, err := handlers.NewHandler(store, jobManager, startRun)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router.Group("/api/v1"))

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      time.Hour,
			MaxConnectionAgeGrace: time.Minute,
			Time:                  time.Minute,
			Timeout:               20 * time.Second,
		}),
	)
	healthCheck := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthCheck)

	return &Server{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Handler:      router,
			ReadTimeout:  defaultRequestTimeout,
			WriteTimeout: defaultRequestTimeout,
		},
		grpcServer:      grpcServer,
		metricsServer:   &http.Server{Handler: promhttp.Handler()},
		healthCheck:     healthCheck,
		auditRepo:       auditRepo,
		db:              db,
		shutdownTimeout: defaultShutdownTimeout,
	}, nil
}

// selectRules filters all to the subset named in ids, or returns all when
// ids is empty.
func selectRules(all []models.Rule, ids []string) []models.Rule {
	if len(ids) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []models.Rule
	for _, r := range all {
		if _, ok := want[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (provider.Provider, error) {
	rlCfg := ratelimit.Config{
		BaseDelay:     cfg.RateLimit.BaseDelay,
		MaxRetries:    cfg.RateLimit.MaxRetries,
		BackoffFactor: cfg.RateLimit.BackoffFactor,
	}

	if cfg.Outlook.TenantID != "" {
		return graph.New(ctx, graph.Config{
			TenantID:     cfg.Outlook.TenantID,
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			UserID:       cfg.Outlook.UserID,
			RateLimit:    rlCfg,
		}, logger)
	}

	return gmail.New(ctx, gmail.Config{
		CredentialsJSON: cfg.Gmail.CredentialsJSON,
		UserEmail:       cfg.Gmail.UserEmail,
		RateLimit:       rlCfg,
	}, logger)
}

func databaseDSN(db config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		db.Host, db.Port, db.Name, db.User, db.Password, db.SSLMode)
}

// Start launches the HTTP, gRPC, and metrics servers, each in its own
// goroutine, and begins uptime tracking.
func (s *Server) Start() error {
	go func() {
		start := time.Now()
		for {
			serverUptime.Set(time.Since(start).Seconds())
			time.Sleep(time.Second)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.httpServer.Addr = addr
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		activeConnections.WithLabelValues("http").Inc()
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
		activeConnections.WithLabelValues("http").Dec()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port+1)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("failed to start gRPC listener", zap.Error(err))
			return
		}
		s.logger.Info("starting gRPC health server", zap.String("addr", addr))
		activeConnections.WithLabelValues("grpc").Inc()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
		activeConnections.WithLabelValues("grpc").Dec()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port+2)
		s.metricsServer.Addr = addr
		s.logger.Info("starting metrics server", zap.String("addr", addr))
		if err := s.metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	s.healthCheck.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return nil
}

// Shutdown drains every server and releases the database connection, if
// any, within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")
	s.healthCheck.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	s.grpcServer.GracefulStop()
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if s.auditRepo != nil {
		if err := s.auditRepo.Close(); err != nil {
			s.logger.Error("audit repository close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		s.logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown deadline exceeded")
	}

	return s.logger.Sync()
}
