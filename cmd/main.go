// Package main is the entry point for the Vigil control plane.
//
// It wires together all components: configuration, metric and action
// repositories, the policy registry and engine, the remediation queue, the
// worker pool, the scheduled runner, and the HTTP API server. It supports
// graceful shutdown on SIGINT/SIGTERM: workers are signalled and given up
// to the configured shutdown timeout to drain in-flight dispatches.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techmedaddy/vigil/api"
	"github.com/techmedaddy/vigil/internal/policy"
	"github.com/techmedaddy/vigil/internal/queue"
	"github.com/techmedaddy/vigil/internal/runner"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/internal/worker"
	"github.com/techmedaddy/vigil/pkg/config"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  Vigil - Self-Healing Control Plane")
	fmt.Println("==============================================")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Configuration loaded: port=%s, log_level=%s, workers=%d, remediator=%s",
		cfg.Port, cfg.LogLevel, cfg.MaxConcurrentWorkers, cfg.RemediatorURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize repositories. Without a reachable database Vigil keeps
	// running on in-memory stores, losing persistence but not availability.
	var (
		actionStore store.ActionStore
		metricStore store.MetricStore
	)
	pool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
	if poolErr != nil {
		log.Printf("WARNING: Failed to connect to database: %v (running without persistence)", poolErr)
	}
	if pool != nil {
		if err := pool.Ping(ctx); err != nil {
			log.Printf("WARNING: Database unreachable: %v (running without persistence)", err)
			pool.Close()
			pool = nil
		}
	}
	if pool != nil {
		defer pool.Close()
		pg := store.NewPgStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure database schema: %v", err)
		}
		actionStore = pg
		metricStore = pg
		log.Printf("Database connected: %s", maskDSN(cfg.DatabaseURL))
	} else {
		actionStore = store.NewMemoryActionStore()
		metricStore = store.NewMemoryMetricStore()
	}

	// Initialize the remediation queue. Redis gives durability across
	// restarts; without it an in-process queue keeps the loop alive.
	var tasks queue.Queue
	redisQueue, err := queue.NewRedisQueue(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("WARNING: %v (falling back to in-process queue, tasks will not survive restarts)", err)
		tasks = queue.NewMemoryQueue()
	} else {
		tasks = redisQueue
	}
	defer tasks.Close()

	// Policy registry, cooldowns, and engine.
	registry := policy.NewRegistry()
	cooldown := policy.NewCooldownRegistry()
	engine := policy.NewEngine(registry, cooldown)

	if _, err := os.Stat(cfg.PolicyPath); err == nil {
		if err := registry.ReloadFromFile(cfg.PolicyPath); err != nil {
			log.Fatalf("Failed to load policies from %s: %v", cfg.PolicyPath, err)
		}
		log.Printf("Loaded %d policies from %s", registry.Len(), cfg.PolicyPath)
	} else {
		log.Printf("No policy file at %s, starting with an empty registry", cfg.PolicyPath)
	}

	// Worker pool and dispatch pipeline.
	producer := worker.NewProducer(actionStore, tasks)
	breaker := worker.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerWindow, cfg.BreakerCooldown)
	remediator := worker.NewRemediatorClient(cfg.RemediatorURL, cfg.ExecutionTimeout)

	workerPool := worker.NewPool(worker.Config{
		MaxConcurrent:        cfg.MaxConcurrentWorkers,
		QueuePollTimeout:     cfg.QueuePollTimeout,
		ExecutionTimeout:     cfg.ExecutionTimeout,
		RetryMaxAttempts:     cfg.RetryMaxAttempts,
		RetryBaseDelay:       cfg.RetryBaseDelay,
		RetryMaxDelay:        cfg.RetryMaxDelay,
		RetryExponentialBase: cfg.RetryExponentialBase,
		ShutdownTimeout:      cfg.ShutdownTimeout,
	}, tasks, actionStore, breaker, remediator)
	workerPool.Start(ctx)

	// Scheduled re-evaluation over recent samples.
	evalRunner := runner.New(engine, metricStore, producer, cfg.RunnerEnabled, cfg.RunnerInterval, cfg.RunnerBatch)
	evalRunner.Start(ctx)

	// Setup Gin router
	if strings.ToLower(cfg.LogLevel) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(api.MetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := api.NewHandler(engine, actionStore, metricStore, tasks, producer, evalRunner, workerPool, cfg.PolicyPath)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Vigil control plane is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down Vigil control plane...")

	// Stop producing: runner first, then drain the workers. Unclaimed
	// envelopes stay on the queue for the next start.
	evalRunner.Stop()
	workerPool.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Vigil control plane stopped")
}

// maskDSN masks the password in a database connection string for safe logging.
func maskDSN(dsn string) string {
	at := strings.IndexByte(dsn, '@')
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.IndexByte(creds, ':'); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":****" + dsn[at:]
	}
	return dsn
}
