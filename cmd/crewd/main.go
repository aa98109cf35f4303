// crewd run executor server. Exposes the HTTP API, drains the run queue
// with a bounded worker pool, and streams run events live over SSE.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/crewrun/crewd/pkg/agent"
	"github.com/crewrun/crewd/pkg/api"
	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/database"
	"github.com/crewrun/crewd/pkg/eventlog"
	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/llm/bedrock"
	"github.com/crewrun/crewd/pkg/runner"
)

const shutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	settings := cfg.Settings

	slog.Info("Starting crewd",
		"http_port", settings.HTTPPort,
		"worker_pool_size", settings.WorkerPoolSize,
		"hierarchies", cfg.Registry.Len())

	// Durable event log: Redis Streams when configured, in-memory otherwise.
	var eventStore events.Store
	if settings.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		store := eventlog.NewRedisStore(redisClient)
		if err := store.Ping(ctx); err != nil {
			slog.Error("Failed to connect to Redis", "addr", settings.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisClient.Close() }()
		eventStore = store
		slog.Info("Connected to Redis event log", "addr", settings.RedisAddr)
	} else {
		eventStore = eventlog.NewMemoryStore()
		slog.Warn("No redis_addr configured, using in-memory event log")
	}

	// Run store: Postgres when configured, in-memory otherwise.
	var runStore runner.RunStore
	var dbClient *database.Client
	if settings.PostgresDSN != "" {
		dbClient, err = database.NewClient(ctx, database.Config{DSN: settings.PostgresDSN})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		runStore = database.NewRunStore(dbClient)
		slog.Info("Connected to PostgreSQL run store")
	} else {
		runStore = runner.NewMemoryRunStore()
		slog.Warn("No postgres_dsn configured, using in-memory run store")
	}

	runtime, err := bedrock.NewRuntime(ctx, settings.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}
	llmClient := bedrock.NewClient(runtime)
	defer func() { _ = llmClient.Close() }()

	bus := events.NewBus(eventStore)
	cancels := runner.NewCancelRegistry()
	tools := agent.StaticToolProvider{}
	run := runner.NewRunner(bus, eventStore, runStore, llmClient, tools, settings)
	manager := runner.NewManager(run, runStore, cfg.Registry, cancels, settings.WorkerPoolSize)
	manager.Run(ctx)

	server := api.NewServer(manager, runStore, bus, eventStore, cfg.Registry, dbHandle(dbClient), settings.SubscriberBuffer)

	if err := server.ListenAndServe(ctx, ":"+settings.HTTPPort, shutdownTimeout); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run pool shutdown error", "error", err)
	}
	slog.Info("crewd stopped")
}

func dbHandle(client *database.Client) *sql.DB {
	if client == nil {
		return nil
	}
	return client.DB()
}
