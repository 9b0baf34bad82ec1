// Opsloop gateway — the HTTP face of the agent: webhook intake from the
// upstream providers, the operator admin API (drafts, proposals, dead
// letters, knowledge, queue control, analytics), and the one-time OAuth
// bootstrap for the mail provider.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsloop/opsloop/pkg/api"
	"github.com/opsloop/opsloop/pkg/approvals"
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/database"
	"github.com/opsloop/opsloop/pkg/guardrails"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/patterns"
	"github.com/opsloop/opsloop/pkg/queue"
	"github.com/opsloop/opsloop/pkg/sandbox"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/slack"
	"github.com/opsloop/opsloop/pkg/sources"
	"github.com/opsloop/opsloop/pkg/tools"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}
	setupLogging(getEnv("LOG_LEVEL", "info"))

	httpAddr := getEnv("HTTP_ADDR", ":8080")
	slog.Info("Starting opsloop gateway", "http_addr", httpAddr, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to PostgreSQL and apply migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect to the KV store
	kvConfig, err := kv.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load KV config", "error", err)
		os.Exit(1)
	}
	kvClient, err := kv.NewClient(ctx, kvConfig)
	if err != nil {
		slog.Error("Failed to connect to KV store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kvClient.Close(); err != nil {
			slog.Error("Error closing KV client", "error", err)
		}
	}()
	slog.Info("Connected to KV store")

	// 4. Create domain services
	db := dbClient.DB()
	eventService := services.NewEventService(db)
	dlqService := services.NewDLQService(db)
	draftService := services.NewDraftService(db)
	proposalService := services.NewProposalService(db)
	knowledgeService := services.NewKnowledgeService(db)
	actionService := services.NewActionService(db)
	sessionService := services.NewSessionService(db)
	baselineService := services.NewBaselineService(db)
	solutionService := services.NewSolutionService(db)
	dynamicToolService := services.NewDynamicToolService(db)
	configService := services.NewConfigService(db)
	slog.Info("Services initialized")

	// 5. Critical alert channel (optional)
	var slackService *slack.Service
	if cfg.Alerts.Enabled {
		slackService = slack.NewService(slack.ServiceConfig{
			Token:        os.Getenv(cfg.Alerts.TokenEnv),
			Channel:      cfg.Alerts.Channel,
			DashboardURL: cfg.DashboardURL,
		})
	}

	// 6. Event queue (the gateway publishes; workers consume)
	q := queue.NewQueue(kvClient, eventService, dlqService, cfg.Queue, slackService)

	// 7. LLM router and embedder for the approval workflow's learning
	// analysis and operator-created knowledge entries
	router := llm.NewRouter(cfg.LLM, kvClient)
	var embedder *llm.Embedder
	if cfg.LLM.OpenAIAPIKey != "" {
		embedder, err = llm.NewEmbedder(cfg.Embedding, cfg.LLM.OpenAIAPIKey)
		if err != nil {
			slog.Warn("Embedder unavailable; knowledge entries stored text-searchable only", "error", err)
		}
	}

	// 8. Approval workflow. Approving a tool_creation proposal validates
	// and persists the tool here; workers pick it up on their next reload.
	guardEngine := guardrails.New(cfg.Guardrails, kvClient, actionService)
	registry := tools.NewRegistry(cfg.Tools, cfg.Sources, guardEngine)
	dynamicManager := tools.NewDynamicManager(registry, dynamicToolService,
		sandbox.NewValidator(), sandbox.NewRunner(cfg.Sandbox))

	baselineCache := patterns.NewCache()
	if all, err := baselineService.All(ctx); err != nil {
		slog.Warn("Could not load baselines", "error", err)
	} else {
		baselineCache.ReplaceAll(all)
	}

	approvalDeps := approvals.Deps{
		Drafts:    draftService,
		Proposals: proposalService,
		Knowledge: knowledgeService,
		Solutions: solutionService,
		Baselines: baselineService,
		Events:    eventService,
		Queue:     q,
		Actions:   actionService,
		Tools:     dynamicManager,
		Cache:     baselineCache,
		LLM:       router,
	}
	if cfg.Sources.Mail.IsEnabled() {
		approvalDeps.Mail = sources.NewMailClient(cfg.Sources.Mail)
	} else {
		slog.Warn("Mail source not configured; approved drafts will not be sent")
	}
	if embedder != nil {
		approvalDeps.Embedder = embedder
	}
	approvalService := approvals.NewService(approvalDeps)

	// 9. HTTP server
	server := api.NewServer(cfg, dbClient, kvClient, q, api.Services{
		Events:    eventService,
		DLQ:       dlqService,
		Drafts:    draftService,
		Proposals: proposalService,
		Knowledge: knowledgeService,
		Actions:   actionService,
		Sessions:  sessionService,
		Solutions: solutionService,
		Configs:   configService,
	}, approvalService)
	if embedder != nil {
		server.SetEmbedder(embedder)
	}
	if err := server.ValidateWiring(); err != nil {
		slog.Error("Server wiring incomplete", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpAddr)
		if err := server.Start(httpAddr); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Opsloop gateway started")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Drain in-flight requests
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
