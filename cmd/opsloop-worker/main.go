// Opsloop worker — claims events from the queue and runs them through the
// processing pipeline. Also hosts the heartbeat scheduler (source pollers,
// pattern detection, cron events), the external tool servers, and retention
// cleanup.
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

	"github.com/opsloop/opsloop/pkg/agent"
	"github.com/opsloop/opsloop/pkg/classifier"
	"github.com/opsloop/opsloop/pkg/cleanup"
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/database"
	"github.com/opsloop/opsloop/pkg/enrichment"
	"github.com/opsloop/opsloop/pkg/guardrails"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/masking"
	"github.com/opsloop/opsloop/pkg/mcp"
	"github.com/opsloop/opsloop/pkg/patterns"
	"github.com/opsloop/opsloop/pkg/pipeline"
	"github.com/opsloop/opsloop/pkg/playbook"
	"github.com/opsloop/opsloop/pkg/pollers"
	"github.com/opsloop/opsloop/pkg/queue"
	"github.com/opsloop/opsloop/pkg/sandbox"
	"github.com/opsloop/opsloop/pkg/scheduler"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/session"
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

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
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

	podID := resolvePodID()
	slog.Info("Starting opsloop worker", "pod_id", podID, "config_dir", *configDir)

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
	incidentService := services.NewIncidentService(db)
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
		if slackService == nil {
			slog.Warn("Alerts enabled but token or channel missing; alerts disabled",
				"token_env", cfg.Alerts.TokenEnv)
		}
	}

	// 6. Event queue
	q := queue.NewQueue(kvClient, eventService, dlqService, cfg.Queue, slackService)

	// 7. LLM router and embedder. A missing embedding key degrades vector
	// search to text search rather than blocking startup.
	router := llm.NewRouter(cfg.LLM, kvClient)
	var embedder *llm.Embedder
	if cfg.LLM.OpenAIAPIKey != "" {
		embedder, err = llm.NewEmbedder(cfg.Embedding, cfg.LLM.OpenAIAPIKey)
		if err != nil {
			slog.Warn("Embedder unavailable, using text search only", "error", err)
		}
	} else {
		slog.Warn("No OpenAI API key configured; vector search disabled")
	}

	// 8. Guardrails, classification, context retrieval
	guardEngine := guardrails.New(cfg.Guardrails, kvClient, actionService)
	eventClassifier := classifier.New(router, actionService)
	var enrichEmbedder enrichment.Embedder
	if embedder != nil {
		enrichEmbedder = embedder
	}
	enricher := enrichment.New(enrichEmbedder, incidentService, knowledgeService, actionService, eventService)

	// 9. Tool registry: builtins, dynamic tools, external servers
	registry := tools.NewRegistry(cfg.Tools, cfg.Sources, guardEngine)

	var chatClient *sources.ChatClient
	if cfg.Sources.Chat.IsEnabled() {
		chatClient = sources.NewChatClient(cfg.Sources.Chat)
	}
	var ticketingClient *sources.TicketingClient
	if cfg.Sources.Ticketing.IsEnabled() {
		ticketingClient = sources.NewTicketingClient(cfg.Sources.Ticketing)
	}

	collaborators := tools.Collaborators{
		Knowledge: knowledgeService,
		Incidents: incidentService,
		Drafts:    draftService,
		Proposals: proposalService,
		Events:    eventService,
	}
	if embedder != nil {
		collaborators.Embedder = embedder
	}
	if chatClient != nil {
		collaborators.Chat = chatClient
	}
	if ticketingClient != nil {
		collaborators.Tickets = ticketingClient
	}
	if err := tools.RegisterBuiltins(registry, collaborators); err != nil {
		slog.Error("Failed to register builtin tools", "error", err)
		os.Exit(1)
	}

	validator := sandbox.NewValidator()
	runner := sandbox.NewRunner(cfg.Sandbox)
	dynamicManager := tools.NewDynamicManager(registry, dynamicToolService, validator, runner)
	if err := registry.Register(dynamicManager.MetaTool()); err != nil {
		slog.Error("Failed to register create_tool", "error", err)
		os.Exit(1)
	}
	if n, err := dynamicManager.ReloadActive(ctx); err != nil {
		slog.Warn("Dynamic tool reload incomplete", "loaded", n, "error", err)
	} else if n > 0 {
		slog.Info("Dynamic tools reloaded", "count", n)
	}

	mcpClient := mcp.NewClient(cfg.ToolServers)
	bridge := mcp.NewBridge(mcpClient, cfg.ToolServers, registry)
	var healthMonitor *mcp.HealthMonitor
	if cfg.ToolServers.Len() > 0 {
		mcpClient.Initialize(ctx)
		bridge.Connect(ctx)
		healthMonitor = mcp.NewHealthMonitor(mcpClient, cfg.ToolServers, bridge)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()
		slog.Info("External tool servers connected", "count", cfg.ToolServers.Len(),
			"failed", len(mcpClient.FailedServers()))
	}
	defer func() {
		if err := mcpClient.Close(); err != nil {
			slog.Error("Error closing tool server client", "error", err)
		}
	}()

	// 10. Reasoning engine
	playbooks := playbook.NewService(configService, playbook.DefaultCacheTTL)
	masker := masking.NewService()
	engine := agent.New(router, registry, playbooks, bridge, masker, cfg.Agent)

	// 11. Session memory
	sessionManager := session.NewManager(cfg.Sessions, sessionService, kvClient, router)

	// 12. Source pollers for every configured provider
	pollerDeps := pollers.Deps{KV: kvClient, Queue: q, DedupTTL: cfg.Queue.DedupTTL}
	var sourcePollers []pollers.Poller
	var mailPoller *pollers.MailPoller
	if cfg.Sources.Mail.IsEnabled() {
		mailPoller = pollers.NewMailPoller(sources.NewMailClient(cfg.Sources.Mail), cfg.Sources.Mail, pollerDeps)
		sourcePollers = append(sourcePollers, mailPoller)
	}
	if chatClient != nil {
		sourcePollers = append(sourcePollers, pollers.NewChatPoller(chatClient, cfg.Sources.Chat, pollerDeps))
	}
	if ticketingClient != nil {
		sourcePollers = append(sourcePollers, pollers.NewTicketingPoller(ticketingClient, cfg.Sources.Ticketing, pollerDeps))
	}
	if cfg.Sources.Survey.IsEnabled() {
		client := sources.NewSurveyClient(cfg.Sources.Survey)
		sourcePollers = append(sourcePollers, pollers.NewSurveyPoller(client, cfg.Sources.Survey, pollerDeps))
	}
	if cfg.Sources.Projects.IsEnabled() {
		client := sources.NewProjectsClient(cfg.Sources.Projects)
		sourcePollers = append(sourcePollers, pollers.NewProjectsPoller(client, cfg.Sources.Projects, pollerDeps))
	}
	if cfg.Sources.Drive.IsEnabled() {
		client := sources.NewDriveClient(cfg.Sources.Drive)
		sourcePollers = append(sourcePollers, pollers.NewDrivePoller(client, cfg.Sources.Drive, pollerDeps))
	}
	slog.Info("Source pollers configured", "count", len(sourcePollers))

	// 13. Anomaly detection over warm baselines
	baselineCache := patterns.NewCache()
	if all, err := baselineService.All(ctx); err != nil {
		slog.Warn("Could not load baselines; anomaly checks start cold", "error", err)
	} else {
		baselineCache.ReplaceAll(all)
	}
	detector := patterns.NewDetector(eventService, baselineService, baselineCache,
		kvClient, q, slackService, cfg.Patterns)

	// 14. Automation trigger index
	triggerIndex := scheduler.NewTriggerIndex(solutionService)

	// 15. Processing pipeline and worker pool
	pipelineDeps := pipeline.Deps{
		Classifier:  eventClassifier,
		Guardrails:  guardEngine,
		Enricher:    enricher,
		Engine:      engine,
		Sessions:    sessionManager,
		Automations: triggerIndex,
		Queue:       q,
		Drafts:      draftService,
		Proposals:   proposalService,
		Actions:     actionService,
		AgentCfg:    cfg.Agent,
		SessionCfg:  cfg.Sessions,
	}
	if mailPoller != nil {
		pipelineDeps.MailSync = mailPoller
	}
	proc := pipeline.New(pipelineDeps)

	workerPool := queue.NewWorkerPool(podID, q, eventService, cfg.Queue, proc)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 16. Heartbeat scheduler and retention cleanup
	sched := scheduler.New(scheduler.Deps{
		Config:    cfg.Scheduler,
		Queue:     q,
		Pollers:   sourcePollers,
		Detector:  detector,
		Triggers:  triggerIndex,
		Sessions:  sessionManager,
		Drafts:    draftService,
		Proposals: proposalService,
		Actions:   actionService,
		Solutions: solutionService,
	})
	sched.Start(ctx)

	cleaner := cleanup.NewService(cfg.Retention, eventService, actionService, sessionService, proposalService)
	cleaner.Start(ctx)

	slog.Info("Opsloop worker started",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"pollers", len(sourcePollers))

	// 17. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 18. Graceful shutdown: stop producing, then drain
	sched.Stop()
	cleaner.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout+5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded; in-flight events will be orphan-recovered")
	}

	slog.Info("Shutdown complete")
}
