// Package api is the HTTP surface of the agent: webhook intake from the
// upstream providers, the operator administration API (drafts, proposals,
// dead letters, knowledge, queue control), aggregate analytics, and the
// one-time OAuth bootstrap for the mail provider. Handlers stay thin and
// delegate to the services and the approvals workflow.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/approvals"
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/database"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/mcp"
	"github.com/opsloop/opsloop/pkg/queue"
	"github.com/opsloop/opsloop/pkg/services"
)

// maxBodyBytes caps request bodies. Webhook payloads are small; anything
// larger is hostile or misrouted.
const maxBodyBytes = 1 << 20 // 1 MiB

// Embedder is the slice of the embedding client used when operators create
// knowledge entries by hand. Optional; without it entries are stored
// text-searchable only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Services bundles the store-backed services the handlers read and write.
// Every field is required; ValidateWiring rejects incomplete bundles.
type Services struct {
	Events    *services.EventService
	DLQ       *services.DLQService
	Drafts    *services.DraftService
	Proposals *services.ProposalService
	Knowledge *services.KnowledgeService
	Actions   *services.ActionService
	Sessions  *services.SessionService
	Solutions *services.SolutionService
	Configs   *services.ConfigService
}

// Server is the HTTP server shared by the gateway binary and the test
// harnesses. Construction wires the required collaborators; optional ones
// (worker pool, tool-server health, embedder) arrive via Set* before Start.
type Server struct {
	echo *echo.Echo

	cfg       *config.Config
	dbClient  *database.Client
	kvClient  *kv.Client
	queue     *queue.Queue
	svc       Services
	approvals *approvals.Service

	workerPool    *queue.WorkerPool
	healthMonitor *mcp.HealthMonitor
	embedder      Embedder

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates the server and registers all routes.
func NewServer(cfg *config.Config, dbClient *database.Client, kvClient *kv.Client,
	q *queue.Queue, svc Services, approvalService *approvals.Service) *Server {
	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		dbClient:  dbClient,
		kvClient:  kvClient,
		queue:     q,
		svc:       svc,
		approvals: approvalService,
	}
	s.routes()
	return s
}

// SetWorkerPool attaches the in-process worker pool so health endpoints can
// report on it. Only the worker binary has one.
func (s *Server) SetWorkerPool(pool *queue.WorkerPool) { s.workerPool = pool }

// SetHealthMonitor attaches the tool-server health monitor for /status and
// /admin/integrations.
func (s *Server) SetHealthMonitor(m *mcp.HealthMonitor) { s.healthMonitor = m }

// SetEmbedder attaches an embedding client so operator-created knowledge
// entries get vectors at write time.
func (s *Server) SetEmbedder(e Embedder) { s.embedder = e }

// ValidateWiring verifies the required collaborators are present. Called at
// startup so a miswired main fails fast instead of panicking on first request.
func (s *Server) ValidateWiring() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"config", s.cfg != nil},
		{"database client", s.dbClient != nil},
		{"kv client", s.kvClient != nil},
		{"queue", s.queue != nil},
		{"event service", s.svc.Events != nil},
		{"dlq service", s.svc.DLQ != nil},
		{"draft service", s.svc.Drafts != nil},
		{"proposal service", s.svc.Proposals != nil},
		{"knowledge service", s.svc.Knowledge != nil},
		{"action service", s.svc.Actions != nil},
		{"session service", s.svc.Sessions != nil},
		{"solution service", s.svc.Solutions != nil},
		{"config service", s.svc.Configs != nil},
		{"approval service", s.approvals != nil},
	}
	for _, r := range required {
		if !r.ok {
			return fmt.Errorf("server wiring incomplete: %s is nil", r.name)
		}
	}
	return nil
}

// routes registers middleware and the full route map.
func (s *Server) routes() {
	e := s.echo
	e.Use(requestID())
	e.Use(requestLogger())
	e.Use(securityHeaders())
	e.Use(bodyLimit(maxBodyBytes))

	// Liveness and readiness.
	e.GET("/health", s.healthHandler)
	e.GET("/status", s.statusHandler)

	// Provider push intake.
	e.POST("/webhooks/chat", s.chatWebhookHandler)
	e.POST("/webhooks/mail", s.mailWebhookHandler)
	e.POST("/webhooks/ticketing", s.ticketingWebhookHandler)

	// Operator administration.
	e.GET("/admin/status", s.adminStatusHandler)
	e.POST("/admin/queue/pause", s.pauseQueueHandler)
	e.POST("/admin/queue/resume", s.resumeQueueHandler)
	e.POST("/admin/inject-event", s.injectEventHandler)

	e.GET("/admin/drafts", s.listDraftsHandler)
	e.GET("/admin/drafts/:id", s.getDraftHandler)
	e.POST("/admin/drafts/:id/approve", s.approveDraftHandler)
	e.POST("/admin/drafts/:id/reject", s.rejectDraftHandler)

	e.GET("/admin/dlq", s.listDLQHandler)
	e.GET("/admin/dlq/:id", s.getDLQHandler)
	e.POST("/admin/dlq/:id/retry", s.retryDLQHandler)
	e.POST("/admin/dlq/:id/resolve", s.resolveDLQHandler)

	e.GET("/admin/proposals", s.listProposalsHandler)
	e.POST("/admin/proposals", s.createProposalHandler)
	e.GET("/admin/proposals/:id", s.getProposalHandler)
	e.POST("/admin/proposals/:id/approve", s.approveProposalHandler)
	e.POST("/admin/proposals/:id/reject", s.rejectProposalHandler)

	e.GET("/admin/knowledge", s.listKnowledgeHandler)
	e.POST("/admin/knowledge", s.createKnowledgeHandler)
	e.GET("/admin/knowledge/:id", s.getKnowledgeHandler)
	e.PUT("/admin/knowledge/:id", s.supersedeKnowledgeHandler)
	e.POST("/admin/knowledge/:id/deactivate", s.deactivateKnowledgeHandler)

	// Read-only audit surfaces.
	e.GET("/admin/actions", s.listActionsHandler)
	e.GET("/admin/events", s.listEventsHandler)
	e.GET("/admin/events/:id", s.getEventHandler)
	e.GET("/admin/chat-history", s.chatHistoryHandler)
	e.GET("/admin/solutions", s.listSolutionsHandler)
	e.GET("/admin/integrations", s.integrationsHandler)

	e.GET("/admin/analytics/daily-costs", s.dailyCostsHandler)
	e.GET("/admin/analytics/approval-rate", s.approvalRateHandler)
	e.GET("/admin/analytics/response-time", s.responseTimeHandler)
	e.GET("/admin/analytics/summary", s.analyticsSummaryHandler)

	// Mail provider authorization bootstrap.
	e.GET("/oauth/start", s.oauthStartHandler)
	e.GET("/oauth/callback", s.oauthCallbackHandler)
}

// Start serves on addr until Shutdown. Returns nil on graceful close.
func (s *Server) Start(addr string) error {
	srv := s.newHTTPServer()
	srv.Addr = addr
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves on an existing listener. Tests use this to bind
// port 0 and discover the address before starting.
func (s *Server) StartWithListener(ln net.Listener) error {
	srv := s.newHTTPServer()
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. Safe to call before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) newHTTPServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.http
}
