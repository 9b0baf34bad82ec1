// Package approvals runs the human-in-the-loop side of the agent: draft
// replies the reasoning loop proposed, and proposals for durable changes
// (rules, tools, automations, thresholds). Operator verdicts are final.
// Approving a draft sends it; approving a proposal executes the side effect
// registered for its type. Edits and rejections feed the learning analysis,
// which turns recurring corrections into new rule proposals.
package approvals

import (
	"context"
	"log/slog"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// MailSender delivers an approved draft reply. Implemented by the mail
// integration; returns the provider's message id.
type MailSender interface {
	SendReply(ctx context.Context, threadID, to, subject, body string) (string, error)
}

// Publisher enqueues events. Satisfied by *queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, evt *models.Event) (bool, error)
}

// DynamicToolCreator validates, registers, and persists a runtime tool.
// Satisfied by *tools.DynamicManager.
type DynamicToolCreator interface {
	CreateTool(ctx context.Context, tool *models.DynamicTool) error
}

// BaselineCache receives approved threshold changes so anomaly checks see
// them without waiting for the next weekly recompute.
type BaselineCache interface {
	Put(b *models.Baseline)
}

// Embedder is the slice of the embedding client used when persisting rules.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMClient is the slice of the provider router the learning analysis uses.
type LLMClient interface {
	Generate(ctx context.Context, tier config.ModelTier, req *llm.Request) (*llm.Response, error)
}

// Deps carries the services and outbound clients the approval workflow
// closes over. Optional collaborators degrade a capability instead of
// failing construction: a nil Mail leaves approved drafts unsent, a nil
// LLM skips learning analysis, a nil Tools makes tool_creation approvals
// fail with a clear error.
type Deps struct {
	Drafts    *services.DraftService
	Proposals *services.ProposalService
	Knowledge *services.KnowledgeService
	Solutions *services.SolutionService
	Baselines *services.BaselineService
	Events    *services.EventService
	Queue     Publisher
	Actions   *services.ActionService
	Mail      MailSender
	Tools     DynamicToolCreator
	Cache     BaselineCache
	LLM       LLMClient
	Embedder  Embedder
}

// proposalHandler executes the side effect for one proposal type.
type proposalHandler func(ctx context.Context, p *models.Proposal) error

// Service applies operator verdicts to drafts and proposals.
type Service struct {
	deps     Deps
	handlers map[models.ProposalType]proposalHandler
	logger   *slog.Logger
}

// NewService creates the approval workflow service.
func NewService(deps Deps) *Service {
	if deps.Drafts == nil || deps.Proposals == nil || deps.Knowledge == nil ||
		deps.Solutions == nil || deps.Baselines == nil || deps.Events == nil {
		panic("approvals.NewService: services must not be nil")
	}
	if deps.Queue == nil {
		panic("approvals.NewService: queue must not be nil")
	}
	s := &Service{
		deps:   deps,
		logger: slog.Default().With("component", "approvals"),
	}
	s.handlers = map[models.ProposalType]proposalHandler{
		models.ProposalLearnedRule:         s.persistRule,
		models.ProposalStrongRule:          s.persistRule,
		models.ProposalGuardrailOverride:   s.republishWithOverride,
		models.ProposalToolCreation:        s.installTool,
		models.ProposalAutomation:          s.installAutomation,
		models.ProposalThresholdAdjustment: s.adjustThreshold,
		models.ProposalExternalToolServer:  s.manualFollowUp,
		models.ProposalPlaybookSuggestion:  s.manualFollowUp,
	}
	return s
}

// audit appends an approval action to the audit log. Best effort.
func (s *Service) audit(ctx context.Context, actionType, outcome string, details map[string]any) {
	if s.deps.Actions == nil {
		return
	}
	entry := &models.ActionLogEntry{
		System:     "approvals",
		ActionType: actionType,
		Outcome:    outcome,
		Details:    details,
	}
	if err := s.deps.Actions.Record(ctx, entry); err != nil {
		s.logger.Warn("Failed to record approval action", "action_type", actionType, "error", err)
	}
}
