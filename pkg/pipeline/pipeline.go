// Package pipeline composes the per-event flow the queue workers run:
// sender guardrail, classify, shortcut, plan, enrich, reason, audit. It
// implements queue.Executor: a nil error acks the event (guardrail blocks
// included), any error nacks it into retry or the dead-letter queue.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/agent"
	"github.com/opsloop/opsloop/pkg/classifier"
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/enrichment"
	"github.com/opsloop/opsloop/pkg/guardrails"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/queue"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/session"
)

// maxSummaryChars bounds the outcome summary used in worker logs.
const maxSummaryChars = 200

// AutomationSource reports the active automations an event triggers,
// usually the scheduler's trigger index.
type AutomationSource interface {
	Matches(source, eventType string) []*models.Solution
}

// MailSyncer sweeps the inbox on demand, usually the mail poller. Push
// notifications trigger an immediate sweep instead of waiting for the next
// heartbeat; shared dedup keys keep the two paths from double-publishing.
type MailSyncer interface {
	Poll(ctx context.Context) (int, error)
}

// Publisher enqueues follow-up events.
type Publisher interface {
	Publish(ctx context.Context, evt *models.Event) (bool, error)
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Classifier *classifier.Classifier
	Guardrails *guardrails.Engine
	Enricher   *enrichment.Engine
	Engine     *agent.Engine

	// Sessions may be nil; chat events then run without memory.
	Sessions *session.Manager

	// Automations and Queue may be nil; events then trigger no
	// automation runs.
	Automations AutomationSource
	Queue       Publisher

	// MailSync may be nil; mail push notifications then ack without a sweep.
	MailSync MailSyncer

	Drafts    *services.DraftService
	Proposals *services.ProposalService
	Actions   *services.ActionService

	AgentCfg   *config.AgentConfig
	SessionCfg *config.SessionConfig
}

// Pipeline implements queue.Executor.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

var _ queue.Executor = (*Pipeline)(nil)

// New creates the pipeline. Sessions may be nil; nil configs use defaults.
func New(deps Deps) *Pipeline {
	if deps.Classifier == nil || deps.Guardrails == nil || deps.Enricher == nil || deps.Engine == nil {
		panic("pipeline.New: classifier, guardrails, enricher and engine must not be nil")
	}
	if deps.Drafts == nil || deps.Proposals == nil || deps.Actions == nil {
		panic("pipeline.New: services must not be nil")
	}
	if deps.AgentCfg == nil {
		deps.AgentCfg = config.DefaultAgentConfig()
	}
	if deps.SessionCfg == nil {
		deps.SessionCfg = config.DefaultSessionConfig()
	}
	return &Pipeline{
		deps:   deps,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// Execute runs one claimed event through the pipeline.
func (p *Pipeline) Execute(ctx context.Context, evt *models.Event) (*queue.Outcome, error) {
	start := time.Now()

	// Mail push notifications only say "the inbox changed"; sweep it now
	// and let the discovered messages queue as their own events.
	if evt.Source == models.SourceMail && evt.EventType == "mail.history" {
		return p.mailSync(ctx, evt, start)
	}

	// 1. Sender rules. Deterministic and payload-only, so they run before
	// any model call: a restricted sender is a terminal block, not a triage
	// candidate. The block is already audited by the engine.
	if verdict := p.deps.Guardrails.CheckSender(ctx, evt); !verdict.Allowed {
		return &queue.Outcome{
			Summary: "blocked by guardrail " + verdict.Rule,
			Blocked: true,
		}, nil
	}

	// 2. Classify. Infallible: provider failures fall back to a safe default.
	cls := p.deps.Classifier.Classify(ctx, evt)

	// 3. Matching automations fan out as their own queue events, so each
	// run gets guardrails, auditing and retries like any other work.
	p.fireAutomations(ctx, evt)

	// 4. Teachable-rule shortcut: the event text states a rule, file it for
	// review instead of running the loop.
	if agent.TeachableRule(cls) {
		return p.proposeRule(ctx, evt, cls, start)
	}

	// 5. Auto-reply shortcut: simple mail that needs an answer gets a
	// pending draft in one cheap call. Sending still waits for approval.
	if agent.AutoReplyEligible(evt, cls) {
		return p.autoReply(ctx, evt, cls, start)
	}

	// 6. Plan non-trivial events.
	plan, planUsage := p.deps.Engine.Plan(ctx, evt, cls)

	// 7. Retrieval context. Advisory guardrail flags ride into the prompt
	// so the model asks for approval instead of acting.
	bundle := p.deps.Enricher.Enrich(ctx, evt, cls)
	in := &agent.Input{
		Event:          evt,
		Classification: cls,
		Plan:           plan,
		Context:        enrichment.Format(bundle, p.deps.AgentCfg.ContextBudget),
		Flags:          p.deps.Guardrails.Flags(cls),
	}

	// 8. Chat turns run under the session lock with history.
	if evt.Source == models.SourceChat && p.deps.Sessions != nil {
		return p.chatTurn(ctx, evt, cls, in, planUsage, start)
	}

	// 9. The tool loop.
	res, err := p.deps.Engine.Reason(ctx, in)
	if err != nil {
		return nil, err
	}

	// 10. Audit.
	p.record(ctx, evt, cls, res, planUsage, start)
	return &queue.Outcome{Summary: clipSummary(res.Text), ToolCalls: res.ToolCalls}, nil
}

// mailSync sweeps the inbox in response to a push notification. Shared dedup
// keys mean a sweep that overlaps the heartbeat poll publishes nothing twice.
func (p *Pipeline) mailSync(ctx context.Context, evt *models.Event, start time.Time) (*queue.Outcome, error) {
	if p.deps.MailSync == nil {
		p.logger.Warn("Mail push received but no mail client is wired", "event_id", evt.ID)
		return &queue.Outcome{Summary: "mail sync skipped: no mail client"}, nil
	}

	published, err := p.deps.MailSync.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("mail sync failed: %w", err)
	}

	p.audit(ctx, &models.ActionLogEntry{
		System:     "pipeline",
		ActionType: "mail_sync",
		Outcome:    "completed",
		LatencyMs:  int(time.Since(start).Milliseconds()),
		EventID:    evt.ID,
		Details: map[string]any{
			"history_id": evt.PayloadString("history_id"),
			"published":  published,
		},
	})
	return &queue.Outcome{Summary: fmt.Sprintf("inbox sync published %d events", published)}, nil
}

// fireAutomations publishes an automation_run event per active automation
// triggered by this event's source and type. Runs themselves never
// re-trigger, so a chain stops after one hop. A publish failure drops that
// run with a warning; nacking would re-execute the whole event.
func (p *Pipeline) fireAutomations(ctx context.Context, evt *models.Event) {
	if p.deps.Automations == nil || p.deps.Queue == nil || evt.EventType == "automation_run" {
		return
	}
	for _, sol := range p.deps.Automations.Matches(string(evt.Source), evt.EventType) {
		run := models.NewEvent(models.SourceScheduler, "automation_run", models.PriorityMedium,
			map[string]any{
				"solution_id":      sol.ID,
				"solution":         sol.Name,
				"description":      sol.Description,
				"trigger_event_id": evt.ID,
			}, "automation:"+sol.ID+":"+evt.ID)
		published, err := p.deps.Queue.Publish(ctx, run)
		if err != nil {
			p.logger.Warn("Failed to publish automation run",
				"solution", sol.Name, "error", err)
			continue
		}
		if published {
			p.logger.Info("Automation triggered",
				"solution", sol.Name, "event_id", evt.ID)
		}
	}
}

// proposeRule files a learned-rule proposal for a teachable event. Duplicate
// pending titles are skipped, the event still acks.
func (p *Pipeline) proposeRule(ctx context.Context, evt *models.Event, cls *models.Classification, start time.Time) (*queue.Outcome, error) {
	proposal := agent.BuildRuleProposal(evt, cls)

	dup, err := p.deps.Proposals.HasSimilarPending(ctx, models.ProposalLearnedRule, proposal.Title)
	if err != nil {
		return nil, fmt.Errorf("rule dedupe lookup failed: %w", err)
	}

	outcome := "proposed"
	details := map[string]any{"title": proposal.Title, "category": cls.Category}
	if dup {
		outcome = "duplicate"
	} else {
		if err := p.deps.Proposals.Create(ctx, proposal); err != nil {
			return nil, fmt.Errorf("failed to file learned rule: %w", err)
		}
		details["proposal_id"] = proposal.ID
	}

	p.audit(ctx, &models.ActionLogEntry{
		System:     "pipeline",
		ActionType: "teachable_rule",
		Outcome:    outcome,
		LatencyMs:  int(time.Since(start).Milliseconds()),
		EventID:    evt.ID,
		Details:    details,
	})
	return &queue.Outcome{Summary: outcome + " rule: " + proposal.Title}, nil
}

// autoReply drafts a reply for simple mail and stores it pending approval.
func (p *Pipeline) autoReply(ctx context.Context, evt *models.Event, cls *models.Classification, start time.Time) (*queue.Outcome, error) {
	draft, usage, err := p.deps.Engine.DraftReply(ctx, evt, cls)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Drafts.Create(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to store draft: %w", err)
	}

	p.audit(ctx, &models.ActionLogEntry{
		System:       "pipeline",
		ActionType:   "auto_reply",
		Outcome:      "drafted",
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		EventID:      evt.ID,
		Details: map[string]any{
			"draft_id": draft.ID,
			"to":       draft.ToAddress,
			"subject":  draft.Subject,
			"category": cls.Category,
		},
	})
	return &queue.Outcome{Summary: "drafted reply to " + draft.ToAddress}, nil
}

// chatTurn answers a chat event under the session write lock: load history,
// reason with it, store both sides of the turn.
func (p *Pipeline) chatTurn(ctx context.Context, evt *models.Event, cls *models.Classification, in *agent.Input, planUsage llm.Usage, start time.Time) (*queue.Outcome, error) {
	key := sessionKey(evt)

	ok, err := p.deps.Sessions.AcquireLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("session lock error for %s: %w", key, err)
	}
	if !ok {
		// Another worker holds the conversation. Nack: the retry backoff
		// re-delivers once the writer finishes.
		return nil, fmt.Errorf("session %s is busy", key)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.deps.Sessions.ReleaseLock(releaseCtx, key); err != nil {
			p.logger.Warn("Failed to release session lock", "key", key, "error", err)
		}
	}()

	sessionID, isNew, err := p.deps.Sessions.GetOrCreate(ctx, key, models.PlatformChat,
		evt.PayloadString("user_id"), evt.PayloadString("user_name"))
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if !isNew {
		history, err := p.deps.Sessions.LoadHistory(ctx, sessionID,
			p.deps.SessionCfg.MaxMessages, p.deps.SessionCfg.MaxTokens)
		if err != nil {
			p.logger.Warn("History load failed, answering without it",
				"session_id", sessionID, "error", err)
		} else {
			in.History = history
		}
	}

	res, err := p.deps.Engine.Reason(ctx, in)
	if err != nil {
		return nil, err
	}

	// A store failure loses memory, not the answer: the tool calls already
	// ran, so re-running the event would double them.
	if err := p.deps.Sessions.StoreMessages(ctx, sessionID, evt.PayloadString("text"), res.Text, evt.ID); err != nil {
		p.logger.Warn("Failed to store session turn", "session_id", sessionID, "error", err)
	}

	p.record(ctx, evt, cls, res, planUsage, start)
	return &queue.Outcome{Summary: clipSummary(res.Text), ToolCalls: res.ToolCalls}, nil
}

// record writes the reasoning audit row with token usage summed across the
// planning and loop calls.
func (p *Pipeline) record(ctx context.Context, evt *models.Event, cls *models.Classification, res *agent.Result, planUsage llm.Usage, start time.Time) {
	outcome := "completed"
	if res.HitMaxTurns {
		outcome = "max_turns"
	}
	p.audit(ctx, &models.ActionLogEntry{
		System:       "agent",
		ActionType:   "event_processed",
		Outcome:      outcome,
		ModelUsed:    res.Model,
		InputTokens:  res.Usage.InputTokens + planUsage.InputTokens,
		OutputTokens: res.Usage.OutputTokens + planUsage.OutputTokens,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		EventID:      evt.ID,
		Details: map[string]any{
			"source":     string(evt.Source),
			"event_type": evt.EventType,
			"category":   cls.Category,
			"tier":       string(res.Tier),
			"turns":      res.Turns,
			"tool_calls": res.ToolCalls,
		},
	})
}

// audit writes best effort; a failed audit row never fails the event.
func (p *Pipeline) audit(ctx context.Context, entry *models.ActionLogEntry) {
	if err := p.deps.Actions.Record(ctx, entry); err != nil {
		p.logger.Warn("Failed to record action",
			"action_type", entry.ActionType, "error", err)
	}
}

// sessionKey derives the conversation key for a chat event. Receivers may
// set one explicitly; otherwise the user id scopes the conversation.
func sessionKey(evt *models.Event) string {
	if key := evt.PayloadString("session_key"); key != "" {
		return key
	}
	if user := evt.PayloadString("user_id"); user != "" {
		return "chat:" + user
	}
	return "chat:" + string(evt.Source)
}

// clipSummary reduces result text to a single loggable line.
func clipSummary(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	runes := []rune(text)
	if len(runes) > maxSummaryChars {
		return string(runes[:maxSummaryChars]) + "…"
	}
	return text
}
