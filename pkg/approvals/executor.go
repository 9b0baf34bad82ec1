package approvals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/pkg/guardrails"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// strongRuleConfidence is the floor applied to strong_rule knowledge entries.
// Strong rules come from explicit operator instructions, not inference.
const strongRuleConfidence = 0.9

// ApproveProposal flips the verdict and executes the side effect registered
// for the proposal's type. The status transition happens first and is the
// arbiter under concurrent verdicts; if the side effect then fails, the
// proposal stays approved and the error reports the unapplied effect.
func (s *Service) ApproveProposal(ctx context.Context, id, reviewedBy, notes string) (*models.Proposal, error) {
	p, err := s.deps.Proposals.SetReviewed(ctx, id, models.ProposalStatusApproved, reviewedBy, notes)
	if err != nil {
		return nil, err
	}

	handler, ok := s.handlers[p.Type]
	if !ok {
		// Unknown types are rejected at creation; reaching this means the
		// row was written around the service.
		return p, fmt.Errorf("no handler for proposal type %q", p.Type)
	}
	if err := handler(ctx, p); err != nil {
		s.audit(ctx, "proposal_execute", "failure", map[string]any{
			"proposal_id": p.ID, "type": string(p.Type), "error": err.Error(),
		})
		return p, fmt.Errorf("proposal %s approved but %s effect failed: %w", p.ID, p.Type, err)
	}

	s.audit(ctx, "proposal_execute", "success", map[string]any{
		"proposal_id": p.ID, "type": string(p.Type),
	})
	s.logger.Info("Proposal approved", "proposal_id", p.ID, "type", p.Type, "reviewed_by", reviewedBy)
	return p, nil
}

// RejectProposal records a final rejection. No side effects run.
func (s *Service) RejectProposal(ctx context.Context, id, reviewedBy, notes string) (*models.Proposal, error) {
	p, err := s.deps.Proposals.SetReviewed(ctx, id, models.ProposalStatusRejected, reviewedBy, notes)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "proposal_reject", "success", map[string]any{
		"proposal_id": p.ID, "type": string(p.Type),
	})
	s.logger.Info("Proposal rejected", "proposal_id", p.ID, "type", p.Type, "reviewed_by", reviewedBy)
	return p, nil
}

// persistRule stores a learned_rule or strong_rule proposal as an active
// knowledge entry.
func (s *Service) persistRule(ctx context.Context, p *models.Proposal) error {
	content := strings.TrimSpace(p.Description)
	if content == "" {
		content = p.Title
	}
	entry := &models.KnowledgeEntry{
		ID:         uuid.NewString(),
		Category:   cfgStringOr(p.Config, "category", "learned"),
		Content:    content,
		Source:     "proposal:" + p.ID,
		Active:     true,
		Confidence: p.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if p.Type == models.ProposalStrongRule && entry.Confidence < strongRuleConfidence {
		entry.Confidence = strongRuleConfidence
	}
	if s.deps.Embedder != nil {
		if emb, err := s.deps.Embedder.Embed(ctx, entry.Content); err == nil {
			entry.Embedding = emb
		} else {
			s.logger.Warn("Failed to embed rule, stored without embedding",
				"proposal_id", p.ID, "error", err)
		}
	}
	return s.deps.Knowledge.Create(ctx, entry)
}

// republishWithOverride re-enqueues the original event at high priority with
// the guardrail skip flag set. The admin source grants the re-run the full
// tool catalog, and the proposal-derived idempotency key makes the publish
// safe to repeat.
func (s *Service) republishWithOverride(ctx context.Context, p *models.Proposal) error {
	eventID := cfgString(p.Config, "event_id")
	if eventID == "" && len(p.RelatedEventIDs) > 0 {
		eventID = p.RelatedEventIDs[0]
	}
	if eventID == "" {
		return services.NewValidationError("config.event_id", "guardrail_override needs the original event id")
	}

	orig, err := s.deps.Events.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to load original event %s: %w", eventID, err)
	}

	payload := make(map[string]any, len(orig.Payload)+3)
	for k, v := range orig.Payload {
		payload[k] = v
	}
	payload[guardrails.SkipFlagKey] = true
	payload["original_event_id"] = orig.ID
	payload["original_source"] = string(orig.Source)

	evt := models.NewEvent(models.SourceAdmin, orig.EventType, models.PriorityHigh,
		payload, "guardrail_override:"+p.ID)
	published, err := s.deps.Queue.Publish(ctx, evt)
	if err != nil {
		return fmt.Errorf("failed to re-publish event %s: %w", orig.ID, err)
	}
	if !published {
		s.logger.Info("Override already queued", "proposal_id", p.ID, "event_id", orig.ID)
	}
	return nil
}

// installTool validates the proposed code, registers it as a dynamic tool,
// and records the approval as a script solution.
func (s *Service) installTool(ctx context.Context, p *models.Proposal) error {
	if s.deps.Tools == nil {
		return fmt.Errorf("dynamic tool manager not configured")
	}
	name := cfgString(p.Config, "name")
	if name == "" {
		return services.NewValidationError("config.name", "tool_creation needs a tool name")
	}
	if strings.TrimSpace(p.Code) == "" {
		return services.NewValidationError("code", "tool_creation needs tool code")
	}
	schema := cfgMap(p.Config, "input_schema")
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	desc := cfgStringOr(p.Config, "description", p.Description)

	tool := &models.DynamicTool{
		Name:        name,
		Description: desc,
		InputSchema: schema,
		Code:        p.Code,
		CreatedBy:   p.ReviewedBy,
	}
	if err := s.deps.Tools.CreateTool(ctx, tool); err != nil {
		return fmt.Errorf("failed to install tool %q: %w", name, err)
	}

	sol := &models.Solution{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  desc,
		SolutionType: models.SolutionScript,
		Code:         p.Code,
		Config:       map[string]any{"input_schema": schema, "proposal_id": p.ID},
		Status:       "approved",
		Active:       true,
		ApprovedBy:   p.ReviewedBy,
		CreatedAt:    time.Now().UTC(),
	}
	return s.deps.Solutions.Create(ctx, sol)
}

// installAutomation stores an automation solution. The trigger rides the
// solution config: either {"schedule": "<cron>"} or {"source": ...,
// "event_type": ...}. The scheduler reads active automations each tick.
func (s *Service) installAutomation(ctx context.Context, p *models.Proposal) error {
	name := cfgString(p.Config, "name")
	if name == "" {
		return services.NewValidationError("config.name", "automation needs a name")
	}
	trigger := cfgMap(p.Config, "trigger")
	if trigger == nil {
		return services.NewValidationError("config.trigger", "automation needs a trigger entry")
	}
	cron := cfgString(trigger, "schedule")
	evtSource := cfgString(trigger, "source")
	evtType := cfgString(trigger, "event_type")
	if cron == "" && (evtSource == "" || evtType == "") {
		return services.NewValidationError("config.trigger",
			"trigger needs a cron schedule or an event source and type")
	}

	sol := &models.Solution{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  cfgStringOr(p.Config, "description", p.Description),
		SolutionType: models.SolutionAutomation,
		Code:         p.Code,
		Config:       p.Config,
		Status:       "approved",
		Active:       true,
		ApprovedBy:   p.ReviewedBy,
		CreatedAt:    time.Now().UTC(),
	}
	return s.deps.Solutions.Create(ctx, sol)
}

// adjustThreshold upserts the baseline slot named by the proposal config and
// pushes it into the in-memory cache so the next anomaly check sees it.
func (s *Service) adjustThreshold(ctx context.Context, p *models.Proposal) error {
	b := &models.Baseline{
		Source:    cfgString(p.Config, "source"),
		EventType: cfgString(p.Config, "event_type"),
		UpdatedAt: time.Now().UTC(),
	}
	var ok bool
	if b.DayOfWeek, ok = cfgInt(p.Config, "day_of_week"); !ok {
		return services.NewValidationError("config.day_of_week", "threshold_adjustment needs day_of_week")
	}
	if b.HourOfDay, ok = cfgInt(p.Config, "hour_of_day"); !ok {
		return services.NewValidationError("config.hour_of_day", "threshold_adjustment needs hour_of_day")
	}
	if b.MeanCount, ok = cfgFloat(p.Config, "mean"); !ok {
		return services.NewValidationError("config.mean", "threshold_adjustment needs a mean")
	}
	b.StddevCount, _ = cfgFloat(p.Config, "stddev")

	if err := s.deps.Baselines.Upsert(ctx, b); err != nil {
		return err
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Put(b)
	}
	return nil
}

// manualFollowUp covers types whose effect cannot be applied automatically
// (external tool servers need config and credentials, playbook suggestions
// need an operator to merge the text). Approval records the verdict only.
func (s *Service) manualFollowUp(ctx context.Context, p *models.Proposal) error {
	s.logger.Info("Proposal approved, manual follow-up required",
		"proposal_id", p.ID, "type", p.Type)
	return nil
}

// Config values come back from JSONB, so numbers are float64 and nested
// objects are map[string]any.

func cfgString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func cfgStringOr(cfg map[string]any, key, fallback string) string {
	if v := cfgString(cfg, key); v != "" {
		return v
	}
	return fallback
}

func cfgFloat(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func cfgInt(cfg map[string]any, key string) (int, bool) {
	f, ok := cfgFloat(cfg, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}
