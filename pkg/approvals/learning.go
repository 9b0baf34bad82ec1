package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
)

const (
	// minRuleConfidence gates proposal creation from learning analysis.
	minRuleConfidence = 0.6

	// learnedProposalTTL expires unreviewed learning proposals.
	learnedProposalTTL = 7 * 24 * time.Hour

	// maxAnalysisChars bounds each body rendered into the analysis prompt.
	maxAnalysisChars = 2000
)

const editAnalysisPrompt = `You review how a human operator edited an AI-drafted reply before sending it.
Your job is to extract a durable, reusable rule from the edit, if one exists.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "has_rule": <bool, true only when the edit reveals a repeatable preference>,
  "title": "<short imperative name, e.g. 'Do not promise exact delivery dates'>",
  "rule": "<one or two sentences an assistant can follow next time>",
  "confidence": <0.0-1.0>
}

Typo fixes, formatting churn, and one-off factual corrections are not rules.`

const rejectionAnalysisPrompt = `You review an AI-drafted reply that a human operator rejected outright.
A rejection usually means the draft was wrong in kind, not just in wording.
Your job is to extract a durable rule that would have prevented the draft, if one exists.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "has_rule": <bool, true only when the rejection reveals a repeatable mistake>,
  "title": "<short imperative name, e.g. 'Never draft replies to legal notices'>",
  "rule": "<one or two sentences an assistant can follow next time>",
  "confidence": <0.0-1.0>
}`

// ruleVerdict is the analysis model's wire shape.
type ruleVerdict struct {
	HasRule    bool    `json:"has_rule"`
	Title      string  `json:"title"`
	Rule       string  `json:"rule"`
	Confidence float64 `json:"confidence"`
}

// analyzeEdit asks the flash model whether the operator's edit encodes a
// reusable preference and, when it does, files a learned_rule proposal.
// Best effort: failures are logged, the approval already succeeded.
func (s *Service) analyzeEdit(ctx context.Context, draft *models.Draft, fb *models.DraftFeedback) {
	if s.deps.LLM == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\nRecipient domain: %s\nEdit ratio: %.2f\n\n",
		fb.Category, fb.SenderDomain, fb.EditRatio)
	fmt.Fprintf(&b, "Original message:\n%s\n\n", clip(draft.OriginalBody, maxAnalysisChars))
	fmt.Fprintf(&b, "AI draft:\n%s\n\n", clip(draft.DraftBody, maxAnalysisChars))
	fmt.Fprintf(&b, "Operator's version:\n%s\n", clip(draft.EditedBody, maxAnalysisChars))

	evidence := fmt.Sprintf("Operator edited draft %s to %s (category %s, edit ratio %.2f).",
		draft.ID, fb.SenderDomain, fb.Category, fb.EditRatio)
	s.proposeRule(ctx, editAnalysisPrompt, b.String(), "edit_analysis", draft, evidence)
}

// analyzeRejection mirrors analyzeEdit for outright rejections.
func (s *Service) analyzeRejection(ctx context.Context, draft *models.Draft, reason string) {
	if s.deps.LLM == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\nRecipient domain: %s\n",
		draft.Classification, senderDomain(draft.ToAddress))
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&b, "Operator's stated reason: %s\n", reason)
	}
	fmt.Fprintf(&b, "\nOriginal message:\n%s\n\n", clip(draft.OriginalBody, maxAnalysisChars))
	fmt.Fprintf(&b, "Rejected draft:\n%s\n", clip(draft.DraftBody, maxAnalysisChars))

	evidence := fmt.Sprintf("Operator rejected draft %s to %s.", draft.ID, senderDomain(draft.ToAddress))
	if reason != "" {
		evidence += " Reason: " + clip(reason, 200)
	}
	s.proposeRule(ctx, rejectionAnalysisPrompt, b.String(), "rejection_analysis", draft, evidence)
}

// proposeRule runs one flash call and files the resulting rule as a pending
// learned_rule proposal, deduplicating against similar pending titles.
func (s *Service) proposeRule(ctx context.Context, systemPrompt, userPrompt, origin string, draft *models.Draft, evidence string) {
	start := time.Now()
	resp, err := s.deps.LLM.Generate(ctx, config.TierFlash, &llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(systemPrompt),
			llm.UserMessage(userPrompt),
		},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		s.logger.Warn("Learning analysis failed", "origin", origin, "draft_id", draft.ID, "error", err)
		return
	}

	verdict, err := parseRuleVerdict(resp.Text)
	if err != nil {
		s.logger.Warn("Undecodable learning analysis output",
			"origin", origin, "draft_id", draft.ID, "error", err)
		s.recordAnalysis(ctx, origin, "unparseable", resp, start, nil)
		return
	}
	if !verdict.HasRule || strings.TrimSpace(verdict.Rule) == "" || verdict.Confidence < minRuleConfidence {
		s.recordAnalysis(ctx, origin, "no_rule", resp, start, nil)
		return
	}
	title := strings.TrimSpace(verdict.Title)
	if title == "" {
		title = clip(verdict.Rule, 80)
	}

	if dup, err := s.deps.Proposals.HasSimilarPending(ctx, models.ProposalLearnedRule, title); err != nil {
		s.logger.Warn("Failed to check for similar proposals", "error", err)
	} else if dup {
		s.recordAnalysis(ctx, origin, "duplicate", resp, start, map[string]any{"title": title})
		return
	}

	expires := time.Now().UTC().Add(learnedProposalTTL)
	p := &models.Proposal{
		ID:          uuid.NewString(),
		Type:        models.ProposalLearnedRule,
		Title:       title,
		Description: strings.TrimSpace(verdict.Rule),
		Evidence:    evidence,
		Confidence:  verdict.Confidence,
		Status:      models.ProposalStatusPending,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   &expires,
		Config: map[string]any{
			"origin":        origin,
			"draft_id":      draft.ID,
			"category":      draft.Classification,
			"sender_domain": senderDomain(draft.ToAddress),
		},
	}
	if err := s.deps.Proposals.Create(ctx, p); err != nil {
		s.logger.Warn("Failed to create learned rule proposal", "draft_id", draft.ID, "error", err)
		return
	}
	s.recordAnalysis(ctx, origin, "proposed", resp, start, map[string]any{
		"proposal_id": p.ID, "title": title,
	})
	s.logger.Info("Learning analysis proposed a rule",
		"origin", origin, "draft_id", draft.ID, "proposal_id", p.ID, "title", title)
}

// recordAnalysis appends the analysis call to the audit log with its token
// spend. Best effort.
func (s *Service) recordAnalysis(ctx context.Context, origin, outcome string, resp *llm.Response, start time.Time, details map[string]any) {
	if s.deps.Actions == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["origin"] = origin
	entry := &models.ActionLogEntry{
		System:     "approvals",
		ActionType: "learning_analysis",
		Outcome:    outcome,
		LatencyMs:  int(time.Since(start).Milliseconds()),
		Details:    details,
	}
	if resp != nil {
		entry.ModelUsed = resp.Model
		entry.InputTokens = resp.Usage.InputTokens
		entry.OutputTokens = resp.Usage.OutputTokens
	}
	if err := s.deps.Actions.Record(ctx, entry); err != nil {
		s.logger.Warn("Failed to record learning analysis", "error", err)
	}
}

// parseRuleVerdict decodes the analysis output, tolerating code fences and
// minor JSON damage.
func parseRuleVerdict(text string) (*ruleVerdict, error) {
	cleaned := unfence(text)
	if cleaned == "" {
		return nil, fmt.Errorf("empty analysis output")
	}
	var v ruleVerdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("unparseable analysis output: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return nil, fmt.Errorf("unparseable analysis output after repair: %w", err)
		}
	}
	return &v, nil
}

// unfence strips a surrounding markdown code fence, if any.
func unfence(text string) string {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "```")
	if start == -1 {
		return trimmed
	}
	rest := trimmed[start+3:]
	if nl := strings.Index(rest, "\n"); nl != -1 && len(strings.TrimSpace(rest[:nl])) <= len("json") {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// clip truncates s to at most n runes, marking the cut.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…(truncated)"
}
