package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/pkg/models"
)

const (
	// feedbackWindow bounds how far back edit feedback counts.
	feedbackWindow = 7 * 24 * time.Hour

	// feedbackSampleLimit caps the rows pulled per analysis.
	feedbackSampleLimit = 200

	// feedbackHeavyRatio is the edit ratio above which an operator edit
	// counts as a rewrite rather than a touch-up.
	feedbackHeavyRatio = 0.3

	// feedbackMinEdits is how many rewrites a domain needs before the
	// pattern is worth an operator's attention.
	feedbackMinEdits = 3

	feedbackProposalTTL = 7 * 24 * time.Hour
)

// analyzeFeedback scans recent draft edits for domains whose replies keep
// getting rewritten and files a playbook suggestion per offending domain.
// Quantitative on purpose: the per-edit qualitative analysis already ran at
// approval time, this catches the slow drift those single looks miss.
func (s *Scheduler) analyzeFeedback(ctx context.Context, now time.Time) {
	if s.deps.Drafts == nil || s.deps.Proposals == nil {
		return
	}

	rows, err := s.deps.Drafts.ListFeedback(ctx, "", feedbackSampleLimit)
	if err != nil {
		s.logger.Error("Feedback analysis query failed", "error", err)
		return
	}

	type domainStats struct {
		rewrites int
		ratioSum float64
	}
	byDomain := make(map[string]*domainStats)
	for _, fb := range rows {
		if fb.SenderDomain == "" || now.Sub(fb.CreatedAt) > feedbackWindow {
			continue
		}
		if fb.EditRatio < feedbackHeavyRatio {
			continue
		}
		stats := byDomain[fb.SenderDomain]
		if stats == nil {
			stats = &domainStats{}
			byDomain[fb.SenderDomain] = stats
		}
		stats.rewrites++
		stats.ratioSum += fb.EditRatio
	}

	domains := make([]string, 0, len(byDomain))
	for domain, stats := range byDomain {
		if stats.rewrites >= feedbackMinEdits {
			domains = append(domains, domain)
		}
	}
	sort.Strings(domains)

	for _, domain := range domains {
		stats := byDomain[domain]
		s.proposePlaybookFix(ctx, now, domain, stats.rewrites, stats.ratioSum/float64(stats.rewrites))
	}
}

func (s *Scheduler) proposePlaybookFix(ctx context.Context, now time.Time, domain string, rewrites int, avgRatio float64) {
	title := "Heavily edited replies for " + domain

	dup, err := s.deps.Proposals.HasSimilarPending(ctx, models.ProposalPlaybookSuggestion, title)
	if err != nil {
		s.logger.Error("Feedback proposal dedupe failed", "domain", domain, "error", err)
		return
	}
	if dup {
		return
	}

	expires := now.Add(feedbackProposalTTL)
	proposal := &models.Proposal{
		ID:    uuid.NewString(),
		Type:  models.ProposalPlaybookSuggestion,
		Title: title,
		Description: fmt.Sprintf(
			"Operators rewrote %d recent auto-drafted replies to %s (average edit ratio %.0f%%). "+
				"The drafting instructions for this domain likely need adjustment.",
			rewrites, domain, avgRatio*100),
		Evidence:   fmt.Sprintf("%d edits with ratio >= %.0f%% in the last 7 days.", rewrites, feedbackHeavyRatio*100),
		Confidence: 0.6,
		Status:     models.ProposalStatusPending,
		CreatedAt:  now.UTC(),
		ExpiresAt:  &expires,
		Config: map[string]any{
			"origin":   "feedback_analysis",
			"domain":   domain,
			"rewrites": rewrites,
		},
	}
	if err := s.deps.Proposals.Create(ctx, proposal); err != nil {
		s.logger.Error("Failed to file feedback proposal", "domain", domain, "error", err)
		return
	}
	s.logger.Info("Filed playbook suggestion from feedback analysis",
		"domain", domain, "rewrites", rewrites)

	if s.deps.Actions != nil {
		err := s.deps.Actions.Record(ctx, &models.ActionLogEntry{
			System:     "scheduler",
			ActionType: "feedback_analysis",
			Outcome:    "proposed",
			Details: map[string]any{
				"proposal_id": proposal.ID,
				"domain":      domain,
				"rewrites":    rewrites,
			},
		})
		if err != nil {
			s.logger.Warn("Failed to record feedback analysis", "error", err)
		}
	}
}
