package approvals

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/opsloop/opsloop/pkg/models"
)

// ApproveDraft transitions a pending draft to approved and sends it. When the
// operator edited the body first, the edit divergence is persisted as feedback
// and handed to the learning analysis before sending. The send failure path
// leaves the draft approved; the returned error carries the delivery failure.
func (s *Service) ApproveDraft(ctx context.Context, id string, decision models.DraftDecisionRequest) (*models.Draft, error) {
	// 1. Claim the transition. The status row is the arbiter when two
	// operators act at once.
	edited := strings.TrimSpace(decision.EditedBody)
	draft, err := s.deps.Drafts.Approve(ctx, id, edited)
	if err != nil {
		return nil, err
	}

	// 2. Edit feedback. A pasted-back identical body counts as no edit.
	if edited != "" && edited != draft.DraftBody {
		fb := editFeedback(draft)
		if fb.EditDistance > 0 {
			if err := s.deps.Drafts.RecordFeedback(ctx, fb); err != nil {
				s.logger.Warn("Failed to record edit feedback", "draft_id", draft.ID, "error", err)
			}
			s.analyzeEdit(ctx, draft, fb)
		}
	}

	// 3. Deliver. Without a mail sender the draft stays approved for manual
	// delivery.
	body := draft.DraftBody
	if draft.EditedBody != "" {
		body = draft.EditedBody
	}
	if s.deps.Mail == nil {
		s.logger.Warn("No mail sender configured, approved draft not sent", "draft_id", draft.ID)
		return draft, nil
	}
	messageID, err := s.deps.Mail.SendReply(ctx, draft.ThreadID, draft.ToAddress, draft.Subject, body)
	if err != nil {
		s.audit(ctx, "draft_send", "failure", map[string]any{
			"draft_id": draft.ID, "error": err.Error(),
		})
		return draft, fmt.Errorf("failed to send approved draft %s: %w", draft.ID, err)
	}

	sent, err := s.deps.Drafts.MarkSent(ctx, draft.ID)
	if err != nil {
		return draft, fmt.Errorf("draft %s sent but not marked: %w", draft.ID, err)
	}
	s.audit(ctx, "draft_send", "success", map[string]any{
		"draft_id": draft.ID, "message_id": messageID, "edited": edited != "",
	})
	s.logger.Info("Approved draft sent",
		"draft_id", draft.ID, "to", draft.ToAddress, "edited", edited != "")
	return sent, nil
}

// RejectDraft transitions a pending draft to rejected and hands it to the
// rejection analysis. The operator's stated reason, when present, anchors
// the analysis prompt.
func (s *Service) RejectDraft(ctx context.Context, id string, decision models.DraftDecisionRequest) (*models.Draft, error) {
	draft, err := s.deps.Drafts.Reject(ctx, id)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "draft_reject", "success", map[string]any{
		"draft_id": draft.ID, "reason": decision.Reason,
	})
	s.analyzeRejection(ctx, draft, decision.Reason)
	s.logger.Info("Draft rejected", "draft_id", draft.ID, "to", draft.ToAddress)
	return draft, nil
}

// editFeedback measures how far the operator's edit diverged from the
// proposed body. Distance is Levenshtein over semantically cleaned diffs;
// ratio normalizes by the longer of the two bodies.
func editFeedback(draft *models.Draft) *models.DraftFeedback {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(draft.DraftBody, draft.EditedBody, false)
	dmp.DiffCleanupSemantic(diffs)
	distance := dmp.DiffLevenshtein(diffs)

	longer := len([]rune(draft.DraftBody))
	if edited := len([]rune(draft.EditedBody)); edited > longer {
		longer = edited
	}
	ratio := 0.0
	if longer > 0 {
		ratio = float64(distance) / float64(longer)
	}

	return &models.DraftFeedback{
		DraftID:        draft.ID,
		SenderDomain:   senderDomain(draft.ToAddress),
		Category:       draft.Classification,
		EditDistance:   distance,
		EditRatio:      ratio,
		OriginalLength: len(draft.DraftBody),
		EditedLength:   len(draft.EditedBody),
		CreatedAt:      time.Now().UTC(),
	}
}

// senderDomain extracts the lowercased domain from an address that may carry
// a display name. Unparseable addresses yield "unknown" so feedback rows
// still aggregate.
func senderDomain(address string) string {
	raw := address
	if parsed, err := mail.ParseAddress(address); err == nil {
		raw = parsed.Address
	}
	at := strings.LastIndex(raw, "@")
	if at < 0 || at == len(raw)-1 {
		return "unknown"
	}
	return strings.ToLower(strings.TrimSpace(raw[at+1:]))
}
