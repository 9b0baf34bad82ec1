package approvals

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

const ruleVerdictJSON = `{"has_rule": true, "title": "Confirm before promising corrections",
"rule": "Verify the invoice in the billing system before promising a correction.", "confidence": 0.8}`

func TestApproveDraft_NoEditSends(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	ctx := context.Background()
	draft := seedDraft(t, h)

	out, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusSent, out.Status)
	assert.NotNil(t, out.SentAt)

	require.Len(t, h.mail.sent, 1)
	assert.Equal(t, draft.ThreadID, h.mail.sent[0].threadID)
	assert.Equal(t, draft.ToAddress, h.mail.sent[0].to)
	assert.Equal(t, draft.DraftBody, h.mail.sent[0].body)

	// No edit means no feedback and no learning call.
	fb, err := h.drafts.ListFeedback(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, fb)
	assert.Zero(t, h.llm.calls)
}

func TestApproveDraft_WithEditRecordsFeedbackAndProposesRule(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	h.llm.response = ruleVerdictJSON
	ctx := context.Background()
	draft := seedDraft(t, h)

	edited := "Hi Jamie, thanks for flagging this. I am checking invoice 1042 and will follow up once I know more."
	out, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{EditedBody: edited})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusSent, out.Status)

	// The edited body is what goes out.
	require.Len(t, h.mail.sent, 1)
	assert.Equal(t, edited, h.mail.sent[0].body)

	fb, err := h.drafts.ListFeedback(ctx, "acme.com", 10)
	require.NoError(t, err)
	require.Len(t, fb, 1)
	assert.Equal(t, draft.ID, fb[0].DraftID)
	assert.Equal(t, "billing", fb[0].Category)
	assert.Positive(t, fb[0].EditDistance)
	assert.Positive(t, fb[0].EditRatio)

	// The flash verdict became a pending learned_rule proposal.
	require.Equal(t, 1, h.llm.calls)
	pending, err := h.proposals.List(ctx, models.ProposalFilters{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ProposalLearnedRule, pending[0].Type)
	assert.Equal(t, "Confirm before promising corrections", pending[0].Title)
	assert.Contains(t, pending[0].Description, "Verify the invoice")
	assert.NotNil(t, pending[0].ExpiresAt)
	assert.Equal(t, "edit_analysis", pending[0].Config["origin"])
	assert.Equal(t, draft.ID, pending[0].Config["draft_id"])
}

func TestApproveDraft_IdenticalEditCountsAsNoEdit(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	ctx := context.Background()
	draft := seedDraft(t, h)

	out, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{EditedBody: draft.DraftBody})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusSent, out.Status)

	fb, err := h.drafts.ListFeedback(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, fb)
	assert.Zero(t, h.llm.calls)
}

func TestApproveDraft_SendFailureLeavesApproved(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	h.mail.err = fmt.Errorf("smtp unavailable")
	ctx := context.Background()
	draft := seedDraft(t, h)

	_, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp unavailable")

	got, err := h.drafts.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusApproved, got.Status)
	assert.Nil(t, got.SentAt)
}

func TestApproveDraft_NoMailSenderLeavesApproved(t *testing.T) {
	h := newApprovalsHarness(t, func(d *Deps) { d.Mail = nil })
	ctx := context.Background()
	draft := seedDraft(t, h)

	out, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusApproved, out.Status)
}

func TestApproveDraft_OnlyPendingTransitions(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	ctx := context.Background()
	draft := seedDraft(t, h)

	_, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{})
	require.NoError(t, err)

	_, err = h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{})
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = h.svc.RejectDraft(ctx, draft.ID, models.DraftDecisionRequest{})
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
}

func TestApproveDraft_LearningFailureDoesNotBlockSend(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	h.llm.err = errors.New("provider down")
	ctx := context.Background()
	draft := seedDraft(t, h)

	out, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{EditedBody: "A rather different reply."})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusSent, out.Status)
	require.Len(t, h.mail.sent, 1)
}

func TestRejectDraft_RunsRejectionAnalysis(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	h.llm.response = `{"has_rule": true, "title": "Never draft replies to legal notices",
"rule": "Route anything mentioning legal action to a human without drafting.", "confidence": 0.9}`
	ctx := context.Background()
	draft := seedDraft(t, h)

	out, err := h.svc.RejectDraft(ctx, draft.ID, models.DraftDecisionRequest{Reason: "This needs legal, not us."})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusRejected, out.Status)

	require.Equal(t, 1, h.llm.calls)
	// The operator's reason rode the prompt.
	require.Len(t, h.llm.lastReq.Messages, 2)
	assert.Contains(t, h.llm.lastReq.Messages[1].Content, "This needs legal")

	pending, err := h.proposals.List(ctx, models.ProposalFilters{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rejection_analysis", pending[0].Config["origin"])
}

func TestLearningAnalysis_LowConfidenceProposesNothing(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	h.llm.response = `{"has_rule": true, "title": "Weak hunch", "rule": "Maybe something.", "confidence": 0.3}`
	ctx := context.Background()
	draft := seedDraft(t, h)

	_, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{EditedBody: "A rather different reply."})
	require.NoError(t, err)
	require.Equal(t, 1, h.llm.calls)

	pending, err := h.proposals.List(ctx, models.ProposalFilters{Status: "pending"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLearningAnalysis_SkipsDuplicateTitles(t *testing.T) {
	h := newApprovalsHarness(t, nil)
	h.llm.response = ruleVerdictJSON
	ctx := context.Background()

	seedProposal(t, h, models.ProposalLearnedRule, func(p *models.Proposal) {
		p.Title = "Confirm before promising corrections"
	})
	draft := seedDraft(t, h)

	_, err := h.svc.ApproveDraft(ctx, draft.ID, models.DraftDecisionRequest{EditedBody: "A rather different reply."})
	require.NoError(t, err)

	pending, err := h.proposals.List(ctx, models.ProposalFilters{Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
