package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/test/util"
)

// seedEditedDraft stores a draft plus the feedback row an operator edit
// would have produced.
func seedEditedDraft(t *testing.T, drafts *services.DraftService, domain string, ratio float64, editedAt time.Time) {
	t.Helper()
	ctx := context.Background()

	draft := &models.Draft{
		ID:              uuid.NewString(),
		SourceMessageID: uuid.NewString(),
		FromAddress:     "agent@opsloop.example",
		ToAddress:       "someone@" + domain,
		Subject:         "Re: your request",
		OriginalBody:    "Could you have a look at this?",
		DraftBody:       "Thanks for reaching out, we are on it.",
		Status:          models.DraftStatusPending,
		Classification:  "support",
		CreatedAt:       editedAt.Add(-time.Hour),
	}
	require.NoError(t, drafts.Create(ctx, draft))

	require.NoError(t, drafts.RecordFeedback(ctx, &models.DraftFeedback{
		DraftID:        draft.ID,
		SenderDomain:   domain,
		Category:       "support",
		EditDistance:   int(ratio * 100),
		EditRatio:      ratio,
		OriginalLength: 100,
		EditedLength:   110,
		CreatedAt:      editedAt,
	}))
}

func pendingProposals(t *testing.T, proposals *services.ProposalService) []*models.Proposal {
	t.Helper()
	out, err := proposals.List(context.Background(),
		models.ProposalFilters{Status: string(models.ProposalStatusPending)})
	require.NoError(t, err)
	return out
}

func TestFeedbackAnalysisFilesPlaybookSuggestion(t *testing.T) {
	db := util.SetupTestDatabase(t)
	drafts := services.NewDraftService(db)
	proposals := services.NewProposalService(db)
	actions := services.NewActionService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		seedEditedDraft(t, drafts, "acme.com", 0.5+float64(i)*0.1, now.Add(-time.Duration(i+1)*24*time.Hour))
	}

	cfg := testSchedulerConfig()
	cfg.FeedbackAnalysisEvery = 2
	s := New(Deps{
		Config:    cfg,
		Queue:     &capturingQueue{},
		Drafts:    drafts,
		Proposals: proposals,
		Actions:   actions,
	})

	noon := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s.tick(ctx, noon)
	assert.Empty(t, pendingProposals(t, proposals), "the first tick is off-cycle")

	s.tick(ctx, noon.Add(time.Minute))
	pending := pendingProposals(t, proposals)
	require.Len(t, pending, 1)

	p := pending[0]
	assert.Equal(t, models.ProposalPlaybookSuggestion, p.Type)
	assert.Equal(t, "Heavily edited replies for acme.com", p.Title)
	assert.Contains(t, p.Description, "3 recent auto-drafted replies")
	assert.Equal(t, "feedback_analysis", p.Config["origin"])
	assert.EqualValues(t, 3, p.Config["rewrites"])
	require.NotNil(t, p.ExpiresAt)
	assert.WithinDuration(t, noon.Add(time.Minute).Add(feedbackProposalTTL), *p.ExpiresAt, time.Second)

	rows, err := actions.List(ctx, models.ActionFilters{ActionType: "feedback_analysis", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "scheduler", rows[0].System)
	assert.Equal(t, "proposed", rows[0].Outcome)
	assert.Equal(t, p.ID, rows[0].Details["proposal_id"])

	s.tick(ctx, noon.Add(2*time.Minute))
	s.tick(ctx, noon.Add(3*time.Minute))
	assert.Len(t, pendingProposals(t, proposals), 1,
		"a pending suggestion suppresses duplicates")
}

func TestFeedbackAnalysisIgnoresTouchUpsAndStaleEdits(t *testing.T) {
	db := util.SetupTestDatabase(t)
	drafts := services.NewDraftService(db)
	proposals := services.NewProposalService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// Two rewrites are below the reporting threshold.
	seedEditedDraft(t, drafts, "acme.com", 0.6, now.Add(-24*time.Hour))
	seedEditedDraft(t, drafts, "acme.com", 0.7, now.Add(-48*time.Hour))

	// Touch-ups never count, however many there are.
	for i := 0; i < 4; i++ {
		seedEditedDraft(t, drafts, "beta.io", 0.05, now.Add(-time.Duration(i+1)*time.Hour))
	}

	// Old rewrites aged out of the window.
	for i := 0; i < 3; i++ {
		seedEditedDraft(t, drafts, "gamma.dev", 0.8, now.Add(-9*24*time.Hour))
	}

	s := New(Deps{
		Config:    testSchedulerConfig(),
		Queue:     &capturingQueue{},
		Drafts:    drafts,
		Proposals: proposals,
	})
	s.analyzeFeedback(ctx, now)

	assert.Empty(t, pendingProposals(t, proposals))
}

func TestFeedbackAnalysisReportsEachDomain(t *testing.T) {
	db := util.SetupTestDatabase(t)
	drafts := services.NewDraftService(db)
	proposals := services.NewProposalService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, domain := range []string{"acme.com", "umbrella.example"} {
		for i := 0; i < 3; i++ {
			seedEditedDraft(t, drafts, domain, 0.4, now.Add(-time.Duration(i+1)*time.Hour))
		}
	}

	s := New(Deps{
		Config:    testSchedulerConfig(),
		Queue:     &capturingQueue{},
		Drafts:    drafts,
		Proposals: proposals,
	})
	s.analyzeFeedback(ctx, now)

	pending := pendingProposals(t, proposals)
	require.Len(t, pending, 2)

	titles := make([]string, 0, len(pending))
	for _, p := range pending {
		titles = append(titles, p.Title)
	}
	for _, domain := range []string{"acme.com", "umbrella.example"} {
		assert.Contains(t, titles, fmt.Sprintf("Heavily edited replies for %s", domain))
	}
}
