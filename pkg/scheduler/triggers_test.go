package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/test/util"
)

func automationFixture(name string, trigger map[string]any) *models.Solution {
	return &models.Solution{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  "test automation",
		SolutionType: models.SolutionAutomation,
		Status:       "approved",
		Active:       true,
		Config:       map[string]any{"trigger": trigger},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestTriggerIndexMatchesBySourceAndType(t *testing.T) {
	db := util.SetupTestDatabase(t)
	solutions := services.NewSolutionService(db)
	ctx := context.Background()

	onMail := automationFixture("vip-mail-sweep",
		map[string]any{"source": "mail", "event_type": "mail.message"})
	anySurvey := automationFixture("survey-triage",
		map[string]any{"source": "survey"})
	nightly := automationFixture("nightly-report",
		map[string]any{"schedule": "07:00"})
	for _, sol := range []*models.Solution{onMail, anySurvey, nightly} {
		require.NoError(t, solutions.Create(ctx, sol))
	}

	paused := automationFixture("paused-sweep", map[string]any{"source": "mail"})
	paused.Active = false
	require.NoError(t, solutions.Create(ctx, paused))

	idx := NewTriggerIndex(solutions)
	require.NoError(t, idx.Refresh(ctx))

	matched := idx.Matches("mail", "mail.message")
	require.Len(t, matched, 1)
	assert.Equal(t, "vip-mail-sweep", matched[0].Name)

	assert.Empty(t, idx.Matches("mail", "mail.bounced"),
		"the event type must match when the trigger names one")

	for _, eventType := range []string{"survey.response", "survey.reminder"} {
		matched := idx.Matches("survey", eventType)
		require.Len(t, matched, 1, eventType)
		assert.Equal(t, "survey-triage", matched[0].Name, "a trigger without an event type matches its whole source")
	}

	assert.Empty(t, idx.Matches("scheduler", "automation_run"),
		"schedule-only automations never match events")
}

func TestTriggerIndexRefreshFailureKeepsSnapshot(t *testing.T) {
	db := util.SetupTestDatabase(t)
	solutions := services.NewSolutionService(db)
	ctx := context.Background()

	require.NoError(t, solutions.Create(ctx,
		automationFixture("mail-sweep", map[string]any{"source": "mail"})))

	idx := NewTriggerIndex(solutions)
	require.NoError(t, idx.Refresh(ctx))
	require.Len(t, idx.Matches("mail", "mail.message"), 1)

	require.NoError(t, db.Close())
	assert.Error(t, idx.Refresh(ctx))
	assert.Len(t, idx.Matches("mail", "mail.message"), 1,
		"a stale snapshot beats an empty one")
}
