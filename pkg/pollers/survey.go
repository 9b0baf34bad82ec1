package pollers

import (
	"context"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// negativeRatingMax is the highest rating still treated as negative feedback.
const negativeRatingMax = 2

// SurveyResponse is one submitted survey or review.
type SurveyResponse struct {
	ID         string
	FormID     string
	Respondent string
	// Rating is the numeric score, 0 when the form has none.
	Rating    int
	Sentiment string
	Comment   string
	Submitted time.Time
}

// SurveyClient is the narrow survey-provider surface the poller queries.
type SurveyClient interface {
	ResponsesSince(ctx context.Context, since time.Time) ([]SurveyResponse, error)
}

// SurveyPoller publishes responses. Negative feedback jumps the queue so a
// complaint is handled before the day's routine volume.
type SurveyPoller struct {
	client SurveyClient
	cfg    *config.SourceConfig
	em     emitter
}

func NewSurveyPoller(client SurveyClient, cfg *config.SourceConfig, deps Deps) *SurveyPoller {
	if client == nil {
		panic("pollers.NewSurveyPoller: client must not be nil")
	}
	deps.validate("NewSurveyPoller")
	return &SurveyPoller{client: client, cfg: cfg, em: newEmitter(deps, "survey")}
}

func (p *SurveyPoller) Name() string { return "survey" }

func (p *SurveyPoller) Poll(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-p.cfg.LookBack)
	responses, err := p.client.ResponsesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("survey query failed: %w", err)
	}

	published := 0
	for _, r := range responses {
		if r.ID == "" {
			continue
		}
		priority := models.PriorityLow
		if isNegative(r) {
			priority = models.PriorityHigh
		}
		payload := map[string]any{
			"response_id": r.ID,
			"form_id":     r.FormID,
			"from":        r.Respondent,
			"comment":     r.Comment,
			"submitted":   r.Submitted.UTC().Format(time.RFC3339),
		}
		if r.Rating > 0 {
			payload["rating"] = r.Rating
		}
		if r.Sentiment != "" {
			payload["sentiment"] = r.Sentiment
		}
		evt := models.NewEvent(models.SourceSurvey, "survey.response", priority,
			payload, "survey:"+r.ID)
		if p.em.emit(ctx, "survey", r.ID, evt) {
			published++
		}
	}
	return published, nil
}

func isNegative(r SurveyResponse) bool {
	if r.Rating > 0 && r.Rating <= negativeRatingMax {
		return true
	}
	return r.Sentiment == "negative"
}
