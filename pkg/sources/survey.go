package sources

import (
	"context"
	"net/url"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/pollers"
)

var _ pollers.SurveyClient = (*SurveyClient)(nil)

// SurveyClient queries the survey provider for submitted responses. When
// cfg.Extra["form_id"] is set the query narrows to that form; otherwise all
// forms visible to the credential are swept.
type SurveyClient struct {
	restClient
	formID string
}

func NewSurveyClient(cfg *config.SourceConfig) *SurveyClient {
	c := &SurveyClient{restClient: newRESTClient(cfg)}
	if cfg != nil {
		c.formID = cfg.Extra["form_id"]
	}
	return c
}

type surveyResponse struct {
	ID         string `json:"id"`
	FormID     string `json:"form_id"`
	Respondent string `json:"respondent"`
	Rating     int    `json:"rating"`
	Sentiment  string `json:"sentiment"`
	Comment    string `json:"comment"`
	Submitted  string `json:"submitted"`
}

// ResponsesSince returns responses submitted at or after since.
func (c *SurveyClient) ResponsesSince(ctx context.Context, since time.Time) ([]pollers.SurveyResponse, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	if c.formID != "" {
		q.Set("form_id", c.formID)
	}

	var resp struct {
		Responses []surveyResponse `json:"responses"`
	}
	if err := c.getJSON(ctx, "/responses", q, &resp); err != nil {
		return nil, err
	}

	responses := make([]pollers.SurveyResponse, 0, len(resp.Responses))
	for _, r := range resp.Responses {
		responses = append(responses, pollers.SurveyResponse{
			ID:         r.ID,
			FormID:     r.FormID,
			Respondent: r.Respondent,
			Rating:     r.Rating,
			Sentiment:  r.Sentiment,
			Comment:    r.Comment,
			Submitted:  parseTime(r.Submitted),
		})
	}
	return responses, nil
}
