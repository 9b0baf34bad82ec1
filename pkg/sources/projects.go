package sources

import (
	"context"
	"net/url"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/pollers"
)

var _ pollers.ProjectsClient = (*ProjectsClient)(nil)

// ProjectsClient queries the project-management provider for board changes.
// cfg.Extra["board"] narrows the sweep to one board.
type ProjectsClient struct {
	restClient
	board string
}

func NewProjectsClient(cfg *config.SourceConfig) *ProjectsClient {
	c := &ProjectsClient{restClient: newRESTClient(cfg)}
	if cfg != nil {
		c.board = cfg.Extra["board"]
	}
	return c
}

type projectTask struct {
	ID        string `json:"id"`
	Board     string `json:"board"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Assignee  string `json:"assignee"`
	Due       string `json:"due"`
	UpdatedAt string `json:"updated_at"`
}

// TasksUpdatedSince returns tasks whose state changed at or after since.
func (c *ProjectsClient) TasksUpdatedSince(ctx context.Context, since time.Time) ([]pollers.ProjectTask, error) {
	q := url.Values{}
	q.Set("updated_since", since.UTC().Format(time.RFC3339))
	if c.board != "" {
		q.Set("board", c.board)
	}

	var resp struct {
		Tasks []projectTask `json:"tasks"`
	}
	if err := c.getJSON(ctx, "/tasks", q, &resp); err != nil {
		return nil, err
	}

	tasks := make([]pollers.ProjectTask, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		tasks = append(tasks, pollers.ProjectTask{
			ID:        t.ID,
			Board:     t.Board,
			Title:     t.Title,
			Status:    t.Status,
			Assignee:  t.Assignee,
			Due:       parseTime(t.Due),
			UpdatedAt: parseTime(t.UpdatedAt),
		})
	}
	return tasks, nil
}
