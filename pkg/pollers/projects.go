package pollers

import (
	"context"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// ProjectTask is one board item in its current state.
type ProjectTask struct {
	ID       string
	Board    string
	Title    string
	Status   string
	Assignee string
	// Due is zero when the task has no due date.
	Due       time.Time
	UpdatedAt time.Time
}

// ProjectsClient is the narrow project-management surface the poller queries.
type ProjectsClient interface {
	TasksUpdatedSince(ctx context.Context, since time.Time) ([]ProjectTask, error)
}

// ProjectsPoller publishes board changes. Like tickets, tasks mutate, so
// the dedup id pairs the task id with its update timestamp. Overdue tasks
// outrank routine board noise.
type ProjectsPoller struct {
	client ProjectsClient
	cfg    *config.SourceConfig
	em     emitter
}

func NewProjectsPoller(client ProjectsClient, cfg *config.SourceConfig, deps Deps) *ProjectsPoller {
	if client == nil {
		panic("pollers.NewProjectsPoller: client must not be nil")
	}
	deps.validate("NewProjectsPoller")
	return &ProjectsPoller{client: client, cfg: cfg, em: newEmitter(deps, "projects")}
}

func (p *ProjectsPoller) Name() string { return "projects" }

func (p *ProjectsPoller) Poll(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-p.cfg.LookBack)
	tasks, err := p.client.TasksUpdatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("projects query failed: %w", err)
	}

	now := time.Now().UTC()
	published := 0
	for _, task := range tasks {
		if task.ID == "" {
			continue
		}
		priority := models.PriorityLow
		if !task.Due.IsZero() && task.Due.Before(now) && task.Status != "done" {
			priority = models.PriorityMedium
		}
		payload := map[string]any{
			"task_id":    task.ID,
			"board":      task.Board,
			"title":      task.Title,
			"status":     task.Status,
			"assignee":   task.Assignee,
			"updated_at": task.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if !task.Due.IsZero() {
			payload["due"] = task.Due.UTC().Format(time.RFC3339)
		}
		dedupID := fmt.Sprintf("%s:%d", task.ID, task.UpdatedAt.Unix())
		evt := models.NewEvent(models.SourceProjects, "task.updated", priority,
			payload, "projects:"+dedupID)
		if p.em.emit(ctx, "projects", dedupID, evt) {
			published++
		}
	}
	return published, nil
}
