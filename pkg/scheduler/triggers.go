package scheduler

import (
	"context"
	"sync"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// TriggerIndex is the in-memory view of event-driven automation triggers
// ({"trigger": {"source": ..., "event_type": ...}}). The scheduler refreshes
// it each tick; the pipeline consults it per event, so matching never costs
// a query.
type TriggerIndex struct {
	solutions *services.SolutionService

	mu    sync.RWMutex
	index map[string][]*models.Solution
}

func NewTriggerIndex(solutions *services.SolutionService) *TriggerIndex {
	if solutions == nil {
		panic("scheduler.NewTriggerIndex: solutions must not be nil")
	}
	return &TriggerIndex{
		solutions: solutions,
		index:     make(map[string][]*models.Solution),
	}
}

// Refresh rebuilds the index from active automations. On failure the
// previous snapshot stays in place.
func (t *TriggerIndex) Refresh(ctx context.Context) error {
	sols, err := t.solutions.List(ctx, true, 500)
	if err != nil {
		return err
	}

	index := make(map[string][]*models.Solution)
	for _, sol := range sols {
		if sol.SolutionType != models.SolutionAutomation {
			continue
		}
		source := triggerField(sol.Config, "source")
		eventType := triggerField(sol.Config, "event_type")
		if source == "" {
			continue
		}
		index[triggerKey(source, eventType)] = append(index[triggerKey(source, eventType)], sol)
	}

	t.mu.Lock()
	t.index = index
	t.mu.Unlock()
	return nil
}

// Matches returns the automations triggered by an event of this source and
// type. A trigger with no event_type matches every event of its source.
func (t *TriggerIndex) Matches(source, eventType string) []*models.Solution {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*models.Solution
	out = append(out, t.index[triggerKey(source, eventType)]...)
	if eventType != "" {
		out = append(out, t.index[triggerKey(source, "")]...)
	}
	return out
}

func triggerKey(source, eventType string) string {
	return source + ":" + eventType
}

// triggerField reads a key from a solution's {"trigger": {...}} config.
func triggerField(cfg map[string]any, key string) string {
	trigger, ok := cfg["trigger"].(map[string]any)
	if !ok {
		return ""
	}
	value, _ := trigger[key].(string)
	return value
}
