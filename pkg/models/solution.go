package models

import "time"

// SolutionType distinguishes what an approved solution's code drives.
type SolutionType string

const (
	SolutionScript     SolutionType = "script"
	SolutionAutomation SolutionType = "automation"
)

// Solution is operator-approved code stored for reuse: a sandbox script or
// an automation with a trigger config.
type Solution struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	SolutionType SolutionType   `json:"solution_type"`
	Code         string         `json:"code"`
	Config       map[string]any `json:"config,omitempty"`
	Status       string         `json:"status"`
	Active       bool           `json:"active"`
	ApprovedAt   *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DynamicTool is a runtime-registered tool: validated user-authored code plus
// the JSON schema the registry exposes to the model. Reloaded on startup.
type DynamicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Code        string         `json:"code"`
	Active      bool           `json:"active"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
