package api

// HealthCheck is one component's contribution to a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Agent   string                 `json:"agent"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// AckResponse acknowledges a state-changing request.
type AckResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}
