package models

// Complexity grades how much reasoning an event needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ParseComplexity maps a complexity name to the enum.
// Unknown names map to ComplexityModerate.
func ParseComplexity(name string) Complexity {
	switch Complexity(name) {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
		return Complexity(name)
	}
	return ComplexityModerate
}

// Classification is the structured result of the fast classification call.
type Classification struct {
	Category          string     `json:"category"`
	Urgency           Priority   `json:"urgency"`
	Complexity        Complexity `json:"complexity"`
	InvolvesVIP       bool       `json:"involves_vip"`
	InvolvesFinancial bool       `json:"involves_financial"`
	NeedsResponse     bool       `json:"needs_response"`
	IsTeachableRule   bool       `json:"is_teachable_rule"`
	Confidence        float64    `json:"confidence"`
	DetectedLanguage  string     `json:"detected_language"`
}

// DefaultClassification is the safe fallback used when the provider fails:
// urgency inherits the event priority, nothing is auto-handled.
func DefaultClassification(eventPriority Priority) *Classification {
	return &Classification{
		Category:         "general",
		Urgency:          eventPriority,
		Complexity:       ComplexityModerate,
		NeedsResponse:    true,
		Confidence:       0,
		DetectedLanguage: "en",
	}
}
