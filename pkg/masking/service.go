// Package masking redacts secrets from tool results before they enter the
// model conversation. Matching is regex-based over the rendered text, so
// builtin, dynamic, sandboxed and external server tools are all covered by
// the same pass regardless of their result shape.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Service applies the redaction catalog. Stateless after construction and
// safe for concurrent use.
type Service struct {
	patterns []*Pattern
	logger   *slog.Logger
}

// NewService compiles the builtin catalog.
func NewService() *Service {
	return &Service{
		patterns: builtinPatterns(),
		logger:   slog.Default().With("component", "masking"),
	}
}

// AddPattern appends an operator-supplied rule. Returns an error when the
// expression does not compile. Not safe to call concurrently with Mask.
func (s *Service) AddPattern(name, expr, replacement string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("masking pattern %q does not compile: %w", name, err)
	}
	s.patterns = append(s.patterns, &Pattern{Name: name, Regex: re, Replacement: replacement})
	return nil
}

// Mask applies every pattern in catalog order and returns the redacted
// text.
func (s *Service) Mask(text string) string {
	if text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}
