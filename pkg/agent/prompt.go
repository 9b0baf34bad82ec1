package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opsloop/opsloop/pkg/models"
)

// maxPayloadChars bounds the payload JSON embedded in the user turn so a
// pathological webhook body cannot blow the prompt.
const maxPayloadChars = 4000

const taskFocus = "Handle this event end to end. Use the tools to look things up and to act. " +
	"When an action is risky, irreversible, or flagged above, create a draft or an approval " +
	"proposal instead of acting directly. Finish with a short plain-text summary of what you " +
	"did and anything that still needs a human."

// systemPrompt composes the system turn: the operator playbook, usage notes
// from connected tool servers, and the guardrail flag directive.
func systemPrompt(playbookText string, instructions map[string]string, flags []string) string {
	var sb strings.Builder
	sb.WriteString(playbookText)

	if len(instructions) > 0 {
		servers := make([]string, 0, len(instructions))
		for id := range instructions {
			servers = append(servers, id)
		}
		sort.Strings(servers)

		sb.WriteString("\n\n## Tool server notes\n")
		for _, id := range servers {
			text := strings.TrimSpace(instructions[id])
			if text == "" {
				continue
			}
			sb.WriteString("\n### ")
			sb.WriteString(id)
			sb.WriteString("\n")
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}

	if len(flags) > 0 {
		sb.WriteString("\n\n## Restrictions\n")
		sb.WriteString("This event is flagged: ")
		sb.WriteString(strings.Join(flags, ", "))
		sb.WriteString(". Do not take irreversible actions on flagged topics; ")
		sb.WriteString("prepare the action and request approval instead.\n")
	}

	return sb.String()
}

// userPrompt composes the structured user turn: event, payload,
// classification, language directive, plan, and retrieved context, closed
// by the task focus line.
func userPrompt(evt *models.Event, cls *models.Classification, plan, contextText string) string {
	var sb strings.Builder
	sb.WriteString(describeEvent(evt, cls))

	if plan != "" {
		sb.WriteString("\n## Plan\n")
		sb.WriteString(plan)
		sb.WriteString("\n")
	}

	if contextText != "" {
		sb.WriteString("\n## Retrieved context\n")
		sb.WriteString(contextText)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(taskFocus)
	return sb.String()
}

// describeEvent renders the event and classification sections shared by the
// reasoning and planning prompts.
func describeEvent(evt *models.Event, cls *models.Classification) string {
	var sb strings.Builder

	sb.WriteString("## Event\n")
	sb.WriteString("**Source:** ")
	sb.WriteString(string(evt.Source))
	sb.WriteString("\n**Type:** ")
	sb.WriteString(evt.EventType)
	sb.WriteString("\n**Priority:** ")
	sb.WriteString(evt.Priority.String())
	if !evt.CreatedAt.IsZero() {
		sb.WriteString("\n**Received:** ")
		sb.WriteString(evt.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	sb.WriteString("\n\n### Payload\n")
	sb.WriteString(formatPayload(evt.Payload))

	if cls != nil {
		sb.WriteString("\n## Classification\n")
		sb.WriteString("**Category:** ")
		sb.WriteString(cls.Category)
		sb.WriteString("\n**Urgency:** ")
		sb.WriteString(cls.Urgency.String())
		sb.WriteString("\n**Complexity:** ")
		sb.WriteString(string(cls.Complexity))
		sb.WriteString("\n**Signals:** ")
		sb.WriteString(classificationSignals(cls))
		sb.WriteString(fmt.Sprintf("\n**Confidence:** %.2f\n", cls.Confidence))

		if directive := languageDirective(cls.DetectedLanguage); directive != "" {
			sb.WriteString("\n")
			sb.WriteString(directive)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// formatPayload renders the payload as fenced JSON, truncated to
// maxPayloadChars.
func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "(empty)\n"
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v\n", payload)
	}
	text := string(data)
	if len(text) > maxPayloadChars {
		text = text[:maxPayloadChars] + "\n…(truncated)"
	}
	return "```json\n" + text + "\n```\n"
}

// classificationSignals lists the boolean classification flags that are set.
func classificationSignals(cls *models.Classification) string {
	var signals []string
	if cls.InvolvesVIP {
		signals = append(signals, "vip")
	}
	if cls.InvolvesFinancial {
		signals = append(signals, "financial")
	}
	if cls.NeedsResponse {
		signals = append(signals, "needs_response")
	}
	if cls.IsTeachableRule {
		signals = append(signals, "teachable_rule")
	}
	if len(signals) == 0 {
		return "none"
	}
	return strings.Join(signals, ", ")
}

// languageDirective tells the model to answer in the sender's language.
// English needs no directive.
func languageDirective(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, "en") || strings.EqualFold(lang, "english") {
		return ""
	}
	return fmt.Sprintf("The sender wrote in %q. Write any reply or draft in that language.", lang)
}
