package slack

import (
	"fmt"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

// Alert fingerprints make repeat alerts thread under the first one instead
// of flooding the channel. The fingerprint rides along as the message's
// fallback text, so a history scan can find the original.

func dlqFingerprint(eventID string) string {
	return fmt.Sprintf("dead-letter event %s", eventID)
}

func anomalyFingerprint(source, eventType string) string {
	return fmt.Sprintf("volume anomaly %s/%s", source, eventType)
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	return strings.Join(parts, " ")
}
