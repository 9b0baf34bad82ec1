package slack

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

func dlqURL(dlqID, dashboardURL string) string {
	return fmt.Sprintf("%s/dlq/%s", dashboardURL, dlqID)
}

func eventsURL(source, dashboardURL string) string {
	return fmt.Sprintf("%s/events?source=%s", dashboardURL, source)
}

// BuildDeadLetterMessage creates Block Kit blocks for a dead-letter alert.
func BuildDeadLetterMessage(input DeadLetterInput, dashboardURL string) []goslack.Block {
	header := fmt.Sprintf(":rotating_light: *Event dead-lettered* — `%s/%s`", input.Source, input.EventType)

	detail := fmt.Sprintf("*Event:* `%s`\n*Attempts:* %d", input.EventID, input.RetryCount+1)
	if input.LastError != "" {
		detail += fmt.Sprintf("\n*Last error:*\n%s", truncateForSlack(input.LastError))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false),
			nil, nil,
		),
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Dead Letters", false, false))
	btn.URL = dlqURL(input.DLQID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

// BuildAnomalyMessage creates Block Kit blocks for an event-volume anomaly
// alert.
func BuildAnomalyMessage(input AnomalyInput, dashboardURL string) []goslack.Block {
	header := fmt.Sprintf(":warning: *Event volume anomaly* — `%s/%s`", input.Source, input.EventType)

	var detail string
	if input.Mean > 0 || input.StdDev > 0 {
		detail = fmt.Sprintf("*Observed:* %d in the last hour\n*Baseline:* %.1f ± %.1f for this slot", input.Count, input.Mean, input.StdDev)
	} else {
		detail = fmt.Sprintf("*Observed:* %d in the last hour\n*Baseline:* none yet for this slot", input.Count)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false),
			nil, nil,
		),
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Events", false, false))
	btn.URL = eventsURL(input.Source, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated — full detail in dashboard)_"
}
