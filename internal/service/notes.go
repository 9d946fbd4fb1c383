package service

import (
	"fmt"
	"strings"

	"inbox-router/internal/model"
)

// DefaultNote is the note committed when neither the user nor the
// classification engine supplied one.
func DefaultNote(message *model.Message, decision *model.RoutingDecision) string {
	summary := message.Summary
	if summary == "" {
		summary = message.Preview
	}

	lines := []string{
		"Subject: " + orNA(message.Subject),
		"From: " + orNA(message.Sender),
		"Summary: " + orNA(summary),
	}
	if decision != nil {
		lines = append(lines,
			"Intent: "+orNA(decision.Intent),
			"Urgency: "+orNA(decision.Urgency),
			fmt.Sprintf("Confidence: %.2f", decision.Confidence),
			"Reasoning: "+orNA(decision.Reasoning),
		)
	}
	lines = append(lines, "", "ExternalRef: "+message.ExternalID)
	return strings.Join(lines, "\n")
}

// resolveNote picks the note for a commit. A non-blank override is stored
// exactly as the user typed it.
func resolveNote(message *model.Message, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if message.Decision != nil && strings.TrimSpace(message.Decision.Note) != "" {
		return message.Decision.Note
	}
	return DefaultNote(message, message.Decision)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
