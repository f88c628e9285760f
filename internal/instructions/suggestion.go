package instructions

import (
	"fmt"
	"strings"
)

// SuggestionSystemPrompt is the base instructions for the cheap/fast model
// call that generates a single post-turn prompt suggestion.
const SuggestionSystemPrompt = `You suggest exactly one short follow-up prompt the user might send next, based on what the assistant just did. Respond with only the suggested prompt text, no preamble, no quotes, no numbering. If nothing sensible follows, respond with an empty line.`

// BuildSuggestionInput assembles the context shown to the suggestion model:
// the user's message, the assistant's reply, and a short summary of any
// tools that ran during the turn.
func BuildSuggestionInput(userMessage, assistantMessage string, toolSummaries []string) string {
	var b strings.Builder
	b.WriteString("User asked:\n")
	b.WriteString(userMessage)
	b.WriteString("\n\nAssistant replied:\n")
	b.WriteString(assistantMessage)

	if len(toolSummaries) > 0 {
		b.WriteString("\n\nTools used this turn:\n")
		for _, s := range toolSummaries {
			b.WriteString(fmt.Sprintf("- %s\n", s))
		}
	}

	return b.String()
}

// ParseSuggestionResponse trims and validates the suggestion model's raw
// output, discarding anything that looks like a refusal or is implausibly
// long to be a single follow-up prompt.
func ParseSuggestionResponse(raw string) string {
	suggestion := strings.TrimSpace(raw)
	suggestion = strings.Trim(suggestion, "\"")

	if suggestion == "" {
		return ""
	}
	if len(suggestion) > 200 {
		return ""
	}
	if strings.Contains(suggestion, "\n") {
		suggestion = strings.SplitN(suggestion, "\n", 2)[0]
	}

	return suggestion
}
