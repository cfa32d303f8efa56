package executor

import (
	"regexp"
	"strings"
)

var summaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)#+\s*summary\s*\n+(.+?)(?:\n#|\z)`),
	regexp.MustCompile(`(?i)summary:\s*(.+)`),
}

const summaryFallbackLen = 300

// ExtractSummary pulls a task summary from the final assistant text: a
// summary section or line when present, otherwise a prefix of the text.
func ExtractSummary(finalText string) string {
	text := strings.TrimSpace(finalText)
	if text == "" {
		return ""
	}
	for _, pattern := range summaryPatterns {
		if match := pattern.FindStringSubmatch(text); match != nil {
			return strings.TrimSpace(match[1])
		}
	}
	if len(text) > summaryFallbackLen {
		return text[:summaryFallbackLen]
	}
	return text
}
