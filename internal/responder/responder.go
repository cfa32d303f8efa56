// Package responder generates the next user turn when no human input is
// waiting. It is a pure, deterministic classifier over the latest
// assistant text; it never calls the assistant.
package responder

import (
	"fmt"
	"regexp"
	"strings"
)

// Canned responses, one per decision branch.
const (
	replyYesProceed   = "Yes, please proceed with that."
	replyBestJudgment = "Please use your best judgment based on best practices. Proceed."
	replyRetryError   = "I see the error. Please try an alternative approach and continue."
	replyConfirmDone  = "Great! Please confirm everything is complete and all tests pass."
	replyContinue     = "Please continue."
)

var (
	numberedChoice = regexp.MustCompile(`(?m)^\s*[0-9]+[.)]`)
	letteredChoice = regexp.MustCompile(`(?m)^\s*\[?[a-e]\]?[.)]`)

	yesNoCue          = regexp.MustCompile(`(?i)\b(should i|would you like|do you want)\b`)
	trailingYesNo     = regexp.MustCompile(`(?i)\b(shall|should|can|could|do|does|is|are|will|would|want)\b[^.!?]*\?\s*$`)
	openInterrogative = regexp.MustCompile(`(?i)\b(how should|what should|which approach)\b`)
	errorCue          = regexp.MustCompile(`(?i)\b(error|failed|cannot|unable|exception)\b`)
	completionCue     = regexp.MustCompile(`(?i)\b(completed|finished|done|implemented|all tests pass|ready)\b`)
)

// Generate classifies the latest assistant text and returns the next
// user turn. The iteration index seeds choice selection so a given turn
// is reproducible.
func Generate(assistantText, description string, iteration int) string {
	if options := countChoices(assistantText); options > 0 && hasQuestionCue(assistantText) {
		return pickChoice(options, iteration)
	}
	if yesNoCue.MatchString(assistantText) || trailingYesNo.MatchString(assistantText) {
		return replyYesProceed
	}
	if openInterrogative.MatchString(assistantText) {
		return replyBestJudgment
	}
	if errorCue.MatchString(assistantText) {
		return replyRetryError
	}
	if completionCue.MatchString(assistantText) {
		return replyConfirmDone
	}
	return replyContinue
}

// ShouldContinue reports whether another auto-generated turn is useful.
// False only when the assistant's text reads as terminal: a completion
// cue with no open question.
func ShouldContinue(assistantText string, iteration, maxIterations int) bool {
	if completionCue.MatchString(assistantText) && !hasQuestionCue(assistantText) {
		return false
	}
	return true
}

// IsTerminal reports a completion cue with no question, the heuristic
// the executor applies when no explicit criteria are configured.
func IsTerminal(assistantText string) bool {
	return completionCue.MatchString(assistantText) && !hasQuestionCue(assistantText)
}

func hasQuestionCue(text string) bool {
	return strings.Contains(text, "?") ||
		yesNoCue.MatchString(text) ||
		openInterrogative.MatchString(text)
}

// countChoices counts list items in the text.
func countChoices(text string) int {
	n := len(numberedChoice.FindAllString(text, -1))
	if n == 0 {
		n = len(letteredChoice.FindAllString(text, -1))
	}
	return n
}

// pickChoice selects an option: first 40%, a middle one 40%, last 20%,
// seeded by the iteration index.
func pickChoice(options, iteration int) string {
	selected := 1
	if options > 1 {
		switch bucket := positiveMod(iteration, 10); {
		case bucket < 4:
			selected = 1
		case bucket < 8:
			selected = options/2 + 1
		default:
			selected = options
		}
	}
	return fmt.Sprintf("Let's go with option %d. Please proceed.", selected)
}

func positiveMod(n, m int) int {
	return ((n % m) + m) % m
}
