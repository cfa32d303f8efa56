// Package criteria extracts success criteria from task descriptions and
// judges completion, using one-shot assistant invocations.
package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// ConfidenceThreshold is the minimum confidence for a completion verdict
// to count.
const ConfidenceThreshold = 0.7

// TailLength is how many trailing interactions the judge sees.
const TailLength = 3

// Completer runs a one-shot assistant invocation with a fresh session.
// It must never resume a user task's conversation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Analyzer wraps the two meta-operations.
type Analyzer struct {
	client Completer
	log    *logger.Logger
}

// NewAnalyzer creates a criteria analyzer.
func NewAnalyzer(client Completer, log *logger.Logger) *Analyzer {
	return &Analyzer{
		client: client,
		log:    log.WithFields(zap.String("component", "criteria")),
	}
}

// ExtractResult carries either a criterion or a warning that none could
// be determined.
type ExtractResult struct {
	Criteria string `json:"criteria,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

const extractPrompt = `Analyze this task description and state its success condition.

Task description:
%s

Respond with JSON only, in this exact shape:
{"criteria": "<one sentence stating when the task is complete>", "measurable": true}

If the description has no measurable success condition, respond:
{"criteria": "", "measurable": false}`

// Extract asks the assistant to restate the success condition of a task
// in one sentence. When no measurable condition exists, a warning is
// returned instead of a criterion.
func (a *Analyzer) Extract(ctx context.Context, description string) (*ExtractResult, error) {
	if strings.TrimSpace(description) == "" {
		return &ExtractResult{Warning: "task description is empty; no success criteria could be derived"}, nil
	}

	reply, err := a.client.Complete(ctx, fmt.Sprintf(extractPrompt, description))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Criteria   string `json:"criteria"`
		Measurable bool   `json:"measurable"`
	}
	if err := json.Unmarshal(extractJSON(reply), &parsed); err != nil {
		a.log.Warn("criteria extraction returned unparseable reply", zap.Error(err))
		return &ExtractResult{Warning: "could not derive success criteria from the description"}, nil
	}
	if !parsed.Measurable || parsed.Criteria == "" {
		return &ExtractResult{Warning: "task description has no measurable success condition"}, nil
	}
	return &ExtractResult{Criteria: parsed.Criteria}, nil
}

// Verdict is the judge's structured answer.
type Verdict struct {
	IsComplete bool    `json:"is_complete"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Met reports whether the verdict counts as completion: anything short
// of is_complete with sufficient confidence is "not yet".
func (v *Verdict) Met() bool {
	return v.IsComplete && v.Confidence >= ConfidenceThreshold
}

const judgePrompt = `You are judging whether a software task has met its success criteria.

Success criteria:
%s

Recent conversation:
%s

Latest assistant message:
%s

Respond with JSON only, in this exact shape:
{"is_complete": <true|false>, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

// Judge supplies the criteria and the transcript tail and asks for a
// structured verdict. The result is short-lived: callers must not cache
// it across turns.
func (a *Analyzer) Judge(ctx context.Context, criteria string, tail []*models.Interaction, latestText string) (*Verdict, error) {
	reply, err := a.client.Complete(ctx, fmt.Sprintf(judgePrompt, criteria, FormatTail(tail), latestText))
	if err != nil {
		return nil, err
	}

	var verdict Verdict
	if err := json.Unmarshal(extractJSON(reply), &verdict); err != nil {
		a.log.Warn("completion judge returned unparseable reply", zap.Error(err))
		return &Verdict{Reasoning: "judge reply was not parseable"}, nil
	}
	return &verdict, nil
}

// FormatTail renders the last interactions as "role: text" lines for the
// judge prompt.
func FormatTail(interactions []*models.Interaction) string {
	start := len(interactions) - TailLength
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, it := range interactions[start:] {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(roleFor(it.Kind))
		b.WriteString(": ")
		b.WriteString(truncate(it.Content, 2000))
	}
	return b.String()
}

func roleFor(kind models.InteractionKind) string {
	switch kind {
	case models.KindUserRequest, models.KindSimulatedHuman:
		return "user"
	case models.KindAssistantResponse:
		return "assistant"
	case models.KindToolGroup, models.KindToolResult:
		return "tool"
	default:
		return "system"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls a JSON object out of a possibly-markdown reply: a
// fenced code block first, then the outermost brace pair.
func extractJSON(reply string) []byte {
	if match := jsonBlockPattern.FindStringSubmatch(reply); match != nil {
		return []byte(match[1])
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start >= 0 && end > start {
		return []byte(reply[start : end+1])
	}
	return []byte(reply)
}
