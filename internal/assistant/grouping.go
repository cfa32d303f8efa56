package assistant

import (
	"encoding/json"

	"github.com/taskloop/taskloop/internal/task/models"
)

// grouper folds the ordered event stream into interactions. Contiguous
// runs of tool_use/tool_result collapse into one TOOL_GROUP; a
// tool_result with no open group becomes a standalone TOOL_RESULT.
// system and result records never produce interactions.
type grouper struct {
	taskID  string
	pending []models.ToolCall
	// index into pending by tool id, for attaching results.
	byID map[string]int
}

func newGrouper(taskID string) *grouper {
	return &grouper{taskID: taskID, byID: make(map[string]int)}
}

// feed consumes one event and returns zero or more interactions ready
// to persist, in order.
func (g *grouper) feed(ev *Event) []*models.Interaction {
	switch ev.Type {
	case EventTypeAssistant:
		return g.feedAssistant(ev)
	case EventTypeToolUse:
		g.addToolUse(ev.ToolID, ev.ToolName, ev.ToolInput)
		return nil
	case EventTypeToolResult:
		return g.feedToolResult(ev.ToolID, ev.ToolResult)
	case EventTypeUser:
		// Tool result echoes ride on user records; bare user text is
		// already covered by the assistant stream and dropped.
		return g.feedUserRecord(ev)
	default:
		// system, result, unknown: no interaction.
		return nil
	}
}

// flush closes any open tool group, for end-of-turn emission.
func (g *grouper) flush() []*models.Interaction {
	if len(g.pending) == 0 {
		return nil
	}
	group := &models.Interaction{
		TaskID: g.taskID,
		Kind:   models.KindToolGroup,
		Tools:  g.pending,
	}
	g.pending = nil
	g.byID = make(map[string]int)
	return []*models.Interaction{group}
}

func (g *grouper) feedAssistant(ev *Event) []*models.Interaction {
	var out []*models.Interaction

	// Tool uses inside the assistant message extend the current group;
	// a text block ends the contiguous tool run first.
	text := ""
	if ev.Message != nil {
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				text += block.Text
			case "tool_use":
				g.addToolUse(block.ID, block.Name, block.Input)
			}
		}
	}
	if text == "" {
		text = ev.Text
	}
	if text == "" {
		return nil
	}

	out = append(out, g.flush()...)
	interaction := &models.Interaction{
		TaskID:  g.taskID,
		Kind:    models.KindAssistantResponse,
		Content: text,
	}
	if usage := eventUsage(ev); usage != nil {
		interaction.InputTokens = usage.InputTokens
		interaction.OutputTokens = usage.OutputTokens
		interaction.CacheCreationTokens = usage.CacheCreationTokens
		interaction.CacheReadTokens = usage.CacheReadTokens
	}
	return append(out, interaction)
}

func (g *grouper) feedUserRecord(ev *Event) []*models.Interaction {
	if ev.Message == nil {
		return nil
	}
	var out []*models.Interaction
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, g.feedToolResult(block.ToolUseID, rawToString(block.Content))...)
	}
	return out
}

func (g *grouper) addToolUse(id, name string, input json.RawMessage) {
	g.pending = append(g.pending, models.ToolCall{
		Name:  name,
		Input: rawToString(input),
	})
	if id != "" {
		g.byID[id] = len(g.pending) - 1
	}
}

func (g *grouper) feedToolResult(id, result string) []*models.Interaction {
	if idx, ok := g.byID[id]; ok && id != "" {
		g.pending[idx].Result = result
		return nil
	}
	// Attach to the last unresolved tool in the open group.
	for i := len(g.pending) - 1; i >= 0; i-- {
		if g.pending[i].Result == "" {
			g.pending[i].Result = result
			return nil
		}
	}
	// No open group: standalone result.
	return []*models.Interaction{{
		TaskID:  g.taskID,
		Kind:    models.KindToolResult,
		Content: result,
	}}
}

func eventUsage(ev *Event) *Usage {
	if ev.Usage != nil {
		return ev.Usage
	}
	if ev.Message != nil {
		return ev.Message.Usage
	}
	return nil
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
