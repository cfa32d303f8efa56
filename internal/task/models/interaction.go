package models

import "time"

// InteractionKind classifies one turn in the conversation log.
type InteractionKind string

const (
	KindUserRequest       InteractionKind = "USER_REQUEST"
	KindAssistantResponse InteractionKind = "ASSISTANT_RESPONSE"
	KindSimulatedHuman    InteractionKind = "SIMULATED_HUMAN"
	KindToolResult        InteractionKind = "TOOL_RESULT"
	KindToolGroup         InteractionKind = "TOOL_GROUP"
	KindSystemMessage     InteractionKind = "SYSTEM_MESSAGE"
)

// ToolCall is one tool invocation inside a TOOL_GROUP interaction.
type ToolCall struct {
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Result string `json:"result,omitempty"`
}

// Interaction is one persisted turn in a task's conversation log.
// Interactions are append-only and deleted only with their task.
type Interaction struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Kind      InteractionKind `json:"kind"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`

	Tools       []ToolCall   `json:"tools,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	InputTokens         int     `json:"input_tokens,omitempty"`
	OutputTokens        int     `json:"output_tokens,omitempty"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	Cost                float64 `json:"cost,omitempty"`
	DurationMs          int64   `json:"duration_ms,omitempty"`
}
