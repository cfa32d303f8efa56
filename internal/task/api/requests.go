// Package api provides the HTTP control surface for tasks.
package api

import (
	"time"

	"github.com/taskloop/taskloop/internal/task/models"
)

// CreateTaskRequest for creating a task
type CreateTaskRequest struct {
	Name           string               `json:"name" binding:"required"`
	Description    string               `json:"description"`
	Owner          string               `json:"owner"`
	ProjectContext string               `json:"project_context,omitempty"`
	Projects       []models.ProjectRef  `json:"projects,omitempty"`
	RootPath       string               `json:"root_path,omitempty"`
	Branch         string               `json:"branch,omitempty"`
	BaseBranch     string               `json:"base_branch,omitempty"`
	ChatMode       bool                 `json:"chat_mode,omitempty"`
	CriteriaConfig *CriteriaConfigInput `json:"criteria_config,omitempty"`
	// ExtractCriteria asks the service to derive a success criterion
	// from the description via the assistant. Defaults to off.
	ExtractCriteria bool `json:"extract_criteria,omitempty"`
}

// CriteriaConfigInput mirrors the criteria config accepted at creation.
type CriteriaConfigInput struct {
	Criteria      string         `json:"criteria,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	RunTests      bool           `json:"run_tests,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// SendInputRequest pushes a human message into a task's queue.
type SendInputRequest struct {
	Text   string              `json:"text" binding:"required"`
	Images []models.Attachment `json:"images,omitempty"`
}

// RecoverRequest optionally raises the caps of a recovered task.
type RecoverRequest struct {
	MaxIterations int `json:"max_iterations,omitempty"`
	MaxTokens     int `json:"max_tokens,omitempty"`
}

// Response types

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Owner          string                `json:"owner,omitempty"`
	Description    string                `json:"description"`
	Status         string                `json:"status"`
	ChatMode       bool                  `json:"chat_mode"`
	Projects       []models.ProjectRef   `json:"projects,omitempty"`
	RootPath       string                `json:"root_path,omitempty"`
	Branch         string                `json:"branch,omitempty"`
	BaseBranch     string                `json:"base_branch,omitempty"`
	WorktreePath   string                `json:"worktree_path,omitempty"`
	CriteriaConfig models.CriteriaConfig `json:"criteria_config"`

	TotalTokensUsed  int  `json:"total_tokens_used"`
	InteractionCount int  `json:"interaction_count"`
	UserInputPending bool `json:"user_input_pending"`

	Summary      string     `json:"summary,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// InteractionResponse represents one conversation turn
type InteractionResponse struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int               `json:"input_tokens,omitempty"`
	OutputTokens int               `json:"output_tokens,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// TasksListResponse for listing tasks
type TasksListResponse struct {
	Tasks []*TaskResponse `json:"tasks"`
	Total int             `json:"total"`
}

// TranscriptResponse for the ordered interaction log
type TranscriptResponse struct {
	Interactions []*InteractionResponse `json:"interactions"`
	Total        int                    `json:"total"`
}
