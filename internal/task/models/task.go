// Package models defines the task, interaction and project types shared
// across the service.
package models

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusStopped   Status = "STOPPED"
	StatusTesting   Status = "TESTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusFinished  Status = "FINISHED"
	StatusExhausted Status = "EXHAUSTED"
)

// IsTerminal reports whether the status is one of the four terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFinished, StatusExhausted:
		return true
	}
	return false
}

// IsActive reports whether a task in this status holds a workspace claim.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusTesting:
		return true
	}
	return false
}

// CanTransitionTo validates a status transition.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusExhausted || target == StatusFailed
	case StatusRunning:
		switch target {
		case StatusPaused, StatusStopped, StatusTesting,
			StatusFinished, StatusExhausted, StatusFailed, StatusCompleted:
			return true
		}
		return false
	case StatusPaused:
		return target == StatusRunning || target == StatusStopped ||
			target == StatusFailed || target == StatusExhausted || target == StatusFinished
	case StatusStopped:
		return target == StatusRunning
	case StatusTesting:
		return target == StatusCompleted || target == StatusFailed || target == StatusStopped
	case StatusCompleted, StatusFailed, StatusFinished, StatusExhausted:
		// Terminal states only leave via recover, which is validated separately.
		return false
	}
	return false
}

// CanRecover reports whether recover may move a task in this status back
// to RUNNING. Recovery is allowed from any terminal state and from STOPPED.
func (s Status) CanRecover() bool {
	return s.IsTerminal() || s == StatusStopped
}

// ProjectAccess is the access mode a task has on an attached project.
type ProjectAccess string

const (
	AccessRead  ProjectAccess = "read"
	AccessWrite ProjectAccess = "write"
)

// ProjectRef attaches a project checkout to a task.
type ProjectRef struct {
	Name    string        `json:"name"`
	Path    string        `json:"path"`
	Access  ProjectAccess `json:"access"`
	Context string        `json:"context,omitempty"`
}

// CriteriaConfig is the task's resource envelope and completion condition.
// Extra preserves unknown keys across read-modify-write cycles.
type CriteriaConfig struct {
	Criteria      string         `json:"criteria,omitempty"`
	MaxIterations int            `json:"max_iterations"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Warning       string         `json:"warning,omitempty"`
	RunTests      bool           `json:"run_tests,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// UserInputEntry is one pending or processed human message in the queue.
type UserInputEntry struct {
	ID        string       `json:"id"`
	Text      string       `json:"text"`
	Images    []Attachment `json:"images,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Processed bool         `json:"processed"`
}

// Attachment is a base64-encoded media blob attached to a message.
type Attachment struct {
	Base64    string `json:"base64"`
	MediaType string `json:"media_type"`
}

// Task is a single automation unit.
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`

	Description    string       `json:"description"`
	ProjectContext string       `json:"project_context,omitempty"`
	Projects       []ProjectRef `json:"projects,omitempty"`

	RootPath           string `json:"root_path,omitempty"`
	Branch             string `json:"branch,omitempty"`
	BaseBranch         string `json:"base_branch,omitempty"`
	WorktreePath       string `json:"worktree_path,omitempty"`
	AssistantSessionID string `json:"assistant_session_id,omitempty"`

	Status                    Status `json:"status"`
	SubprocessID              int    `json:"subprocess_id,omitempty"`
	ImmediateProcessingActive bool   `json:"immediate_processing_active"`
	ChatMode                  bool   `json:"chat_mode"`

	CriteriaConfig   CriteriaConfig `json:"criteria_config"`
	TotalTokensUsed  int            `json:"total_tokens_used"`
	InteractionCount int            `json:"interaction_count"`

	UserInputQueue   []UserInputEntry `json:"user_input_queue,omitempty"`
	UserInputPending bool             `json:"user_input_pending"`

	Summary      string     `json:"summary,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is bumped on every write for optimistic concurrency.
	Version int64 `json:"-"`
}

// Clone returns a deep copy so mutation callbacks never alias stored state.
func (t *Task) Clone() *Task {
	c := *t
	if t.Projects != nil {
		c.Projects = make([]ProjectRef, len(t.Projects))
		copy(c.Projects, t.Projects)
	}
	if t.UserInputQueue != nil {
		c.UserInputQueue = make([]UserInputEntry, len(t.UserInputQueue))
		for i, e := range t.UserInputQueue {
			c.UserInputQueue[i] = e
			if e.Images != nil {
				c.UserInputQueue[i].Images = make([]Attachment, len(e.Images))
				copy(c.UserInputQueue[i].Images, e.Images)
			}
		}
	}
	if t.CriteriaConfig.Extra != nil {
		extra := make(map[string]any, len(t.CriteriaConfig.Extra))
		for k, v := range t.CriteriaConfig.Extra {
			extra[k] = v
		}
		c.CriteriaConfig.Extra = extra
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// RecomputeInputPending refreshes the pending summary flag from the queue.
// Must be called inside the same mutation that touched the queue.
func (t *Task) RecomputeInputPending() {
	t.UserInputPending = false
	for _, e := range t.UserInputQueue {
		if !e.Processed {
			t.UserInputPending = true
			return
		}
	}
}
