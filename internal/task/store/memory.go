package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/task/models"
)

// Memory provides in-memory task storage, used for tests and as the
// default backend when no database URL is configured.
type Memory struct {
	mu           sync.RWMutex
	tasks        map[string]*models.Task
	byName       map[string]string
	interactions map[string][]*models.Interaction
}

// Ensure Memory implements Store
var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:        make(map[string]*models.Task),
		byName:       make(map[string]string),
		interactions: make(map[string][]*models.Interaction),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// CreateTask creates a new task, rejecting duplicate names.
func (m *Memory) CreateTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[task.Name]; exists {
		return apperrors.Conflict("task name already exists: " + task.Name)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1

	m.tasks[task.ID] = task.Clone()
	m.byName[task.Name] = task.ID
	return nil
}

// GetTask retrieves a task by ID.
func (m *Memory) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return task.Clone(), nil
}

// GetTaskByName retrieves a task by its unique name.
func (m *Memory) GetTaskByName(ctx context.Context, name string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, apperrors.NotFound("task", name)
	}
	return m.tasks[id].Clone(), nil
}

// ListTasks returns all tasks ordered by creation time.
func (m *Memory) ListTasks(ctx context.Context) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		result = append(result, task.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListActiveTasks returns tasks in an active status.
func (m *Memory) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	all, err := m.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var result []*models.Task
	for _, task := range all {
		if task.Status.IsActive() {
			result = append(result, task)
		}
	}
	return result, nil
}

// DeleteTask deletes a task by ID.
func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	delete(m.byName, task.Name)
	delete(m.tasks, id)
	return nil
}

// Mutate applies fn under a read-modify-write cycle with optimistic
// version checking.
func (m *Memory) Mutate(ctx context.Context, id string, fn MutateFn) (*models.Task, error) {
	m.mu.RLock()
	stored, ok := m.tasks[id]
	if !ok {
		m.mu.RUnlock()
		return nil, apperrors.NotFound("task", id)
	}
	working := stored.Clone()
	version := stored.Version
	tokensAtRead := stored.TotalTokensUsed
	m.mu.RUnlock()

	if err := fn(working); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	if current.Version != version {
		return nil, apperrors.Conflict("task modified concurrently: " + id)
	}
	// Token increments bypass versioning; fold in any bump that landed
	// between read and write so it is not lost.
	working.TotalTokensUsed += current.TotalTokensUsed - tokensAtRead
	working.Version = version + 1
	working.UpdatedAt = time.Now().UTC()
	m.tasks[id] = working.Clone()
	if working.Name != current.Name {
		delete(m.byName, current.Name)
		m.byName[working.Name] = id
	}
	return working, nil
}

// AppendInteraction appends a turn to the task's conversation log.
func (m *Memory) AppendInteraction(ctx context.Context, interaction *models.Interaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[interaction.TaskID]; !ok {
		return "", apperrors.NotFound("task", interaction.TaskID)
	}
	if interaction.ID == "" {
		interaction.ID = uuid.New().String()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now().UTC()
	}
	stored := *interaction
	m.interactions[interaction.TaskID] = append(m.interactions[interaction.TaskID], &stored)
	return interaction.ID, nil
}

// ListInteractions returns the ordered conversation log for a task.
func (m *Memory) ListInteractions(ctx context.Context, taskID string) ([]*models.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.interactions[taskID]
	result := make([]*models.Interaction, len(list))
	for i, it := range list {
		copied := *it
		result[i] = &copied
	}
	return result, nil
}

// DeleteInteractions removes all interactions for a task.
func (m *Memory) DeleteInteractions(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.interactions, taskID)
	return nil
}

// IncrementTokens bumps the cumulative token counter. Additive, so it
// never conflicts with concurrent mutations.
func (m *Memory) IncrementTokens(ctx context.Context, taskID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	task.TotalTokensUsed += delta
	task.UpdatedAt = time.Now().UTC()
	return nil
}
