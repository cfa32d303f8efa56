package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/task/models"
)

func newTask(name string) *models.Task {
	return &models.Task{
		Name:        name,
		Owner:       "tester",
		Description: "do something useful",
		Status:      models.StatusPending,
		CriteriaConfig: models.CriteriaConfig{
			MaxIterations: 5,
		},
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("t1")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Name)
	assert.Equal(t, models.StatusPending, got.Status)

	byName, err := s.GetTaskByName(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byName.ID)
}

func TestMemoryDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateTask(ctx, newTask("dup")))
	err := s.CreateTask(ctx, newTask("dup"))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestMemoryMutateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("mut")
	require.NoError(t, s.CreateTask(ctx, task))

	updated, err := s.Mutate(ctx, task.ID, func(t *models.Task) error {
		t.Status = models.StatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, updated.Status)
	assert.Equal(t, int64(2), updated.Version)
}

func TestMemoryMutateQueueKeepsPendingFlagInSync(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("queue")
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.Mutate(ctx, task.ID, func(t *models.Task) error {
		t.UserInputQueue = append(t.UserInputQueue, models.UserInputEntry{
			ID: "e1", Text: "hello", Timestamp: time.Now().UTC(),
		})
		t.RecomputeInputPending()
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.UserInputPending)

	_, err = s.Mutate(ctx, task.ID, func(t *models.Task) error {
		t.UserInputQueue[0].Processed = true
		t.RecomputeInputPending()
		return nil
	})
	require.NoError(t, err)

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.UserInputPending)
}

func TestMemoryIncrementTokensSurvivesConcurrentMutate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("tokens")
	require.NoError(t, s.CreateTask(ctx, task))

	// The increment lands while a mutation is in flight; the written
	// row must carry both changes.
	_, err := s.Mutate(ctx, task.ID, func(tk *models.Task) error {
		require.NoError(t, s.IncrementTokens(ctx, task.ID, 40))
		tk.Summary = "partial"
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.TotalTokensUsed)
	assert.Equal(t, "partial", got.Summary)
}

func TestMemoryInteractionsAppendAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("log")
	require.NoError(t, s.CreateTask(ctx, task))

	id1, err := s.AppendInteraction(ctx, &models.Interaction{
		TaskID: task.ID, Kind: models.KindUserRequest, Content: "first",
	})
	require.NoError(t, err)
	_, err = s.AppendInteraction(ctx, &models.Interaction{
		TaskID: task.ID, Kind: models.KindAssistantResponse, Content: "second", OutputTokens: 40,
	})
	require.NoError(t, err)

	list, err := s.ListInteractions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id1, list[0].ID)
	assert.Equal(t, models.KindUserRequest, list[0].Kind)
	assert.Equal(t, 40, list[1].OutputTokens)

	require.NoError(t, s.DeleteInteractions(ctx, task.ID))
	list, err = s.ListInteractions(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryDeleteTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("gone")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err := s.GetTask(ctx, task.ID)
	assert.True(t, apperrors.IsNotFound(err))

	// Second delete reports not-found, no side effects.
	err = s.DeleteTask(ctx, task.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMutateRetryGivesUpAfterThreeConflicts(t *testing.T) {
	ctx := context.Background()
	s := &conflictingStore{Memory: NewMemory()}

	task := newTask("contended")
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := MutateRetry(ctx, s, task.ID, func(t *models.Task) error { return nil })
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Equal(t, 3, s.attempts)
}

func TestMutateRetrySucceedsAfterTransientConflict(t *testing.T) {
	ctx := context.Background()
	s := &conflictingStore{Memory: NewMemory(), succeedAfter: 2}

	task := newTask("transient")
	require.NoError(t, s.CreateTask(ctx, task))

	updated, err := MutateRetry(ctx, s, task.ID, func(t *models.Task) error {
		t.Summary = "made it"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "made it", updated.Summary)
}

// conflictingStore wraps Memory and injects conflicts into Mutate.
type conflictingStore struct {
	*Memory
	attempts     int
	succeedAfter int
}

func (c *conflictingStore) Mutate(ctx context.Context, id string, fn MutateFn) (*models.Task, error) {
	c.attempts++
	if c.succeedAfter == 0 || c.attempts <= c.succeedAfter {
		return nil, apperrors.Conflict("injected conflict")
	}
	return c.Memory.Mutate(ctx, id, fn)
}
