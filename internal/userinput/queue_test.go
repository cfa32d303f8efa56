package userinput

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/common/clock"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *store.Memory, *clock.Fake, string) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(st, clk, logger.Default(), opts)

	task := &models.Task{Name: "q-task", Status: models.StatusRunning}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return q, st, clk, task.ID
}

func TestPushSetsPendingFlag(t *testing.T) {
	q, st, _, taskID := newTestQueue(t, Options{})
	ctx := context.Background()

	entry, err := q.Push(ctx, taskID, "use tabs not spaces", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Processed)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, task.UserInputPending)
	require.Len(t, task.UserInputQueue, 1)
}

func TestPopReturnsOldestAndMarksProcessed(t *testing.T) {
	q, st, clk, taskID := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, taskID, "first", nil)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = q.Push(ctx, taskID, "second", nil)
	require.NoError(t, err)

	popped, err := q.PopUnprocessed(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "first", popped.Text)
	assert.True(t, popped.Processed)

	// One entry remains pending.
	has, err := q.HasUnprocessed(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, has)

	popped, err = q.PopUnprocessed(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "second", popped.Text)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, task.UserInputPending)

	popped, err = q.PopUnprocessed(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, popped)
}

func TestDuplicatePushesBothKept(t *testing.T) {
	q, st, _, taskID := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, taskID, "same message", nil)
	require.NoError(t, err)
	_, err = q.Push(ctx, taskID, "same message", nil)
	require.NoError(t, err)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, task.UserInputQueue, 2)
}

func TestDedupWindowRejectsRapidDuplicate(t *testing.T) {
	q, _, clk, taskID := newTestQueue(t, Options{DedupWindow: 30 * time.Second})
	ctx := context.Background()

	_, err := q.Push(ctx, taskID, "spam", nil)
	require.NoError(t, err)

	_, err = q.Push(ctx, taskID, "spam", nil)
	require.Error(t, err)

	clk.Advance(31 * time.Second)
	_, err = q.Push(ctx, taskID, "spam", nil)
	require.NoError(t, err)
}

func TestTriggerImmediateWakesLoop(t *testing.T) {
	q, _, _, taskID := newTestQueue(t, Options{})
	ctx := context.Background()

	waker := q.Waker(taskID)
	_, err := q.TriggerImmediate(ctx, taskID, "now please", nil)
	require.NoError(t, err)

	select {
	case <-waker:
	case <-time.After(time.Second):
		t.Fatal("waker was not signalled")
	}
}

func TestWakeWithoutWakerIsNoop(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Options{})
	q.Wake("nobody-listening")
}

func TestClearProcessedPrunes(t *testing.T) {
	q, st, _, taskID := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, taskID, "a", nil)
	require.NoError(t, err)
	_, err = q.Push(ctx, taskID, "b", nil)
	require.NoError(t, err)
	_, err = q.PopUnprocessed(ctx, taskID)
	require.NoError(t, err)

	require.NoError(t, q.ClearProcessed(ctx, taskID))

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, task.UserInputQueue, 1)
	assert.Equal(t, "b", task.UserInputQueue[0].Text)
	assert.True(t, task.UserInputPending)
}

func TestQueueStatus(t *testing.T) {
	q, _, _, taskID := newTestQueue(t, Options{})
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four", "five", "six", "seven"} {
		_, err := q.Push(ctx, taskID, text, nil)
		require.NoError(t, err)
	}
	_, err := q.PopUnprocessed(ctx, taskID)
	require.NoError(t, err)

	status, err := q.QueueStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 7, status.Total)
	assert.Equal(t, 6, status.Pending)
	require.Len(t, status.Recent, 5)
	assert.Equal(t, "three", status.Recent[0].Text)
	assert.Equal(t, "seven", status.Recent[4].Text)
}
