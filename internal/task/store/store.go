// Package store provides the persistence gateway for tasks and
// interactions with memory, sqlite and postgres backends.
package store

import (
	"context"
	"strings"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// MutateFn applies an in-place change to a task inside Mutate. Returning
// an error aborts the write and is passed through to the caller.
type MutateFn func(task *models.Task) error

// Store is the persistence gateway. All JSON-valued task fields
// (user_input_queue, criteria_config, projects) go through Mutate so the
// queue and its summary flag always move together. AppendInteraction is
// write-only and never conflicts with task mutations; IncrementTokens is
// an additive counter bump that never conflicts either.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTaskByName(ctx context.Context, name string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	ListActiveTasks(ctx context.Context) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Mutate reads the task, applies fn and writes back, failing with a
	// conflict error when the row changed underneath. The updated task
	// is returned on success.
	Mutate(ctx context.Context, id string, fn MutateFn) (*models.Task, error)

	AppendInteraction(ctx context.Context, interaction *models.Interaction) (string, error)
	ListInteractions(ctx context.Context, taskID string) ([]*models.Interaction, error)
	DeleteInteractions(ctx context.Context, taskID string) error

	IncrementTokens(ctx context.Context, taskID string, delta int) error

	Close() error
}

const mutateRetries = 3

// MutateRetry wraps Store.Mutate with the conflict retry policy: up to
// three attempts, then the conflict is surfaced.
func MutateRetry(ctx context.Context, s Store, id string, fn MutateFn) (*models.Task, error) {
	var (
		task *models.Task
		err  error
	)
	for attempt := 0; attempt < mutateRetries; attempt++ {
		task, err = s.Mutate(ctx, id, fn)
		if err == nil || !apperrors.IsConflict(err) {
			return task, err
		}
	}
	return nil, err
}

// New selects a backend from the database URL: empty selects memory,
// postgres:// selects postgres, anything else is treated as a sqlite path
// (an optional sqlite:// prefix is stripped).
func New(ctx context.Context, databaseURL string, log *logger.Logger) (Store, error) {
	switch {
	case databaseURL == "":
		return NewMemory(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(ctx, databaseURL, log)
	default:
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		return NewSQLite(path, log)
	}
}
