package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

// Start spawns the executor loop for a PENDING task.
func (s *Service) Start(ctx context.Context, name string) (*models.Task, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusPending {
		return nil, apperrors.ValidationError("task " + name + " is not PENDING, cannot start")
	}

	updated, err := s.transition(ctx, task.ID, models.StatusRunning)
	if err != nil {
		return nil, err
	}
	s.executor.StartLoop(task.ID)
	return updated, nil
}

// Stop halts a task's loop. The assistant subprocess, if mid-turn, is
// interrupted and drained within its 2 second grace window. The task
// lands in STOPPED and keeps its session id for a later resume.
func (s *Service) Stop(ctx context.Context, name string) (*models.Task, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.StatusRunning, models.StatusPaused, models.StatusTesting:
	default:
		return nil, apperrors.ValidationError("task " + name + " is not running, cannot stop")
	}

	// The status flip comes first so the loop observes it at its next
	// decision point even if the cancellation signal races.
	updated, err := s.transition(ctx, task.ID, models.StatusStopped)
	if err != nil {
		return nil, err
	}
	s.executor.StopLoop(ctx, task.ID)
	s.log.Info("task stopped", zap.String("task_id", task.ID), zap.String("name", name))
	return updated, nil
}

// Resume restarts a STOPPED task's loop with its existing session id.
func (s *Service) Resume(ctx context.Context, name string) (*models.Task, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusStopped {
		return nil, apperrors.ValidationError("task " + name + " is not STOPPED, cannot resume")
	}

	updated, err := s.transition(ctx, task.ID, models.StatusRunning)
	if err != nil {
		return nil, err
	}
	s.executor.StartLoop(task.ID)
	return updated, nil
}

// RecoverOptions optionally raises the resource caps of a recovered
// task. Zero values leave the caps unchanged.
type RecoverOptions struct {
	MaxIterations int
	MaxTokens     int
}

// Recover returns a terminal or STOPPED task to RUNNING with a cleared
// session id. The interaction log is preserved; the next assistant
// invocation is a fresh, non-resumed call.
func (s *Service) Recover(ctx context.Context, name string, opts *RecoverOptions) (*models.Task, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanRecover() {
		return nil, apperrors.ValidationError("task " + name + " cannot be recovered from " + string(task.Status))
	}

	from := task.Status
	updated, err := store.MutateRetry(ctx, s.store, task.ID, func(t *models.Task) error {
		if !t.Status.CanRecover() {
			return apperrors.ValidationError("task " + name + " cannot be recovered from " + string(t.Status))
		}
		t.Status = models.StatusRunning
		t.AssistantSessionID = ""
		t.SubprocessID = 0
		t.ErrorMessage = ""
		t.CompletedAt = nil
		if opts != nil {
			if opts.MaxIterations > 0 {
				t.CriteriaConfig.MaxIterations = opts.MaxIterations
			}
			if opts.MaxTokens > 0 {
				t.CriteriaConfig.MaxTokens = opts.MaxTokens
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.fanout.PublishStatus(task.ID, from, models.StatusRunning)
	s.executor.StartLoop(task.ID)
	s.log.Info("task recovered",
		zap.String("task_id", task.ID),
		zap.String("from", string(from)))
	return updated, nil
}

// SendInput enqueues a human message for a task. A PENDING task is
// implicitly started; a live loop is woken to dispatch right away.
func (s *Service) SendInput(ctx context.Context, name, text string, images []models.Attachment) (*models.Task, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.ValidationError("task " + name + " is " + string(task.Status) + ", cannot accept input")
	}

	if _, err := s.queue.TriggerImmediate(ctx, task.ID, text, images); err != nil {
		return nil, err
	}

	if task.Status == models.StatusPending {
		updated, err := s.transition(ctx, task.ID, models.StatusRunning)
		if err != nil {
			return nil, err
		}
		s.executor.StartLoop(task.ID)
		return updated, nil
	}
	return s.store.GetTask(ctx, task.ID)
}

// Delete tears a task down unconditionally: the loop is stopped with a
// grace window, the workspace is reclaimed commit-first, then the rows
// and the event stream go. A blocked reclaim aborts the delete and
// leaves the task intact for a retry.
func (s *Service) Delete(ctx context.Context, name string) error {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.DeleteGrace)
	s.executor.StopLoop(stopCtx, task.ID)
	cancel()

	if err := s.workspaces.Reclaim(ctx, task); err != nil {
		s.log.WithError(err).Warn("workspace reclaim blocked, delete aborted",
			zap.String("task_id", task.ID))
		return err
	}
	// Secondary write projects hold claims under the same generated
	// branch name; drop them now that the primary reclaim landed.
	for _, p := range task.Projects {
		if p.Access == models.AccessWrite && p.Path != task.RootPath {
			s.workspaces.ReleaseClaim(p.Path, task.Branch)
		}
	}

	if err := s.store.DeleteInteractions(ctx, task.ID); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return err
	}

	s.fanout.CloseTask(task.ID)
	s.log.Info("task deleted", zap.String("task_id", task.ID), zap.String("name", name))
	return nil
}

// transition applies a validated status change and publishes it.
func (s *Service) transition(ctx context.Context, taskID string, to models.Status) (*models.Task, error) {
	var from models.Status
	updated, err := store.MutateRetry(ctx, s.store, taskID, func(t *models.Task) error {
		from = t.Status
		if !t.Status.CanTransitionTo(to) {
			return apperrors.ValidationError("invalid transition " + string(t.Status) + " -> " + string(to))
		}
		t.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.fanout.PublishStatus(taskID, from, to)
	return updated, nil
}
