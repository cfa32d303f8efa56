// Package executor owns the per-task conversation loop and the task
// lifecycle state machine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/assistant"
	"github.com/taskloop/taskloop/internal/common/clock"
	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/criteria"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/responder"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
	"github.com/taskloop/taskloop/internal/userinput"
)

// AssistantClient is the slice of the streaming client the executor
// needs. Implemented by assistant.Client.
type AssistantClient interface {
	Send(ctx context.Context, task *models.Task, prompt string, attachments []models.Attachment, onEvent assistant.OnInteraction) (*assistant.SendResult, error)
}

// CompletionJudge decides whether explicit criteria have been met.
// Implemented by criteria.Analyzer.
type CompletionJudge interface {
	Judge(ctx context.Context, criteria string, tail []*models.Interaction, latestText string) (*criteria.Verdict, error)
}

// Config tunes loop pacing and resilience.
type Config struct {
	// IterationDelay is the pause between loop turns.
	IterationDelay time.Duration
	// StorageRetryWindow bounds how long a loop retries a storage
	// outage before marking the task FAILED.
	StorageRetryWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.IterationDelay <= 0 {
		c.IterationDelay = time.Second
	}
	if c.StorageRetryWindow <= 0 {
		c.StorageRetryWindow = 30 * time.Second
	}
	return c
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager spawns, tracks and tears down per-task executor loops.
// Executors for distinct tasks run in parallel; the loop for a single
// task is serialized.
type Manager struct {
	store  store.Store
	queue  *userinput.Queue
	client AssistantClient
	judge  CompletionJudge
	fanout *events.Fanout
	tests  TestRunner
	clock  clock.Clock
	log    *logger.Logger
	cfg    Config

	mu    sync.Mutex
	loops map[string]*loopHandle
}

// NewManager wires the executor. judge and tests may be nil: without a
// judge only the completion heuristic runs; without a test runner the
// TESTING phase passes trivially.
func NewManager(st store.Store, queue *userinput.Queue, client AssistantClient, judge CompletionJudge, fanout *events.Fanout, tests TestRunner, clk clock.Clock, log *logger.Logger, cfg Config) *Manager {
	return &Manager{
		store:  st,
		queue:  queue,
		client: client,
		judge:  judge,
		fanout: fanout,
		tests:  tests,
		clock:  clk,
		log:    log.WithFields(zap.String("component", "executor")),
		cfg:    cfg.withDefaults(),
		loops:  make(map[string]*loopHandle),
	}
}

// StartLoop spawns the executor loop for a task. Idempotent: a task
// with a live loop is left alone.
func (m *Manager) StartLoop(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[taskID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	m.loops[taskID] = handle

	go func() {
		defer close(handle.done)
		defer func() {
			m.mu.Lock()
			delete(m.loops, taskID)
			m.mu.Unlock()
			m.queue.ReleaseWaker(taskID)
		}()
		m.run(ctx, taskID)
	}()
}

// StopLoop cancels a task's loop and waits for it to wind down. The
// assistant client enforces the 2 second drain bound, so this returns
// promptly.
func (m *Manager) StopLoop(ctx context.Context, taskID string) {
	m.mu.Lock()
	handle, ok := m.loops[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	handle.cancel()
	select {
	case <-handle.done:
	case <-ctx.Done():
	}
}

// IsRunning reports whether a task has a live loop.
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[taskID]
	return ok
}

// Shutdown stops every loop and waits for them within ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*loopHandle, 0, len(m.loops))
	for _, h := range m.loops {
		h.cancel()
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}

// run is the per-task main loop. Out-of-band mutations (stop requested,
// input pushed) are observed at the decision points: loop top, queue
// pop, and the send's context.
func (m *Manager) run(ctx context.Context, taskID string) {
	log := m.log.WithTaskID(taskID)
	log.Info("executor loop starting")

	lastAssistantText := m.hydrateLastAssistantText(ctx, taskID)
	iteration := 0
	firstTurn := true

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := m.getTaskWithRetry(ctx, taskID)
		if err != nil {
			m.failTask(taskID, "storage unavailable")
			return
		}
		if task.Status != models.StatusRunning {
			log.Info("loop exiting, task no longer running", zap.String("status", string(task.Status)))
			return
		}

		// Caps are checked before the call too: max_iterations=0 means
		// the task exhausts before the first assistant invocation.
		if msg := capTripped(task); msg != "" {
			m.exhaust(taskID, msg)
			return
		}

		prompt, attachments, kind, guardSet, ok := m.chooseNextTurn(ctx, task, lastAssistantText, iteration, firstTurn)
		if !ok {
			return
		}
		firstTurn = false

		userTurn := &models.Interaction{
			ID:          m.clock.NewID(),
			TaskID:      taskID,
			Kind:        kind,
			Content:     prompt,
			Attachments: attachments,
			Timestamp:   m.clock.Now(),
		}
		if _, err := m.store.AppendInteraction(ctx, userTurn); err != nil {
			m.failTask(taskID, "storage unavailable")
			return
		}
		m.fanout.PublishInteraction(taskID, userTurn)

		result, err := m.client.Send(ctx, task, prompt, attachments, func(it *models.Interaction) {
			m.fanout.PublishInteraction(taskID, it)
		})
		if guardSet {
			m.clearImmediateGuard(taskID)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("assistant turn failed")
			m.failTask(taskID, shortMessage(err))
			return
		}
		if result.Stopped {
			log.Info("assistant turn cancelled by stop")
			return
		}

		// Session id is captured exactly once, before any later turn
		// could need it for resumption.
		if task.AssistantSessionID == "" && result.SessionID != "" {
			m.captureSession(taskID, result.SessionID, result.SubprocessID)
		}

		if result.Usage.OutputTokens > 0 {
			if err := m.store.IncrementTokens(ctx, taskID, result.Usage.OutputTokens); err != nil {
				log.WithError(err).Warn("token increment failed")
			}
		}

		updated, err := store.MutateRetry(ctx, m.store, taskID, func(t *models.Task) error {
			t.InteractionCount++
			return nil
		})
		if err != nil {
			m.failTask(taskID, "storage unavailable")
			return
		}

		lastAssistantText = result.FullText
		iteration++

		if m.completionReached(ctx, updated, result.FullText) {
			m.finish(ctx, updated, result.FullText)
			return
		}

		if msg := capTripped(updated); msg != "" {
			m.exhaust(taskID, msg)
			return
		}

		select {
		case <-time.After(m.cfg.IterationDelay):
		case <-m.queue.Waker(taskID):
			// Input arrived mid-delay; start the next turn right away.
		case <-ctx.Done():
			return
		}
	}
}

// chooseNextTurn applies the priority contract: pending user input
// first, then a chat-mode suspension, then the auto-responder. The
// returned guardSet flag reports that the immediate-processing guard
// was raised and must be cleared after the dispatch lands.
func (m *Manager) chooseNextTurn(ctx context.Context, task *models.Task, lastText string, iteration int, firstTurn bool) (prompt string, attachments []models.Attachment, kind models.InteractionKind, guardSet, ok bool) {
	kind = models.KindUserRequest

	if firstTurn && task.InteractionCount == 0 && task.AssistantSessionID == "" {
		return BuildInitialPrompt(task), nil, kind, false, true
	}

	entry, err := m.queue.PopUnprocessed(ctx, task.ID)
	if err != nil {
		m.failTask(task.ID, "storage unavailable")
		return "", nil, kind, false, false
	}
	if entry != nil {
		return entry.Text, entry.Images, kind, false, true
	}

	if task.ChatMode {
		entry, guardSet = m.suspendForInput(ctx, task.ID)
		if entry == nil {
			return "", nil, kind, guardSet, false
		}
		return entry.Text, entry.Images, kind, guardSet, true
	}

	return responder.Generate(lastText, task.Description, iteration), nil, models.KindSimulatedHuman, false, true
}

// suspendForInput parks a chat-mode loop until input is pushed or the
// loop is cancelled. The task shows PAUSED while suspended.
func (m *Manager) suspendForInput(ctx context.Context, taskID string) (*models.UserInputEntry, bool) {
	m.transition(taskID, models.StatusPaused, "")
	waker := m.queue.Waker(taskID)

	for {
		select {
		case <-waker:
			// Raise the guard before dispatching out-of-band so a
			// concurrently scheduled turn cannot also consume the entry.
			_, err := store.MutateRetry(ctx, m.store, taskID, func(t *models.Task) error {
				t.ImmediateProcessingActive = true
				if t.Status == models.StatusPaused {
					t.Status = models.StatusRunning
				}
				return nil
			})
			if err != nil {
				return nil, false
			}
			m.fanout.PublishStatus(taskID, models.StatusPaused, models.StatusRunning)

			entry, err := m.queue.PopUnprocessed(ctx, taskID)
			if err != nil || entry == nil {
				m.clearImmediateGuard(taskID)
				return nil, false
			}
			return entry, true

		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *Manager) clearImmediateGuard(taskID string) {
	_, err := store.MutateRetry(context.Background(), m.store, taskID, func(t *models.Task) error {
		t.ImmediateProcessingActive = false
		return nil
	})
	if err != nil {
		m.log.WithTaskID(taskID).WithError(err).Warn("could not clear immediate-processing guard")
	}
}

func (m *Manager) captureSession(taskID, sessionID string, pid int) {
	_, err := store.MutateRetry(context.Background(), m.store, taskID, func(t *models.Task) error {
		if t.AssistantSessionID == "" {
			t.AssistantSessionID = sessionID
		}
		t.SubprocessID = pid
		return nil
	})
	if err != nil {
		m.log.WithTaskID(taskID).WithError(err).Error("could not persist session id")
	}
}

// completionReached applies step five of the loop: the judge when
// criteria are configured, the text heuristic otherwise (or when the
// judge is unreachable).
func (m *Manager) completionReached(ctx context.Context, task *models.Task, latestText string) bool {
	if task.CriteriaConfig.Criteria != "" && m.judge != nil {
		tail, err := m.store.ListInteractions(ctx, task.ID)
		if err != nil {
			tail = nil
		}
		verdict, err := m.judge.Judge(ctx, task.CriteriaConfig.Criteria, tail, latestText)
		if err == nil {
			return verdict.Met()
		}
		m.log.WithTaskID(task.ID).WithError(err).Warn("completion judge unavailable, falling back to heuristic")
	}
	return responder.IsTerminal(latestText)
}

// finish runs the terminal path for a converged conversation: summary
// extraction, then FINISHED, or the TESTING phase when configured.
func (m *Manager) finish(ctx context.Context, task *models.Task, finalText string) {
	summary := ExtractSummary(finalText)

	if !task.CriteriaConfig.RunTests || m.tests == nil {
		m.transitionWith(task.ID, models.StatusFinished, func(t *models.Task) {
			t.Summary = summary
			now := m.clock.Now()
			t.CompletedAt = &now
		})
		return
	}

	m.transition(task.ID, models.StatusTesting, "")

	passed, output, err := m.tests.Run(ctx, task.WorktreePath)
	if err != nil || !passed {
		msg := "verification tests failed"
		if err != nil {
			msg = "verification tests could not run: " + shortMessage(err)
		}
		m.log.WithTaskID(task.ID).Warn("testing phase failed", zap.String("output", truncateOutput(output)))
		m.transitionWith(task.ID, models.StatusFailed, func(t *models.Task) {
			t.Summary = summary
			t.ErrorMessage = msg
			now := m.clock.Now()
			t.CompletedAt = &now
		})
		return
	}

	m.transitionWith(task.ID, models.StatusCompleted, func(t *models.Task) {
		t.Summary = summary
		now := m.clock.Now()
		t.CompletedAt = &now
	})
}

func (m *Manager) exhaust(taskID, msg string) {
	m.transitionWith(taskID, models.StatusExhausted, func(t *models.Task) {
		t.ErrorMessage = msg
		now := m.clock.Now()
		t.CompletedAt = &now
	})
	m.log.WithTaskID(taskID).Info("task exhausted", zap.String("reason", msg))
}

func (m *Manager) failTask(taskID, msg string) {
	m.transitionWith(taskID, models.StatusFailed, func(t *models.Task) {
		t.ErrorMessage = msg
		now := m.clock.Now()
		t.CompletedAt = &now
	})
}

func (m *Manager) transition(taskID string, to models.Status, errorMessage string) {
	m.transitionWith(taskID, to, func(t *models.Task) {
		if errorMessage != "" {
			t.ErrorMessage = errorMessage
		}
	})
}

// transitionWith validates and applies a status change, then publishes
// it. Invalid transitions are logged and skipped, never forced.
func (m *Manager) transitionWith(taskID string, to models.Status, apply func(*models.Task)) {
	var from models.Status
	_, err := store.MutateRetry(context.Background(), m.store, taskID, func(t *models.Task) error {
		from = t.Status
		if t.Status == to {
			apply(t)
			return nil
		}
		if !t.Status.CanTransitionTo(to) {
			return apperrors.ValidationError("invalid transition " + string(t.Status) + " -> " + string(to))
		}
		t.Status = to
		apply(t)
		return nil
	})
	if err != nil {
		m.log.WithTaskID(taskID).WithError(err).Warn("status transition rejected",
			zap.String("to", string(to)))
		return
	}
	if from != to {
		m.fanout.PublishStatus(taskID, from, to)
	}
}

// capTripped checks the resource envelope and names the cap that hit.
func capTripped(task *models.Task) string {
	cfg := task.CriteriaConfig
	if task.InteractionCount >= cfg.MaxIterations {
		return fmt.Sprintf("iteration cap reached: %d/%d iterations used", task.InteractionCount, cfg.MaxIterations)
	}
	if cfg.MaxTokens > 0 && task.TotalTokensUsed >= cfg.MaxTokens {
		return fmt.Sprintf("token cap reached: %d/%d tokens used", task.TotalTokensUsed, cfg.MaxTokens)
	}
	return ""
}

// getTaskWithRetry reads the task row, backing off through transient
// storage outages for up to the retry window.
func (m *Manager) getTaskWithRetry(ctx context.Context, taskID string) (*models.Task, error) {
	deadline := time.Now().Add(m.cfg.StorageRetryWindow)
	for {
		task, err := m.store.GetTask(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !apperrors.HasCode(err, apperrors.ErrCodeStorageUnavailable) || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) hydrateLastAssistantText(ctx context.Context, taskID string) string {
	interactions, err := m.store.ListInteractions(ctx, taskID)
	if err != nil {
		return ""
	}
	for i := len(interactions) - 1; i >= 0; i-- {
		if interactions[i].Kind == models.KindAssistantResponse {
			return interactions[i].Content
		}
	}
	return ""
}

func shortMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func truncateOutput(s string) string {
	if len(s) > 1000 {
		return s[:1000] + "..."
	}
	return s
}
