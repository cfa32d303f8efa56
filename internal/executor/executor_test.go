package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/assistant"
	"github.com/taskloop/taskloop/internal/common/clock"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/criteria"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
	"github.com/taskloop/taskloop/internal/userinput"
)

type scriptStep struct {
	text      string
	tokens    int
	sessionID string
	err       error
}

// scriptedClient mimics the streaming client: it persists an assistant
// interaction per turn and reports usage. A non-nil gate makes every
// turn wait for an explicit allow, so tests control interleaving.
type scriptedClient struct {
	st   *store.Memory
	gate chan struct{}

	mu        sync.Mutex
	calls     int
	prompts   []string
	resumeIDs []string
	script    []scriptStep
}

func (c *scriptedClient) Send(ctx context.Context, task *models.Task, prompt string, attachments []models.Attachment, onEvent assistant.OnInteraction) (*assistant.SendResult, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return &assistant.SendResult{Stopped: true}, nil
		}
	}

	c.mu.Lock()
	idx := c.calls
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	step := c.script[idx]
	c.calls++
	c.prompts = append(c.prompts, prompt)
	c.resumeIDs = append(c.resumeIDs, task.AssistantSessionID)
	c.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}

	interaction := &models.Interaction{
		TaskID:       task.ID,
		Kind:         models.KindAssistantResponse,
		Content:      step.text,
		OutputTokens: step.tokens,
	}
	if _, err := c.st.AppendInteraction(ctx, interaction); err == nil && onEvent != nil {
		onEvent(interaction)
	}

	sessionID := step.sessionID
	if sessionID == "" && task.AssistantSessionID == "" {
		sessionID = "session-default"
	}
	return &assistant.SendResult{
		FullText:     step.text,
		SessionID:    sessionID,
		SubprocessID: 1000 + idx,
		Usage:        assistant.Usage{OutputTokens: step.tokens},
	}, nil
}

func (c *scriptedClient) allow() { c.gate <- struct{}{} }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) recordedPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

func (c *scriptedClient) recordedResumeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.resumeIDs...)
}

// scriptedJudge returns a fixed verdict.
type scriptedJudge struct {
	verdict criteria.Verdict
	mu      sync.Mutex
	calls   int
}

func (j *scriptedJudge) Judge(ctx context.Context, crit string, tail []*models.Interaction, latest string) (*criteria.Verdict, error) {
	j.mu.Lock()
	j.calls++
	j.mu.Unlock()
	v := j.verdict
	return &v, nil
}

func (j *scriptedJudge) callCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

type fixture struct {
	store  *store.Memory
	queue  *userinput.Queue
	client *scriptedClient
	fanout *events.Fanout
	mgr    *Manager
}

func newFixture(t *testing.T, script []scriptStep, judge CompletionJudge, tests TestRunner, gated bool) *fixture {
	t.Helper()
	st := store.NewMemory()
	clk := clock.New()
	log := logger.Default()
	queue := userinput.NewQueue(st, clk, log, userinput.Options{})
	client := &scriptedClient{st: st, script: script}
	if gated {
		client.gate = make(chan struct{})
	}
	fanout := events.NewFanout(64, nil, log)
	mgr := NewManager(st, queue, client, judge, fanout, tests, clk, log, Config{
		IterationDelay:     time.Millisecond,
		StorageRetryWindow: 100 * time.Millisecond,
	})
	return &fixture{store: st, queue: queue, client: client, fanout: fanout, mgr: mgr}
}

func (f *fixture) createRunning(t *testing.T, name string, cfg models.CriteriaConfig) *models.Task {
	t.Helper()
	task := &models.Task{
		Name:           name,
		Description:    "Write greet.py that prints 'hi'",
		Status:         models.StatusRunning,
		CriteriaConfig: cfg,
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) waitStatus(t *testing.T, taskID string, want models.Status) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = f.store.GetTask(context.Background(), taskID)
		return err == nil && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for status %s", want)
	return task
}

func TestHappyPathFinishes(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Done - greet.py written.", tokens: 40, sessionID: "sid-1"},
	}, nil, nil, false)
	task := f.createRunning(t, "s1", models.CriteriaConfig{MaxIterations: 5})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusFinished)

	assert.Equal(t, 40, got.TotalTokensUsed)
	assert.Equal(t, 1, got.InteractionCount)
	assert.Equal(t, "sid-1", got.AssistantSessionID)
	assert.Equal(t, "Done - greet.py written.", got.Summary)
	require.NotNil(t, got.CompletedAt)

	interactions, err := f.store.ListInteractions(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, interactions, 2)
	assert.Equal(t, models.KindUserRequest, interactions[0].Kind)
	assert.Contains(t, interactions[0].Content, "Write greet.py")
	assert.Contains(t, interactions[0].Content, "Working directory: current directory (isolated branch)")
	assert.Equal(t, models.KindAssistantResponse, interactions[1].Kind)
	assert.Equal(t, 40, interactions[1].OutputTokens)
}

func TestUserInputBeatsAutoResponder(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Still working through the refactor.", tokens: 5},
		{text: "Everything is done.", tokens: 5},
	}, nil, nil, true)
	task := f.createRunning(t, "s2", models.CriteriaConfig{MaxIterations: 10})

	f.mgr.StartLoop(task.ID)

	// Input lands while turn one is still in flight.
	_, err := f.queue.Push(context.Background(), task.ID, "Use tabs not spaces", nil)
	require.NoError(t, err)

	f.client.allow() // turn 1
	f.client.allow() // turn 2
	f.waitStatus(t, task.ID, models.StatusFinished)

	prompts := f.client.recordedPrompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "Use tabs not spaces", prompts[1])

	// The consumed entry is marked processed.
	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, got.UserInputQueue, 1)
	assert.True(t, got.UserInputQueue[0].Processed)
	assert.False(t, got.UserInputPending)

	// The human turn is a USER_REQUEST, not a simulated one.
	interactions, err := f.store.ListInteractions(context.Background(), task.ID)
	require.NoError(t, err)
	var kinds []models.InteractionKind
	for _, it := range interactions {
		kinds = append(kinds, it.Kind)
	}
	assert.Contains(t, kinds, models.KindUserRequest)
	require.Len(t, interactions, 4)
	assert.Equal(t, "Use tabs not spaces", interactions[2].Content)
	assert.Equal(t, models.KindUserRequest, interactions[2].Kind)
}

func TestAutoResponderTurnIsSimulatedHuman(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Still thinking about the parser.", tokens: 5},
		{text: "Everything is done.", tokens: 5},
	}, nil, nil, false)
	task := f.createRunning(t, "auto", models.CriteriaConfig{MaxIterations: 10})

	f.mgr.StartLoop(task.ID)
	f.waitStatus(t, task.ID, models.StatusFinished)

	interactions, err := f.store.ListInteractions(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, interactions, 4)
	assert.Equal(t, models.KindSimulatedHuman, interactions[2].Kind)
	assert.Equal(t, "Please continue.", interactions[2].Content)
}

func TestStopThenResumeKeepsSession(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "turn output", tokens: 5, sessionID: "SID"},
	}, nil, nil, true)
	task := f.createRunning(t, "s3", models.CriteriaConfig{MaxIterations: 100})

	f.mgr.StartLoop(task.ID)
	f.client.allow() // turn 1
	f.client.allow() // turn 2

	require.Eventually(t, func() bool {
		return f.client.callCount() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	// Stop: mark the row, then cancel the loop.
	_, err := store.MutateRetry(context.Background(), f.store, task.ID, func(t *models.Task) error {
		t.Status = models.StatusStopped
		return nil
	})
	require.NoError(t, err)
	f.mgr.StopLoop(context.Background(), task.ID)
	assert.False(t, f.mgr.IsRunning(task.ID))

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "SID", got.AssistantSessionID)

	// Resume with the same session id.
	_, err = store.MutateRetry(context.Background(), f.store, task.ID, func(t *models.Task) error {
		t.Status = models.StatusRunning
		return nil
	})
	require.NoError(t, err)
	f.mgr.StartLoop(task.ID)
	f.client.allow() // turn 3

	require.Eventually(t, func() bool {
		return f.client.callCount() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	resumeIDs := f.client.recordedResumeIDs()
	assert.Equal(t, "", resumeIDs[0])
	assert.Equal(t, "SID", resumeIDs[1])
	assert.Equal(t, "SID", resumeIDs[2])

	got, err = f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "SID", got.AssistantSessionID)

	f.mgr.StopLoop(context.Background(), task.ID)
}

func TestIterationCapExhausts(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "still going, nothing conclusive", tokens: 5},
	}, nil, nil, false)
	task := f.createRunning(t, "s4", models.CriteriaConfig{MaxIterations: 2})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusExhausted)

	assert.Contains(t, got.ErrorMessage, "iteration cap")
	assert.Equal(t, 2, got.InteractionCount)
}

func TestZeroIterationCapExhaustsBeforeFirstCall(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "should never run"},
	}, nil, nil, false)
	task := f.createRunning(t, "zero-cap", models.CriteriaConfig{MaxIterations: 0})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusExhausted)

	assert.Contains(t, got.ErrorMessage, "iteration cap")
	assert.Empty(t, f.client.recordedPrompts())
}

func TestTokenCapExhausts(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "burning tokens, nothing conclusive", tokens: 40},
	}, nil, nil, false)
	task := f.createRunning(t, "token-cap", models.CriteriaConfig{MaxIterations: 100, MaxTokens: 50})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusExhausted)

	assert.Contains(t, got.ErrorMessage, "token cap")
	assert.GreaterOrEqual(t, got.TotalTokensUsed, 50)
}

func TestJudgeFinishesDespiteNonTerminalText(t *testing.T) {
	judge := &scriptedJudge{verdict: criteria.Verdict{IsComplete: true, Confidence: 0.95}}
	f := newFixture(t, []scriptStep{
		{text: "I made some progress on the file.", tokens: 5},
	}, judge, nil, false)
	task := f.createRunning(t, "judged", models.CriteriaConfig{
		MaxIterations: 10,
		Criteria:      "greet.py exists",
	})

	f.mgr.StartLoop(task.ID)
	f.waitStatus(t, task.ID, models.StatusFinished)
	assert.Equal(t, 1, judge.callCount())
}

func TestJudgeNotMetOverridesCompletionCue(t *testing.T) {
	judge := &scriptedJudge{verdict: criteria.Verdict{IsComplete: false, Confidence: 0.9}}
	f := newFixture(t, []scriptStep{
		{text: "Everything is done.", tokens: 5},
	}, judge, nil, false)
	task := f.createRunning(t, "not-met", models.CriteriaConfig{
		MaxIterations: 2,
		Criteria:      "all tests green",
	})

	f.mgr.StartLoop(task.ID)
	// The judge keeps saying no, so the iteration cap trips instead.
	got := f.waitStatus(t, task.ID, models.StatusExhausted)
	assert.Contains(t, got.ErrorMessage, "iteration cap")
}

func TestRunTestsPhaseCompleted(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Everything is done.", tokens: 5},
	}, nil, &stubTestRunner{passed: true}, false)
	task := f.createRunning(t, "tested", models.CriteriaConfig{MaxIterations: 5, RunTests: true})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusCompleted)
	assert.Empty(t, got.ErrorMessage)
}

func TestRunTestsPhaseFailed(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Everything is done.", tokens: 5},
	}, nil, &stubTestRunner{passed: false, output: "assertion blew up"}, false)
	task := f.createRunning(t, "test-fail", models.CriteriaConfig{MaxIterations: 5, RunTests: true})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusFailed)
	assert.Contains(t, got.ErrorMessage, "verification tests failed")
}

func TestSpawnFailureMarksFailed(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{err: errSpawn},
	}, nil, nil, false)
	task := f.createRunning(t, "spawn-fail", models.CriteriaConfig{MaxIterations: 5})

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusFailed)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestChatModeSuspendsUntilInput(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "What should I do next", tokens: 5},
		{text: "Everything is done.", tokens: 5},
	}, nil, nil, false)
	task := f.createRunning(t, "chatty", models.CriteriaConfig{MaxIterations: 10})
	_, err := store.MutateRetry(context.Background(), f.store, task.ID, func(t *models.Task) error {
		t.ChatMode = true
		return nil
	})
	require.NoError(t, err)

	f.mgr.StartLoop(task.ID)

	// After turn one the loop parks in PAUSED waiting for a human.
	f.waitStatus(t, task.ID, models.StatusPaused)

	_, err = f.queue.TriggerImmediate(context.Background(), task.ID, "ship it", nil)
	require.NoError(t, err)

	got := f.waitStatus(t, task.ID, models.StatusFinished)
	assert.False(t, got.ImmediateProcessingActive)

	prompts := f.client.recordedPrompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "ship it", prompts[1])
}

func TestRecoveredTaskStartsFreshSession(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Everything is done.", tokens: 5, sessionID: "fresh-sid"},
	}, nil, nil, false)
	task := f.createRunning(t, "s6", models.CriteriaConfig{MaxIterations: 10})

	// Simulate a failed run that already holds a session and history.
	_, err := f.store.AppendInteraction(context.Background(), &models.Interaction{
		TaskID: task.ID, Kind: models.KindAssistantResponse, Content: "old turn",
	})
	require.NoError(t, err)
	_, err = store.MutateRetry(context.Background(), f.store, task.ID, func(t *models.Task) error {
		t.AssistantSessionID = ""
		t.InteractionCount = 1
		return nil
	})
	require.NoError(t, err)

	f.mgr.StartLoop(task.ID)
	got := f.waitStatus(t, task.ID, models.StatusFinished)

	// The invocation was fresh, and the new session id was stored.
	resumeIDs := f.client.recordedResumeIDs()
	require.Len(t, resumeIDs, 1)
	assert.Equal(t, "", resumeIDs[0])
	assert.Equal(t, "fresh-sid", got.AssistantSessionID)

	// Prior interactions survive.
	interactions, err := f.store.ListInteractions(context.Background(), task.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(interactions), 3)
	assert.Equal(t, "old turn", interactions[0].Content)
}

func TestFanoutSeesInteractionsAndStatus(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{text: "Done - all set.", tokens: 5},
	}, nil, nil, false)
	task := f.createRunning(t, "streamed", models.CriteriaConfig{MaxIterations: 5})

	sub := f.fanout.Subscribe(task.ID)
	defer sub.Close()

	f.mgr.StartLoop(task.ID)
	f.waitStatus(t, task.ID, models.StatusFinished)

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) < 3 {
		select {
		case ev := <-sub.C:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("timed out, saw %v", types)
		}
	}
	// User turn, assistant turn, then the terminal status change.
	assert.Equal(t, []string{events.TypeInteraction, events.TypeInteraction, events.TypeStatusChange}, types)
}

type stubTestRunner struct {
	passed bool
	output string
}

func (s *stubTestRunner) Run(ctx context.Context, workdir string) (bool, string, error) {
	return s.passed, s.output, nil
}

var errSpawn = errors.New("assistant binary not found")
