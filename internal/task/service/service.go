// Package service provides the task control surface: the thin facade
// the HTTP layer calls into. It owns task creation and lifecycle verbs
// and delegates the conversation loop to the executor.
package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/clock"
	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/criteria"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
	"github.com/taskloop/taskloop/internal/userinput"
	"github.com/taskloop/taskloop/internal/workspace"
)

// WorkspaceManager is the slice of the workspace manager the service
// needs. Implemented by workspace.Manager.
type WorkspaceManager interface {
	Provision(ctx context.Context, taskName, rootPath, baseBranch, branch string) (string, error)
	MultiProvision(ctx context.Context, taskName, baseBranch string, projects []models.ProjectRef) ([]workspace.ProvisionedProject, error)
	Reclaim(ctx context.Context, task *models.Task) error
	ReleaseClaim(rootPath, branch string)
	CurrentBranch(ctx context.Context, rootPath string) (string, error)
}

// LoopRunner spawns and tears down executor loops. Implemented by
// executor.Manager.
type LoopRunner interface {
	StartLoop(taskID string)
	StopLoop(ctx context.Context, taskID string)
	IsRunning(taskID string) bool
}

// CriteriaExtractor derives a success criterion from a task
// description. Implemented by criteria.Analyzer; may be nil.
type CriteriaExtractor interface {
	Extract(ctx context.Context, description string) (*criteria.ExtractResult, error)
}

// Config holds the service-level defaults applied at task creation and
// teardown.
type Config struct {
	DefaultMaxIterations int
	DefaultMaxTokens     int
	DefaultWorkspaceRoot string

	// DeleteGrace bounds how long delete waits for a live loop to wind
	// down before proceeding anyway.
	DeleteGrace time.Duration
}

// Service is the task control surface.
type Service struct {
	store      store.Store
	workspaces WorkspaceManager
	queue      *userinput.Queue
	executor   LoopRunner
	fanout     *events.Fanout
	extractor  CriteriaExtractor
	clock      clock.Clock
	log        *logger.Logger
	cfg        Config
}

// New wires the service. extractor may be nil; criteria extraction is
// then unavailable and create requests asking for it get a warning.
func New(st store.Store, workspaces WorkspaceManager, queue *userinput.Queue, exec LoopRunner, fanout *events.Fanout, extractor CriteriaExtractor, clk clock.Clock, log *logger.Logger, cfg Config) *Service {
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = 20
	}
	if cfg.DeleteGrace <= 0 {
		cfg.DeleteGrace = 5 * time.Second
	}
	return &Service{
		store:      st,
		workspaces: workspaces,
		queue:      queue,
		executor:   exec,
		fanout:     fanout,
		extractor:  extractor,
		clock:      clk,
		log:        log.WithFields(zap.String("component", "task-service")),
		cfg:        cfg,
	}
}

// CreateRequest carries the task creation input.
type CreateRequest struct {
	Name           string
	Description    string
	Owner          string
	ProjectContext string
	Projects       []models.ProjectRef

	RootPath   string
	Branch     string
	BaseBranch string

	ChatMode        bool
	CriteriaConfig  *models.CriteriaConfig
	ExtractCriteria bool
}

// Create validates the request, provisions the workspace and persists
// the task in PENDING. Workspace claims are rolled back when the row
// cannot be written.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*models.Task, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.ValidationError("task name is required")
	}
	if _, err := s.store.GetTaskByName(ctx, name); err == nil {
		return nil, apperrors.Conflict("task name already exists: " + name)
	}

	task := &models.Task{
		ID:             s.clock.NewID(),
		Name:           name,
		Owner:          req.Owner,
		Description:    req.Description,
		ProjectContext: req.ProjectContext,
		Projects:       req.Projects,
		RootPath:       req.RootPath,
		Branch:         req.Branch,
		BaseBranch:     req.BaseBranch,
		ChatMode:       req.ChatMode,
		Status:         models.StatusPending,
		CriteriaConfig: s.resolveCriteria(ctx, req),
	}
	if task.RootPath == "" && len(task.Projects) == 0 {
		task.RootPath = s.cfg.DefaultWorkspaceRoot
	}

	release, err := s.provision(ctx, task)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		release()
		return nil, err
	}

	s.log.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("branch", task.Branch))
	return task, nil
}

// provision sets up the task's isolated checkout(s) and returns a
// rollback that drops the claims without touching the filesystem.
func (s *Service) provision(ctx context.Context, task *models.Task) (func(), error) {
	if len(task.Projects) > 0 {
		provisioned, err := s.workspaces.MultiProvision(ctx, task.Name, task.BaseBranch, task.Projects)
		if err != nil {
			return nil, err
		}
		// The first write-access project anchors the task's workspace
		// fields for reclaim and the test phase.
		for _, p := range provisioned {
			if p.Ref.Access == models.AccessWrite {
				task.RootPath = p.Ref.Path
				task.WorktreePath = p.WorktreePath
				if task.Branch == "" {
					task.Branch = workspace.BranchName(task.Name)
				}
				break
			}
		}
		return func() {
			for _, p := range provisioned {
				if p.Ref.Access == models.AccessWrite {
					s.workspaces.ReleaseClaim(p.Ref.Path, workspace.BranchName(task.Name))
				}
			}
		}, nil
	}

	if task.RootPath == "" {
		return func() {}, nil
	}

	if task.BaseBranch == "" {
		if current, err := s.workspaces.CurrentBranch(ctx, task.RootPath); err == nil {
			task.BaseBranch = current
		}
	}
	if task.Branch == "" {
		task.Branch = workspace.BranchName(task.Name)
	}

	path, err := s.workspaces.Provision(ctx, task.Name, task.RootPath, task.BaseBranch, task.Branch)
	if err != nil {
		return nil, err
	}
	task.WorktreePath = path
	return func() { s.workspaces.ReleaseClaim(task.RootPath, task.Branch) }, nil
}

// resolveCriteria merges the request's criteria config with service
// defaults, running extraction when asked for.
func (s *Service) resolveCriteria(ctx context.Context, req *CreateRequest) models.CriteriaConfig {
	cfg := models.CriteriaConfig{}
	if req.CriteriaConfig != nil {
		cfg = *req.CriteriaConfig
	}
	if req.CriteriaConfig == nil || req.CriteriaConfig.MaxIterations == 0 {
		cfg.MaxIterations = s.cfg.DefaultMaxIterations
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = s.cfg.DefaultMaxTokens
	}

	if cfg.Criteria != "" {
		return cfg
	}

	if req.ExtractCriteria && s.extractor != nil {
		result, err := s.extractor.Extract(ctx, req.Description)
		if err != nil {
			s.log.WithError(err).Warn("criteria extraction failed")
			cfg.Warning = "success criteria could not be derived"
			return cfg
		}
		cfg.Criteria = result.Criteria
		cfg.Warning = result.Warning
		return cfg
	}

	if strings.TrimSpace(req.Description) == "" {
		cfg.Warning = "task description is empty; no success criteria could be derived"
	}
	return cfg
}

// Get returns a task by name.
func (s *Service) Get(ctx context.Context, name string) (*models.Task, error) {
	return s.store.GetTaskByName(ctx, name)
}

// List returns all tasks.
func (s *Service) List(ctx context.Context) ([]*models.Task, error) {
	return s.store.ListTasks(ctx)
}

// Transcript returns the ordered interaction log for a task.
func (s *Service) Transcript(ctx context.Context, name string) ([]*models.Interaction, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListInteractions(ctx, task.ID)
}

// Subscribe attaches a fan-out subscriber to a task's event stream.
func (s *Service) Subscribe(ctx context.Context, name string) (*events.Subscription, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.fanout.Subscribe(task.ID), nil
}

// QueueStatus summarizes a task's user input queue.
func (s *Service) QueueStatus(ctx context.Context, name string) (*userinput.Status, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.queue.QueueStatus(ctx, task.ID)
}
