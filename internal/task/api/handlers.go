package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/service"
)

// Handler contains HTTP handlers for the task API
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  log,
	}
}

// respondError maps service errors onto the wire: AppErrors carry their
// own HTTP status, anything else is an internal error.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateTask creates a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	svcReq := &service.CreateRequest{
		Name:            req.Name,
		Description:     req.Description,
		Owner:           req.Owner,
		ProjectContext:  req.ProjectContext,
		Projects:        req.Projects,
		RootPath:        req.RootPath,
		Branch:          req.Branch,
		BaseBranch:      req.BaseBranch,
		ChatMode:        req.ChatMode,
		ExtractCriteria: req.ExtractCriteria,
	}
	if req.CriteriaConfig != nil {
		svcReq.CriteriaConfig = &models.CriteriaConfig{
			Criteria:      req.CriteriaConfig.Criteria,
			MaxIterations: req.CriteriaConfig.MaxIterations,
			MaxTokens:     req.CriteriaConfig.MaxTokens,
			RunTests:      req.CriteriaConfig.RunTests,
			Extra:         req.CriteriaConfig.Extra,
		}
	}

	task, err := h.service.Create(c.Request.Context(), svcReq)
	if err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, taskToResponse(task))
}

// ListTasks returns all tasks
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.service.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		respondError(c, err)
		return
	}

	resp := TasksListResponse{
		Tasks: make([]*TaskResponse, len(tasks)),
		Total: len(tasks),
	}
	for i, t := range tasks {
		resp.Tasks[i] = taskToResponse(t)
	}

	c.JSON(http.StatusOK, resp)
}

// GetTask retrieves a task by name
// GET /api/v1/tasks/:name
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.service.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// DeleteTask deletes a task unconditionally
// DELETE /api/v1/tasks/:name
func (h *Handler) DeleteTask(c *gin.Context) {
	name := c.Param("name")
	if err := h.service.Delete(c.Request.Context(), name); err != nil {
		h.logger.Error("failed to delete task", zap.String("name", name), zap.Error(err))
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartTask spawns the executor loop for a PENDING task
// POST /api/v1/tasks/:name/start
func (h *Handler) StartTask(c *gin.Context) {
	task, err := h.service.Start(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// StopTask halts a running task
// POST /api/v1/tasks/:name/stop
func (h *Handler) StopTask(c *gin.Context) {
	task, err := h.service.Stop(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// ResumeTask restarts a STOPPED task with its existing session
// POST /api/v1/tasks/:name/resume
func (h *Handler) ResumeTask(c *gin.Context) {
	task, err := h.service.Resume(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// RecoverTask returns a terminal or STOPPED task to RUNNING with a
// fresh assistant session
// POST /api/v1/tasks/:name/recover
func (h *Handler) RecoverTask(c *gin.Context) {
	var req RecoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			appErr := apperrors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	var opts *service.RecoverOptions
	if req.MaxIterations > 0 || req.MaxTokens > 0 {
		opts = &service.RecoverOptions{
			MaxIterations: req.MaxIterations,
			MaxTokens:     req.MaxTokens,
		}
	}

	task, err := h.service.Recover(c.Request.Context(), c.Param("name"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// SendInput enqueues a human message for a task
// POST /api/v1/tasks/:name/input
func (h *Handler) SendInput(c *gin.Context) {
	var req SendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, err := h.service.SendInput(c.Request.Context(), c.Param("name"), req.Text, req.Images)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskToResponse(task))
}

// GetTranscript returns the ordered interaction log
// GET /api/v1/tasks/:name/transcript
func (h *Handler) GetTranscript(c *gin.Context) {
	interactions, err := h.service.Transcript(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := TranscriptResponse{
		Interactions: make([]*InteractionResponse, len(interactions)),
		Total:        len(interactions),
	}
	for i, it := range interactions {
		resp.Interactions[i] = interactionToResponse(it)
	}
	c.JSON(http.StatusOK, resp)
}

// GetQueueStatus summarizes a task's user input queue
// GET /api/v1/tasks/:name/queue
func (h *Handler) GetQueueStatus(c *gin.Context) {
	status, err := h.service.QueueStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Helper functions to convert models to response types

func taskToResponse(t *models.Task) *TaskResponse {
	return &TaskResponse{
		ID:               t.ID,
		Name:             t.Name,
		Owner:            t.Owner,
		Description:      t.Description,
		Status:           string(t.Status),
		ChatMode:         t.ChatMode,
		Projects:         t.Projects,
		RootPath:         t.RootPath,
		Branch:           t.Branch,
		BaseBranch:       t.BaseBranch,
		WorktreePath:     t.WorktreePath,
		CriteriaConfig:   t.CriteriaConfig,
		TotalTokensUsed:  t.TotalTokensUsed,
		InteractionCount: t.InteractionCount,
		UserInputPending: t.UserInputPending,
		Summary:          t.Summary,
		ErrorMessage:     t.ErrorMessage,
		CompletedAt:      t.CompletedAt,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func interactionToResponse(it *models.Interaction) *InteractionResponse {
	return &InteractionResponse{
		ID:           it.ID,
		Kind:         string(it.Kind),
		Content:      it.Content,
		ToolCalls:    it.Tools,
		InputTokens:  it.InputTokens,
		OutputTokens: it.OutputTokens,
		Timestamp:    it.Timestamp,
	}
}
