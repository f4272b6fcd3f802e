package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/errors"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/plan"
	"github.com/taskdeck/taskdeck/internal/run"
	"github.com/taskdeck/taskdeck/internal/state"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	launcher *run.Launcher
	plan     *plan.Machine
	store    state.Store
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(launcher *run.Launcher, planMachine *plan.Machine, store state.Store, log *logger.Logger) *Handler {
	return &Handler{
		launcher: launcher,
		plan:     planMachine,
		store:    store,
		logger:   log,
	}
}

// RunTask starts a run for a task
// POST /api/v1/tasks/:taskId/run
func (h *Handler) RunTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req RunTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.launcher.RunTask(c.Request.Context(), req.Task(taskID), req.Options()); err != nil {
		h.logger.Error("failed to start run", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to start run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusAccepted)
}

// CancelTask cancels a task's live run
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	canceled := h.launcher.CancelTask(c.Request.Context(), taskID)
	c.JSON(http.StatusOK, CancelResponse{Canceled: canceled})
}

// GetState returns a task's execution state
// GET /api/v1/tasks/:taskId/state
func (h *Handler) GetState(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	st, err := h.store.Get(c.Request.Context(), taskID)
	if err != nil {
		h.logger.Error("failed to load execution state", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.InternalError("failed to load execution state", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, stateToResponse(st))
}

// ClearLogs clears a task's accumulated log
// POST /api/v1/tasks/:taskId/logs/clear
func (h *Handler) ClearLogs(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	_, err := h.store.Mutate(c.Request.Context(), taskID, func(st *state.ExecutionState) {
		st.ClearLogs()
	})
	if err != nil {
		h.logger.Error("failed to clear logs", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.InternalError("failed to clear logs", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// SubmitAnswers submits answers to the stored clarifying questions
// POST /api/v1/tasks/:taskId/plan/answers
func (h *Handler) SubmitAnswers(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req SubmitAnswersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task := &RunTaskRequest{
		Title:       req.Title,
		Description: req.Description,
		RepoPath:    req.RepoPath,
	}
	if err := h.plan.SubmitAnswers(c.Request.Context(), task.Task(taskID), req.Answers); err != nil {
		h.logger.Error("failed to submit answers", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to submit answers")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusAccepted)
}

// SavePlan writes edited plan content back to the plan document
// POST /api/v1/tasks/:taskId/plan/save
func (h *Handler) SavePlan(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req SavePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.plan.SavePlan(c.Request.Context(), taskID, req.Content); err != nil {
		h.logger.Error("failed to save plan", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to save plan")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// SelectArtifact records the artifact shown by the review surface
// POST /api/v1/tasks/:taskId/plan/artifact
func (h *Handler) SelectArtifact(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req SelectArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.plan.SelectArtifact(c.Request.Context(), taskID, req.ArtifactID); err != nil {
		h.logger.Error("failed to select artifact", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.InternalError("failed to select artifact", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// ClosePlanView returns a task to the idle plan phase
// POST /api/v1/tasks/:taskId/plan/close
func (h *Handler) ClosePlanView(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		appErr := errors.BadRequest("taskId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.plan.ClosePlanView(c.Request.Context(), taskID); err != nil {
		h.logger.Error("failed to close plan view", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.InternalError("failed to close plan view", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}
