package api

import (
	"github.com/gin-gonic/gin"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/plan"
	"github.com/taskdeck/taskdeck/internal/run"
	"github.com/taskdeck/taskdeck/internal/state"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.RouterGroup, launcher *run.Launcher, planMachine *plan.Machine, store state.Store, log *logger.Logger) {
	handler := NewHandler(launcher, planMachine, store, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("/:taskId/run", handler.RunTask)
		tasks.POST("/:taskId/cancel", handler.CancelTask)
		tasks.GET("/:taskId/state", handler.GetState)
		tasks.POST("/:taskId/logs/clear", handler.ClearLogs)

		// Plan mode
		tasks.POST("/:taskId/plan/answers", handler.SubmitAnswers)
		tasks.POST("/:taskId/plan/save", handler.SavePlan)
		tasks.POST("/:taskId/plan/artifact", handler.SelectArtifact)
		tasks.POST("/:taskId/plan/close", handler.ClosePlanView)
	}
}
