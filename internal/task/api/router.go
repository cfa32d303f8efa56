package api

import (
	"github.com/gin-gonic/gin"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/service"
)

// SetupRoutes configures the task API routes
func SetupRoutes(router *gin.RouterGroup, svc *service.Service, log *logger.Logger) {
	handler := NewHandler(svc, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:name", handler.GetTask)
		tasks.DELETE("/:name", handler.DeleteTask)

		tasks.POST("/:name/start", handler.StartTask)
		tasks.POST("/:name/stop", handler.StopTask)
		tasks.POST("/:name/resume", handler.ResumeTask)
		tasks.POST("/:name/recover", handler.RecoverTask)
		tasks.POST("/:name/input", handler.SendInput)

		tasks.GET("/:name/transcript", handler.GetTranscript)
		tasks.GET("/:name/queue", handler.GetQueueStatus)
		tasks.GET("/:name/stream", handler.StreamTask)
	}
}
