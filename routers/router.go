package routers

import (
	"time"

	"vidfab-server/routers/api"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Log.Named("http")))

	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.POST("/projects/:project_id/analyze", h.AnalyzeProject)
		v1.POST("/projects/:project_id/characters/images", h.GenerateCharacterImages)
		v1.POST("/projects/:project_id/storyboard", h.GenerateStoryboard)
		v1.POST("/projects/:project_id/shots/:shot_id/video", h.GenerateShotVideo)
		v1.POST("/projects/:project_id/shots/:shot_id/retry", h.RetryShotVideo)
		v1.POST("/projects/:project_id/sync", h.SyncProject)
		v1.POST("/projects/:project_id/compose", h.ComposeProject)
		v1.GET("/tasks/:task_id", h.GetTaskStatus)
		v1.GET("/admin/tasks/dead", h.ListDeadTasks)
		v1.GET("/users/:user_id/credits", h.GetCredits)
		v1.POST("/users/:user_id/credits", h.GrantCredits)
	}
	r.GET("/tasks/:task_id/wss", h.TaskProgressWebSocket)
	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_id", c.GetHeader(api.HeaderUserID)),
		)
	}
}
