package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/duropiri/novai-sub001/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "pipeline-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	jobs := r.Group("/api/v1/jobs")
	{
		jobs.POST("", jobHandler.CreateJob)
		jobs.GET("", jobHandler.ListJobs)
		jobs.GET("/:job_id", jobHandler.GetJob)
		jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
	}

	return r
}
