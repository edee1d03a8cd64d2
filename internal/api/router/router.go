package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelforge/capture-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "capture-service",
			"capable": deps.Orchestrator.Capable(c.Request.Context()),
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit an image batch for reconstruction
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs/:job_id - Get job state and progress
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/progress - Stream progress lines
			jobs.GET("/:job_id/progress", jobHandler.StreamProgress)

			// GET /api/v1/jobs/:job_id/result - Download the artifact
			jobs.GET("/:job_id/result", jobHandler.DownloadResult)

			// DELETE /api/v1/jobs/:job_id - Reclaim a terminal job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
