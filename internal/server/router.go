package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lexicraft/lexicraft-backend/internal/handlers"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
)

type RouterConfig struct {
	ProcessHandler    *handlers.ProcessHandler
	JobsHandler       *handlers.JobsHandler
	ThumbnailHandler  *handlers.ThumbnailHandler
	VocabularyHandler *handlers.VocabularyHandler
	HealthHandler     *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.MaxMultipartMemory = int64(envutil.Int("MAX_UPLOAD_MB", 64)) << 20

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/health", cfg.HealthHandler.Health)

	router.POST("/process/async", cfg.ProcessHandler.ProcessAsync)
	router.GET("/process/status/:job_id", cfg.ProcessHandler.Status)
	router.GET("/result/:job_id", cfg.ProcessHandler.Result)

	router.GET("/jobs", cfg.JobsHandler.ListJobs)
	router.DELETE("/jobs/:job_id", cfg.JobsHandler.CancelJob)

	router.POST("/thumbnail", cfg.ThumbnailHandler.GenerateThumbnail)
	router.POST("/vocabulary/analyze", cfg.VocabularyHandler.Analyze)

	return router
}

func allowedOrigins() []string {
	raw := envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:8080")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
