package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantlab_backend/controllers"
	"quantlab_backend/logger"
	"quantlab_backend/middleware"
	"quantlab_backend/services/analytics"
	"quantlab_backend/services/archive"
	"quantlab_backend/services/backtesting"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
)

// Dependencies are the services the HTTP layer is built from.
type Dependencies struct {
	Store       *jobs.Store
	Datasets    *dataset.Service
	Backtests   *backtesting.Service
	Attribution *analytics.Service
	Archive     *archive.Archiver
	Limiter     *middleware.RateLimiter
	Gatherer    prometheus.Gatherer
	DataDir     string
	JWTSecret   string
	CORSOrigins []string
	Log         logger.Logger
}

// NewRouter builds the engine with the shared middleware chain.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger(deps.Log),
		middleware.Recovery(deps.Log),
		middleware.CORS(deps.CORSOrigins),
	)
	SetupRoutes(router, deps)
	return router
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	healthController := controllers.NewHealthController(deps.DataDir, deps.Archive)
	datasetController := controllers.NewDatasetController(deps.Datasets)
	runController := controllers.NewRunController(deps.Backtests, deps.Attribution)
	jobController := controllers.NewJobController(deps.Store, deps.Archive)

	router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, http.StatusNotFound, "route "+c.Request.Method+" "+c.Request.URL.Path+" not found")
	})

	// Probes and catalogs
	router.GET("/health", healthController.Health)
	router.GET("/ready", healthController.Ready)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/presets", datasetController.GetPresets)
	router.GET("/strategies", runController.GetStrategies)

	api := router.Group("")
	if deps.JWTSecret != "" {
		api.Use(middleware.JWTAuthMiddleware(deps.JWTSecret))
	}
	if deps.Limiter != nil {
		api.Use(middleware.SubmitRateLimitMiddleware(deps.Limiter))
	}
	{
		// Dataset builds
		api.POST("/dataset", datasetController.Create)
		api.POST("/dataset/resume", datasetController.Resume)
		api.GET("/datasets", datasetController.ListDatasets)
		api.GET("/datasets/:name", datasetController.GetDataset)

		// Analysis runs
		api.POST("/backtest", runController.RunBacktest)
		api.POST("/optimization", runController.RunOptimization)
		api.POST("/attribution", runController.RunAttribution)

		// Polling and cancellation, one group per workflow
		for _, group := range controllers.JobGroups {
			jobsGroup := api.Group("/" + group.Path + "/jobs")
			jobsGroup.GET("/:jobId", jobController.GetJob(group))
			jobsGroup.DELETE("/:jobId", jobController.CancelJob(group))
		}

		api.GET("/jobs", jobController.ListJobs)
		api.GET("/jobs/history", jobController.History)
	}
}
