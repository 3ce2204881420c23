package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/scadarchive/internal/api/handler"
	"github.com/timmy/scadarchive/internal/api/middleware"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/logger"
)

// Dependencies are the services exposed over HTTP. Alarms, Adjustments and
// Runs may be nil, in which case their routes are not registered.
type Dependencies struct {
	Processor   handler.Processor
	Validator   handler.Validator
	Alarms      handler.AlarmLister
	Adjustments handler.AdjustmentStore
	Runs        handler.RunLister
	Health      map[string]handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, cfg *config.ServerConfig, log *logger.Logger) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.Health, 0)
	processHandler := handler.NewProcessHandler(deps.Processor)
	validationHandler := handler.NewValidationHandler(deps.Validator)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		// Reconciliation
		v1.POST("/process", processHandler.Process)
		v1.POST("/process/abort", processHandler.Abort)
		v1.GET("/status", processHandler.Status)

		// Integrity validation
		v1.POST("/validation/run", validationHandler.Run)
		v1.GET("/validation/report", validationHandler.Report)
		v1.GET("/validation/rules", validationHandler.Rules)

		if deps.Runs != nil {
			v1.GET("/runs", handler.NewRunHandler(deps.Runs).List)
		}

		if deps.Alarms != nil && deps.Adjustments != nil {
			alarmHandler := handler.NewAlarmHandler(deps.Alarms, deps.Adjustments)
			v1.GET("/alarms", alarmHandler.List)
			v1.GET("/alarms/adjustments", alarmHandler.ListAdjustments)
			v1.GET("/alarms/adjustments/:id", alarmHandler.GetAdjustment)
			v1.PUT("/alarms/adjustments/:id", alarmHandler.PutAdjustment)
			v1.DELETE("/alarms/adjustments/:id", alarmHandler.DeleteAdjustment)
		}
	}

	return r
}
