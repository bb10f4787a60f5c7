package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(ErrorMiddleware())
	r.Use(LoggingMiddleware())
	if s.opts.Recorder != nil {
		r.Use(MetricsMiddleware(s.opts.Recorder))
	}
	r.Use(CORSMiddleware())
	r.Use(RateLimitMiddleware(s.config.RateLimitRPS, s.config.RateBurst))

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if s.opts.WebSocket != nil {
		r.GET("/ws", gin.WrapF(s.opts.WebSocket))
	}

	h := s.handlers
	v1 := r.Group("/api/v1")
	v1.GET("/health", h.HealthCheckHandler)
	v1.GET("/status", h.StatusHandler)
	v1.GET("/profile", h.ProfileHandler)

	v1.GET("/positions", h.ListPositionsHandler)
	v1.GET("/positions/:id", h.GetPositionHandler)
	v1.GET("/alerts", h.ListAlertsHandler)
	v1.GET("/portfolio/snapshot", h.SnapshotHandler)
	v1.GET("/portfolio/report", h.ReportHandler)
	v1.GET("/closes", h.ClosesHandler)
	v1.GET("/ticks", h.ListTicksHandler)
	v1.POST("/assess", h.AssessHandler)

	write := v1.Group("", AuthMiddleware(s.config.APIKey))
	write.POST("/positions", h.RegisterPositionHandler)
	write.DELETE("/positions/:id", h.DeregisterPositionHandler)
	write.POST("/positions/:id/actions", h.ExecuteActionHandler)
	write.POST("/ticks/:name", h.RunTickHandler)
	write.PUT("/quotes/:symbol", h.SetQuoteHandler)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
}
