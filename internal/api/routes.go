package api

import (
	"net/http"

	"example.com/backstage/services/endpoint/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// mutatingRequestsPerMinute limits portal and reset traffic.
const mutatingRequestsPerMinute = 10

// NewRouter builds the gin engine with every route installed.
func NewRouter(handlers *Handlers, logger *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	SetupRoutes(router, handlers, logger)
	return router
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *Handlers, logger *logrus.Logger) {
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())

	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", handlers.GetStatus)
		v1.GET("/peripherals", handlers.GetPeripherals)
		v1.POST("/commands", handlers.PostCommand)

		mutating := v1.Group("")
		mutating.Use(RateLimiter(mutatingRequestsPerMinute))
		mutating.POST("/provisioning", handlers.Provision)
		mutating.POST("/factory-reset", handlers.FactoryReset)
	}
}

// NewServer wraps router in an http.Server using the API timeouts.
func NewServer(cfg config.APIConfig, router http.Handler) *http.Server {
	addr := cfg.Address
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
