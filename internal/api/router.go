// Package api serves the local REST surface the app shell consumes: the
// entity snapshot, the generic service-call endpoint, the notification
// preferences and daemon status.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/commands"
	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/mirror"
	"github.com/casa-home/casahub-go/internal/settings"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(client *hub.Client, mir *mirror.Mirror, facade *commands.Facade,
	recon *settings.Reconciler, gatherer prometheus.Gatherer, logger *logrus.Logger) *gin.Engine {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.Default())

	h := newHandlers(client, mir, facade, recon, logger)

	router.GET("/healthz", h.Healthz)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.Status)
		api.GET("/entities", h.ListEntities)
		api.GET("/entities/:id", h.GetEntity)
		api.POST("/services/call", h.CallService)
		api.GET("/preferences", h.GetPreferences)
		api.PUT("/preferences/:flag", h.SetPreference)
	}

	return router
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		})
		if c.Writer.Status() >= 500 {
			entry.Error("Request failed")
		} else {
			entry.Debug("Request handled")
		}
	}
}
