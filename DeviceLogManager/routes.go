package main

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// setupRouter registers the log endpoints. monitor may be nil when batches are not mirrored
// through a queue.
func setupRouter(server *Server, monitor *MirrorQueueMonitor, authKey string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", ping)
	r.GET("/health", server.health)

	protected := r.Group("")
	if authKey == "" {
		slog.Warn("No auth key set")
	} else {
		slog.Info("Auth key set")
		protected.Use(gin.BasicAuth(gin.Accounts{
			"devicelogs": authKey,
		}))
	}

	devices := protected.Group("/device/v2")
	{
		devices.POST("/:uuid/logs", server.StoreLogs)
		devices.GET("/:uuid/logs", server.ReadLogs)
	}
	if monitor != nil {
		protected.GET("/monitoring/mirror", monitor.handler)
	}

	return r
}
