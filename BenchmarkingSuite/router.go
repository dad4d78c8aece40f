package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func startRouter(cfg BenchmarkConfig) *gin.Engine {
	r := gin.Default()

	r.GET("/health", healthCheckHandler)

	r.POST("/submit-batches", submitBatchesHandler(cfg))

	return r
}

func healthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitBatchesHandler runs one benchmark round. count and concurrency query parameters
// override the configured values.
func submitBatchesHandler(cfg BenchmarkConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := queryInt(c, "count", cfg.BatchCount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		concurrency, err := queryInt(c, "concurrency", cfg.Concurrency)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		client := &http.Client{Timeout: cfg.RequestTimeout}
		batches, err := SubmitBatches(c.Request.Context(), client, cfg.target(), count, concurrency, LineFactory(cfg.BatchSize))
		if err != nil {
			slog.Error("Failed to submit batches", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit batches"})
			return
		}

		details := make([]gin.H, 0, len(batches))
		for _, b := range batches {
			details = append(details, gin.H{
				"request_id":   b.RequestID,
				"device":       b.Device,
				"submitted_at": b.SubmittedAt.Format(time.RFC3339),
				"latency_ms":   b.Latency.Milliseconds(),
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Batches submitted",
			"report":  Summarize(batches),
			"batches": details,
		})
	}
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
