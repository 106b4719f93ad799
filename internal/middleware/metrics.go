package middleware

import (
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
)

var (
	requestCounter   = metrics.GetOrCreateCounter("http_requests_total")
	responseTimeHist = metrics.GetOrCreateHistogram("http_response_time_seconds")
	responseSizeHist = metrics.GetOrCreateHistogram("http_response_size_bytes")
)

func WithMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestCounter.Inc()

		c.Next()

		responseTimeHist.Update(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			responseSizeHist.Update(float64(size))
		}
		statusCounter(c.Writer.Status()).Inc()
	}
}

func statusCounter(code int) *metrics.Counter {
	return metrics.GetOrCreateCounter(`http_response_status_total{code="` + strconv.Itoa(code) + `"}`)
}

// Prometheus exposes all registered metrics in Prometheus text format.
func Prometheus(c *gin.Context) {
	metrics.WritePrometheus(c.Writer, true)
}
