package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

// Health は GET /health のハンドラーです。
// ffmpeg が使えない場合も 200 を返し、status を "degraded" にします。
func (a *API) Health(c *gin.Context) {
	ctx := c.Request.Context()
	encoder := a.opts.Encoder.Encoder(ctx)

	counts := map[jobs.Status]int{
		jobs.StatusQueued:     0,
		jobs.StatusProcessing: 0,
		jobs.StatusCompleted:  0,
		jobs.StatusFailed:     0,
		jobs.StatusCancelled:  0,
	}
	for _, job := range a.opts.Jobs.List() {
		counts[job.Status]++
	}

	status := "ok"
	if !encoder.Available {
		status = "degraded"
	}

	data := gin.H{
		"status":  status,
		"service": a.opts.Service,
		"version": a.opts.Version,
		"time":    a.now().UTC(),
		"encoder": encoder,
		"jobs":    counts,
	}
	if a.opts.HostStats != nil {
		data["host"] = a.opts.HostStats(ctx)
	}
	respondOK(c, http.StatusOK, data)
}
