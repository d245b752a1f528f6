package controllers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"quantlab_backend/middleware"
	"quantlab_backend/services/archive"
)

// HealthController answers liveness and readiness probes.
type HealthController struct {
	dataDir string
	archive *archive.Archiver
	started time.Time
}

func NewHealthController(dataDir string, archiver *archive.Archiver) *HealthController {
	return &HealthController{dataDir: dataDir, archive: archiver, started: time.Now()}
}

// Health reports the process is up
// GET /health
func (ctrl *HealthController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(ctrl.started).Round(time.Second).String(),
	})
}

// Ready checks the data directory and the archive
// GET /ready
func (ctrl *HealthController) Ready(c *gin.Context) {
	checks := gin.H{}

	if err := probeWritable(ctrl.dataDir); err != nil {
		middleware.AbortWithError(c, http.StatusServiceUnavailable, "data directory is not writable: "+err.Error())
		return
	}
	checks["dataDir"] = "ok"

	if ctrl.archive.Enabled() {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := ctrl.archive.Ping(ctx); err != nil {
			middleware.AbortWithError(c, http.StatusServiceUnavailable, "archive unreachable: "+err.Error())
			return
		}
		checks["archive"] = "ok"
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}
