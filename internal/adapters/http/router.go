package http

import (
	"net/http"

	"github.com/dkeye/Desk/internal/app/orch"
	"github.com/dkeye/Desk/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Session is the part of the controller the status surface needs.
type Session interface {
	Snapshot() orch.Snapshot
	Stop()
}

// SetupRouter serves the local status surface for the tray layer:
// GET /api/status, POST /api/stop and GET /metrics.
func SetupRouter(cfg *config.Config, s Session, reg *prometheus.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	api.POST("/stop", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Msg("stop requested")
		s.Stop()
		c.Status(http.StatusAccepted)
	})

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("addr", cfg.StatusAddr).Msg("router setup")
	return r
}
