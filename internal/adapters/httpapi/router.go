// Package httpapi exposes the admin and stats surface over HTTP and hosts the
// websocket signaling endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/adapters/signal"
	"github.com/mkrasnov/confbridge/internal/config"
	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/sfu"
)

// ClientTokenMiddleware tags every client with an opaque cookie token, used as
// the default user id on the signaling channel.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = domain.NewID()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, mgr *sfu.Manager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.POST("/sessions", func(c *gin.Context) {
		id, err := mgr.CreateSession(c.Request.Context())
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"sessionId": id})
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		mgr.CloseSession(domain.SessionID(c.Param("id")))
		c.Status(http.StatusNoContent)
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, mgr.Snapshot())
	})

	api.GET("/sessions/:id/stats", func(c *gin.Context) {
		stats, err := mgr.DetailedStats(c.Request.Context(), domain.SessionID(c.Param("id")))
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	ctl := signal.NewController(mgr)
	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.Handle(ctx, c)
	})

	log.Info().Str("module", "httpapi").Msg("router setup")
	return r
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sfu.ErrSessionNotFound), errors.Is(err, sfu.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, sfu.ErrNotOwner), errors.Is(err, sfu.ErrUserNotInSession):
		return http.StatusForbidden
	case errors.Is(err, sfu.ErrSessionClosing), errors.Is(err, sfu.ErrIncompatibleCodec):
		return http.StatusConflict
	case errors.Is(err, sfu.ErrWorkerUnavailable), errors.Is(err, sfu.ErrWorkerLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, sfu.ErrEngineTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
