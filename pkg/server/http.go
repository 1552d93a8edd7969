package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/health"
)

// ProvideOpsServer serves liveness, readiness and prometheus metrics.
var ProvideOpsServer = fx.Module("ops.server",
	fx.Provide(NewOpsServer),
	fx.Invoke(Run),
)

type Server struct {
	server *http.Server
}

type Params struct {
	fx.In
	Config *config.Config
	Health health.HealthService
}

func NewRouter(cfg *config.Config, h health.HealthService) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/livez", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func NewOpsServer(p Params) *Server {
	return &Server{
		server: &http.Server{
			Addr:              p.Config.MetricsAddr,
			Handler:           NewRouter(p.Config, p.Health),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("Starting ops HTTP server", zap.String("addr", srv.server.Addr))
			go func() {
				if err := srv.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("ops HTTP server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("Shutting down ops HTTP server gracefully...")
			return srv.server.Shutdown(ctx)
		},
	})
}
